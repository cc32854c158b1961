package vm

import "strings"

func (c *execCtx) jumpTarget(a Addressing) (int, error) {
	if a.Mode != Absolute {
		return 0, errIllegalAddressing(a.Mode)
	}
	return a.Addr, nil
}

func (c *execCtx) execJump(a Addressing) (effect, error) {
	pos, err := c.jumpTarget(a)
	if err != nil {
		return cont, err
	}
	return jumpTo(pos), nil
}

// execJumpIf jumps when A is Bool(true) and falls through on Bool(false).
func (c *execCtx) execJumpIf(a Addressing) (effect, error) {
	pos, err := c.jumpTarget(a)
	if err != nil {
		return cont, err
	}
	cond := c.regs().A
	if !cond.IsBool() {
		return cont, errInvalidRegister(cond.Type.ID)
	}
	if cond.AsBool() {
		return jumpTo(pos), nil
	}
	return cont, nil
}

// fnHash extracts the function identity from an FN marker operand.
func fnHash(a Addressing, w Width) (int, error) {
	if a.Mode != Immediate {
		return 0, errIllegalAddressing(a.Mode)
	}
	switch a.Imm.Type.ID {
	case KindInteger, KindFunction:
	default:
		return 0, errInvalidType(a.Imm.Type.ID)
	}
	v, err := a.Imm.Fixed(w)
	if err != nil {
		return 0, err
	}
	if v.Type.ID == KindFunction {
		return v.AsAddress(), nil
	}
	return int(v.AsInt()), nil
}

// execCall resolves the FN marker at the target position through the
// function table and requests a frame push.
func (c *execCtx) execCall(a Addressing) (effect, error) {
	target, err := c.jumpTarget(a)
	if err != nil {
		return cont, err
	}
	marker, ok := c.program.At(target)
	if !ok || marker.Op != OpFN {
		return cont, errCallToUnknown(target)
	}
	hash, err := fnHash(marker.Addr, c.width)
	if err != nil {
		return cont, err
	}
	entry, ok := c.program.Function(hash)
	if !ok || entry.Start != target {
		return cont, errCallToUnknown(hash)
	}
	return effect{kind: effCallFunction, call: CallFunction{
		Hash:      hash,
		StackLen:  entry.StackLen,
		EscapePos: c.frame.Pos() + 1,
		Pos:       entry.Start + 1,
		Start:     entry.Start,
		End:       entry.End,
	}}, nil
}

// execFn runs when control falls through onto a function marker; the body
// is skipped.
func (c *execCtx) execFn(a Addressing) (effect, error) {
	switch a.Mode {
	case Absolute:
		return jumpTo(a.Addr), nil
	case Immediate:
		hash, err := fnHash(a, c.width)
		if err != nil {
			return cont, err
		}
		entry, ok := c.program.Function(hash)
		if !ok {
			return cont, errCallToUnknown(hash)
		}
		return jumpTo(entry.End), nil
	}
	return cont, errIllegalAddressing(a.Mode)
}

// execCallNative resolves a "module>name[:arity]" immediate and collects the
// parameters stored just past the frame's window.
func (c *execCtx) execCallNative(a Addressing) (effect, error) {
	if a.Mode != Immediate {
		return cont, errIllegalAddressing(a.Mode)
	}
	if a.Imm.Type.ID != KindString {
		return cont, errInvalidType(a.Imm.Type.ID)
	}
	name, err := a.Imm.StringValue()
	if err != nil {
		return cont, errInvalidType(KindString)
	}
	fn, ok := c.natives.Lookup(name)
	if !ok {
		return cont, errRuntime("unknown native function " + strings.TrimSpace(name))
	}

	base := c.frame.Base + c.frame.StackLen
	params := make([]NativeParam, 0, fn.Arity)
	for i := 0; i < fn.Arity; i++ {
		v, err := c.slot(base + i)
		if err != nil {
			return cont, err
		}
		p := NativeParam{Value: v}
		if v.IsReference() {
			_, cell, err := c.heapCell(v)
			if err != nil {
				return cont, err
			}
			clone := cell.Clone()
			p.Heap = &clone
		}
		params = append(params, p)
	}
	return effect{kind: effCallNative, native: NativeCall{Fn: fn, Params: params}}, nil
}
