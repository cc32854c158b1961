package vm

// execLoad implements LDA..LDY.
func (c *execCtx) execLoad(r Register, a Addressing) (effect, error) {
	var (
		v   FixedValue
		err error
	)
	switch a.Mode {
	case Immediate:
		v, err = c.immediate(a.Imm)
	case Absolute, AbsoluteStatic:
		var addr int
		if addr, err = c.address(a); err == nil {
			v, err = c.loadSlot(addr)
		}
	case AbsoluteIndex, AbsoluteProperty:
		v, err = c.loadElement(a)
	case Implicit:
		// X and Y expose the code position and the frame base.
		switch r {
		case RegX:
			v, err = FromInt(int64(c.frame.Pos()), c.width)
		case RegY:
			v, err = FromInt(int64(c.frame.Base), c.width)
		default:
			err = errIllegalAddressing(a.Mode)
		}
	default:
		src, ok := a.Mode.Register()
		if !ok {
			return cont, errIllegalAddressing(a.Mode)
		}
		v = c.regs().Get(src)
	}
	if err != nil {
		return cont, err
	}
	c.regs().Set(r, v)
	return cont, nil
}

// immediate narrows an embedded operand to a register value. Heap-only
// kinds cannot be embedded.
func (c *execCtx) immediate(raw VariableValue) (FixedValue, error) {
	if raw.Type.ID.IsVariable() {
		return FixedValue{}, errImmediateUse(raw.Type.ID)
	}
	return raw.Fixed(c.width)
}

// loadSlot copies primitives, rejects Void and hands out a stack reference
// for everything else.
func (c *execCtx) loadSlot(addr int) (FixedValue, error) {
	v, err := c.slot(addr)
	if err != nil {
		return FixedValue{}, err
	}
	switch {
	case v.Type.ID == KindVoid:
		return FixedValue{}, errNullReference(addr)
	case v.IsPrimitive():
		return v, nil
	}
	return StackRef(addr, c.width), nil
}

// elementIndex returns the element index named by an AbsoluteIndex or
// AbsoluteProperty operand.
func (c *execCtx) elementIndex(a Addressing) (int, error) {
	if a.Mode == AbsoluteProperty {
		return a.Index, nil
	}
	iv, err := c.slot(c.frame.RealAddress(a.Index))
	if err != nil {
		return 0, err
	}
	if iv.Type.ID != KindInteger && iv.Type.ID != KindByte {
		return 0, errInvalidType(iv.Type.ID)
	}
	return int(toInt64(iv)), nil
}

// elementCell resolves the heap cell an indexed operand refers to and checks
// that its kind matches the mode.
func (c *execCtx) elementCell(a Addressing) (*VariableValue, int, error) {
	cell, err := c.cellAt(a)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case a.Mode == AbsoluteProperty && cell.Type.ID != KindClass:
		return nil, 0, errInvalidType(cell.Type.ID)
	case a.Mode == AbsoluteIndex && cell.Type.ID != KindArray && cell.Type.ID != KindStaticArray:
		return nil, 0, errInvalidType(cell.Type.ID)
	}
	i, err := c.elementIndex(a)
	if err != nil {
		return nil, 0, err
	}
	return cell, i, nil
}

func (c *execCtx) loadElement(a Addressing) (FixedValue, error) {
	cell, i, err := c.elementCell(a)
	if err != nil {
		return FixedValue{}, err
	}
	return cell.Element(i, c.width)
}

// execStore implements STA..STY.
func (c *execCtx) execStore(r Register, a Addressing) (effect, error) {
	v := c.regs().Get(r)
	switch a.Mode {
	case Implicit:
		return cont, c.setSlot(c.frame.CurrentPos(), v)
	case Absolute, AbsoluteStatic:
		addr, err := c.address(a)
		if err != nil {
			return cont, err
		}
		return cont, c.setSlot(addr, v)
	case AbsoluteIndex, AbsoluteProperty:
		cell, i, err := c.elementCell(a)
		if err != nil {
			return cont, err
		}
		return cont, cell.SetElement(i, v, c.width)
	case Immediate:
		return cont, errIllegalAddressing(a.Mode)
	}
	dst, ok := a.Mode.Register()
	if !ok {
		return cont, errIllegalAddressing(a.Mode)
	}
	c.regs().Set(dst, v)
	return cont, nil
}
