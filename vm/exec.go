package vm

import (
	"errors"
	"fmt"
)

// effectKind is what the thread loop must do after an instruction.
type effectKind uint8

const (
	effContinue effectKind = iota
	effJump
	effPopFrame
	effCallFunction
	effCallNative
)

// CallFunction describes a frame push requested by CALL.
type CallFunction struct {
	Hash      int
	StackLen  int
	EscapePos int
	Pos       int
	Start     int
	End       int
}

// NativeCall describes a host call requested by CALLN.
type NativeCall struct {
	Fn     *NativeFunction
	Params []NativeParam
}

type effect struct {
	kind   effectKind
	pos    int
	call   CallFunction
	native NativeCall
}

var cont = effect{kind: effContinue}

func jumpTo(pos int) effect {
	return effect{kind: effJump, pos: pos}
}

// execCtx is the view an executor gets of its thread: the active frame and
// the shared arenas, which the caller has already locked.
type execCtx struct {
	frame   *Frame
	stack   *Stack
	heap    *Heap
	program *Program
	natives *NativeRegistry
	width   Width
}

// dispatch executes one instruction.
func (c *execCtx) dispatch(in Instruction) (effect, error) {
	switch in.Op {
	case OpLDA, OpLDB, OpLDC, OpLDX, OpLDY:
		return c.execLoad(loadTarget(in.Op), in.Addr)
	case OpSTA, OpSTB, OpSTC, OpSTX, OpSTY:
		return c.execStore(storeTarget(in.Op), in.Addr)

	case OpADD, OpSUB, OpMUL, OpDIV, OpMOD, OpEXP:
		if err := c.requireImplicit(in.Addr); err != nil {
			return cont, err
		}
		return c.execArith(in.Op)
	case OpEQ, OpNE, OpGT, OpLT, OpGQ, OpLQ, OpAND, OpOR:
		if err := c.requireImplicit(in.Addr); err != nil {
			return cont, err
		}
		return c.execCompare(in.Op)
	case OpA2I, OpA2F, OpA2D, OpA2B, OpA2C, OpA2O, OpA2S:
		if err := c.requireImplicit(in.Addr); err != nil {
			return cont, err
		}
		return c.execConvert(in.Op)

	case OpJMP:
		return c.execJump(in.Addr)
	case OpJMPA:
		return c.execJumpIf(in.Addr)
	case OpCALL:
		return c.execCall(in.Addr)
	case OpRET:
		return effect{kind: effPopFrame}, nil
	case OpFN:
		return c.execFn(in.Addr)
	case OpCALLN:
		return c.execCallNative(in.Addr)

	case OpSTR:
		return c.execAlloc(KindString, in.Addr)
	case OpARR:
		return c.execAlloc(KindArray, in.Addr)
	case OpSPUS:
		return c.execStringPush(in.Addr)
	case OpAPUS:
		return c.execArrayPush(in.Addr)
	case OpDEA:
		return c.execDeallocate(in.Addr)
	case OpLEN:
		return c.execLen(in.Addr)
	}
	return cont, errRuntime(fmt.Sprintf("unknown opcode %#02x", byte(in.Op)))
}

func (c *execCtx) regs() *Registers {
	return &c.frame.Registers
}

func (c *execCtx) requireImplicit(a Addressing) error {
	if a.Mode != Implicit {
		return errIllegalAddressing(a.Mode)
	}
	return nil
}

// address resolves the Absolute family to an absolute stack index.
func (c *execCtx) address(a Addressing) (int, error) {
	switch a.Mode {
	case Absolute, AbsoluteIndex, AbsoluteProperty:
		return c.frame.RealAddress(a.Addr), nil
	case AbsoluteStatic:
		return a.Addr, nil
	}
	return 0, errIllegalAddressing(a.Mode)
}

// slot reads a stack slot; empty and out-of-range slots are access
// violations.
func (c *execCtx) slot(addr int) (FixedValue, error) {
	v, ok := c.stack.Get(addr)
	if !ok {
		return FixedValue{}, errMemoryAccess(addr, c.frame.Cursor)
	}
	return v, nil
}

func (c *execCtx) setSlot(addr int, v FixedValue) error {
	if err := c.stack.Set(addr, v); err != nil {
		return errMemoryAccess(addr, c.frame.Cursor)
	}
	return nil
}

// heapCell follows a reference held in a register or slot to the heap cell
// it designates. Stack references are chased through their slots; heap
// reference cells are chased by the heap. A missing link is a null
// reference.
func (c *execCtx) heapCell(v FixedValue) (int, *VariableValue, error) {
	hops := 0
	for v.IsStackReference() {
		addr := v.AsAddress()
		next, ok := c.stack.Get(addr)
		if !ok {
			return 0, nil, errNullReference(addr)
		}
		if hops++; hops > c.stack.Capacity() {
			return 0, nil, errNullReference(addr)
		}
		v = next
	}
	if !v.IsHeapReference() {
		if v.Type.ID == KindVoid {
			return 0, nil, errNullReference(0)
		}
		return 0, nil, errInvalidType(v.Type.ID)
	}
	addr := v.AsAddress()
	cell, ok, err := c.heap.GetDereferenced(addr)
	if err != nil {
		if errors.Is(err, ErrReferenceCycle) {
			return 0, nil, errNullReference(addr)
		}
		return 0, nil, errInvalidType(KindHeapRef)
	}
	if !ok {
		return 0, nil, errNullReference(addr)
	}
	return addr, cell, nil
}

// cellAt resolves an instruction operand naming a slot that references a
// heap cell.
func (c *execCtx) cellAt(a Addressing) (*VariableValue, error) {
	addr, err := c.address(a)
	if err != nil {
		return nil, err
	}
	v, err := c.slot(addr)
	if err != nil {
		return nil, err
	}
	if v.Type.ID == KindVoid {
		return nil, errNullReference(addr)
	}
	_, cell, err := c.heapCell(v)
	return cell, err
}

// allocate stores a new heap cell at the current position, aliased to the
// stack slot of the same index, and returns the reference.
func (c *execCtx) allocate(v VariableValue) (FixedValue, error) {
	pos := c.frame.CurrentPos()
	if !c.stack.InRange(pos) {
		return FixedValue{}, errMemoryAccess(pos, c.frame.Cursor)
	}
	c.heap.Set(pos, v)
	return HeapRef(pos, c.width), nil
}
