package vm

// execAlloc implements STR and ARR: a fresh heap cell of kind k at the
// current position, referenced from the stack slot of the same index.
func (c *execCtx) execAlloc(k Kind, a Addressing) (effect, error) {
	if err := c.requireImplicit(a); err != nil {
		return cont, err
	}
	ref, err := c.allocate(NewVariable(k))
	if err != nil {
		return cont, err
	}
	return cont, c.setSlot(c.frame.CurrentPos(), ref)
}

// execStringPush appends the Char in A to the string referenced at addr.
func (c *execCtx) execStringPush(a Addressing) (effect, error) {
	ch := c.regs().A
	if ch.Type.ID != KindChar {
		return cont, errInvalidRegister(ch.Type.ID)
	}
	cell, err := c.cellAt(a)
	if err != nil {
		return cont, err
	}
	if cell.Type.ID != KindString {
		return cont, errInvalidType(cell.Type.ID)
	}
	cell.AppendChar(ch.AsChar())
	return cont, nil
}

// execArrayPush appends A to the array referenced at addr.
func (c *execCtx) execArrayPush(a Addressing) (effect, error) {
	v := c.regs().A
	if v.Empty() {
		return cont, errInvalidRegister(0)
	}
	cell, err := c.cellAt(a)
	if err != nil {
		return cont, err
	}
	if cell.Type.ID != KindArray && cell.Type.ID != KindClass {
		return cont, errInvalidType(cell.Type.ID)
	}
	cell.AppendElement(v, c.width)
	return cont, nil
}

// execDeallocate removes a slot and frees the heap cell it referenced.
func (c *execCtx) execDeallocate(a Addressing) (effect, error) {
	addr, err := c.address(a)
	if err != nil {
		return cont, err
	}
	old, err := c.stack.Remove(addr)
	if err != nil {
		return cont, errMemoryAccess(addr, c.frame.Cursor)
	}
	if old.IsHeapReference() {
		c.heap.Deallocate(old.AsAddress())
	}
	return cont, nil
}

// execLen stores the length of the string or array referenced by A in X.
func (c *execCtx) execLen(a Addressing) (effect, error) {
	if err := c.requireImplicit(a); err != nil {
		return cont, err
	}
	_, cell, err := c.heapCell(c.regs().A)
	if err != nil {
		return cont, err
	}
	switch cell.Type.ID {
	case KindString, KindArray, KindClass, KindStaticArray:
	default:
		return cont, errInvalidType(cell.Type.ID)
	}
	n, err := FromInt(int64(cell.Len(c.width)), c.width)
	if err != nil {
		return cont, err
	}
	c.regs().X = n
	return cont, nil
}
