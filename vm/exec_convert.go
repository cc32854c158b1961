package vm

var conversionTargets = map[Opcode]Kind{
	OpA2I: KindInteger,
	OpA2F: KindFloat,
	OpA2D: KindDouble,
	OpA2B: KindByte,
	OpA2C: KindChar,
	OpA2O: KindBool,
	OpA2S: KindString,
}

// execConvert converts register A in place.
func (c *execCtx) execConvert(op Opcode) (effect, error) {
	to := conversionTargets[op]
	rs := c.regs()
	a := rs.A

	if a.IsReference() {
		_, cell, err := c.heapCell(a)
		if err != nil {
			return cont, err
		}
		if cell.Type.ID != KindString {
			return cont, errCannotConvert(cell.Type.ID, to)
		}
		if to == KindString {
			return cont, nil
		}
		s, err := cell.StringValue()
		if err != nil {
			return cont, errCannotConvert(KindString, to)
		}
		v, err := parseString(s, to, c.width)
		if err != nil {
			return cont, err
		}
		rs.A = v
		return cont, nil
	}

	if to == KindString {
		s, err := formatForString(a)
		if err != nil {
			return cont, err
		}
		ref, err := c.allocate(NewString(s))
		if err != nil {
			return cont, err
		}
		rs.A = ref
		return cont, nil
	}

	v, err := convertFixed(a, to, c.width)
	if err != nil {
		return cont, err
	}
	rs.A = v
	return cont, nil
}
