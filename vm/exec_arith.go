package vm

import (
	"bytes"
	"math"
	"strings"
)

// execArith implements ADD..EXP: A <- B op C.
func (c *execCtx) execArith(op Opcode) (effect, error) {
	rs := c.regs()
	b, cv := rs.B, rs.C

	if op == OpADD && b.IsReference() && cv.IsReference() {
		return c.concat(b, cv)
	}

	class, ok := promote(b.Type.ID, cv.Type.ID)
	if !ok {
		return cont, errUncomparable(b.Type.ID, cv.Type.ID)
	}

	var (
		res FixedValue
		err error
	)
	switch class {
	case numInt:
		var n int64
		if n, err = intArith(op, b.AsInt(), cv.AsInt(), c.width); err == nil {
			res, err = FromInt(n, c.width)
		}
	case numByte:
		var n int64
		if n, err = intArith(op, int64(b.AsByte()), int64(cv.AsByte()), Width64); err == nil {
			if !fitsByte(n) {
				err = errIntegerOverflow()
			} else {
				res = FromByte(uint8(n))
			}
		}
	case numFloat:
		res = FromFloat(float32(floatArith(op, toFloat64(b), toFloat64(cv))))
	case numDouble:
		res, err = FromDouble(floatArith(op, toFloat64(b), toFloat64(cv)), c.width)
	}
	if err != nil {
		return cont, err
	}
	rs.A = res
	return cont, nil
}

// concat joins two referenced heap strings into a new cell at the current
// position.
func (c *execCtx) concat(b, cv FixedValue) (effect, error) {
	_, lc, err := c.heapCell(b)
	if err != nil {
		return cont, err
	}
	_, rc, err := c.heapCell(cv)
	if err != nil {
		return cont, err
	}
	if lc.Type.ID != KindString || rc.Type.ID != KindString {
		return cont, errUncomparable(lc.Type.ID, rc.Type.ID)
	}
	joined := VariableValue{
		Type: TypeID{ID: KindString, Size: len(lc.Data) + len(rc.Data)},
		Data: append(append(make([]byte, 0, len(lc.Data)+len(rc.Data)), lc.Data...), rc.Data...),
	}
	ref, err := c.allocate(joined)
	if err != nil {
		return cont, err
	}
	c.regs().A = ref
	return cont, nil
}

func intArith(op Opcode, x, y int64, w Width) (int64, error) {
	var (
		r  int64
		ok = true
	)
	switch op {
	case OpADD:
		r = x + y
		ok = !(y > 0 && r < x || y < 0 && r > x)
	case OpSUB:
		r = x - y
		ok = !(y > 0 && r > x || y < 0 && r < x)
	case OpMUL:
		r, ok = mulInt(x, y)
	case OpDIV:
		if y == 0 {
			return 0, errDivisionByZero()
		}
		if x == math.MinInt64 && y == -1 {
			return 0, errIntegerOverflow()
		}
		r = x / y
	case OpMOD:
		if y == 0 {
			return 0, errDivisionByZero()
		}
		r = x % y
	case OpEXP:
		return powInt(x, y, w)
	}
	if !ok || r < w.MinInt() || r > w.MaxInt() {
		return 0, errIntegerOverflow()
	}
	return r, nil
}

func mulInt(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	r := x * y
	if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) || r/y != x {
		return 0, false
	}
	return r, true
}

// powInt raises x to y. Negative exponents truncate toward zero like
// integer division.
func powInt(x, y int64, w Width) (int64, error) {
	if y < 0 {
		switch x {
		case 0:
			return 0, errDivisionByZero()
		case 1:
			return 1, nil
		case -1:
			if y%2 == 0 {
				return 1, nil
			}
			return -1, nil
		}
		return 0, nil
	}
	switch x {
	case 0:
		if y == 0 {
			return 1, nil
		}
		return 0, nil
	case 1:
		return 1, nil
	case -1:
		if y%2 == 0 {
			return 1, nil
		}
		return -1, nil
	}

	// Square and multiply. base only grows while bits of y remain, so its
	// overflow implies the result's.
	inRange := func(v int64) bool { return v >= w.MinInt() && v <= w.MaxInt() }
	r, base := int64(1), x
	for {
		if y&1 == 1 {
			var ok bool
			if r, ok = mulInt(r, base); !ok || !inRange(r) {
				return 0, errIntegerOverflow()
			}
		}
		y >>= 1
		if y == 0 {
			return r, nil
		}
		var ok bool
		if base, ok = mulInt(base, base); !ok || !inRange(base) {
			return 0, errIntegerOverflow()
		}
	}
}

func floatArith(op Opcode, x, y float64) float64 {
	switch op {
	case OpADD:
		return x + y
	case OpSUB:
		return x - y
	case OpMUL:
		return x * y
	case OpDIV:
		return x / y
	case OpMOD:
		return math.Mod(x, y)
	}
	return math.Pow(x, y)
}

// ---------------------------------------------------------------------------
// Comparison and logic
// ---------------------------------------------------------------------------

// execCompare implements EQ..OR: A <- Bool(B op C).
func (c *execCtx) execCompare(op Opcode) (effect, error) {
	rs := c.regs()
	b, cv := rs.B, rs.C

	if op == OpAND || op == OpOR {
		if !b.IsBool() || !cv.IsBool() {
			return cont, errUncomparable(b.Type.ID, cv.Type.ID)
		}
		if op == OpAND {
			rs.A = FromBool(b.AsBool() && cv.AsBool())
		} else {
			rs.A = FromBool(b.AsBool() || cv.AsBool())
		}
		return cont, nil
	}

	cmp, ordered, err := c.compare(b, cv)
	if err != nil {
		return cont, err
	}
	if !ordered && op != OpEQ && op != OpNE {
		return cont, errUncomparable(b.Type.ID, cv.Type.ID)
	}
	var res bool
	switch {
	case cmp == cmpUnordered:
		res = op == OpNE
	case op == OpEQ:
		res = cmp == 0
	case op == OpNE:
		res = cmp != 0
	case op == OpGT:
		res = cmp > 0
	case op == OpLT:
		res = cmp < 0
	case op == OpGQ:
		res = cmp >= 0
	case op == OpLQ:
		res = cmp <= 0
	}
	rs.A = FromBool(res)
	return cont, nil
}

// cmpUnordered is the compare result for a NaN operand: only NE holds.
const cmpUnordered = 2

// compare returns the three-way ordering of b and c and whether the pair is
// ordered at all (Bool and Null only support equality).
func (c *execCtx) compare(b, cv FixedValue) (int, bool, error) {
	if class, ok := promote(b.Type.ID, cv.Type.ID); ok {
		switch class {
		case numFloat, numDouble:
			x, y := toFloat64(b), toFloat64(cv)
			if math.IsNaN(x) || math.IsNaN(y) {
				return cmpUnordered, true, nil
			}
			return cmp3(x, y), true, nil
		default:
			return cmp3(toInt64(b), toInt64(cv)), true, nil
		}
	}

	if b.IsReference() && cv.IsReference() {
		_, lc, err := c.heapCell(b)
		if err != nil {
			return 0, false, err
		}
		_, rc, err := c.heapCell(cv)
		if err != nil {
			return 0, false, err
		}
		if lc.Type.ID != rc.Type.ID {
			return 0, false, errUncomparable(lc.Type.ID, rc.Type.ID)
		}
		if lc.Type.ID == KindString {
			ls, lerr := lc.StringValue()
			rstr, rerr := rc.StringValue()
			if lerr != nil || rerr != nil {
				return 0, false, errInvalidType(KindString)
			}
			return strings.Compare(ls, rstr), true, nil
		}
		return bytes.Compare(lc.Data, rc.Data), false, nil
	}

	if b.Type.ID != cv.Type.ID {
		return 0, false, errUncomparable(b.Type.ID, cv.Type.ID)
	}
	switch b.Type.ID {
	case KindChar:
		return cmp3(b.AsChar(), cv.AsChar()), true, nil
	case KindBool:
		return cmp3(boolInt(b.AsBool()), boolInt(cv.AsBool())), false, nil
	case KindNull:
		return 0, false, nil
	case KindFunction:
		return cmp3(b.AsAddress(), cv.AsAddress()), false, nil
	}
	return 0, false, errUncomparable(b.Type.ID, cv.Type.ID)
}

func cmp3[T int | int32 | int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
