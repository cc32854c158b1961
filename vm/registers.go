package vm

import "fmt"

// Register names one slot of the register file.
type Register uint8

const (
	RegA Register = iota
	RegB
	RegC
	RegX
	RegY
)

var registerNames = [...]string{"A", "B", "C", "X", "Y"}

func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("R%d", uint8(r))
}

// Registers is the five-slot register file owned by a frame. A is the
// accumulator, B and C are the operands of binary instructions, X and Y are
// auxiliary.
type Registers struct {
	A, B, C, X, Y FixedValue
}

// Get returns the value held by r.
func (rs *Registers) Get(r Register) FixedValue {
	switch r {
	case RegA:
		return rs.A
	case RegB:
		return rs.B
	case RegC:
		return rs.C
	case RegX:
		return rs.X
	default:
		return rs.Y
	}
}

// Set stores v into r.
func (rs *Registers) Set(r Register, v FixedValue) {
	switch r {
	case RegA:
		rs.A = v
	case RegB:
		rs.B = v
	case RegC:
		rs.C = v
	case RegX:
		rs.X = v
	default:
		rs.Y = v
	}
}
