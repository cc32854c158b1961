package vm

import "fmt"

// AddressingMode tells an executor where its operand lives.
type AddressingMode uint8

const (
	Implicit AddressingMode = iota
	Immediate
	Absolute
	AbsoluteIndex
	AbsoluteProperty
	AbsoluteStatic
	IndirectA
	IndirectB
	IndirectC
	IndirectX
	IndirectY
)

var modeNames = [...]string{
	Implicit:         "implicit",
	Immediate:        "immediate",
	Absolute:         "absolute",
	AbsoluteIndex:    "absolute_index",
	AbsoluteProperty: "absolute_property",
	AbsoluteStatic:   "absolute_static",
	IndirectA:        "indirect_a",
	IndirectB:        "indirect_b",
	IndirectC:        "indirect_c",
	IndirectX:        "indirect_x",
	IndirectY:        "indirect_y",
}

func (m AddressingMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ModeByName resolves a name produced by AddressingMode.String.
func ModeByName(name string) (AddressingMode, bool) {
	for i, n := range modeNames {
		if n == name {
			return AddressingMode(i), true
		}
	}
	return 0, false
}

// Register returns the register named by an Indirect mode.
func (m AddressingMode) Register() (Register, bool) {
	if m < IndirectA || m > IndirectY {
		return 0, false
	}
	return Register(m - IndirectA), true
}

// Addressing is the operand of an instruction: a closed tagged variant
// selected by Mode. Imm is set for Immediate, Addr for the Absolute
// family, Index for AbsoluteIndex/AbsoluteProperty.
type Addressing struct {
	Mode  AddressingMode
	Imm   VariableValue
	Addr  int
	Index int
}

func Impl() Addressing { return Addressing{Mode: Implicit} }

func Imm(v VariableValue) Addressing { return Addressing{Mode: Immediate, Imm: v} }

// ImmFixed embeds a fixed value as an immediate operand.
func ImmFixed(v FixedValue) Addressing { return Imm(VariableFromFixed(v)) }

// ImmString embeds a string immediate, used by CALLN.
func ImmString(s string) Addressing { return Imm(NewString(s)) }

func Abs(n int) Addressing       { return Addressing{Mode: Absolute, Addr: n} }
func AbsStatic(n int) Addressing { return Addressing{Mode: AbsoluteStatic, Addr: n} }

func AbsIndex(n, i int) Addressing    { return Addressing{Mode: AbsoluteIndex, Addr: n, Index: i} }
func AbsProperty(n, i int) Addressing { return Addressing{Mode: AbsoluteProperty, Addr: n, Index: i} }

func Indirect(r Register) Addressing { return Addressing{Mode: IndirectA + AddressingMode(r)} }

func (a Addressing) String() string {
	switch a.Mode {
	case Implicit:
		return ""
	case Immediate:
		if a.Imm.Type.ID == KindString {
			if s, err := a.Imm.StringValue(); err == nil {
				return fmt.Sprintf("#%q", s)
			}
		}
		if f, err := a.Imm.Fixed(Width64); err == nil {
			return "#" + f.String()
		}
		return fmt.Sprintf("#<%s>", a.Imm.Type)
	case Absolute:
		return fmt.Sprintf("$%d", a.Addr)
	case AbsoluteStatic:
		return fmt.Sprintf("$$%d", a.Addr)
	case AbsoluteIndex:
		return fmt.Sprintf("$%d[$%d]", a.Addr, a.Index)
	case AbsoluteProperty:
		return fmt.Sprintf("$%d.%d", a.Addr, a.Index)
	}
	if r, ok := a.Mode.Register(); ok {
		return "@" + r.String()
	}
	return a.Mode.String()
}

// Instruction is one (opcode, addressing value) pair of the flat program.
type Instruction struct {
	Op   Opcode
	Addr Addressing
}

func (in Instruction) String() string {
	if s := in.Addr.String(); s != "" {
		return in.Op.String() + " " + s
	}
	return in.Op.String()
}
