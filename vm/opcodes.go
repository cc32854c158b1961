package vm

import "fmt"

// Opcode identifies an instruction. The set is closed; every opcode has an
// entry in opcodeInfoTable and a case in dispatch.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Load / store (0x00-0x1F)
	// ========================================================================

	OpLDA Opcode = 0x00
	OpLDB Opcode = 0x01
	OpLDC Opcode = 0x02
	OpLDX Opcode = 0x03
	OpLDY Opcode = 0x04

	OpSTA Opcode = 0x10
	OpSTB Opcode = 0x11
	OpSTC Opcode = 0x12
	OpSTX Opcode = 0x13
	OpSTY Opcode = 0x14

	// ========================================================================
	// Arithmetic (0x20-0x2F): B op C -> A
	// ========================================================================

	OpADD Opcode = 0x20
	OpSUB Opcode = 0x21
	OpMUL Opcode = 0x22
	OpDIV Opcode = 0x23
	OpMOD Opcode = 0x24
	OpEXP Opcode = 0x25

	// ========================================================================
	// Comparison and logic (0x30-0x3F): B op C -> Bool in A
	// ========================================================================

	OpEQ  Opcode = 0x30
	OpNE  Opcode = 0x31
	OpGT  Opcode = 0x32
	OpLT  Opcode = 0x33
	OpGQ  Opcode = 0x34
	OpLQ  Opcode = 0x35
	OpAND Opcode = 0x36
	OpOR  Opcode = 0x37

	// ========================================================================
	// Type conversion of register A (0x40-0x4F)
	// ========================================================================

	OpA2I Opcode = 0x40
	OpA2F Opcode = 0x41
	OpA2D Opcode = 0x42
	OpA2B Opcode = 0x43
	OpA2C Opcode = 0x44
	OpA2O Opcode = 0x45
	OpA2S Opcode = 0x46

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJMP   Opcode = 0x50
	OpJMPA  Opcode = 0x51
	OpCALL  Opcode = 0x52
	OpRET   Opcode = 0x53
	OpFN    Opcode = 0x54
	OpCALLN Opcode = 0x55

	// ========================================================================
	// Memory (0x60-0x6F)
	// ========================================================================

	OpSTR  Opcode = 0x60 // allocate empty heap string at the current position
	OpSPUS Opcode = 0x61 // append Char in A to a heap string
	OpDEA  Opcode = 0x62 // remove a slot and the heap cell it references
	OpARR  Opcode = 0x63 // allocate empty heap array at the current position
	OpAPUS Opcode = 0x64 // append A to a heap array
	OpLEN  Opcode = 0x65 // X <- length of the string/array referenced by A
)

// ModeSet is a bit set of addressing modes accepted by an opcode.
type ModeSet uint16

func modes(ms ...AddressingMode) ModeSet {
	var s ModeSet
	for _, m := range ms {
		s |= 1 << m
	}
	return s
}

// Has reports whether m is in the set.
func (s ModeSet) Has(m AddressingMode) bool {
	return s&(1<<m) != 0
}

var (
	implicitOnly = modes(Implicit)
	indirects    = []AddressingMode{IndirectA, IndirectB, IndirectC, IndirectX, IndirectY}
	loadModes    = modes(append([]AddressingMode{Implicit, Immediate, Absolute, AbsoluteIndex, AbsoluteProperty, AbsoluteStatic}, indirects...)...)
	storeModes   = modes(append([]AddressingMode{Implicit, Absolute, AbsoluteIndex, AbsoluteProperty, AbsoluteStatic}, indirects...)...)
	addressModes = modes(Absolute, AbsoluteStatic)
)

// OpcodeInfo provides metadata about each opcode for disassembly and for
// the image loader.
type OpcodeInfo struct {
	Name  string
	Modes ModeSet
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpLDA: {"LDA", loadModes},
	OpLDB: {"LDB", loadModes},
	OpLDC: {"LDC", loadModes},
	OpLDX: {"LDX", loadModes},
	OpLDY: {"LDY", loadModes},
	OpSTA: {"STA", storeModes},
	OpSTB: {"STB", storeModes},
	OpSTC: {"STC", storeModes},
	OpSTX: {"STX", storeModes},
	OpSTY: {"STY", storeModes},

	OpADD: {"ADD", implicitOnly},
	OpSUB: {"SUB", implicitOnly},
	OpMUL: {"MUL", implicitOnly},
	OpDIV: {"DIV", implicitOnly},
	OpMOD: {"MOD", implicitOnly},
	OpEXP: {"EXP", implicitOnly},

	OpEQ:  {"EQ", implicitOnly},
	OpNE:  {"NE", implicitOnly},
	OpGT:  {"GT", implicitOnly},
	OpLT:  {"LT", implicitOnly},
	OpGQ:  {"GQ", implicitOnly},
	OpLQ:  {"LQ", implicitOnly},
	OpAND: {"AND", implicitOnly},
	OpOR:  {"OR", implicitOnly},

	OpA2I: {"A2I", implicitOnly},
	OpA2F: {"A2F", implicitOnly},
	OpA2D: {"A2D", implicitOnly},
	OpA2B: {"A2B", implicitOnly},
	OpA2C: {"A2C", implicitOnly},
	OpA2O: {"A2O", implicitOnly},
	OpA2S: {"A2S", implicitOnly},

	OpJMP:   {"JMP", modes(Absolute)},
	OpJMPA:  {"JMPA", modes(Absolute)},
	OpCALL:  {"CALL", modes(Absolute)},
	OpRET:   {"RET", implicitOnly},
	OpFN:    {"FN", modes(Absolute, Immediate)},
	OpCALLN: {"CALLN", modes(Immediate)},

	OpSTR:  {"STR", implicitOnly},
	OpSPUS: {"SPUS", addressModes},
	OpDEA:  {"DEA", addressModes},
	OpARR:  {"ARR", implicitOnly},
	OpAPUS: {"APUS", addressModes},
	OpLEN:  {"LEN", implicitOnly},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OpcodeByName resolves a mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	for op, info := range opcodeInfoTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// AllOpcodes returns a slice of all defined opcodes.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}

// loadTarget and storeTarget map the register-family opcodes to their
// register.
func loadTarget(op Opcode) Register  { return Register(op - OpLDA) }
func storeTarget(op Opcode) Register { return Register(op - OpSTA) }
