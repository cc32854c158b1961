package vm

import "fmt"

// HeaderKind classifies a debug header span.
type HeaderKind uint8

const (
	HeaderFunction HeaderKind = iota + 1
	HeaderParameter
	HeaderVariable
	HeaderCondition
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderFunction:
		return "function"
	case HeaderParameter:
		return "parameter"
	case HeaderVariable:
		return "variable"
	case HeaderCondition:
		return "condition"
	}
	return fmt.Sprintf("HeaderKind(%d)", uint8(k))
}

// DebugHeader names a span of the program. Function headers also describe
// the callable entry: Hash, Start (the FN marker), End and StackLen.
type DebugHeader struct {
	Kind     HeaderKind
	Name     string
	Module   string
	Hash     int
	Start    int
	End      int
	StackLen int
	Line     int
	Column   int
}

// LocalSymbol binds a source name to a resolved location.
type LocalSymbol struct {
	Name      string
	Page      int
	Location  int
	Reference *int
}

// FunctionEntry is a resolved call target.
type FunctionEntry struct {
	Name     string
	Hash     int
	Start    int
	End      int
	StackLen int
}

// Program is the flat, fixed-capacity instruction array plus its side
// tables. It is immutable once loaded.
type Program struct {
	capacity  int
	code      []Instruction
	headers   []DebugHeader
	symbols   []LocalSymbol
	functions map[int]FunctionEntry
}

// NewProgram returns an empty program that can hold capacity instructions.
func NewProgram(capacity int) *Program {
	return &Program{
		capacity:  capacity,
		code:      make([]Instruction, 0, capacity),
		functions: make(map[int]FunctionEntry),
	}
}

// Load installs instructions and side tables and builds the function table.
// It fails if the code exceeds the capacity or a function header is
// inconsistent with the code it describes.
func (p *Program) Load(code []Instruction, headers []DebugHeader, symbols []LocalSymbol) error {
	if len(code) > p.capacity {
		return fmt.Errorf("%w: %d instructions, capacity %d", ErrProgramFull, len(code), p.capacity)
	}
	functions := make(map[int]FunctionEntry)
	for _, h := range headers {
		if h.Kind != HeaderFunction {
			continue
		}
		if h.Start < 0 || h.Start >= len(code) || h.End < h.Start || h.End > len(code) {
			return fmt.Errorf("vm: function %q span [%d,%d) outside program of %d", h.Name, h.Start, h.End, len(code))
		}
		if code[h.Start].Op != OpFN {
			return fmt.Errorf("vm: function %q starts at %d with %s, want FN", h.Name, h.Start, code[h.Start].Op)
		}
		if prev, dup := functions[h.Hash]; dup {
			return fmt.Errorf("vm: function hash %d declared by both %q and %q", h.Hash, prev.Name, h.Name)
		}
		functions[h.Hash] = FunctionEntry{Name: h.Name, Hash: h.Hash, Start: h.Start, End: h.End, StackLen: h.StackLen}
	}
	p.code = append(p.code[:0], code...)
	p.headers = append([]DebugHeader(nil), headers...)
	p.symbols = append([]LocalSymbol(nil), symbols...)
	p.functions = functions
	return nil
}

// Capacity returns the maximum number of instructions.
func (p *Program) Capacity() int {
	return p.capacity
}

// Len returns the number of loaded instructions.
func (p *Program) Len() int {
	return len(p.code)
}

// At returns the instruction at pos.
func (p *Program) At(pos int) (Instruction, bool) {
	if pos < 0 || pos >= len(p.code) {
		return Instruction{}, false
	}
	return p.code[pos], true
}

// Code returns a copy of the instruction array.
func (p *Program) Code() []Instruction {
	return append([]Instruction(nil), p.code...)
}

// Headers returns the debug headers.
func (p *Program) Headers() []DebugHeader {
	return p.headers
}

// Symbols returns the local symbol bindings.
func (p *Program) Symbols() []LocalSymbol {
	return p.symbols
}

// Function resolves a function hash to its entry.
func (p *Program) Function(hash int) (FunctionEntry, bool) {
	fn, ok := p.functions[hash]
	return fn, ok
}

// FunctionByName finds the first function header with the given name.
func (p *Program) FunctionByName(name string) (FunctionEntry, bool) {
	for _, fn := range p.functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return FunctionEntry{}, false
}

// HeaderAt returns the innermost debug header covering pos.
func (p *Program) HeaderAt(pos int) (DebugHeader, bool) {
	var best DebugHeader
	found := false
	for _, h := range p.headers {
		if pos < h.Start || pos >= h.End {
			continue
		}
		if !found || h.End-h.Start < best.End-best.Start {
			best, found = h, true
		}
	}
	return best, found
}

// Symbol looks up a local symbol by name.
func (p *Program) Symbol(name string) (LocalSymbol, bool) {
	for _, s := range p.symbols {
		if s.Name == name {
			return s, true
		}
	}
	return LocalSymbol{}, false
}
