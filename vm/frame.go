package vm

// CallerInfo records where a callee returns to.
type CallerInfo struct {
	Hash      int
	EscapePos int
}

// Frame is one function activation: a register file, a window of stack
// memory starting at Base, and a cursor into the program relative to Start.
type Frame struct {
	Start     int // program position of the first instruction
	Cursor    int // offset from Start of the next instruction
	End       int // program position at which the frame implicitly returns
	Base      int // stack base offset
	StackLen  int // reserved local slots
	Hash      int // function identity
	Registers Registers
	Caller    *CallerInfo
}

// Pos returns the absolute program position of the next instruction.
func (f *Frame) Pos() int {
	return f.Start + f.Cursor
}

// SetPos moves the cursor to an absolute program position.
func (f *Frame) SetPos(pos int) {
	f.Cursor = pos - f.Start
}

// RealAddress resolves a frame-local offset to an absolute stack index.
func (f *Frame) RealAddress(offset int) int {
	return f.Base + offset
}

// CurrentPos is the stack position aliased to the executing instruction;
// heap-allocating instructions use it as both slot and heap key.
func (f *Frame) CurrentPos() int {
	return f.Base + f.Cursor
}

// Done reports whether the cursor has reached the frame's end.
func (f *Frame) Done() bool {
	return f.Pos() >= f.End
}

// FrameInfo is a read-only snapshot of a frame handed to native callbacks
// and inspection tools.
type FrameInfo struct {
	Pos      int
	Base     int
	StackLen int
	Hash     int
}

func (f *Frame) Info() FrameInfo {
	return FrameInfo{Pos: f.Pos(), Base: f.Base, StackLen: f.StackLen, Hash: f.Hash}
}
