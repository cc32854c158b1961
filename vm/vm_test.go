package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// Helpers to build programs

func immInt(n int64) Addressing {
	v, err := FromInt(n, Width64)
	if err != nil {
		panic(err)
	}
	return ImmFixed(v)
}

func immChar(r rune) Addressing { return ImmFixed(FromChar(r)) }
func immBool(b bool) Addressing { return ImmFixed(FromBool(b)) }

func ins(op Opcode, a ...Addressing) Instruction {
	if len(a) == 0 {
		return Instruction{Op: op, Addr: Impl()}
	}
	return Instruction{Op: op, Addr: a[0]}
}

func testConfig() Config {
	return Config{
		Width:           Width64,
		StackCapacity:   64,
		ProgramCapacity: 128,
		MaxFrames:       16,
		Concurrent:      true,
	}
}

func newTestVM(t *testing.T, cfg Config, code []Instruction, headers ...DebugHeader) *VM {
	t.Helper()
	p := NewProgram(cfg.ProgramCapacity)
	if err := p.Load(code, headers, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := New(p, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func runMain(t *testing.T, v *VM, stackLen int) ThreadExit {
	t.Helper()
	exit, err := v.RunThread(v.NewMainThread(stackLen))
	if err != nil {
		t.Fatalf("RunThread: %v", err)
	}
	return exit
}

func run(t *testing.T, code ...Instruction) (*VM, ThreadExit) {
	t.Helper()
	v := newTestVM(t, testConfig(), code)
	return v, runMain(t, v, 8)
}

func wantOK(t *testing.T, exit ThreadExit) {
	t.Helper()
	if exit.Panic != nil {
		t.Fatalf("unexpected fault: %v", exit.Panic)
	}
	if exit.State != Exited {
		t.Fatalf("state = %s, want exited", exit.State)
	}
}

func wantPanic(t *testing.T, exit ThreadExit, reason PanicReason, args ...int) {
	t.Helper()
	if exit.Panic == nil {
		t.Fatalf("expected %s fault, thread exited normally with A=%s", reason, exit.Registers.A)
	}
	if exit.State != Faulted {
		t.Errorf("state = %s, want faulted", exit.State)
	}
	if exit.Panic.Reason != reason {
		t.Fatalf("reason = %s, want %s (%v)", exit.Panic.Reason, reason, exit.Panic)
	}
	if args != nil && fmt.Sprint(exit.Panic.Args) != fmt.Sprint(args) {
		t.Errorf("args = %v, want %v", exit.Panic.Args, args)
	}
	if exit.Panic.Loc == "" || !strings.Contains(exit.Panic.Loc, ".go:") {
		t.Errorf("fault location %q does not name a source line", exit.Panic.Loc)
	}
}

func heapString(t *testing.T, v *VM, addr int) string {
	t.Helper()
	var (
		s   string
		err error
		ok  bool
	)
	v.WithMemory(func(_ *Stack, h *Heap) {
		var cell *VariableValue
		if cell, ok = h.Get(addr); ok {
			s, err = cell.StringValue()
		}
	})
	if !ok {
		t.Fatalf("no heap cell at %d", addr)
	}
	if err != nil {
		t.Fatalf("heap cell %d: %v", addr, err)
	}
	return s
}

// ============ Load / store ============

func TestLoadImmediate(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(42)), ins(OpLDB, immChar('x')))
	wantOK(t, exit)
	if got := exit.Registers.A.AsInt(); got != 42 {
		t.Errorf("A = %d, want 42", got)
	}
	if got := exit.Registers.B.AsChar(); got != 'x' {
		t.Errorf("B = %q, want 'x'", got)
	}
}

func TestLoadImmediateStringIsViolation(t *testing.T) {
	_, exit := run(t, ins(OpLDA, ImmString("hi")))
	wantPanic(t, exit, ImmediateUseViolation, int(KindString))
}

func TestLoadImplicitRegisters(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(0)), ins(OpLDX, Impl()), ins(OpLDY, Impl()))
	wantOK(t, exit)
	if got := exit.Registers.X.AsInt(); got != 1 {
		t.Errorf("X = %d, want program position 1", got)
	}
	if got := exit.Registers.Y.AsInt(); got != 0 {
		t.Errorf("Y = %d, want frame base 0", got)
	}

	_, exit = run(t, ins(OpLDA, Impl()))
	wantPanic(t, exit, IllegalAddressingValue, int(Implicit))
}

func TestStoreAndLoadSlot(t *testing.T) {
	v, exit := run(t,
		ins(OpLDA, immInt(7)),
		ins(OpSTA, Abs(3)),
		ins(OpLDB, Abs(3)),
	)
	wantOK(t, exit)
	if got := exit.Registers.B.AsInt(); got != 7 {
		t.Errorf("B = %d, want 7", got)
	}
	if got := v.DumpStack(); len(got) != 1 || got[0].Address != 3 {
		t.Errorf("stack = %+v, want one slot at 3", got)
	}
}

func TestStoreImmediateIsIllegal(t *testing.T) {
	_, exit := run(t, ins(OpSTA, immInt(1)))
	wantPanic(t, exit, IllegalAddressingValue, int(Immediate))
}

func TestStoreIndirect(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(5)), ins(OpSTA, Indirect(RegC)))
	wantOK(t, exit)
	if got := exit.Registers.C.AsInt(); got != 5 {
		t.Errorf("C = %d, want 5", got)
	}
}

func TestLoadEmptySlotIsAccessViolation(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(1)), ins(OpLDA, Abs(9)))
	wantPanic(t, exit, MemoryAccessViolation, 9, 1)
	if exit.Panic.Pos != 1 {
		t.Errorf("Pos = %d, want 1", exit.Panic.Pos)
	}
}

func TestLoadVoidSlotIsNullReference(t *testing.T) {
	// Registers start out Void.
	_, exit := run(t, ins(OpSTA, Abs(5)), ins(OpLDA, Abs(5)))
	wantPanic(t, exit, NullReference, 5)
}

func TestLoadOutOfStackIsAccessViolation(t *testing.T) {
	_, exit := run(t, ins(OpLDA, AbsStatic(1000)))
	wantPanic(t, exit, MemoryAccessViolation, 1000, 0)
}

// ============ Arithmetic ============

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		b, c Addressing
		want string
	}{
		{"int add", OpADD, immInt(2), immInt(3), "int 5"},
		{"int sub", OpSUB, immInt(2), immInt(3), "int -1"},
		{"int mul", OpMUL, immInt(-4), immInt(3), "int -12"},
		{"int div truncates", OpDIV, immInt(-7), immInt(2), "int -3"},
		{"int mod", OpMOD, immInt(7), immInt(3), "int 1"},
		{"int exp", OpEXP, immInt(2), immInt(10), "int 1024"},
		{"exp zero power", OpEXP, immInt(0), immInt(0), "int 1"},
		{"exp one huge power", OpEXP, immInt(1), immInt(math.MaxInt64), "int 1"},
		{"exp zero huge power", OpEXP, immInt(0), immInt(math.MaxInt64), "int 0"},
		{"exp minus one odd power", OpEXP, immInt(-1), immInt(math.MaxInt64), "int -1"},
		{"exp minus one even power", OpEXP, immInt(-1), immInt(math.MaxInt64 - 1), "int 1"},
		{"exp largest power of two", OpEXP, immInt(2), immInt(62), "int 4611686018427387904"},
		{"exp min int", OpEXP, immInt(-2), immInt(63), "int -9223372036854775808"},
		{"exp odd power", OpEXP, immInt(-3), immInt(5), "int -243"},
		{"int+float promotes", OpADD, immInt(1), ImmFixed(FromFloat(0.5)), "float 1.5"},
		{"float*double promotes", OpMUL, ImmFixed(FromFloat(2)), ImmFixed(mustDouble(1.25)), "double 2.5"},
		{"byte add", OpADD, ImmFixed(FromByte(200)), ImmFixed(FromByte(55)), "byte 255"},
		{"double div by zero is inf", OpDIV, ImmFixed(mustDouble(1)), ImmFixed(mustDouble(0)), "double +Inf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exit := run(t, ins(OpLDB, tt.b), ins(OpLDC, tt.c), ins(tt.op))
			wantOK(t, exit)
			if got := exit.Registers.A.String(); got != tt.want {
				t.Errorf("A = %s, want %s", got, tt.want)
			}
		})
	}
}

func mustDouble(f float64) FixedValue {
	v, err := FromDouble(f, Width64)
	if err != nil {
		panic(err)
	}
	return v
}

func TestArithmeticFaults(t *testing.T) {
	tests := []struct {
		name   string
		op     Opcode
		b, c   Addressing
		reason PanicReason
		args   []int
	}{
		{"int overflow", OpADD, immInt(1<<63 - 1), immInt(1), IntegerOverflow, nil},
		{"int underflow", OpSUB, immInt(-1 << 63), immInt(1), IntegerOverflow, nil},
		{"mul overflow", OpMUL, immInt(1 << 62), immInt(4), IntegerOverflow, nil},
		{"exp overflow", OpEXP, immInt(10), immInt(40), IntegerOverflow, nil},
		{"exp overflow by one bit", OpEXP, immInt(2), immInt(63), IntegerOverflow, nil},
		{"exp huge power", OpEXP, immInt(2), immInt(math.MaxInt64), IntegerOverflow, nil},
		{"byte overflow", OpADD, ImmFixed(FromByte(200)), ImmFixed(FromByte(56)), IntegerOverflow, nil},
		{"byte underflow", OpSUB, ImmFixed(FromByte(1)), ImmFixed(FromByte(2)), IntegerOverflow, nil},
		{"div by zero", OpDIV, immInt(1), immInt(0), DivisionByZero, nil},
		{"mod by zero", OpMOD, immInt(1), immInt(0), DivisionByZero, nil},
		{"bool+int", OpADD, immBool(true), immInt(1), UncomparableTypes, []int{int(KindBool), int(KindInteger)}},
		{"byte+int", OpADD, ImmFixed(FromByte(1)), immInt(1), UncomparableTypes, []int{int(KindByte), int(KindInteger)}},
		{"char*char", OpMUL, immChar('a'), immChar('b'), UncomparableTypes, []int{int(KindChar), int(KindChar)}},
		{"null-int", OpSUB, ImmFixed(Null()), immInt(1), UncomparableTypes, []int{int(KindNull), int(KindInteger)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exit := run(t, ins(OpLDB, tt.b), ins(OpLDC, tt.c), ins(tt.op))
			wantPanic(t, exit, tt.reason, tt.args...)
		})
	}
}

func TestArithmeticWidth32Overflow(t *testing.T) {
	cfg := testConfig()
	cfg.Width = Width32
	max32, err := FromInt(1<<31-1, Width32)
	if err != nil {
		t.Fatal(err)
	}
	one, _ := FromInt(1, Width32)
	v := newTestVM(t, cfg, []Instruction{
		ins(OpLDB, ImmFixed(max32)),
		ins(OpLDC, ImmFixed(one)),
		ins(OpADD),
	})
	wantPanic(t, runMain(t, v, 4), IntegerOverflow)
}

func TestDoubleNeedsWidth64(t *testing.T) {
	cfg := testConfig()
	cfg.Width = Width32
	v := newTestVM(t, cfg, []Instruction{ins(OpLDA, ImmFixed(mustDouble(1.5)))})
	wantPanic(t, runMain(t, v, 4), InvalidType, int(KindDouble))
}

func TestArithmeticRequiresImplicit(t *testing.T) {
	_, exit := run(t, ins(OpADD, Abs(0)))
	wantPanic(t, exit, IllegalAddressingValue, int(Absolute))
}

// ============ Comparison ============

func TestComparison(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		b, c Addressing
		want bool
	}{
		{"int eq", OpEQ, immInt(3), immInt(3), true},
		{"int ne", OpNE, immInt(3), immInt(3), false},
		{"int gt", OpGT, immInt(4), immInt(3), true},
		{"int lt float", OpLT, immInt(1), ImmFixed(FromFloat(1.5)), true},
		{"gq equal", OpGQ, immInt(3), immInt(3), true},
		{"lq", OpLQ, immInt(4), immInt(3), false},
		{"char order", OpLT, immChar('a'), immChar('b'), true},
		{"bool eq", OpEQ, immBool(true), immBool(true), true},
		{"null eq", OpEQ, ImmFixed(Null()), ImmFixed(Null()), true},
		{"and", OpAND, immBool(true), immBool(false), false},
		{"or", OpOR, immBool(true), immBool(false), true},
		{"nan eq", OpEQ, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), false},
		{"nan ne", OpNE, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), true},
		{"nan gt", OpGT, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), false},
		{"nan lt", OpLT, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), false},
		{"nan gq", OpGQ, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), false},
		{"nan lq", OpLQ, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(1)), false},
		{"gt nan", OpGT, ImmFixed(mustDouble(1)), ImmFixed(mustDouble(math.NaN())), false},
		{"nan eq nan", OpEQ, ImmFixed(mustDouble(math.NaN())), ImmFixed(mustDouble(math.NaN())), false},
		{"float nan gq int", OpGQ, ImmFixed(FromFloat(float32(math.NaN()))), immInt(1), false},
		{"float nan ne int", OpNE, ImmFixed(FromFloat(float32(math.NaN()))), immInt(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exit := run(t, ins(OpLDB, tt.b), ins(OpLDC, tt.c), ins(tt.op))
			wantOK(t, exit)
			if !exit.Registers.A.IsBool() {
				t.Fatalf("A = %s, want Bool", exit.Registers.A)
			}
			if got := exit.Registers.A.AsBool(); got != tt.want {
				t.Errorf("A = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestComparisonFaults(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		b, c Addressing
	}{
		{"and needs bools", OpAND, immInt(1), immBool(true)},
		{"bool ordering", OpGT, immBool(true), immBool(false)},
		{"char vs int", OpEQ, immChar('a'), immInt(97)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exit := run(t, ins(OpLDB, tt.b), ins(OpLDC, tt.c), ins(tt.op))
			wantPanic(t, exit, UncomparableTypes)
		})
	}
}

// ============ Conversion ============

func TestConvertToStringAllocates(t *testing.T) {
	v, exit := run(t, ins(OpLDA, immInt(5)), ins(OpA2S))
	wantOK(t, exit)
	if !exit.Registers.A.IsHeapReference() {
		t.Fatalf("A = %s, want heap reference", exit.Registers.A)
	}
	addr := exit.Registers.A.AsAddress()
	if got := heapString(t, v, addr); got != "5" {
		t.Errorf("heap[%d] = %q, want %q", addr, got, "5")
	}
}

func TestConvertStoreThenStringify(t *testing.T) {
	v, exit := run(t,
		ins(OpLDA, immInt(5)),
		ins(OpSTA, Impl()),
		ins(OpLDA, immInt(3)),
		ins(OpA2S),
	)
	wantOK(t, exit)
	if got := exit.Registers.A.AsAddress(); got != 3 {
		t.Fatalf("A references %d, want the current position 3", got)
	}
	if got := heapString(t, v, 3); got != "3" {
		t.Errorf("heap[3] = %q, want %q", got, "3")
	}
	stack := v.DumpStack()
	if len(stack) != 1 || stack[0].Address != 1 || stack[0].Value != "5" {
		t.Errorf("stack = %+v, want Integer 5 at slot 1", stack)
	}
}

func TestConvertVoidToCharFaults(t *testing.T) {
	_, exit := run(t, ins(OpA2C))
	wantPanic(t, exit, CannotConvertToType, int(KindVoid), int(KindChar))
}

func TestConvertByteOverflow(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(300)), ins(OpA2B))
	wantPanic(t, exit, IntegerOverflow)
}

func TestConvertStringParses(t *testing.T) {
	// Build "42" on the heap, then parse it back.
	_, exit := run(t,
		ins(OpSTR),
		ins(OpLDA, immChar('4')),
		ins(OpSPUS, Abs(0)),
		ins(OpLDA, immChar('2')),
		ins(OpSPUS, Abs(0)),
		ins(OpLDA, Abs(0)),
		ins(OpA2I),
	)
	wantOK(t, exit)
	if got := exit.Registers.A.String(); got != "int 42" {
		t.Errorf("A = %s, want int 42", got)
	}
}

func TestConvertStringParseFailure(t *testing.T) {
	_, exit := run(t,
		ins(OpSTR),
		ins(OpLDA, immChar('x')),
		ins(OpSPUS, Abs(0)),
		ins(OpLDA, Abs(0)),
		ins(OpA2D),
	)
	wantPanic(t, exit, CannotConvertToType, int(KindString), int(KindDouble))
}

// ============ Memory ============

func TestStringBuild(t *testing.T) {
	code := []Instruction{ins(OpSTR)}
	for _, r := range "Ellie" {
		code = append(code, ins(OpLDA, immChar(r)), ins(OpSPUS, Abs(0)))
	}
	v := newTestVM(t, testConfig(), code)
	wantOK(t, runMain(t, v, 1))

	if got := heapString(t, v, 0); got != "Ellie" {
		t.Errorf("heap[0] = %q, want Ellie", got)
	}
	heap := v.DumpHeap()
	if len(heap) != 1 || heap[0].Size != 20 {
		t.Errorf("heap = %+v, want one cell of size 20", heap)
	}
	stack := v.DumpStack()
	if len(stack) != 1 || stack[0].TypeID != int(KindHeapRef) {
		t.Errorf("stack = %+v, want one heap reference", stack)
	}
}

func TestStringPushNeedsChar(t *testing.T) {
	_, exit := run(t, ins(OpSTR), ins(OpLDA, immInt(1)), ins(OpSPUS, Abs(0)))
	wantPanic(t, exit, InvalidRegisterAccess, int(KindInteger))
}

func TestDeallocate(t *testing.T) {
	v, exit := run(t, ins(OpSTR), ins(OpDEA, Abs(0)))
	wantOK(t, exit)
	if n := len(v.DumpHeap()); n != 0 {
		t.Errorf("heap has %d cells after DEA, want 0", n)
	}
	if n := len(v.DumpStack()); n != 0 {
		t.Errorf("stack has %d slots after DEA, want 0", n)
	}
}

func TestDeallocatedReferenceIsNull(t *testing.T) {
	_, exit := run(t,
		ins(OpSTR),
		ins(OpLDA, Abs(0)),
		ins(OpSTA, Abs(4)),
		ins(OpDEA, Abs(0)),
		ins(OpLDA, Abs(4)),
		ins(OpLEN),
	)
	wantPanic(t, exit, NullReference, 0)
}

func TestArrays(t *testing.T) {
	_, exit := run(t,
		ins(OpARR),
		ins(OpLDA, immInt(10)),
		ins(OpAPUS, Abs(0)),
		ins(OpLDA, immInt(20)),
		ins(OpAPUS, Abs(0)),
		ins(OpLDA, immInt(1)),
		ins(OpSTA, Abs(7)),
		ins(OpLDB, AbsIndex(0, 7)),
		ins(OpLDA, immInt(99)),
		ins(OpSTA, AbsIndex(0, 7)),
		ins(OpLDC, AbsIndex(0, 7)),
		ins(OpLDA, Abs(0)),
		ins(OpLEN),
	)
	wantOK(t, exit)
	rs := exit.Registers
	if got := rs.B.AsInt(); got != 20 {
		t.Errorf("B = %d, want 20", got)
	}
	if got := rs.C.AsInt(); got != 99 {
		t.Errorf("C = %d, want 99", got)
	}
	if got := rs.X.AsInt(); got != 2 {
		t.Errorf("X = %d, want length 2", got)
	}
}

func TestArrayIndexOutOfBounds(t *testing.T) {
	_, exit := run(t,
		ins(OpARR),
		ins(OpLDA, immInt(3)),
		ins(OpSTA, Abs(7)),
		ins(OpLDB, AbsIndex(0, 7)),
	)
	wantPanic(t, exit, IndexOutOfBounds, 3, 0)
}

func TestStringConcat(t *testing.T) {
	v, exit := run(t,
		ins(OpSTR),
		ins(OpLDA, immChar('a')),
		ins(OpSPUS, Abs(0)),
		ins(OpSTR),
		ins(OpLDA, immChar('b')),
		ins(OpSPUS, Abs(3)),
		ins(OpLDB, Abs(0)),
		ins(OpLDC, Abs(3)),
		ins(OpADD),
		ins(OpEQ),
	)
	wantOK(t, exit)
	if got := heapString(t, v, 8); got != "ab" {
		t.Errorf("heap[8] = %q, want ab", got)
	}
	if exit.Registers.A.AsBool() {
		t.Errorf("\"a\" EQ \"b\" = true, want false")
	}
}

// ============ Control flow ============

func TestJumps(t *testing.T) {
	_, exit := run(t,
		ins(OpLDA, immBool(true)),
		ins(OpJMPA, Abs(4)),
		ins(OpLDB, immInt(1)),
		ins(OpJMP, Abs(5)),
		ins(OpLDB, immInt(2)),
		ins(OpLDA, immBool(false)),
		ins(OpJMPA, Abs(0)),
	)
	wantOK(t, exit)
	if got := exit.Registers.B.AsInt(); got != 2 {
		t.Errorf("B = %d, want 2", got)
	}
}

func TestJumpIfNeedsBool(t *testing.T) {
	_, exit := run(t, ins(OpLDA, immInt(1)), ins(OpJMPA, Abs(0)))
	wantPanic(t, exit, InvalidRegisterAccess, int(KindInteger))
}

func callProgram() ([]Instruction, DebugHeader) {
	code := []Instruction{
		ins(OpLDA, immInt(7)),
		ins(OpLDB, immInt(1)),
		ins(OpCALL, Abs(4)),
		ins(OpJMP, Abs(8)),
		ins(OpFN, immInt(42)),
		ins(OpLDB, immInt(2)),
		ins(OpLDA, immInt(9)),
		ins(OpRET),
	}
	return code, DebugHeader{Kind: HeaderFunction, Name: "nine", Hash: 42, Start: 4, End: 8, StackLen: 2}
}

func TestCallReturn(t *testing.T) {
	code, h := callProgram()
	v := newTestVM(t, testConfig(), code, h)
	exit := runMain(t, v, 4)
	wantOK(t, exit)
	if got := exit.Registers.A.AsInt(); got != 9 {
		t.Errorf("A = %d, want the callee's 9", got)
	}
	if got := exit.Registers.B.AsInt(); got != 1 {
		t.Errorf("B = %d, want the caller's 1", got)
	}
}

func TestCallReturnRestoresFrame(t *testing.T) {
	code, h := callProgram()
	v := newTestVM(t, testConfig(), code, h)
	th := newThread(ThreadEntry{Start: 0, End: len(code), StackLen: 4})
	m := &machine{program: v.program, stack: v.stack, heap: v.heap, natives: v.natives, width: Width64, maxFrames: 16}

	th.step(m) // LDA
	th.step(m) // LDB
	before := *th.frames[0]
	stackBefore := v.stack.Len()

	th.step(m) // CALL
	if th.Depth() != 2 {
		t.Fatalf("depth after CALL = %d, want 2", th.Depth())
	}
	callee := th.frames[1]
	if callee.Base != 4 || callee.Pos() != 5 || callee.Caller.EscapePos != 3 {
		t.Errorf("callee base=%d pos=%d escape=%d, want 4, 5, 3", callee.Base, callee.Pos(), callee.Caller.EscapePos)
	}
	if callee.Registers != before.Registers {
		t.Errorf("callee registers were not copied from the caller")
	}

	th.step(m) // LDB
	th.step(m) // LDA
	th.step(m) // RET
	if th.Depth() != 1 {
		t.Fatalf("depth after RET = %d, want 1", th.Depth())
	}
	after := th.frames[0]
	if after.Pos() != 3 || after.Base != before.Base || after.StackLen != before.StackLen {
		t.Errorf("caller frame pos=%d base=%d len=%d, want 3, %d, %d", after.Pos(), after.Base, after.StackLen, before.Base, before.StackLen)
	}
	if after.Registers.B != before.Registers.B {
		t.Errorf("caller B = %s, want %s", after.Registers.B, before.Registers.B)
	}
	if v.stack.Len() != stackBefore {
		t.Errorf("stack size %d after RET, want %d", v.stack.Len(), stackBefore)
	}
}

func TestFallthroughSkipsFunctionBody(t *testing.T) {
	code := []Instruction{
		ins(OpFN, immInt(1)),
		ins(OpLDA, immInt(100)),
		ins(OpRET),
		ins(OpLDA, immInt(5)),
		ins(OpFN, Abs(6)),
		ins(OpLDA, immInt(200)),
	}
	h := DebugHeader{Kind: HeaderFunction, Name: "f", Hash: 1, Start: 0, End: 3}
	v := newTestVM(t, testConfig(), code, h)
	exit := runMain(t, v, 0)
	wantOK(t, exit)
	if got := exit.Registers.A.AsInt(); got != 5 {
		t.Errorf("A = %d, want 5", got)
	}
}

func TestCallUnknown(t *testing.T) {
	_, exit := run(t, ins(OpCALL, Abs(0)))
	wantPanic(t, exit, CallToUnknown, 0)
}

func TestRecursionOverflows(t *testing.T) {
	code := []Instruction{
		ins(OpFN, immInt(1)),
		ins(OpCALL, Abs(0)),
		ins(OpRET),
	}
	h := DebugHeader{Kind: HeaderFunction, Name: "loop", Hash: 1, Start: 0, End: 3, StackLen: 1}
	v := newTestVM(t, testConfig(), code, h)
	id, err := v.NewFunctionThread(1)
	if err != nil {
		t.Fatal(err)
	}
	exit, err := v.RunThread(id)
	if err != nil {
		t.Fatal(err)
	}
	wantPanic(t, exit, StackOverflow, 17)
}

func TestFaultIsolation(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{
		ins(OpLDA, immInt(1)),
		ins(OpSTA, Abs(2)),
		ins(OpLDB, immBool(true)),
		ins(OpLDC, immInt(1)),
		ins(OpADD),
	})
	wantPanic(t, runMain(t, v, 4), UncomparableTypes)

	// Memory written before the fault is still there and the VM keeps
	// running new threads.
	stack := v.DumpStack()
	if len(stack) != 1 || stack[0].Value != "1" {
		t.Errorf("stack = %+v, want the slot written before the fault", stack)
	}
	wantPanic(t, runMain(t, v, 4), UncomparableTypes)
}

// ============ Natives ============

func TestCallNative(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{
		ins(OpLDA, immInt(4)),
		ins(OpSTA, Abs(2)),
		ins(OpLDA, immInt(5)),
		ins(OpSTA, Abs(3)),
		ins(OpCALLN, ImmString("test>sum:2")),
	})
	err := v.Natives().Register(NativeFunction{Module: "test", Name: "sum", Arity: 2,
		Fn: func(ctx *NativeContext, params []NativeParam) (NativeResult, error) {
			n, err := FromInt(params[0].Value.AsInt()+params[1].Value.AsInt(), ctx.Width)
			return ReturnFixed(n), err
		}})
	if err != nil {
		t.Fatal(err)
	}
	exit := runMain(t, v, 2)
	wantOK(t, exit)
	if got := exit.Registers.A.AsInt(); got != 9 {
		t.Errorf("A = %d, want 9", got)
	}
}

func TestCallNativeHeapParamsAndResult(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{
		ins(OpSTR),
		ins(OpLDA, immChar('h')),
		ins(OpSPUS, Abs(0)),
		ins(OpLDA, Abs(0)),
		ins(OpSTA, Abs(1)),
		ins(OpCALLN, ImmString("test>shout")),
	})
	err := v.Natives().Register(NativeFunction{Module: "test", Name: "shout", Arity: 1,
		Fn: func(_ *NativeContext, params []NativeParam) (NativeResult, error) {
			s, ok := params[0].String()
			if !ok {
				return NativeResult{}, fmt.Errorf("want a string")
			}
			return ReturnHeap(NewString(strings.ToUpper(s) + "!")), nil
		}})
	if err != nil {
		t.Fatal(err)
	}
	exit := runMain(t, v, 1)
	wantOK(t, exit)
	if got := heapString(t, v, exit.Registers.A.AsAddress()); got != "H!" {
		t.Errorf("result = %q, want H!", got)
	}
}

func TestCallNativeErrors(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{ins(OpCALLN, ImmString("test>fail:0"))})
	v.Natives().Register(NativeFunction{Module: "test", Name: "fail", Arity: 0,
		Fn: func(*NativeContext, []NativeParam) (NativeResult, error) {
			return NativeResult{}, errors.New("boom")
		}})
	exit := runMain(t, v, 0)
	wantPanic(t, exit, RuntimeError)
	if !strings.Contains(exit.Panic.Message, "boom") {
		t.Errorf("message = %q, want it to carry the native error", exit.Panic.Message)
	}

	v = newTestVM(t, testConfig(), []Instruction{ins(OpCALLN, ImmString("nope>missing"))})
	wantPanic(t, runMain(t, v, 0), RuntimeError)
}

func TestCallNativePanicFaultsThread(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{
		ins(OpLDA, immInt(1)),
		ins(OpSTA, Abs(0)),
		ins(OpCALLN, ImmString("host>boom:0")),
	})
	v.Natives().Register(NativeFunction{Module: "host", Name: "boom", Arity: 0,
		Fn: func(*NativeContext, []NativeParam) (NativeResult, error) {
			panic("host callback failed")
		}})

	exit := runMain(t, v, 1)
	wantPanic(t, exit, RuntimeError)
	if !strings.Contains(exit.Panic.Message, "host callback failed") {
		t.Errorf("message = %q, want the recovered panic value", exit.Panic.Message)
	}

	// The arenas must be usable afterwards.
	done := make(chan []SlotDump, 1)
	go func() { done <- v.DumpStack() }()
	select {
	case stack := <-done:
		if len(stack) != 1 || stack[0].Value != "1" {
			t.Errorf("stack = %+v", stack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DumpStack blocked after a native panic")
	}
	wantPanic(t, runMain(t, v, 1), RuntimeError)
}

func TestCallNativeRejectsMalformedResult(t *testing.T) {
	tests := []struct {
		name string
		res  FixedValue
		w    Width
	}{
		{"oversized int", FixedValue{Type: TypeID{ID: KindInteger, Size: 12}}, Width64},
		{"variable kind", FixedValue{Type: TypeID{ID: KindString, Size: 4}}, Width64},
		{"unknown kind", FixedValue{Type: TypeID{ID: 99, Size: 1}}, Width64},
		{"int64 on width 4", FixedValue{Type: TypeID{ID: KindInteger, Size: 8}}, Width32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Width = tt.w
			v := newTestVM(t, cfg, []Instruction{ins(OpCALLN, ImmString("host>bad:0"))})
			v.Natives().Register(NativeFunction{Module: "host", Name: "bad", Arity: 0,
				Fn: func(*NativeContext, []NativeParam) (NativeResult, error) {
					return ReturnFixed(tt.res), nil
				}})
			exit := runMain(t, v, 0)
			wantPanic(t, exit, InvalidType)
			if exit.Registers.A.Type != Void().Type {
				t.Errorf("A = %s, want it left as void", exit.Registers.A)
			}
		})
	}
}

// ============ VM pool ============

func TestTracerPanicReleasesArenas(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{ins(OpLDA, immInt(1))})
	v.SetTracer(func(ThreadID, FrameInfo, Instruction) { panic("tracer failed") })

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("tracer panic was swallowed")
			}
		}()
		v.RunThread(v.NewMainThread(1))
	}()
	if n := len(v.Threads()); n != 0 {
		t.Errorf("pool has %d threads after the panic, want 0", n)
	}

	v.SetTracer(nil)
	done := make(chan ThreadExit, 1)
	go func() {
		exit, _ := v.RunThread(v.NewMainThread(1))
		done <- exit
	}()
	select {
	case exit := <-done:
		wantOK(t, exit)
	case <-time.After(5 * time.Second):
		t.Fatal("RunThread blocked after a tracer panic")
	}
}

func TestThreadsWhileRunning(t *testing.T) {
	code, h := callProgram()
	v := newTestVM(t, testConfig(), code, h)
	id := v.NewMainThread(4)

	var seen []ThreadInfo
	v.SetTracer(func(tid ThreadID, f FrameInfo, in Instruction) {
		for _, info := range v.Threads() {
			if info.ID == tid {
				seen = append(seen, info)
			}
		}
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for _, info := range v.Threads() {
					_ = info.Top.Pos
				}
			}
		}
	}()

	exit, err := v.RunThread(id)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	wantOK(t, exit)

	if len(seen) != int(exit.Steps) {
		t.Fatalf("thread listed on %d of %d steps", len(seen), exit.Steps)
	}
	maxDepth := 0
	for _, info := range seen {
		if info.State != Running {
			t.Errorf("listed state = %s, want running", info.State)
		}
		maxDepth = max(maxDepth, info.Depth)
	}
	if maxDepth != 2 {
		t.Errorf("deepest listed call = %d, want 2", maxDepth)
	}
	if n := len(v.Threads()); n != 0 {
		t.Errorf("pool has %d threads after exit", n)
	}
}

func TestRunUnknownThread(t *testing.T) {
	v := newTestVM(t, testConfig(), nil)
	_, err := v.RunThread(ThreadID{})
	if !errors.Is(err, ErrUnknownThread) {
		t.Errorf("err = %v, want ErrUnknownThread", err)
	}
}

func TestThreadRemovedAfterExit(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{ins(OpLDA, immInt(1))})
	id := v.NewMainThread(0)
	if n := len(v.Threads()); n != 1 {
		t.Fatalf("pool has %d threads, want 1", n)
	}
	if _, err := v.RunThread(id); err != nil {
		t.Fatal(err)
	}
	if n := len(v.Threads()); n != 0 {
		t.Errorf("pool has %d threads after exit, want 0", n)
	}
	if _, err := v.RunThread(id); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("second run err = %v, want ErrUnknownThread", err)
	}
}

func TestConcurrentThreads(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{
		ins(OpLDB, immInt(20)),
		ins(OpLDC, immInt(22)),
		ins(OpADD),
	})
	const n = 16
	ids := make([]ThreadID, n)
	for i := range ids {
		ids[i] = v.NewMainThread(0)
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id ThreadID) {
			defer wg.Done()
			exit, err := v.RunThread(id)
			if err != nil {
				errs <- err
				return
			}
			if exit.Err() != nil || exit.Registers.A.AsInt() != 42 {
				errs <- fmt.Errorf("thread %s: %v A=%s", id, exit.Err(), exit.Registers.A)
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNonConcurrentRejectsSecondRun(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrent = false
	v := newTestVM(t, cfg, []Instruction{ins(OpCALLN, ImmString("test>block:0"))})
	entered := make(chan struct{})
	release := make(chan struct{})
	v.Natives().Register(NativeFunction{Module: "test", Name: "block", Arity: 0,
		Fn: func(*NativeContext, []NativeParam) (NativeResult, error) {
			close(entered)
			<-release
			return ReturnVoid(), nil
		}})

	first := v.NewMainThread(0)
	second := v.NewMainThread(0)
	done := make(chan error, 1)
	go func() {
		_, err := v.RunThread(first)
		done <- err
	}()
	<-entered
	if _, err := v.RunThread(second); !errors.Is(err, ErrVMBusy) {
		t.Errorf("err = %v, want ErrVMBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if n := len(v.Threads()); n != 1 {
		t.Errorf("rejected thread should stay pooled, pool has %d", n)
	}
}

func TestTracer(t *testing.T) {
	v := newTestVM(t, testConfig(), []Instruction{ins(OpLDA, immInt(1)), ins(OpLDB, immInt(2))})
	var seen []string
	v.SetTracer(func(_ ThreadID, f FrameInfo, in Instruction) {
		seen = append(seen, fmt.Sprintf("%d:%s", f.Pos, in.Op))
	})
	wantOK(t, runMain(t, v, 0))
	if got := strings.Join(seen, " "); got != "0:LDA 1:LDB" {
		t.Errorf("trace = %q", got)
	}
}

func TestNewRejectsOversizedProgram(t *testing.T) {
	p := NewProgram(4)
	if err := p.Load(make([]Instruction, 5), nil, nil); !errors.Is(err, ErrProgramFull) {
		t.Errorf("Load err = %v, want ErrProgramFull", err)
	}
	cfg := testConfig()
	cfg.ProgramCapacity = 2
	p = NewProgram(8)
	if err := p.Load([]Instruction{ins(OpRET), ins(OpRET), ins(OpRET)}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := New(p, cfg); !errors.Is(err, ErrProgramFull) {
		t.Errorf("New err = %v, want ErrProgramFull", err)
	}
}
