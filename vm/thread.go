package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ThreadID identifies a thread in a VM's pool.
type ThreadID = uuid.UUID

// ThreadState is the lifecycle position of a thread.
type ThreadState uint8

const (
	Running ThreadState = iota
	AwaitingCall
	Exited
	Faulted
)

func (s ThreadState) String() string {
	switch s {
	case Running:
		return "running"
	case AwaitingCall:
		return "awaiting-call"
	case Exited:
		return "exited"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("ThreadState(%d)", uint8(s))
}

// ThreadEntry seeds a thread's first frame.
type ThreadEntry struct {
	Start    int // program position the cursor is relative to
	Cursor   int // starting offset from Start
	End      int // position at which the thread exits
	Base     int // stack base of the first frame
	StackLen int // slots reserved by the first frame
	Hash     int
}

// ThreadExit is the outcome of a finished thread.
type ThreadExit struct {
	ID        ThreadID
	State     ThreadState
	Panic     *ThreadPanic
	Registers Registers // register file of the last frame to finish
	Steps     uint64
}

// Err returns the fault, or nil for a normal exit.
func (e ThreadExit) Err() error {
	if e.Panic == nil {
		return nil
	}
	return e.Panic
}

// Thread is a call stack of frames executing against the VM's shared
// program and memory. Its fields belong to the goroutine running it; other
// goroutines read the snapshot returned by Info.
type Thread struct {
	ID     ThreadID
	state  ThreadState
	frames []*Frame
	steps  uint64
	last   Registers
	fault  *ThreadPanic

	status atomic.Pointer[ThreadInfo]
}

func newThread(entry ThreadEntry) *Thread {
	root := &Frame{
		Start:    entry.Start,
		Cursor:   entry.Cursor,
		End:      entry.End,
		Base:     entry.Base,
		StackLen: entry.StackLen,
		Hash:     entry.Hash,
		Registers: Registers{
			A: Void(), B: Void(), C: Void(), X: Void(), Y: Void(),
		},
	}
	t := &Thread{ID: uuid.New(), state: Running, frames: []*Frame{root}}
	t.publish()
	return t
}

// publish stores a snapshot for Info. It runs on state changes and frame
// pushes and pops, not on every instruction.
func (t *Thread) publish() {
	top, _ := t.Top()
	t.status.Store(&ThreadInfo{ID: t.ID, State: t.state, Depth: len(t.frames), Top: top})
}

// Info returns the last published snapshot. It is safe to call while the
// thread runs; Top.Pos is as of the latest call, return or state change.
func (t *Thread) Info() ThreadInfo {
	return *t.status.Load()
}

// State returns the thread's lifecycle state.
func (t *Thread) State() ThreadState {
	return t.state
}

// Depth returns the number of live frames.
func (t *Thread) Depth() int {
	return len(t.frames)
}

// Top returns a snapshot of the active frame.
func (t *Thread) Top() (FrameInfo, bool) {
	if len(t.frames) == 0 {
		return FrameInfo{}, false
	}
	return t.frames[len(t.frames)-1].Info(), true
}

func (t *Thread) finished() bool {
	return t.state == Exited || t.state == Faulted
}

// machine is what a thread needs from its VM while it runs. The arenas are
// locked by the caller.
type machine struct {
	program   *Program
	stack     *Stack
	heap      *Heap
	natives   *NativeRegistry
	width     Width
	maxFrames int
	tracer    Tracer
}

// run steps the thread until it exits or faults.
func (t *Thread) run(m *machine) ThreadExit {
	for !t.finished() {
		t.step(m)
	}
	t.publish()
	return t.exit()
}

func (t *Thread) exit() ThreadExit {
	return ThreadExit{ID: t.ID, State: t.state, Panic: t.fault, Registers: t.last, Steps: t.steps}
}

// step executes one instruction, or retires a frame that reached its end.
func (t *Thread) step(m *machine) {
	if len(t.frames) == 0 {
		t.state = Exited
		return
	}
	f := t.frames[len(t.frames)-1]
	if f.Done() {
		t.popFrame()
		return
	}
	pos := f.Pos()
	in, ok := m.program.At(pos)
	if !ok {
		t.faultWith(errMemoryAccess(pos, f.Cursor), pos)
		return
	}
	if m.tracer != nil {
		m.tracer(t.ID, f.Info(), in)
	}

	ctx := execCtx{
		frame:   f,
		stack:   m.stack,
		heap:    m.heap,
		program: m.program,
		natives: m.natives,
		width:   m.width,
	}
	eff, err := ctx.dispatch(in)
	if err != nil {
		t.faultWith(err, pos)
		return
	}
	t.steps++

	switch eff.kind {
	case effContinue:
		f.Cursor++
	case effJump:
		f.SetPos(eff.pos)
	case effPopFrame:
		t.popFrame()
	case effCallFunction:
		t.state = AwaitingCall
		if err := t.pushFrame(m, eff.call); err != nil {
			t.faultWith(err, pos)
			return
		}
		t.state = Running
		t.publish()
	case effCallNative:
		if err := t.callNative(m, &ctx, eff.native); err != nil {
			t.faultWith(err, pos)
			return
		}
		f.Cursor++
	}
}

// pushFrame places the callee's window directly after the caller's and
// hands it a copy of the caller's registers.
func (t *Thread) pushFrame(m *machine, call CallFunction) error {
	caller := t.frames[len(t.frames)-1]
	if len(t.frames) >= m.maxFrames {
		return errStackOverflow(len(t.frames) + 1)
	}
	base := caller.Base + caller.StackLen
	if base+call.StackLen > m.stack.Capacity() {
		return errStackOverflow(len(t.frames) + 1)
	}
	callee := &Frame{
		Start:     call.Start,
		End:       call.End,
		Base:      base,
		StackLen:  call.StackLen,
		Hash:      call.Hash,
		Registers: caller.Registers,
		Caller:    &CallerInfo{Hash: caller.Hash, EscapePos: call.EscapePos},
	}
	callee.SetPos(call.Pos)
	t.frames = append(t.frames, callee)
	return nil
}

// popFrame retires the active frame. The caller resumes at the escape
// position with its own registers, except A, which carries the result.
func (t *Thread) popFrame() {
	n := len(t.frames)
	callee := t.frames[n-1]
	t.frames = t.frames[:n-1]
	t.last = callee.Registers
	if n == 1 {
		t.state = Exited
		return
	}
	caller := t.frames[n-2]
	caller.Registers.A = callee.Registers.A
	if callee.Caller != nil {
		caller.SetPos(callee.Caller.EscapePos)
	} else {
		caller.Cursor++
	}
	t.publish()
}

// invokeNative calls a host function, turning a Go panic in it into a
// RuntimeError fault.
func invokeNative(nc *NativeContext, call NativeCall) (res NativeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errRuntime(fmt.Sprintf("%s panicked: %v", call.Fn.QualifiedName(), r))
		}
	}()
	return call.Fn.Fn(nc, call.Params)
}

func (t *Thread) callNative(m *machine, ctx *execCtx, call NativeCall) error {
	nc := &NativeContext{
		Thread: t.ID,
		Frame:  ctx.frame.Info(),
		Width:  m.width,
		Stack:  m.stack,
		Heap:   m.heap,
	}
	res, err := invokeNative(nc, call)
	if err != nil {
		if p, ok := AsPanic(err); ok {
			return p
		}
		return errRuntime(fmt.Sprintf("%s: %v", call.Fn.QualifiedName(), err))
	}
	if res.Heap != nil {
		ref, err := ctx.allocate(*res.Heap)
		if err != nil {
			return err
		}
		ctx.regs().A = ref
		return nil
	}
	if res.Fixed.Empty() {
		ctx.regs().A = Void()
		return nil
	}
	if !res.Fixed.Valid(m.width) {
		return errInvalidType(res.Fixed.Type.ID)
	}
	ctx.regs().A = res.Fixed
	return nil
}

func (t *Thread) faultWith(err error, pos int) {
	p, ok := AsPanic(err)
	if !ok {
		p = errRuntime(err.Error())
	}
	p.Pos = pos
	t.fault = p
	t.state = Faulted
	if n := len(t.frames); n > 0 {
		t.last = t.frames[n-1].Registers
	}
}
