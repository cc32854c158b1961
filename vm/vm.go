package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: program, shared memory and the thread pool
// ---------------------------------------------------------------------------

var log = commonlog.GetLogger("ellie.vm")

// Config sizes the VM's arenas.
type Config struct {
	Width           Width
	StackCapacity   int
	ProgramCapacity int
	MaxFrames       int
	// Concurrent guards the arenas with mutexes so several goroutines may
	// run threads. When false no lock is taken and a second simultaneous
	// run is rejected with ErrVMBusy.
	Concurrent bool
}

// DefaultConfig returns the configuration for a 64-bit host.
func DefaultConfig() Config {
	return Config{
		Width:           Width64,
		StackCapacity:   4096,
		ProgramCapacity: 65536,
		MaxFrames:       256,
		Concurrent:      true,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case !c.Width.Valid():
		return fmt.Errorf("vm: invalid width %d, want 4 or 8", c.Width)
	case c.StackCapacity <= 0:
		return fmt.Errorf("vm: stack capacity must be positive, got %d", c.StackCapacity)
	case c.ProgramCapacity <= 0:
		return fmt.Errorf("vm: program capacity must be positive, got %d", c.ProgramCapacity)
	case c.MaxFrames <= 0:
		return fmt.Errorf("vm: max frames must be positive, got %d", c.MaxFrames)
	}
	return nil
}

// Tracer observes every instruction before it executes. It runs on the
// executing goroutine with the arenas locked.
type Tracer func(id ThreadID, frame FrameInfo, in Instruction)

// noLock satisfies sync.Locker without locking.
type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// VM owns the program, one stack arena, one heap arena, the native registry
// and a pool of threads.
type VM struct {
	cfg     Config
	program *Program
	stack   *Stack
	heap    *Heap
	natives *NativeRegistry

	stackMu sync.Locker
	heapMu  sync.Locker
	busy    atomic.Bool

	mu      sync.Mutex
	threads map[ThreadID]*Thread
	tracer  Tracer
}

// New returns a VM executing program under cfg.
func New(program *Program, cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if program == nil {
		program = NewProgram(cfg.ProgramCapacity)
	}
	if program.Len() > cfg.ProgramCapacity {
		return nil, fmt.Errorf("%w: %d instructions, capacity %d", ErrProgramFull, program.Len(), cfg.ProgramCapacity)
	}
	v := &VM{
		cfg:     cfg,
		program: program,
		stack:   NewStack(cfg.StackCapacity),
		heap:    NewHeap(cfg.Width),
		natives: NewNativeRegistry(),
		threads: make(map[ThreadID]*Thread),
	}
	if cfg.Concurrent {
		v.stackMu, v.heapMu = &sync.Mutex{}, &sync.Mutex{}
	} else {
		v.stackMu, v.heapMu = noLock{}, noLock{}
	}
	log.Debugf("vm created: width=%d stack=%d program=%d/%d concurrent=%t",
		cfg.Width, cfg.StackCapacity, program.Len(), cfg.ProgramCapacity, cfg.Concurrent)
	return v, nil
}

// Config returns the VM's configuration.
func (v *VM) Config() Config {
	return v.cfg
}

// Program returns the loaded program.
func (v *VM) Program() *Program {
	return v.program
}

// Natives returns the native registry used by CALLN.
func (v *VM) Natives() *NativeRegistry {
	return v.natives
}

// SetTracer installs an instruction observer. Pass nil to remove it.
func (v *VM) SetTracer(t Tracer) {
	v.mu.Lock()
	v.tracer = t
	v.mu.Unlock()
}

// NewThread adds a thread seeded at entry to the pool.
func (v *VM) NewThread(entry ThreadEntry) ThreadID {
	t := newThread(entry)
	v.mu.Lock()
	v.threads[t.ID] = t
	v.mu.Unlock()
	log.Debugf("thread %s created at %d..%d base %d", t.ID, entry.Start, entry.End, entry.Base)
	return t.ID
}

// NewFunctionThread adds a thread that runs the body of the function with
// the given hash.
func (v *VM) NewFunctionThread(hash int) (ThreadID, error) {
	fn, ok := v.program.Function(hash)
	if !ok {
		return ThreadID{}, fmt.Errorf("vm: no function with hash %d", hash)
	}
	return v.NewThread(ThreadEntry{
		Start:    fn.Start,
		Cursor:   1,
		End:      fn.End,
		StackLen: fn.StackLen,
		Hash:     fn.Hash,
	}), nil
}

// NewMainThread adds a thread that runs the whole program from position 0.
func (v *VM) NewMainThread(stackLen int) ThreadID {
	return v.NewThread(ThreadEntry{Start: 0, End: v.program.Len(), StackLen: stackLen})
}

// RunThread runs a pooled thread to completion and removes it from the
// pool. A fault is reported in the ThreadExit, not as the error; the error
// is reserved for host-level failures.
func (v *VM) RunThread(id ThreadID) (ThreadExit, error) {
	v.mu.Lock()
	t, ok := v.threads[id]
	tracer := v.tracer
	v.mu.Unlock()
	if !ok {
		return ThreadExit{}, fmt.Errorf("%w: %s", ErrUnknownThread, id)
	}

	if !v.cfg.Concurrent {
		if !v.busy.CompareAndSwap(false, true) {
			return ThreadExit{}, ErrVMBusy
		}
		defer v.busy.Store(false)
	}

	defer func() {
		v.mu.Lock()
		delete(v.threads, id)
		v.mu.Unlock()
	}()
	exit := v.runLocked(t, tracer)

	if exit.Panic != nil {
		log.Warningf("thread %s faulted after %d steps: %s", id, exit.Steps, exit.Panic)
	} else {
		log.Debugf("thread %s exited after %d steps", id, exit.Steps)
	}
	return exit, nil
}

// runLocked runs t with both arenas held. They are released even when the
// tracer panics.
func (v *VM) runLocked(t *Thread, tracer Tracer) ThreadExit {
	v.stackMu.Lock()
	defer v.stackMu.Unlock()
	v.heapMu.Lock()
	defer v.heapMu.Unlock()
	return t.run(&machine{
		program:   v.program,
		stack:     v.stack,
		heap:      v.heap,
		natives:   v.natives,
		width:     v.cfg.Width,
		maxFrames: v.cfg.MaxFrames,
		tracer:    tracer,
	})
}

// ThreadInfo describes a pooled thread.
type ThreadInfo struct {
	ID    ThreadID
	State ThreadState
	Depth int
	Top   FrameInfo
}

// Threads lists the pooled threads, including running ones, ordered by ID.
// Each entry is the thread's last published snapshot.
func (v *VM) Threads() []ThreadInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ThreadInfo, 0, len(v.threads))
	for _, t := range v.threads {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// WithMemory runs fn with both arenas locked. Locks are always taken stack
// first, then heap.
func (v *VM) WithMemory(fn func(stack *Stack, heap *Heap)) {
	v.stackMu.Lock()
	defer v.stackMu.Unlock()
	v.heapMu.Lock()
	defer v.heapMu.Unlock()
	fn(v.stack, v.heap)
}
