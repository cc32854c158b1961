package inspect

import (
	"fmt"

	"github.com/ellie-lang/ellie/vm"
)

type vmRequest struct {
	fn   func(*vm.VM) any
	done chan vmResult
}

type vmResult struct {
	value any
	err   error
}

// Worker serializes thread runs submitted over RPC through a single
// goroutine, so a VM configured without concurrency never sees two runs
// at once. Dumps do not go through the worker; they take the VM's arena
// locks directly.
type Worker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(v *vm.VM) *Worker {
	w := &Worker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn on the VM. The VM already turns native panics into thread
// faults; this catches panics raised by fn itself.
func (w *Worker) execute(fn func(*vm.VM) any) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("%v", r)
		}
	}()
	result.value = fn(w.vm)
	return result
}

// Do submits fn and blocks until it completes.
func (w *Worker) Do(fn func(*vm.VM) any) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case <-w.quit:
		return nil, errStopped
	default:
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, errStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, errStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *Worker) Stop() {
	close(w.quit)
}

// VM returns the underlying VM.
func (w *Worker) VM() *vm.VM {
	return w.vm
}
