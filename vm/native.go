package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Native bridge: host functions callable through CALLN
// ---------------------------------------------------------------------------

// NativeParam is one argument collected from the stack. Heap holds a copy of
// the referenced cell when Value is a reference.
type NativeParam struct {
	Value FixedValue
	Heap  *VariableValue
}

// String decodes a string parameter.
func (p NativeParam) String() (string, bool) {
	if p.Heap == nil || p.Heap.Type.ID != KindString {
		return "", false
	}
	s, err := p.Heap.StringValue()
	return s, err == nil
}

// NativeResult is what a native function leaves in register A. A non-nil
// Heap is allocated at the caller's current position and A receives a
// reference to it.
type NativeResult struct {
	Fixed FixedValue
	Heap  *VariableValue
}

// ReturnFixed returns a register value.
func ReturnFixed(v FixedValue) NativeResult {
	return NativeResult{Fixed: v}
}

// ReturnHeap returns a heap value.
func ReturnHeap(v VariableValue) NativeResult {
	return NativeResult{Heap: &v}
}

// ReturnVoid returns Void.
func ReturnVoid() NativeResult {
	return NativeResult{Fixed: Void()}
}

// NativeContext gives a native function read access to the calling thread.
// The VM's arenas are locked for the duration of the call.
type NativeContext struct {
	Thread ThreadID
	Frame  FrameInfo
	Width  Width
	Stack  *Stack
	Heap   *Heap
}

// NativeFunc is the signature of a host function. A returned error
// terminates the calling thread with a RuntimeError fault unless it already
// is a *ThreadPanic.
type NativeFunc func(ctx *NativeContext, params []NativeParam) (NativeResult, error)

// NativeFunction is a registered host function.
type NativeFunction struct {
	Module string
	Name   string
	Arity  int
	Fn     NativeFunc
}

// QualifiedName returns "module>name:arity".
func (f *NativeFunction) QualifiedName() string {
	return f.Module + ">" + f.Name + ":" + strconv.Itoa(f.Arity)
}

// ParseNativeName splits "module>name[:arity]". Arity is -1 when absent.
func ParseNativeName(s string) (module, name string, arity int, err error) {
	module, rest, ok := strings.Cut(s, ">")
	if !ok || module == "" || rest == "" {
		return "", "", 0, fmt.Errorf("vm: malformed native name %q, want module>name[:arity]", s)
	}
	name, ar, hasArity := strings.Cut(rest, ":")
	if name == "" {
		return "", "", 0, fmt.Errorf("vm: malformed native name %q, empty function name", s)
	}
	if !hasArity {
		return module, name, -1, nil
	}
	arity, err = strconv.Atoi(ar)
	if err != nil || arity < 0 {
		return "", "", 0, fmt.Errorf("vm: malformed native name %q, bad arity %q", s, ar)
	}
	return module, name, arity, nil
}

// NativeRegistry maps qualified names to host functions.
type NativeRegistry struct {
	mu  sync.RWMutex
	fns map[string]*NativeFunction // keyed by module>name:arity
	any map[string]*NativeFunction // keyed by module>name, first registration wins
}

// NewNativeRegistry returns an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{
		fns: make(map[string]*NativeFunction),
		any: make(map[string]*NativeFunction),
	}
}

// Register adds fn. Registering the same module>name:arity twice is an
// error.
func (r *NativeRegistry) Register(fn NativeFunction) error {
	if fn.Module == "" || fn.Name == "" || fn.Fn == nil {
		return fmt.Errorf("vm: incomplete native function %q", fn.Module+">"+fn.Name)
	}
	if fn.Arity < 0 {
		return fmt.Errorf("vm: native %s>%s has negative arity", fn.Module, fn.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fn.QualifiedName()
	if _, dup := r.fns[key]; dup {
		return fmt.Errorf("vm: native %s already registered", key)
	}
	f := fn
	r.fns[key] = &f
	short := fn.Module + ">" + fn.Name
	if _, ok := r.any[short]; !ok {
		r.any[short] = &f
	}
	return nil
}

// Lookup resolves "module>name:arity" exactly, or "module>name" to the first
// registered arity.
func (r *NativeRegistry) Lookup(qualified string) (*NativeFunction, bool) {
	module, name, arity, err := ParseNativeName(qualified)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	short := module + ">" + name
	if arity >= 0 {
		fn, ok := r.fns[short+":"+strconv.Itoa(arity)]
		return fn, ok
	}
	fn, ok := r.any[short]
	return fn, ok
}

// Names returns every qualified name in sorted order.
func (r *NativeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for k := range r.fns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
