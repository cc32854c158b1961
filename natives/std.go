// Package natives provides the host modules programs reach through CALLN.
package natives

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/ellie-lang/ellie/vm"
)

var log = commonlog.GetLogger("ellie.natives")

// Register installs the named modules into r. Output of the std print
// functions goes to out, or os.Stdout when out is nil.
func Register(r *vm.NativeRegistry, out io.Writer, modules ...string) error {
	if out == nil {
		out = os.Stdout
	}
	for _, m := range modules {
		var fns []vm.NativeFunction
		switch m {
		case "std":
			fns = NewStd(out).Functions()
		default:
			return fmt.Errorf("natives: unknown module %q", m)
		}
		for _, fn := range fns {
			if err := r.Register(fn); err != nil {
				return fmt.Errorf("natives: %w", err)
			}
		}
		log.Debugf("registered module %s (%d functions)", m, len(fns))
	}
	return nil
}

// Std is the std module.
type Std struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStd returns a std module printing to out.
func NewStd(out io.Writer) *Std {
	return &Std{out: out}
}

// Functions lists the std natives.
func (s *Std) Functions() []vm.NativeFunction {
	return []vm.NativeFunction{
		{Module: "std", Name: "print", Arity: 1, Fn: s.print},
		{Module: "std", Name: "println", Arity: 1, Fn: s.println},
		{Module: "std", Name: "len", Arity: 1, Fn: length},
		{Module: "std", Name: "uuid", Arity: 0, Fn: newUUID},
		{Module: "std", Name: "panic", Arity: 1, Fn: raise},
	}
}

// Text renders a parameter the way print shows it. Strings are written
// raw, other heap values through vm.FormatCell.
func Text(p vm.NativeParam, w vm.Width) (string, error) {
	if s, ok := p.String(); ok {
		return s, nil
	}
	if p.Heap != nil {
		return vm.FormatCell(*p.Heap, w)
	}
	return p.Value.Format(), nil
}

func (s *Std) write(ctx *vm.NativeContext, p vm.NativeParam, suffix string) (vm.NativeResult, error) {
	text, err := Text(p, ctx.Width)
	if err != nil {
		return vm.NativeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.out, text+suffix); err != nil {
		return vm.NativeResult{}, err
	}
	return vm.ReturnVoid(), nil
}

func (s *Std) print(ctx *vm.NativeContext, params []vm.NativeParam) (vm.NativeResult, error) {
	return s.write(ctx, params[0], "")
}

func (s *Std) println(ctx *vm.NativeContext, params []vm.NativeParam) (vm.NativeResult, error) {
	return s.write(ctx, params[0], "\n")
}

func length(ctx *vm.NativeContext, params []vm.NativeParam) (vm.NativeResult, error) {
	h := params[0].Heap
	if h == nil {
		return vm.NativeResult{}, fmt.Errorf("len of %s", params[0].Value.Type.ID)
	}
	var n int
	switch h.Type.ID {
	case vm.KindString:
		s, err := h.StringValue()
		if err != nil {
			return vm.NativeResult{}, err
		}
		n = len([]rune(s))
	case vm.KindArray, vm.KindStaticArray:
		n = h.Len(ctx.Width)
	default:
		return vm.NativeResult{}, fmt.Errorf("len of %s", h.Type.ID)
	}
	v, err := vm.FromInt(int64(n), ctx.Width)
	if err != nil {
		return vm.NativeResult{}, err
	}
	return vm.ReturnFixed(v), nil
}

func newUUID(*vm.NativeContext, []vm.NativeParam) (vm.NativeResult, error) {
	return vm.ReturnHeap(vm.NewString(uuid.NewString())), nil
}

func raise(ctx *vm.NativeContext, params []vm.NativeParam) (vm.NativeResult, error) {
	msg, err := Text(params[0], ctx.Width)
	if err != nil {
		return vm.NativeResult{}, err
	}
	return vm.NativeResult{}, errors.New(strings.TrimSpace(msg))
}
