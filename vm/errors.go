package vm

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// PanicReason classifies a thread fault.
type PanicReason uint8

const (
	IllegalAddressingValue PanicReason = iota + 1
	CannotConvertToType
	UncomparableTypes
	NullReference
	MemoryAccessViolation
	IntegerOverflow
	ImmediateUseViolation
	InvalidType
	InvalidRegisterAccess
	RuntimeError
	StackOverflow
	CallToUnknown
	IndexOutOfBounds
	DivisionByZero
)

var reasonNames = [...]string{
	IllegalAddressingValue: "IllegalAddressingValue",
	CannotConvertToType:    "CannotConvertToType",
	UncomparableTypes:      "UncomparableTypes",
	NullReference:          "NullReference",
	MemoryAccessViolation:  "MemoryAccessViolation",
	IntegerOverflow:        "IntegerOverflow",
	ImmediateUseViolation:  "ImmediateUseViolation",
	InvalidType:            "InvalidType",
	InvalidRegisterAccess:  "InvalidRegisterAccess",
	RuntimeError:           "RuntimeError",
	StackOverflow:          "StackOverflow",
	CallToUnknown:          "CallToUnknown",
	IndexOutOfBounds:       "IndexOutOfBounds",
	DivisionByZero:         "DivisionByZero",
}

func (r PanicReason) String() string {
	if int(r) < len(reasonNames) && reasonNames[r] != "" {
		return reasonNames[r]
	}
	return fmt.Sprintf("PanicReason(%d)", uint8(r))
}

// ThreadPanic is a fatal, thread-terminating fault raised by an executor.
//
// Args carries the reason's operands in declaration order: (from, to) for
// CannotConvertToType, (a, b) for UncomparableTypes, (address, cursor) for
// MemoryAccessViolation, the offending type id for the single-id reasons.
// Loc is the VM source location that raised the fault and is meant for VM
// developers, not for end users.
type ThreadPanic struct {
	Reason  PanicReason
	Args    []int
	Message string
	Loc     string
	Pos     int
}

func (p *ThreadPanic) Error() string {
	var sb strings.Builder
	sb.WriteString(p.Reason.String())
	if len(p.Args) > 0 {
		sb.WriteByte('(')
		for i, a := range p.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%d", a)
		}
		sb.WriteByte(')')
	}
	if p.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(p.Message)
	}
	fmt.Fprintf(&sb, " at pos %d [%s]", p.Pos, p.Loc)
	return sb.String()
}

// Is matches another *ThreadPanic with the same reason, so callers can write
// errors.Is(err, &ThreadPanic{Reason: IntegerOverflow}).
func (p *ThreadPanic) Is(target error) bool {
	t, ok := target.(*ThreadPanic)
	return ok && t.Reason == p.Reason
}

func raise(reason PanicReason, args ...int) *ThreadPanic {
	loc := "unknown"
	if _, file, line, ok := runtime.Caller(2); ok {
		loc = fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line)
	}
	return &ThreadPanic{Reason: reason, Args: args, Loc: loc, Pos: -1}
}

func errIllegalAddressing(m AddressingMode) *ThreadPanic {
	return raise(IllegalAddressingValue, int(m))
}

func errCannotConvert(from, to Kind) *ThreadPanic {
	return raise(CannotConvertToType, int(from), int(to))
}

func errUncomparable(a, b Kind) *ThreadPanic {
	return raise(UncomparableTypes, int(a), int(b))
}

func errNullReference(addr int) *ThreadPanic {
	return raise(NullReference, addr)
}

func errMemoryAccess(addr, cursor int) *ThreadPanic {
	return raise(MemoryAccessViolation, addr, cursor)
}

func errIntegerOverflow() *ThreadPanic {
	return raise(IntegerOverflow)
}

func errImmediateUse(k Kind) *ThreadPanic {
	return raise(ImmediateUseViolation, int(k))
}

func errInvalidType(k Kind) *ThreadPanic {
	return raise(InvalidType, int(k))
}

func errInvalidRegister(k Kind) *ThreadPanic {
	return raise(InvalidRegisterAccess, int(k))
}

func errRuntime(msg string) *ThreadPanic {
	p := raise(RuntimeError)
	p.Message = msg
	return p
}

func errStackOverflow(depth int) *ThreadPanic {
	return raise(StackOverflow, depth)
}

func errCallToUnknown(hash int) *ThreadPanic {
	return raise(CallToUnknown, hash)
}

func errIndexOutOfBounds(index, length int) *ThreadPanic {
	return raise(IndexOutOfBounds, index, length)
}

func errDivisionByZero() *ThreadPanic {
	return raise(DivisionByZero)
}

// AsPanic extracts a *ThreadPanic from err.
func AsPanic(err error) (*ThreadPanic, bool) {
	var p *ThreadPanic
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// Host-level errors. These never terminate a thread; they are returned to
// the embedder from VM methods.
var (
	ErrUnknownThread = errors.New("vm: unknown thread")
	ErrVMBusy        = errors.New("vm: another thread is running")
	ErrProgramFull   = errors.New("vm: program exceeds capacity")
)
