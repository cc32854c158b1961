package vm

import "fmt"

// Kind is the numeric type id carried by every raw value. The numbering is
// shared with the assembler and must not be reordered.
type Kind uint8

const (
	KindInteger     Kind = 1
	KindFloat       Kind = 2
	KindDouble      Kind = 3
	KindByte        Kind = 4
	KindBool        Kind = 5
	KindString      Kind = 6
	KindChar        Kind = 7
	KindVoid        Kind = 8
	KindArray       Kind = 9
	KindNull        Kind = 10
	KindClass       Kind = 11
	KindFunction    Kind = 12
	KindHeapRef     Kind = 13
	KindStaticArray Kind = 14
	KindStackRef    Kind = 15
)

var kindNames = map[Kind]string{
	KindInteger:     "int",
	KindFloat:       "float",
	KindDouble:      "double",
	KindByte:        "byte",
	KindBool:        "bool",
	KindString:      "string",
	KindChar:        "char",
	KindVoid:        "void",
	KindArray:       "array",
	KindNull:        "null",
	KindClass:       "class",
	KindFunction:    "function",
	KindHeapRef:     "heap_ref",
	KindStaticArray: "static_array",
	KindStackRef:    "stack_ref",
}

// String returns the short name used in dumps and disassembly.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known type id.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsVariable reports whether values of this kind only live in heap memory.
func (k Kind) IsVariable() bool {
	switch k {
	case KindString, KindArray, KindClass, KindStaticArray:
		return true
	}
	return false
}

// KindByName resolves a name produced by Kind.String.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Width is the platform's native value width in bytes.
type Width uint8

const (
	Width32 Width = 4
	Width64 Width = 8
)

// MaxWidth is the size of the inline buffer of a FixedValue.
const MaxWidth = 8

// Valid reports whether w is a supported platform width.
func (w Width) Valid() bool {
	return w == Width32 || w == Width64
}

// Bits returns the width in bits.
func (w Width) Bits() int {
	return int(w) * 8
}

// MinInt and MaxInt return the Integer range representable at this width.
func (w Width) MinInt() int64 {
	if w == Width32 {
		return -1 << 31
	}
	return -1 << 63
}

func (w Width) MaxInt() int64 {
	if w == Width32 {
		return 1<<31 - 1
	}
	return 1<<63 - 1
}

// TypeID pairs a kind with the byte length of its payload.
type TypeID struct {
	ID   Kind
	Size int
}

func (t TypeID) String() string {
	return fmt.Sprintf("%s(%d)", t.ID, t.Size)
}

// TypeFor returns the TypeID of a fixed-size kind at the given width.
// Variable kinds get size 0; the caller sets the real length.
func TypeFor(k Kind, w Width) TypeID {
	switch k {
	case KindInteger, KindFunction, KindHeapRef, KindStackRef:
		return TypeID{ID: k, Size: int(w)}
	case KindFloat, KindChar:
		return TypeID{ID: k, Size: 4}
	case KindDouble:
		return TypeID{ID: k, Size: 8}
	case KindByte, KindBool:
		return TypeID{ID: k, Size: 1}
	}
	return TypeID{ID: k}
}
