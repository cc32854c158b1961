package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Fixed values: register and stack resident
// ---------------------------------------------------------------------------

// FixedValue is a typed value stored inline, bounded by the platform width.
// The zero FixedValue (ID 0) marks an empty stack slot.
type FixedValue struct {
	Type TypeID
	data [MaxWidth]byte
}

// Empty reports whether v is the zero FixedValue.
func (v FixedValue) Empty() bool {
	return v.Type.ID == 0
}

// Bytes returns the logical little-endian payload, clamped to the inline
// buffer when the type size is malformed.
func (v FixedValue) Bytes() []byte {
	n := min(max(v.Type.Size, 0), MaxWidth)
	b := make([]byte, n)
	copy(b, v.data[:n])
	return b
}

// Valid reports whether v is a well-formed fixed value at width w: a known
// fixed kind carrying the size TypeFor assigns it.
func (v FixedValue) Valid(w Width) bool {
	id := v.Type.ID
	if !id.Valid() || id.IsVariable() || (id == KindDouble && w < Width64) {
		return false
	}
	return v.Type == TypeFor(id, w)
}

// FixedFromBytes builds a fixed value from a raw payload. The type size is
// normalized to the platform width; the payload may be shorter than that
// size (it is zero-extended) but never longer.
func FixedFromBytes(t TypeID, raw []byte, w Width) (FixedValue, error) {
	if !t.ID.Valid() || t.ID.IsVariable() {
		return FixedValue{}, errInvalidType(t.ID)
	}
	if t.ID == KindDouble && w < Width64 {
		return FixedValue{}, errInvalidType(t.ID)
	}
	nt := TypeFor(t.ID, w)
	if len(raw) > nt.Size {
		if t.ID == KindInteger {
			return FixedValue{}, errIntegerOverflow()
		}
		return FixedValue{}, errInvalidType(t.ID)
	}
	v := FixedValue{Type: nt}
	copy(v.data[:], raw)
	return v, nil
}

// FromInt encodes an Integer at width w. Values outside the width's range
// are an IntegerOverflow fault.
func FromInt(n int64, w Width) (FixedValue, error) {
	if n < w.MinInt() || n > w.MaxInt() {
		return FixedValue{}, errIntegerOverflow()
	}
	v := FixedValue{Type: TypeFor(KindInteger, w)}
	binary.LittleEndian.PutUint64(v.data[:], uint64(n))
	if w == Width32 {
		clear(v.data[4:])
	}
	return v, nil
}

// FromFloat encodes a 32-bit float.
func FromFloat(f float32) FixedValue {
	v := FixedValue{Type: TypeID{ID: KindFloat, Size: 4}}
	binary.LittleEndian.PutUint32(v.data[:], math.Float32bits(f))
	return v
}

// FromDouble encodes a 64-bit float. Doubles need a width-8 platform.
func FromDouble(f float64, w Width) (FixedValue, error) {
	if w < Width64 {
		return FixedValue{}, errInvalidType(KindDouble)
	}
	v := FixedValue{Type: TypeID{ID: KindDouble, Size: 8}}
	binary.LittleEndian.PutUint64(v.data[:], math.Float64bits(f))
	return v, nil
}

func FromByte(b uint8) FixedValue {
	v := FixedValue{Type: TypeID{ID: KindByte, Size: 1}}
	v.data[0] = b
	return v
}

func FromBool(b bool) FixedValue {
	v := FixedValue{Type: TypeID{ID: KindBool, Size: 1}}
	if b {
		v.data[0] = 1
	}
	return v
}

func FromChar(r rune) FixedValue {
	v := FixedValue{Type: TypeID{ID: KindChar, Size: 4}}
	binary.LittleEndian.PutUint32(v.data[:], uint32(r))
	return v
}

func Void() FixedValue {
	return FixedValue{Type: TypeID{ID: KindVoid}}
}

func Null() FixedValue {
	return FixedValue{Type: TypeID{ID: KindNull}}
}

// FromAddress encodes a reference or function hash of kind k.
func FromAddress(k Kind, addr int, w Width) FixedValue {
	v := FixedValue{Type: TypeFor(k, w)}
	binary.LittleEndian.PutUint64(v.data[:], uint64(addr))
	if w == Width32 {
		clear(v.data[4:])
	}
	return v
}

func HeapRef(addr int, w Width) FixedValue      { return FromAddress(KindHeapRef, addr, w) }
func StackRef(addr int, w Width) FixedValue     { return FromAddress(KindStackRef, addr, w) }
func FromFunction(hash int, w Width) FixedValue { return FromAddress(KindFunction, hash, w) }

// AsInt reinterprets the payload as a sign-extended integer.
func (v FixedValue) AsInt() int64 {
	switch v.Type.Size {
	case 1:
		return int64(int8(v.data[0]))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(v.data[:])))
	case 8:
		return int64(binary.LittleEndian.Uint64(v.data[:]))
	}
	return 0
}

func (v FixedValue) AsFloat() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.data[:]))
}

func (v FixedValue) AsDouble() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.data[:]))
}

func (v FixedValue) AsByte() uint8 {
	return v.data[0]
}

func (v FixedValue) AsBool() bool {
	return v.data[0] != 0
}

func (v FixedValue) AsChar() rune {
	return rune(binary.LittleEndian.Uint32(v.data[:]))
}

// AsAddress reinterprets the payload as an unsigned address.
func (v FixedValue) AsAddress() int {
	if v.Type.Size == 4 {
		return int(binary.LittleEndian.Uint32(v.data[:]))
	}
	return int(binary.LittleEndian.Uint64(v.data[:]))
}

func (v FixedValue) IsReference() bool {
	return v.Type.ID == KindHeapRef || v.Type.ID == KindStackRef
}

func (v FixedValue) IsHeapReference() bool  { return v.Type.ID == KindHeapRef }
func (v FixedValue) IsStackReference() bool { return v.Type.ID == KindStackRef }
func (v FixedValue) IsBool() bool           { return v.Type.ID == KindBool }

// IsNumeric reports whether v takes part in arithmetic promotion.
func (v FixedValue) IsNumeric() bool {
	switch v.Type.ID {
	case KindInteger, KindFloat, KindDouble, KindByte:
		return true
	}
	return false
}

// IsPrimitive reports whether v is copied by value when loaded from a slot.
func (v FixedValue) IsPrimitive() bool {
	switch v.Type.ID {
	case KindInteger, KindFloat, KindDouble, KindByte, KindBool, KindChar, KindNull:
		return true
	}
	return false
}

// Format renders a fixed value for dumps and native printing.
func (v FixedValue) Format() string {
	switch v.Type.ID {
	case 0:
		return "<empty>"
	case KindInteger:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return formatFloat(float64(v.AsFloat()), 32)
	case KindDouble:
		return formatFloat(v.AsDouble(), 64)
	case KindByte:
		return fmt.Sprintf("%d", v.AsByte())
	case KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case KindChar:
		return fmt.Sprintf("%q", v.AsChar())
	case KindVoid:
		return "void"
	case KindNull:
		return "null"
	case KindFunction:
		return fmt.Sprintf("fn#%d", v.AsAddress())
	case KindHeapRef:
		return fmt.Sprintf("&heap[%d]", v.AsAddress())
	case KindStackRef:
		return fmt.Sprintf("&stack[%d]", v.AsAddress())
	}
	return fmt.Sprintf("<%s>", v.Type)
}

func (v FixedValue) String() string {
	return v.Type.ID.String() + " " + v.Format()
}

// ---------------------------------------------------------------------------
// Variable values: heap resident
// ---------------------------------------------------------------------------

// VariableValue is a typed, growable byte buffer living in heap memory.
type VariableValue struct {
	Type TypeID
	Data []byte
}

// NewString encodes s as UTF-32 little-endian code units.
func NewString(s string) VariableValue {
	data := make([]byte, 0, utf8.RuneCountInString(s)*4)
	for _, r := range s {
		data = binary.LittleEndian.AppendUint32(data, uint32(r))
	}
	return VariableValue{Type: TypeID{ID: KindString, Size: len(data)}, Data: data}
}

// NewVariable returns an empty heap value of kind k.
func NewVariable(k Kind) VariableValue {
	return VariableValue{Type: TypeID{ID: k}, Data: []byte{}}
}

// VariableFromFixed widens a fixed value into its heap representation.
func VariableFromFixed(v FixedValue) VariableValue {
	return VariableValue{Type: v.Type, Data: v.Bytes()}
}

// Fixed narrows a heap value back to a fixed value. Variable kinds cannot
// be narrowed.
func (v VariableValue) Fixed(w Width) (FixedValue, error) {
	return FixedFromBytes(v.Type, v.Data, w)
}

// StringValue decodes a UTF-32 string cell.
func (v VariableValue) StringValue() (string, error) {
	if v.Type.ID != KindString {
		return "", errInvalidType(v.Type.ID)
	}
	if len(v.Data)%4 != 0 || v.Type.Size != len(v.Data) {
		return "", fmt.Errorf("vm: corrupt string: %d bytes, recorded size %d", len(v.Data), v.Type.Size)
	}
	runes := make([]rune, 0, len(v.Data)/4)
	for i := 0; i < len(v.Data); i += 4 {
		r := rune(binary.LittleEndian.Uint32(v.Data[i:]))
		if !utf8.ValidRune(r) {
			return "", fmt.Errorf("vm: corrupt string: invalid code point %#x at %d", uint32(r), i)
		}
		runes = append(runes, r)
	}
	return string(runes), nil
}

// AppendChar grows a string cell by one code unit.
func (v *VariableValue) AppendChar(r rune) {
	v.Data = binary.LittleEndian.AppendUint32(v.Data, uint32(r))
	v.Type.Size += 4
}

// elementSize is the stride of one array or class element record.
func elementSize(w Width) int {
	return 1 + int(w)
}

// AppendElement appends a fixed value record to an array or class cell.
func (v *VariableValue) AppendElement(e FixedValue, w Width) {
	rec := make([]byte, elementSize(w))
	rec[0] = byte(e.Type.ID)
	copy(rec[1:], e.data[:min(e.Type.Size, int(w))])
	v.Data = append(v.Data, rec...)
	v.Type.Size += len(rec)
}

// Len returns the number of characters of a string or elements of an
// array-like cell.
func (v VariableValue) Len(w Width) int {
	if v.Type.ID == KindString {
		return len(v.Data) / 4
	}
	return len(v.Data) / elementSize(w)
}

// Element decodes element i of an array-like cell.
func (v VariableValue) Element(i int, w Width) (FixedValue, error) {
	stride := elementSize(w)
	if i < 0 || (i+1)*stride > len(v.Data) {
		return FixedValue{}, errIndexOutOfBounds(i, v.Len(w))
	}
	rec := v.Data[i*stride : (i+1)*stride]
	k := Kind(rec[0])
	t := TypeFor(k, w)
	if k == KindDouble && w < Width64 {
		return FixedValue{}, errInvalidType(k)
	}
	return FixedFromBytes(t, rec[1:1+min(t.Size, int(w))], w)
}

// SetElement overwrites element i of an array-like cell.
func (v *VariableValue) SetElement(i int, e FixedValue, w Width) error {
	stride := elementSize(w)
	if i < 0 || (i+1)*stride > len(v.Data) {
		return errIndexOutOfBounds(i, v.Len(w))
	}
	rec := v.Data[i*stride : (i+1)*stride]
	clear(rec)
	rec[0] = byte(e.Type.ID)
	copy(rec[1:], e.data[:min(e.Type.Size, int(w))])
	return nil
}

// Elements decodes every element of an array-like cell.
func (v VariableValue) Elements(w Width) ([]FixedValue, error) {
	if len(v.Data)%elementSize(w) != 0 {
		return nil, fmt.Errorf("vm: corrupt %s: %d bytes is not a multiple of %d", v.Type.ID, len(v.Data), elementSize(w))
	}
	n := v.Len(w)
	out := make([]FixedValue, 0, n)
	for i := 0; i < n; i++ {
		e, err := v.Element(i, w)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Clone returns a deep copy.
func (v VariableValue) Clone() VariableValue {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return VariableValue{Type: v.Type, Data: data}
}
