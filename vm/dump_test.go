package vm

import (
	"bytes"
	"strings"
	"testing"
)

func TestDumpHeapDecodes(t *testing.T) {
	h := NewHeap(Width64)
	h.Set(1, NewString("hi"))
	arr := NewVariable(KindArray)
	arr.AppendElement(FromBool(true), Width64)
	arr.AppendElement(FromChar('q'), Width64)
	h.Set(2, arr)

	dumps := DumpHeap(h, Width64)
	if len(dumps) != 2 {
		t.Fatalf("got %d cells", len(dumps))
	}
	if dumps[0].Value != `"hi"` || dumps[0].Type != "string" || dumps[0].Corrupt {
		t.Errorf("string cell = %+v", dumps[0])
	}
	if dumps[1].Value != `[true, 'q']` {
		t.Errorf("array cell = %+v", dumps[1])
	}
}

func TestDumpHeapMarksCorruptCells(t *testing.T) {
	h := NewHeap(Width64)
	h.Set(1, VariableValue{Type: TypeID{ID: KindString, Size: 5}, Data: []byte{1, 2, 3, 4, 5}})
	h.Set(2, VariableValue{Type: TypeID{ID: KindArray, Size: 4}, Data: []byte{1, 2, 3, 4}})
	h.Set(3, VariableValue{Type: TypeID{ID: 200}, Data: []byte{1}})
	h.Set(4, VariableValue{Type: TypeID{ID: KindInteger, Size: 12}, Data: make([]byte, 12)})

	dumps := DumpHeap(h, Width64)
	if len(dumps) != 4 {
		t.Fatalf("got %d cells", len(dumps))
	}
	for _, d := range dumps {
		if !d.Corrupt || !strings.HasPrefix(d.Value, "<corrupt: ") {
			t.Errorf("cell %d = %+v, want a corrupt marker", d.Address, d)
		}
	}
}

func TestDumpStack(t *testing.T) {
	s := NewStack(8)
	one, _ := FromInt(1, Width64)
	s.Set(0, one)
	s.Set(3, HeapRef(5, Width64))
	dumps := DumpStack(s)
	if len(dumps) != 2 {
		t.Fatalf("got %d slots", len(dumps))
	}
	if dumps[0].Value != "1" || dumps[1].Value != "&heap[5]" {
		t.Errorf("dumps = %+v", dumps)
	}
	if !bytes.Equal(dumps[0].Raw, []byte{1, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("raw = % x", dumps[0].Raw)
	}
}

func TestWriteDump(t *testing.T) {
	var buf bytes.Buffer
	dumps := []SlotDump{
		{Address: 1, Type: "int", Size: 8, Value: "1", Raw: []byte{1}},
		{Address: 2, Type: "string", Size: 3, Value: "<corrupt: x>", Corrupt: true},
	}
	if err := WriteDump(&buf, "heap", dumps, true); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "; heap (2)\n") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "\x1b[31m000002") {
		t.Errorf("corrupt line not highlighted: %q", out)
	}
	if strings.Contains(out, "\x1b[31m000001") {
		t.Errorf("healthy line highlighted: %q", out)
	}
}

func TestDumpStackMarksMalformedSlots(t *testing.T) {
	s := NewStack(4)
	s.Set(0, FixedValue{Type: TypeID{ID: KindInteger, Size: 12}})
	s.Set(1, FixedValue{Type: TypeID{ID: KindChar, Size: -3}})
	s.Set(2, FixedValue{Type: TypeID{ID: KindString, Size: 4}})

	dumps := DumpStack(s)
	if len(dumps) != 3 {
		t.Fatalf("got %d slots", len(dumps))
	}
	for _, d := range dumps {
		if !d.Corrupt || !strings.HasPrefix(d.Value, "<corrupt: ") {
			t.Errorf("slot %d = %+v, want a corrupt marker", d.Address, d)
		}
		if len(d.Raw) > MaxWidth {
			t.Errorf("slot %d raw has %d bytes", d.Address, len(d.Raw))
		}
	}
}
