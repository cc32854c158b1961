package vm

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// SlotDump is one decoded stack slot or heap cell.
type SlotDump struct {
	Address int
	Type    string
	TypeID  int
	Size    int
	Value   string
	Raw     []byte
	Corrupt bool
}

// DumpStack decodes every occupied stack slot.
func (v *VM) DumpStack() []SlotDump {
	var out []SlotDump
	v.WithMemory(func(stack *Stack, _ *Heap) {
		out = DumpStack(stack)
	})
	return out
}

// DumpHeap decodes every live heap cell.
func (v *VM) DumpHeap() []SlotDump {
	var out []SlotDump
	v.WithMemory(func(_ *Stack, heap *Heap) {
		out = DumpHeap(heap, v.cfg.Width)
	})
	return out
}

// DumpStack decodes the occupied slots of s.
func DumpStack(s *Stack) []SlotDump {
	var out []SlotDump
	s.Range(func(addr int, v FixedValue) bool {
		d := SlotDump{
			Address: addr,
			Type:    v.Type.ID.String(),
			TypeID:  int(v.Type.ID),
			Size:    v.Type.Size,
			Raw:     v.Bytes(),
		}
		if !v.Type.ID.Valid() || v.Type.ID.IsVariable() || v.Type.Size < 0 || v.Type.Size > MaxWidth {
			d.Corrupt = true
			d.Value = fmt.Sprintf("<corrupt: %s in a stack slot>", v.Type)
		} else {
			d.Value = v.Format()
		}
		out = append(out, d)
		return true
	})
	return out
}

// DumpHeap decodes the cells of h in address order. Undecodable cells are
// reported with Corrupt set rather than failing the dump.
func DumpHeap(h *Heap, w Width) []SlotDump {
	addrs := h.Addresses()
	out := make([]SlotDump, 0, len(addrs))
	for _, addr := range addrs {
		cell, _ := h.Get(addr)
		value, err := FormatCell(*cell, w)
		d := SlotDump{
			Address: addr,
			Type:    cell.Type.ID.String(),
			TypeID:  int(cell.Type.ID),
			Size:    cell.Type.Size,
			Value:   value,
			Raw:     append([]byte(nil), cell.Data...),
		}
		if err != nil {
			d.Corrupt = true
			d.Value = "<corrupt: " + err.Error() + ">"
		}
		out = append(out, d)
	}
	return out
}

// FormatCell renders a heap cell: strings quoted, arrays as [a, b].
func FormatCell(cell VariableValue, w Width) (string, error) {
	switch cell.Type.ID {
	case KindString:
		s, err := cell.StringValue()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%q", s), nil
	case KindArray, KindClass, KindStaticArray:
		elems, err := cell.Elements(w)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(elems))
		for i, e := range elems {
			parts[i] = e.Format()
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	if !cell.Type.ID.Valid() {
		return "", fmt.Errorf("unknown type id %d", cell.Type.ID)
	}
	if cell.Type.ID == KindDouble && w < Width64 {
		return "", fmt.Errorf("double on a %d-byte platform", w)
	}
	if len(cell.Data) > TypeFor(cell.Type.ID, w).Size {
		return "", fmt.Errorf("%d bytes for %s", len(cell.Data), cell.Type.ID)
	}
	fv := FixedValue{Type: TypeFor(cell.Type.ID, w)}
	copy(fv.data[:], cell.Data)
	return fv.Format(), nil
}

// WriteDump renders dumps as an aligned table. With color set, corrupt
// entries are highlighted with ANSI escapes.
func WriteDump(w io.Writer, title string, dumps []SlotDump, color bool) error {
	if _, err := fmt.Fprintf(w, "; %s (%d)\n", title, len(dumps)); err != nil {
		return err
	}
	for _, d := range dumps {
		line := fmt.Sprintf("%06d  %-12s %4d  %-32s %s", d.Address, d.Type, d.Size, d.Value, hex.EncodeToString(d.Raw))
		if d.Corrupt && color {
			line = "\x1b[31m" + line + "\x1b[0m"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
