package vm

import (
	"errors"
	"sort"
)

// ErrReferenceCycle is returned when a chain of heap references loops.
var ErrReferenceCycle = errors.New("vm: heap reference cycle")

// Heap is address-keyed storage for variable values. Cells are created and
// destroyed only by explicit instructions; nothing is collected.
type Heap struct {
	cells map[int]*VariableValue
	width Width
}

// NewHeap returns empty heap memory for a platform width.
func NewHeap(w Width) *Heap {
	return &Heap{cells: make(map[int]*VariableValue), width: w}
}

// Get returns the cell at addr.
func (h *Heap) Get(addr int) (*VariableValue, bool) {
	c, ok := h.cells[addr]
	return c, ok
}

// GetDereferenced follows heap-reference cells starting at addr until it
// reaches a cell of another kind. A missing link returns false; a loop
// returns ErrReferenceCycle.
func (h *Heap) GetDereferenced(addr int) (*VariableValue, bool, error) {
	seen := make(map[int]struct{})
	for {
		c, ok := h.cells[addr]
		if !ok {
			return nil, false, nil
		}
		if c.Type.ID != KindHeapRef {
			return c, true, nil
		}
		if _, loop := seen[addr]; loop {
			return nil, false, ErrReferenceCycle
		}
		seen[addr] = struct{}{}
		ref, err := c.Fixed(h.width)
		if err != nil {
			return nil, false, err
		}
		addr = ref.AsAddress()
	}
}

// Set stores v at addr, replacing any previous cell.
func (h *Heap) Set(addr int, v VariableValue) {
	h.cells[addr] = &v
}

// Deallocate removes the cell at addr and reports whether it existed.
func (h *Heap) Deallocate(addr int) bool {
	if _, ok := h.cells[addr]; !ok {
		return false
	}
	delete(h.cells, addr)
	return true
}

// Len returns the number of live cells.
func (h *Heap) Len() int {
	return len(h.cells)
}

// Addresses returns every live address in ascending order.
func (h *Heap) Addresses() []int {
	out := make([]int, 0, len(h.cells))
	for a := range h.cells {
		out = append(out, a)
	}
	sort.Ints(out)
	return out
}
