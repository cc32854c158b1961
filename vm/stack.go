package vm

import "fmt"

// OutOfRangeError reports an access past the end of a fixed-capacity arena.
type OutOfRangeError struct {
	Index    int
	Capacity int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("vm: index %d out of range (capacity %d)", e.Index, e.Capacity)
}

// Stack is the fixed-capacity, absolutely addressed stack memory shared by
// all frames. Frames carve windows out of it via their base offset.
type Stack struct {
	slots []FixedValue
	live  int
}

// NewStack allocates stack memory with the given number of slots.
func NewStack(capacity int) *Stack {
	return &Stack{slots: make([]FixedValue, capacity)}
}

// Capacity returns the number of addressable slots.
func (s *Stack) Capacity() int {
	return len(s.slots)
}

// Len returns the number of occupied slots.
func (s *Stack) Len() int {
	return s.live
}

// Get returns the value at index i, or false if i is empty or out of range.
func (s *Stack) Get(i int) (FixedValue, bool) {
	if i < 0 || i >= len(s.slots) {
		return FixedValue{}, false
	}
	v := s.slots[i]
	return v, !v.Empty()
}

// InRange reports whether i is addressable.
func (s *Stack) InRange(i int) bool {
	return i >= 0 && i < len(s.slots)
}

// Set stores v at index i.
func (s *Stack) Set(i int, v FixedValue) error {
	if !s.InRange(i) {
		return &OutOfRangeError{Index: i, Capacity: len(s.slots)}
	}
	if s.slots[i].Empty() && !v.Empty() {
		s.live++
	} else if !s.slots[i].Empty() && v.Empty() {
		s.live--
	}
	s.slots[i] = v
	return nil
}

// Remove empties slot i and returns its previous value.
func (s *Stack) Remove(i int) (FixedValue, error) {
	if !s.InRange(i) {
		return FixedValue{}, &OutOfRangeError{Index: i, Capacity: len(s.slots)}
	}
	old := s.slots[i]
	if !old.Empty() {
		s.live--
	}
	s.slots[i] = FixedValue{}
	return old, nil
}

// Range calls fn for every occupied slot in address order until fn
// returns false.
func (s *Stack) Range(fn func(addr int, v FixedValue) bool) {
	for i, v := range s.slots {
		if v.Empty() {
			continue
		}
		if !fn(i, v) {
			return
		}
	}
}
