// Package image defines the on-disk form of an Ellie program: a canonical
// CBOR document holding the instruction array, debug headers and local
// symbols, plus a YAML authoring format that lowers to the same document.
package image

import (
	"fmt"

	"github.com/ellie-lang/ellie/vm"
)

// Magic identifies an Ellie image.
const Magic = "EIB1"

// Image is a serialized program.
type Image struct {
	Magic    string   `cbor:"1,keyasint"`
	Width    uint8    `cbor:"2,keyasint"`
	Capacity int      `cbor:"3,keyasint"`
	Entry    Entry    `cbor:"4,keyasint"`
	Code     []Instr  `cbor:"5,keyasint"`
	Headers  []Header `cbor:"6,keyasint,omitempty"`
	Symbols  []Symbol `cbor:"7,keyasint,omitempty"`
}

// Entry describes where the main thread starts.
type Entry struct {
	Start    int `cbor:"1,keyasint"`
	End      int `cbor:"2,keyasint"`
	StackLen int `cbor:"3,keyasint"`
}

// Instr is one encoded instruction. Imm carries the raw little-endian
// payload of an Immediate operand.
type Instr struct {
	Op      uint8  `cbor:"1,keyasint"`
	Mode    uint8  `cbor:"2,keyasint"`
	Addr    int    `cbor:"3,keyasint,omitempty"`
	Index   int    `cbor:"4,keyasint,omitempty"`
	ImmType uint8  `cbor:"5,keyasint,omitempty"`
	Imm     []byte `cbor:"6,keyasint,omitempty"`
}

// Header is an encoded debug header.
type Header struct {
	Kind     uint8  `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
	Module   string `cbor:"3,keyasint,omitempty"`
	Hash     int    `cbor:"4,keyasint,omitempty"`
	Start    int    `cbor:"5,keyasint"`
	End      int    `cbor:"6,keyasint"`
	StackLen int    `cbor:"7,keyasint,omitempty"`
	Line     int    `cbor:"8,keyasint,omitempty"`
	Column   int    `cbor:"9,keyasint,omitempty"`
}

// Symbol is an encoded local symbol binding.
type Symbol struct {
	Name      string `cbor:"1,keyasint"`
	Page      int    `cbor:"2,keyasint,omitempty"`
	Location  int    `cbor:"3,keyasint"`
	Reference *int   `cbor:"4,keyasint,omitempty"`
}

// FromProgram captures a loaded program.
func FromProgram(p *vm.Program, w vm.Width, entry Entry) *Image {
	img := &Image{
		Magic:    Magic,
		Width:    uint8(w),
		Capacity: p.Capacity(),
		Entry:    entry,
	}
	for _, in := range p.Code() {
		e := Instr{Op: uint8(in.Op), Mode: uint8(in.Addr.Mode), Addr: in.Addr.Addr, Index: in.Addr.Index}
		if in.Addr.Mode == vm.Immediate {
			e.ImmType = uint8(in.Addr.Imm.Type.ID)
			e.Imm = append([]byte(nil), in.Addr.Imm.Data...)
		}
		img.Code = append(img.Code, e)
	}
	for _, h := range p.Headers() {
		img.Headers = append(img.Headers, Header{
			Kind: uint8(h.Kind), Name: h.Name, Module: h.Module, Hash: h.Hash,
			Start: h.Start, End: h.End, StackLen: h.StackLen, Line: h.Line, Column: h.Column,
		})
	}
	for _, s := range p.Symbols() {
		img.Symbols = append(img.Symbols, Symbol{Name: s.Name, Page: s.Page, Location: s.Location, Reference: s.Reference})
	}
	return img
}

// Validate checks the header fields and every instruction's opcode and
// addressing mode.
func (img *Image) Validate() error {
	if img.Magic != Magic {
		return fmt.Errorf("image: bad magic %q, want %q", img.Magic, Magic)
	}
	if !vm.Width(img.Width).Valid() {
		return fmt.Errorf("image: invalid width %d", img.Width)
	}
	if len(img.Code) > img.Capacity {
		return fmt.Errorf("image: %d instructions exceed capacity %d", len(img.Code), img.Capacity)
	}
	if img.Entry.Start < 0 || img.Entry.End < img.Entry.Start || img.Entry.End > len(img.Code) {
		return fmt.Errorf("image: entry [%d,%d) outside program of %d", img.Entry.Start, img.Entry.End, len(img.Code))
	}
	for pos, e := range img.Code {
		op := vm.Opcode(e.Op)
		if !op.Valid() {
			return fmt.Errorf("image: instruction %d: unknown opcode %#02x", pos, e.Op)
		}
		mode := vm.AddressingMode(e.Mode)
		if !vm.GetOpcodeInfo(op).Modes.Has(mode) {
			return fmt.Errorf("image: instruction %d: %s does not accept %s addressing", pos, op, mode)
		}
		if mode == vm.Immediate && !vm.Kind(e.ImmType).Valid() {
			return fmt.Errorf("image: instruction %d: immediate of unknown type %d", pos, e.ImmType)
		}
	}
	return nil
}

// Program decodes the image into a loaded program.
func (img *Image) Program() (*vm.Program, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	code := make([]vm.Instruction, len(img.Code))
	for pos, e := range img.Code {
		a := vm.Addressing{Mode: vm.AddressingMode(e.Mode), Addr: e.Addr, Index: e.Index}
		if a.Mode == vm.Immediate {
			a.Imm = vm.VariableValue{
				Type: vm.TypeID{ID: vm.Kind(e.ImmType), Size: len(e.Imm)},
				Data: append([]byte(nil), e.Imm...),
			}
		}
		code[pos] = vm.Instruction{Op: vm.Opcode(e.Op), Addr: a}
	}
	headers := make([]vm.DebugHeader, len(img.Headers))
	for i, h := range img.Headers {
		headers[i] = vm.DebugHeader{
			Kind: vm.HeaderKind(h.Kind), Name: h.Name, Module: h.Module, Hash: h.Hash,
			Start: h.Start, End: h.End, StackLen: h.StackLen, Line: h.Line, Column: h.Column,
		}
	}
	symbols := make([]vm.LocalSymbol, len(img.Symbols))
	for i, s := range img.Symbols {
		symbols[i] = vm.LocalSymbol{Name: s.Name, Page: s.Page, Location: s.Location, Reference: s.Reference}
	}

	p := vm.NewProgram(img.Capacity)
	if err := p.Load(code, headers, symbols); err != nil {
		return nil, fmt.Errorf("image: load: %w", err)
	}
	return p, nil
}

// MainEntry returns the thread entry for the image's main thread.
func (img *Image) MainEntry() vm.ThreadEntry {
	return vm.ThreadEntry{Start: img.Entry.Start, End: img.Entry.End, StackLen: img.Entry.StackLen}
}
