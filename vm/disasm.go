package vm

import (
	"fmt"
	"sort"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Ellie program: %d/%d instructions\n", len(p.code), p.capacity))

	if len(p.functions) > 0 {
		fns := make([]FunctionEntry, 0, len(p.functions))
		for _, fn := range p.functions {
			fns = append(fns, fn)
		}
		sort.Slice(fns, func(i, j int) bool { return fns[i].Start < fns[j].Start })
		sb.WriteString("; Functions:\n")
		for _, fn := range fns {
			sb.WriteString(fmt.Sprintf(";   %-20s hash=%d span=[%04d,%04d) locals=%d\n",
				fn.Name, fn.Hash, fn.Start, fn.End, fn.StackLen))
		}
	}

	if len(p.symbols) > 0 {
		sb.WriteString("; Symbols:\n")
		for _, s := range p.symbols {
			sb.WriteString(fmt.Sprintf(";   %-20s page=%d loc=%d\n", s.Name, s.Page, s.Location))
		}
	}
	sb.WriteString("\n; Code:\n")

	for pos, in := range p.code {
		line := in.String()
		if in.Op == OpFN {
			if h, ok := p.functionHeaderAt(pos); ok {
				sb.WriteString(fmt.Sprintf("\n%s:\n", h.Name))
			}
		}
		if h, ok := p.HeaderAt(pos); ok && h.Line > 0 {
			sb.WriteString(fmt.Sprintf("%04d  %-30s ; line %d:%d\n", pos, line, h.Line, h.Column))
		} else {
			sb.WriteString(fmt.Sprintf("%04d  %s\n", pos, line))
		}
	}
	return sb.String()
}

func (p *Program) functionHeaderAt(pos int) (DebugHeader, bool) {
	for _, h := range p.headers {
		if h.Kind == HeaderFunction && h.Start == pos {
			return h, true
		}
	}
	return DebugHeader{}, false
}
