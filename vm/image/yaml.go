package image

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ellie-lang/ellie/vm"
)

// Source is the YAML authoring form of a program. Code blocks are literal
// block scalars with one instruction per line, so '#' immediates survive
// YAML's comment syntax. Main code is laid out first and each function
// follows it, opened by an FN marker carrying its hash. A line ending in ':'
// declares a label; text after ';' is a comment.
type Source struct {
	Width     uint8            `yaml:"width"`
	Capacity  int              `yaml:"capacity"`
	StackLen  int              `yaml:"stack_len"`
	Main      string           `yaml:"main"`
	Functions []FunctionSource `yaml:"functions"`
	Symbols   []SymbolSource   `yaml:"symbols"`
}

// FunctionSource is one callable body.
type FunctionSource struct {
	Name     string `yaml:"name"`
	Module   string `yaml:"module"`
	Hash     int    `yaml:"hash"`
	StackLen int    `yaml:"stack_len"`
	Line     int    `yaml:"line"`
	Column   int    `yaml:"column"`
	Body     string `yaml:"body"`
}

// SymbolSource binds a name to a stack location.
type SymbolSource struct {
	Name      string `yaml:"name"`
	Page      int    `yaml:"page"`
	Location  int    `yaml:"location"`
	Reference *int   `yaml:"reference"`
}

// DecodeYAML parses and assembles a YAML source document.
func DecodeYAML(data []byte) (*Image, error) {
	var src Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("image: parse yaml: %w", err)
	}
	return Assemble(&src)
}

// LoadYAML reads and assembles the YAML source at path.
func LoadYAML(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return DecodeYAML(data)
}

type sourceLine struct {
	text string
	pos  int
}

// Assemble lowers a source document to an image.
func Assemble(src *Source) (*Image, error) {
	w := vm.Width(src.Width)
	if w == 0 {
		w = vm.Width64
	}
	if !w.Valid() {
		return nil, fmt.Errorf("image: invalid width %d", src.Width)
	}

	labels := make(map[string]int)
	var lines []sourceLine
	pos := 0
	layout := func(block string) error {
		for _, raw := range strings.Split(block, "\n") {
			text, _, _ := strings.Cut(raw, ";")
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if name, ok := strings.CutSuffix(text, ":"); ok {
				if _, dup := labels[name]; dup {
					return fmt.Errorf("image: duplicate label %q", name)
				}
				labels[name] = pos
				continue
			}
			lines = append(lines, sourceLine{text: text, pos: pos})
			pos++
		}
		return nil
	}

	if err := layout(src.Main); err != nil {
		return nil, err
	}

	headers := make([]vm.DebugHeader, 0, len(src.Functions))
	hashes := make(map[int]string)
	for i, fn := range src.Functions {
		if fn.Name == "" {
			return nil, fmt.Errorf("image: function %d has no name", i)
		}
		hash := fn.Hash
		if hash == 0 {
			hash = i + 1
		}
		if prev, dup := hashes[hash]; dup {
			return nil, fmt.Errorf("image: functions %s and %s share hash %d", prev, fn.Name, hash)
		}
		hashes[hash] = fn.Name
		if _, dup := labels[fn.Name]; dup {
			return nil, fmt.Errorf("image: duplicate label %q", fn.Name)
		}
		labels[fn.Name] = pos
		start := pos
		lines = append(lines, sourceLine{text: fmt.Sprintf("FN #int %d", hash), pos: pos})
		pos++
		if err := layout(fn.Body); err != nil {
			return nil, err
		}
		headers = append(headers, vm.DebugHeader{
			Kind: vm.HeaderFunction, Name: fn.Name, Module: fn.Module, Hash: hash,
			Start: start, End: pos, StackLen: fn.StackLen, Line: fn.Line, Column: fn.Column,
		})
	}

	code := make([]vm.Instruction, len(lines))
	for i, l := range lines {
		in, err := ParseInstruction(l.text, w, labels)
		if err != nil {
			return nil, fmt.Errorf("image: instruction %d %q: %w", l.pos, l.text, err)
		}
		code[i] = in
	}

	capacity := src.Capacity
	if capacity == 0 {
		capacity = len(code)
	}
	symbols := make([]vm.LocalSymbol, len(src.Symbols))
	for i, s := range src.Symbols {
		symbols[i] = vm.LocalSymbol{Name: s.Name, Page: s.Page, Location: s.Location, Reference: s.Reference}
	}

	p := vm.NewProgram(capacity)
	if err := p.Load(code, headers, symbols); err != nil {
		return nil, fmt.Errorf("image: load: %w", err)
	}
	return FromProgram(p, w, Entry{Start: 0, End: len(code), StackLen: src.StackLen}), nil
}
