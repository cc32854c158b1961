package image

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ellie-lang/ellie/vm"
)

// ParseInstruction reads one instruction in the syntax produced by
// vm.Instruction.String. A bare identifier operand names a label and
// assembles to Absolute addressing of the label's position.
func ParseInstruction(text string, w vm.Width, labels map[string]int) (vm.Instruction, error) {
	text = strings.TrimSpace(text)
	mnemonic, operand, _ := strings.Cut(text, " ")
	op, ok := vm.OpcodeByName(strings.ToUpper(mnemonic))
	if !ok {
		return vm.Instruction{}, fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	a, err := parseOperand(strings.TrimSpace(operand), w, labels)
	if err != nil {
		return vm.Instruction{}, fmt.Errorf("%s: %w", op, err)
	}
	if !vm.GetOpcodeInfo(op).Modes.Has(a.Mode) {
		return vm.Instruction{}, fmt.Errorf("%s does not accept %s addressing", op, a.Mode)
	}
	return vm.Instruction{Op: op, Addr: a}, nil
}

func parseOperand(s string, w vm.Width, labels map[string]int) (vm.Addressing, error) {
	switch {
	case s == "":
		return vm.Impl(), nil
	case strings.HasPrefix(s, "#"):
		return parseImmediate(s[1:], w)
	case strings.HasPrefix(s, "@"):
		for r := vm.RegA; r <= vm.RegY; r++ {
			if strings.EqualFold(s[1:], r.String()) {
				return vm.Indirect(r), nil
			}
		}
		return vm.Addressing{}, fmt.Errorf("unknown register %q", s[1:])
	case strings.HasPrefix(s, "$$"):
		n, err := parseAddr(s[2:], labels)
		return vm.AbsStatic(n), err
	case strings.HasPrefix(s, "$"):
		body := s[1:]
		if base, rest, ok := strings.Cut(body, "["); ok {
			idx, found := strings.CutSuffix(rest, "]")
			if !found {
				return vm.Addressing{}, fmt.Errorf("unterminated index in %q", s)
			}
			n, err := parseAddr(base, labels)
			if err != nil {
				return vm.Addressing{}, err
			}
			i, err := parseAddr(strings.TrimPrefix(idx, "$"), labels)
			return vm.AbsIndex(n, i), err
		}
		if base, prop, ok := strings.Cut(body, "."); ok {
			n, err := parseAddr(base, labels)
			if err != nil {
				return vm.Addressing{}, err
			}
			i, err := strconv.Atoi(prop)
			if err != nil {
				return vm.Addressing{}, fmt.Errorf("bad property index %q", prop)
			}
			return vm.AbsProperty(n, i), nil
		}
		n, err := parseAddr(body, labels)
		return vm.Abs(n), err
	}
	n, err := parseAddr(s, labels)
	return vm.Abs(n), err
}

func parseAddr(s string, labels map[string]int) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	if n, ok := labels[s]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown label %q", s)
}

func parseImmediate(s string, w vm.Width) (vm.Addressing, error) {
	if strings.HasPrefix(s, `"`) {
		str, err := strconv.Unquote(s)
		if err != nil {
			return vm.Addressing{}, fmt.Errorf("bad string literal %s", s)
		}
		return vm.ImmString(str), nil
	}
	kindName, lit, _ := strings.Cut(s, " ")
	kind, ok := vm.KindByName(kindName)
	if !ok {
		return vm.Addressing{}, fmt.Errorf("unknown immediate type %q", kindName)
	}
	lit = strings.TrimSpace(lit)

	var v vm.FixedValue
	var err error
	switch kind {
	case vm.KindInteger:
		var n int64
		if n, err = strconv.ParseInt(lit, 10, 64); err == nil {
			v, err = vm.FromInt(n, w)
		}
	case vm.KindByte:
		var n uint64
		if n, err = strconv.ParseUint(lit, 10, 8); err == nil {
			v = vm.FromByte(uint8(n))
		}
	case vm.KindFloat:
		var f float64
		if f, err = strconv.ParseFloat(lit, 32); err == nil {
			v = vm.FromFloat(float32(f))
		}
	case vm.KindDouble:
		var f float64
		if f, err = strconv.ParseFloat(lit, 64); err == nil {
			v, err = vm.FromDouble(f, w)
		}
	case vm.KindBool:
		var b bool
		if b, err = strconv.ParseBool(lit); err == nil {
			v = vm.FromBool(b)
		}
	case vm.KindChar:
		var r string
		if r, err = strconv.Unquote(lit); err == nil {
			if len([]rune(r)) != 1 {
				err = fmt.Errorf("char literal %s is not a single rune", lit)
			} else {
				v = vm.FromChar([]rune(r)[0])
			}
		}
	case vm.KindFunction:
		var n int
		if n, err = strconv.Atoi(strings.TrimPrefix(lit, "fn#")); err == nil {
			v = vm.FromFunction(n, w)
		}
	case vm.KindNull:
		v = vm.Null()
	case vm.KindVoid:
		v = vm.Void()
	default:
		return vm.Addressing{}, fmt.Errorf("%s cannot be an immediate", kind)
	}
	if err != nil {
		return vm.Addressing{}, fmt.Errorf("bad %s literal %q: %w", kind, lit, err)
	}
	return vm.ImmFixed(v), nil
}
