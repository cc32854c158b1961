package vm

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// This file holds the numeric coercion table shared by the arithmetic,
// comparison and conversion executors.

// numClass orders the promotable numeric kinds.
type numClass uint8

const (
	numNone numClass = iota
	numByte
	numInt
	numFloat
	numDouble
)

func classOf(k Kind) numClass {
	switch k {
	case KindByte:
		return numByte
	case KindInteger:
		return numInt
	case KindFloat:
		return numFloat
	case KindDouble:
		return numDouble
	}
	return numNone
}

// promote returns the result class of a binary numeric operation. Byte only
// combines with Byte; Integer promotes to Float or Double; Float promotes to
// Double.
func promote(a, b Kind) (numClass, bool) {
	ca, cb := classOf(a), classOf(b)
	if ca == numNone || cb == numNone {
		return numNone, false
	}
	if ca == numByte || cb == numByte {
		return numByte, ca == cb
	}
	return max(ca, cb), true
}

func toFloat64(v FixedValue) float64 {
	switch v.Type.ID {
	case KindFloat:
		return float64(v.AsFloat())
	case KindDouble:
		return v.AsDouble()
	case KindByte:
		return float64(v.AsByte())
	}
	return float64(v.AsInt())
}

func toInt64(v FixedValue) int64 {
	if v.Type.ID == KindByte {
		return int64(v.AsByte())
	}
	return v.AsInt()
}

func fitsByte(n int64) bool {
	return n >= 0 && n <= math.MaxUint8
}

// floatToInt truncates f toward zero; NaN, infinities and out-of-range
// values overflow.
func floatToInt(f float64, w Width) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	t := math.Trunc(f)
	if t < float64(w.MinInt()) || t >= -float64(w.MinInt()) {
		return 0, false
	}
	return int64(t), true
}

func formatFloat(f float64, bits int) string {
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// ---------------------------------------------------------------------------
// Conversion table
// ---------------------------------------------------------------------------

// convertFixed converts a fixed value to kind to. String sources are handled
// by the caller after dereferencing; String targets are handled by A2S.
func convertFixed(v FixedValue, to Kind, w Width) (FixedValue, error) {
	from := v.Type.ID
	switch to {
	case KindInteger:
		switch from {
		case KindInteger:
			return v, nil
		case KindFloat, KindDouble:
			n, ok := floatToInt(toFloat64(v), w)
			if !ok {
				return FixedValue{}, errIntegerOverflow()
			}
			return FromInt(n, w)
		case KindByte:
			return FromInt(int64(v.AsByte()), w)
		case KindBool:
			return FromInt(boolInt(v.AsBool()), w)
		case KindChar:
			return FromInt(int64(v.AsChar()), w)
		}
	case KindFloat:
		switch from {
		case KindInteger, KindFloat, KindDouble, KindByte:
			return FromFloat(float32(toFloat64(v))), nil
		case KindBool:
			return FromFloat(float32(boolInt(v.AsBool()))), nil
		}
	case KindDouble:
		switch from {
		case KindInteger, KindFloat, KindDouble, KindByte:
			return FromDouble(toFloat64(v), w)
		case KindBool:
			return FromDouble(float64(boolInt(v.AsBool())), w)
		}
	case KindByte:
		switch from {
		case KindByte:
			return v, nil
		case KindInteger:
			if !fitsByte(v.AsInt()) {
				return FixedValue{}, errIntegerOverflow()
			}
			return FromByte(uint8(v.AsInt())), nil
		case KindFloat, KindDouble:
			n, ok := floatToInt(toFloat64(v), Width64)
			if !ok || !fitsByte(n) {
				return FixedValue{}, errIntegerOverflow()
			}
			return FromByte(uint8(n)), nil
		case KindBool:
			return FromByte(uint8(boolInt(v.AsBool()))), nil
		case KindChar:
			if !fitsByte(int64(v.AsChar())) {
				return FixedValue{}, errIntegerOverflow()
			}
			return FromByte(uint8(v.AsChar())), nil
		}
	case KindChar:
		switch from {
		case KindChar:
			return v, nil
		case KindInteger:
			if n := v.AsInt(); n < 0 || n > utf8.MaxRune || !utf8.ValidRune(rune(n)) {
				return FixedValue{}, errCannotConvert(from, to)
			}
			return FromChar(rune(v.AsInt())), nil
		case KindByte:
			return FromChar(rune(v.AsByte())), nil
		}
	case KindBool:
		switch from {
		case KindBool:
			return v, nil
		case KindInteger, KindByte:
			return FromBool(toInt64(v) != 0), nil
		case KindFloat, KindDouble:
			return FromBool(toFloat64(v) != 0), nil
		}
	}
	return FixedValue{}, errCannotConvert(from, to)
}

// parseString converts decoded string content to kind to.
func parseString(s string, to Kind, w Width) (FixedValue, error) {
	fail := errCannotConvert(KindString, to)
	switch to {
	case KindInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, w.Bits())
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return FixedValue{}, errIntegerOverflow()
			}
			return FixedValue{}, fail
		}
		return FromInt(n, w)
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return FixedValue{}, fail
		}
		return FromFloat(float32(f)), nil
	case KindDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return FixedValue{}, fail
		}
		return FromDouble(f, w)
	case KindByte:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return FixedValue{}, fail
		}
		if !fitsByte(n) {
			return FixedValue{}, errIntegerOverflow()
		}
		return FromByte(uint8(n)), nil
	case KindChar:
		if utf8.RuneCountInString(s) != 1 {
			return FixedValue{}, fail
		}
		r, _ := utf8.DecodeRuneInString(s)
		return FromChar(r), nil
	case KindBool:
		switch s {
		case "true":
			return FromBool(true), nil
		case "false":
			return FromBool(false), nil
		}
		return FixedValue{}, fail
	}
	return FixedValue{}, fail
}

// formatForString renders a fixed value as the content of A2S.
func formatForString(v FixedValue) (string, error) {
	switch v.Type.ID {
	case KindInteger:
		return strconv.FormatInt(v.AsInt(), 10), nil
	case KindFloat:
		return formatFloat(float64(v.AsFloat()), 32), nil
	case KindDouble:
		return formatFloat(v.AsDouble(), 64), nil
	case KindByte:
		return strconv.Itoa(int(v.AsByte())), nil
	case KindBool:
		return strconv.FormatBool(v.AsBool()), nil
	case KindChar:
		return string(v.AsChar()), nil
	case KindNull:
		return "null", nil
	}
	return "", errCannotConvert(v.Type.ID, KindString)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
