package ldap

import (
	"math"
	"strconv"
	"strings"

	"github.com/zjrosen/modkit/internal/props"
)

const (
	float32Epsilon = 1.0 / (1 << 23) // FLT_EPSILON
	float64Epsilon = 1.0 / (1 << 52) // DBL_EPSILON
)

// Evaluate reports whether p satisfies e. With matchCase false, attribute
// names are looked up case-insensitively after an exact-match attempt. The
// null expression matches everything.
func (e Expr) Evaluate(p props.Properties, matchCase bool) bool {
	if e.n == nil {
		return true
	}
	switch e.n.op {
	case OpAnd:
		for _, c := range e.n.children {
			if !c.Evaluate(p, matchCase) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range e.n.children {
			if c.Evaluate(p, matchCase) {
				return true
			}
		}
		return false
	case OpNot:
		return !e.n.children[0].Evaluate(p, matchCase)
	}

	v, ok := p.Find(e.n.attr, matchCase)
	if !ok {
		return false
	}
	return Compare(v, e.n.op, e.n.value)
}

// Compare applies a simple operator to a property value and a filter
// operand. Type mismatches and unparsable operands are non-matches.
func Compare(v props.Value, op Op, operand string) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()

	if v.IsEmpty() {
		return false
	}
	if op == OpEq && operand == wildcardString {
		return true
	}

	switch v.Kind() {
	case props.KindString:
		s, _ := v.AsString()
		return compareString(s, op, operand)
	case props.KindChar:
		c, _ := v.AsChar()
		return compareString(string([]byte{byte(c)}), op, operand)
	case props.KindStringList:
		list, _ := v.AsStrings()
		for _, s := range list {
			if compareString(s, op, operand) {
				return true
			}
		}
		return false
	case props.KindList:
		list, _ := v.AsList()
		for _, item := range list {
			if Compare(item, op, operand) {
				return true
			}
		}
		return false
	case props.KindBool:
		if op == OpLe || op == OpGe {
			return false
		}
		b, _ := v.AsBool()
		return strings.EqualFold(operand, strconv.FormatBool(b))
	case props.KindFloat32, props.KindFloat64:
		return compareFloat(v, op, operand)
	}

	if v.IsSigned() {
		n, ok := parseIntPrefix(operand)
		if !ok {
			return false
		}
		i, _ := v.AsInt()
		return compareOrdered(i, n, op)
	}
	if v.IsUnsigned() {
		n, ok := parseIntPrefix(operand)
		if !ok {
			return false
		}
		u, _ := v.AsUint()
		if n < 0 {
			// Every unsigned value sorts above a negative operand.
			return op == OpGe
		}
		return compareOrdered(u, uint64(n), op)
	}
	return false
}

func compareOrdered[T int64 | uint64 | float64](have, want T, op Op) bool {
	switch op {
	case OpLe:
		return have <= want
	case OpGe:
		return have >= want
	default:
		return have == want
	}
}

func compareFloat(v props.Value, op Op, operand string) bool {
	want, ok := parseFloatPrefix(operand)
	if !ok {
		return false
	}
	have, _ := v.AsFloat()
	switch op {
	case OpLe:
		return have <= want
	case OpGe:
		return have >= want
	}
	eps := float64Epsilon
	if v.Kind() == props.KindFloat32 {
		eps = float32Epsilon
	}
	diff := have - want
	return diff < eps && diff > -eps
}

func compareString(s string, op Op, operand string) bool {
	switch op {
	case OpLe:
		return s <= operand
	case OpGe:
		return s >= operand
	case OpEq:
		return PatSubstr(s, operand)
	case OpApprox:
		return FixupString(s) == FixupString(operand)
	default:
		return false
	}
}

// FixupString drops whitespace and lowercases ASCII letters, the
// normalization used by the approximate operator.
func FixupString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSpace(c) {
			continue
		}
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// PatSubstr matches s against pattern, where each Wildcard byte in pattern
// matches any run of bytes, including none.
func PatSubstr(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == Wildcard {
		pattern = pattern[1:]
		for {
			if PatSubstr(s, pattern) {
				return true
			}
			if s == "" {
				return false
			}
			s = s[1:]
		}
	}
	if s == "" || s[0] != pattern[0] {
		return false
	}
	return PatSubstr(s[1:], pattern[1:])
}

// numberStart skips leading whitespace and returns the index after an
// optional sign along with the sign itself.
func numberStart(s string) (i int, neg bool) {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	return i, neg
}

// parseIntPrefix reads a base 10 integer the way strtol does: leading
// whitespace and a sign are accepted, parsing stops at the first non-digit
// and trailing text is ignored. It fails when there are no digits or the
// value does not fit in an int64.
func parseIntPrefix(s string) (int64, bool) {
	i, neg := numberStart(s)
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return 0, false
	}
	text := s[i:j]
	if neg {
		text = "-" + text
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseFloatPrefix reads the longest floating point prefix of s the way
// strtod does: decimal, 0x hexadecimal with an optional p exponent, and
// "inf", "infinity" or "nan" in any case. Overflow and underflow to zero
// fail.
func parseFloatPrefix(s string) (float64, bool) {
	i, neg := numberStart(s)
	start := i

	if val, ok := specialFloat(s[i:]); ok {
		if neg {
			val = -val
		}
		return val, true
	}

	if hex, ok := hexFloatPrefix(s[i:]); ok {
		return finishFloat(hex, neg)
	}

	mantissa := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		mantissa++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			mantissa++
		}
	}
	if mantissa == 0 {
		return 0, false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expDigits := j
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j > expDigits {
			i = j
		}
	}

	return finishFloat(s[start:i], neg)
}

// finishFloat converts a scanned numeral. Overflow and underflow to zero
// are failures, as strtod reports both with ERANGE.
func finishFloat(text string, neg bool) (float64, bool) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	if f == 0 && strings.ContainsAny(mantissaOf(text), "123456789abcdefABCDEF") {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

func mantissaOf(text string) string {
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		m := text[2:]
		if k := strings.IndexAny(m, "pP"); k >= 0 {
			m = m[:k]
		}
		return m
	}
	if k := strings.IndexAny(text, "eE"); k >= 0 {
		return text[:k]
	}
	return text
}

// hexFloatPrefix scans a strtod style hexadecimal numeral such as 0x1.8p3
// and returns it in the form strconv.ParseFloat accepts.
func hexFloatPrefix(s string) (string, bool) {
	if len(s) < 2 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return "", false
	}
	i, digits := 2, 0
	for i < len(s) && isHexDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isHexDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return "", false
	}
	mantissa := s[:i]
	exp := "p0"
	if i < len(s) && (s[i] == 'p' || s[i] == 'P') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expDigits := j
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j > expDigits {
			exp = s[i:j]
		}
	}
	return mantissa + exp, true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func specialFloat(s string) (float64, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "inf"):
		return math.Inf(1), true
	case strings.HasPrefix(lower, "nan"):
		return math.NaN(), true
	}
	return 0, false
}
