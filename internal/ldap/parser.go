package ldap

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSyntax is wrapped by every SyntaxError.
var ErrInvalidSyntax = errors.New("invalid filter syntax")

// Parser error messages.
const (
	msgNullQuery = "Null query"
	msgGarbage   = "Trailing garbage"
	msgEOS       = "Unexpected end of query"
	msgMalformed = "Malformed query"
	msgUndefined = "Undefined operator"
)

// SyntaxError reports where parsing stopped. Rest is the unparsed remainder
// of the input at the point of failure.
type SyntaxError struct {
	Msg  string
	Rest string
}

func (e *SyntaxError) Error() string {
	return e.Msg + ": " + e.Rest
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidSyntax }

// errEOS is returned by the cursor when a read runs past the input. Parse
// turns it into a SyntaxError at the failing position.
var errEOS = errors.New("end of input")

// cursor is a position over immutable input.
type cursor struct {
	src string
	pos int
}

func (c *cursor) fail(msg string) error {
	rest := ""
	if c.pos < len(c.src) {
		rest = c.src[c.pos:]
	}
	return &SyntaxError{Msg: msg, Rest: rest}
}

func (c *cursor) peek() (byte, error) {
	if c.pos >= len(c.src) {
		return 0, errEOS
	}
	return c.src[c.pos], nil
}

func (c *cursor) prefix(p string) bool {
	if strings.HasPrefix(c.src[c.pos:], p) {
		c.pos += len(p)
		return true
	}
	return false
}

func (c *cursor) skipWhite() error {
	for {
		ch, err := c.peek()
		if err != nil {
			return err
		}
		if !isSpace(ch) {
			return nil
		}
		c.pos++
	}
}

func (c *cursor) rest() string { return c.src[c.pos:] }

func isSpace(ch byte) bool {
	switch ch {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

// Parse compiles filter text into an expression.
//
//	expr     := '(' ( complex | simple ) ')'
//	complex  := ('&' | '|' | '!') expr+
//	simple   := attr ('=' | '<=' | '>=' | '~=') value
func Parse(filter string) (Expr, error) {
	c := &cursor{src: filter}
	if filter == "" {
		return Expr{}, c.fail(msgNullQuery)
	}

	e, err := c.parseExpr()
	if err == nil && trimSpace(c.rest()) != "" {
		err = c.fail(fmt.Sprintf("%s '%s'", msgGarbage, c.rest()))
	}
	if errors.Is(err, errEOS) {
		err = c.fail(msgEOS)
	}
	if err != nil {
		return Expr{}, err
	}
	return e, nil
}

// MustParse is Parse for filters known to be valid; it panics otherwise.
func MustParse(filter string) Expr {
	e, err := Parse(filter)
	if err != nil {
		panic(err)
	}
	return e
}

func (c *cursor) parseExpr() (Expr, error) {
	if err := c.skipWhite(); err != nil {
		return Expr{}, err
	}
	if !c.prefix("(") {
		return Expr{}, c.fail(msgMalformed)
	}
	if err := c.skipWhite(); err != nil {
		return Expr{}, err
	}

	ch, err := c.peek()
	if err != nil {
		return Expr{}, err
	}
	var op Op
	switch ch {
	case '&':
		op = OpAnd
	case '|':
		op = OpOr
	case '!':
		op = OpNot
	default:
		return c.parseSimple()
	}
	c.pos++

	var children []Expr
	for {
		child, err := c.parseExpr()
		if err != nil {
			return Expr{}, err
		}
		children = append(children, child)
		if err := c.skipWhite(); err != nil {
			return Expr{}, err
		}
		ch, err := c.peek()
		if err != nil {
			return Expr{}, err
		}
		if ch != '(' {
			break
		}
	}

	if !c.prefix(")") || (op == OpNot && len(children) > 1) {
		return Expr{}, c.fail(msgMalformed)
	}
	return Expr{n: &node{op: op, children: children}}, nil
}

func (c *cursor) parseSimple() (Expr, error) {
	attr, err := c.attrName()
	if err != nil {
		return Expr{}, err
	}
	if attr == "" {
		return Expr{}, c.fail(msgMalformed)
	}

	var op Op
	switch {
	case c.prefix("="):
		op = OpEq
	case c.prefix("<="):
		op = OpLe
	case c.prefix(">="):
		op = OpGe
	case c.prefix("~="):
		op = OpApprox
	default:
		return Expr{}, c.fail(msgUndefined)
	}

	value, err := c.attrValue()
	if err != nil {
		return Expr{}, err
	}
	if !c.prefix(")") {
		return Expr{}, c.fail(msgMalformed)
	}
	return Expr{n: &node{op: op, attr: attr, value: value}}, nil
}

// attrName reads up to an operator or parenthesis and drops trailing
// whitespace. Leading whitespace was skipped by the caller.
func (c *cursor) attrName() (string, error) {
	start, n := c.pos, 0
	for ; ; c.pos++ {
		ch, err := c.peek()
		if err != nil {
			return "", err
		}
		switch ch {
		case '(', ')', '<', '>', '=', '~':
			return c.src[start : start+n], nil
		}
		if !isSpace(ch) {
			n = c.pos - start + 1
		}
	}
}

// attrValue reads up to the ')' closing the simple expression. Balanced
// parentheses inside the value are kept literally.
func (c *cursor) attrValue() (string, error) {
	var b strings.Builder
	depth := 0
	for {
		ch, err := c.peek()
		if err != nil {
			return "", err
		}
		switch ch {
		case '(':
			depth++
			b.WriteByte(ch)
		case ')':
			if depth == 0 {
				return b.String(), nil
			}
			depth--
			b.WriteByte(ch)
		case '*':
			b.WriteByte(Wildcard)
		case '\\':
			c.pos++
			escaped, err := c.peek()
			if err != nil {
				return "", err
			}
			b.WriteByte(escaped)
		default:
			b.WriteByte(ch)
		}
		c.pos++
	}
}
