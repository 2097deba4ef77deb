package ldap

import "github.com/zjrosen/modkit/internal/props"

// Filter is a compiled filter string. The zero Filter is empty and matches
// everything.
type Filter struct {
	expr Expr
}

// NewFilter compiles text. An empty string gives the empty filter.
func NewFilter(text string) (Filter, error) {
	if text == "" {
		return Filter{}, nil
	}
	e, err := Parse(text)
	if err != nil {
		return Filter{}, err
	}
	return Filter{expr: e}, nil
}

// MustFilter is NewFilter for literals; it panics on a syntax error.
func MustFilter(text string) Filter {
	f, err := NewFilter(text)
	if err != nil {
		panic(err)
	}
	return f
}

// FromExpr wraps an already parsed expression.
func FromExpr(e Expr) Filter { return Filter{expr: e} }

func (f Filter) Expr() Expr { return f.expr }
func (f Filter) IsEmpty() bool { return f.expr.IsNull() }

// Match evaluates with case-insensitive attribute names.
func (f Filter) Match(p props.Properties) bool {
	return f.expr.Evaluate(p, false)
}

// MatchCase evaluates with case-sensitive attribute names.
func (f Filter) MatchCase(p props.Properties) bool {
	return f.expr.Evaluate(p, true)
}

func (f Filter) String() string { return f.expr.String() }

// Equal compares the canonical text of both filters.
func (f Filter) Equal(o Filter) bool {
	return f.String() == o.String()
}
