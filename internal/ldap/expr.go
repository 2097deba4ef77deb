package ldap

import "strings"

// Op is a filter node operator.
type Op int

const (
	OpAnd Op = iota + 1
	OpOr
	OpNot
	OpEq
	OpLe
	OpGe
	OpApprox
)

func (o Op) String() string {
	switch o {
	case OpAnd:
		return "&"
	case OpOr:
		return "|"
	case OpNot:
		return "!"
	case OpEq:
		return "="
	case OpLe:
		return "<="
	case OpGe:
		return ">="
	case OpApprox:
		return "~="
	default:
		return "?"
	}
}

// IsComplex reports whether o combines sub-expressions.
func (o Op) IsComplex() bool { return o == OpAnd || o == OpOr || o == OpNot }

// IsSimple reports whether o compares an attribute against a value.
func (o Op) IsSimple() bool { return o >= OpEq && o <= OpApprox }

// Wildcard is the byte an unescaped '*' is stored as inside attribute
// values. It never occurs in valid UTF-8 text.
const Wildcard byte = 0xFF

const wildcardString = "\xff"

type node struct {
	op       Op
	attr     string
	value    string
	children []Expr
}

// Expr is an immutable filter expression. Copies share the same tree. The
// zero Expr is null; it has no operator and is treated as "match all" by
// Filter and by listener dispatch.
type Expr struct {
	n *node
}

// NewSimple builds a comparison node. value is stored as given, so callers
// wanting a wildcard must use the Wildcard byte.
func NewSimple(op Op, attr, value string) Expr {
	if !op.IsSimple() {
		panic("ldap: NewSimple with complex operator " + op.String())
	}
	return Expr{n: &node{op: op, attr: attr, value: value}}
}

// NewComplex builds an AND, OR or NOT node. NOT takes exactly one child and
// AND/OR at least one.
func NewComplex(op Op, children ...Expr) Expr {
	switch {
	case !op.IsComplex():
		panic("ldap: NewComplex with simple operator " + op.String())
	case len(children) == 0:
		panic("ldap: NewComplex without children")
	case op == OpNot && len(children) != 1:
		panic("ldap: NOT takes exactly one child")
	}
	return Expr{n: &node{op: op, children: append([]Expr(nil), children...)}}
}

func And(children ...Expr) Expr { return NewComplex(OpAnd, children...) }
func Or(children ...Expr) Expr { return NewComplex(OpOr, children...) }
func Not(child Expr) Expr { return NewComplex(OpNot, child) }

func Eq(attr, value string) Expr { return NewSimple(OpEq, attr, value) }
func Le(attr, value string) Expr { return NewSimple(OpLe, attr, value) }
func Ge(attr, value string) Expr { return NewSimple(OpGe, attr, value) }
func Approx(attr, value string) Expr { return NewSimple(OpApprox, attr, value) }

func (e Expr) IsNull() bool { return e.n == nil }

func (e Expr) Op() Op {
	if e.n == nil {
		return 0
	}
	return e.n.op
}

// Attr is the attribute name of a simple node.
func (e Expr) Attr() string {
	if e.n == nil {
		return ""
	}
	return e.n.attr
}

// Value is the raw attribute value of a simple node, with Wildcard bytes.
func (e Expr) Value() string {
	if e.n == nil {
		return ""
	}
	return e.n.value
}

// Children returns a copy of the sub-expressions of a complex node.
func (e Expr) Children() []Expr {
	if e.n == nil {
		return nil
	}
	return append([]Expr(nil), e.n.children...)
}

// Equal reports structural equality.
func (e Expr) Equal(o Expr) bool {
	if e.n == o.n {
		return true
	}
	if e.n == nil || o.n == nil {
		return false
	}
	if e.n.op != o.n.op || e.n.attr != o.n.attr || e.n.value != o.n.value {
		return false
	}
	if len(e.n.children) != len(o.n.children) {
		return false
	}
	for i := range e.n.children {
		if !e.n.children[i].Equal(o.n.children[i]) {
			return false
		}
	}
	return true
}

// String renders the canonical filter text. Parsing the result yields an
// equal expression. The null expression renders as "".
func (e Expr) String() string {
	if e.n == nil {
		return ""
	}
	var b strings.Builder
	e.writeTo(&b)
	return b.String()
}

func (e Expr) writeTo(b *strings.Builder) {
	b.WriteByte('(')
	if e.n.op.IsSimple() {
		b.WriteString(e.n.attr)
		b.WriteString(e.n.op.String())
		writeValue(b, e.n.value)
	} else {
		b.WriteString(e.n.op.String())
		for _, c := range e.n.children {
			c.writeTo(b)
		}
	}
	b.WriteByte(')')
}

func writeValue(b *strings.Builder, v string) {
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case '(', ')', '*', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case Wildcard:
			b.WriteByte('*')
		default:
			b.WriteByte(c)
		}
	}
}
