package ldap

import (
	"fmt"
	"strconv"

	"github.com/zjrosen/modkit/internal/props"
)

// Clause is a filter fragment produced by the Prop builder. The zero Clause
// is null and drops out of And and Or.
type Clause struct {
	text string
}

// Property names the attribute a Clause compares.
type Property struct {
	name string
}

// Prop starts a clause on the named attribute:
//
//	ldap.Prop("objectclass").Eq("Greeter").And(ldap.Prop("lang").Ne("fr"))
func Prop(name string) Property { return Property{name: name} }

func (p Property) simple(op Op, v any) Clause {
	s := renderOperand(v)
	if s == "" {
		return Clause{}
	}
	return Clause{text: "(" + p.name + op.String() + s + ")"}
}

// Eq compares for equality. An empty operand yields a null clause.
func (p Property) Eq(v any) Clause { return p.simple(OpEq, v) }
func (p Property) Le(v any) Clause { return p.simple(OpLe, v) }
func (p Property) Ge(v any) Clause { return p.simple(OpGe, v) }
func (p Property) Approx(v any) Clause { return p.simple(OpApprox, v) }

// Ne is the negation of Eq.
func (p Property) Ne(v any) Clause { return p.Eq(v).Not() }

// Present matches when the attribute is set.
func (p Property) Present() Clause {
	return Clause{text: "(" + p.name + "=*)"}
}

// Absent matches when the attribute is not set.
func (p Property) Absent() Clause { return p.Present().Not() }

func renderOperand(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case props.Value:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func (c Clause) IsNull() bool { return c.text == "" }
func (c Clause) String() string { return c.text }

func (c Clause) Not() Clause {
	if c.IsNull() {
		return c
	}
	return Clause{text: "(!" + c.text + ")"}
}

func (c Clause) And(o Clause) Clause { return c.join('&', o) }
func (c Clause) Or(o Clause) Clause { return c.join('|', o) }

func (c Clause) join(op byte, o Clause) Clause {
	switch {
	case c.IsNull():
		return o
	case o.IsNull():
		return c
	}
	return Clause{text: "(" + string(op) + c.text + o.text + ")"}
}

// Filter compiles the clause.
func (c Clause) Filter() (Filter, error) {
	return NewFilter(c.text)
}
