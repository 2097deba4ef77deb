package ldap

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse_WellFormed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Expr
	}{
		{"simple", "(cn=Babs Jensen)", Eq("cn", "Babs Jensen")},
		{"not", "(!(cn=Tim Howes))", Not(Eq("cn", "Tim Howes"))},
		{
			"nested",
			"(&(objectclass=Person)(|(sn=Jensen)(cn=Babs J*)))",
			And(Eq("objectclass", "Person"), Or(Eq("sn", "Jensen"), Eq("cn", "Babs J\xff"))),
		},
		{"wildcards", "(o=univ*of*mich*)", Eq("o", "univ\xffof\xffmich\xff")},
		{"parens in value", "(prop=foo(bar))", Eq("prop", "foo(bar)")},
		{"two paren groups", "(prop=(foo)(bar))", Eq("prop", "(foo)(bar)")},
		{"values with parens in and", "(&(one=two(2))(three=four(4)))", And(Eq("one", "two(2)"), Eq("three", "four(4)"))},
		{"le", "(n<=5)", Le("n", "5")},
		{"ge", "(n>=5)", Ge("n", "5")},
		{"approx", "(n~=Five)", Approx("n", "Five")},
		{"surrounding whitespace", "  ( |(cn=Babs *)(sn=1) )", Or(Eq("cn", "Babs \xff"), Eq("sn", "1"))},
		{"attr trailing space trimmed", "(cn  =x)", Eq("cn", "x")},
		{"value keeps spaces", "(cn= x )", Eq("cn", " x ")},
		{"escaped specials", `(a=\(\)\*\\)`, Eq("a", `()*\`)},
		{"empty value", "(a=)", Eq("a", "")},
		{"trailing whitespace", "(a=b)  \n", Eq("a", "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			require.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"null query", "", "Null query: "},
		{"missing open paren", "cn=Babs Jensen)", "Malformed query: cn=Babs Jensen)"},
		{"trailing garbage", "(a=b)x", "Trailing garbage 'x': x"},
		{"trailing second expr", "(a=b) (c=d)", "Trailing garbage ' (c=d)':  (c=d)"},
		{"undefined operator", "(a<b)", "Undefined operator: <b)"},
		{"missing attribute", "(=b)", "Malformed query: =b)"},
		{"blank attribute", "(  =b)", "Malformed query: =b)"},
		{"unterminated simple", "(a=b", "Unexpected end of query: "},
		{"unterminated complex", "(&(a=b)", "Unexpected end of query: "},
		{"trailing backslash", `(a=b\`, "Unexpected end of query: "},
		{"only whitespace", "   ", "Unexpected end of query: "},
		{"not with two children", "(!(a=b)(c=d))", "Malformed query: "},
		{"empty complex", "(&)", "Malformed query: )"},
		{"unbalanced value paren", "(a=b(c)", "Unexpected end of query: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			require.Equal(t, tt.wantErr, err.Error())
			require.True(t, errors.Is(err, ErrInvalidSyntax))

			var syn *SyntaxError
			require.True(t, errors.As(err, &syn))
		})
	}
}

func TestExpr_String(t *testing.T) {
	tests := []struct {
		expr Expr
		want string
	}{
		{Eq("a", "b"), "(a=b)"},
		{Eq("a", "x\xffy"), "(a=x*y)"},
		{Eq("a", `()*\`), `(a=\(\)\*\\)`},
		{And(Le("n", "1"), Ge("m", "2")), "(&(n<=1)(m>=2))"},
		{Not(Approx("a", "B")), "(!(a~=B))"},
		{Expr{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.expr.String())
		})
	}
}

func TestExpr_Accessors(t *testing.T) {
	e := MustParse("(|(a=1)(!(b<=2)))")
	require.Equal(t, OpOr, e.Op())
	kids := e.Children()
	require.Len(t, kids, 2)
	require.Equal(t, "a", kids[0].Attr())
	require.Equal(t, "1", kids[0].Value())
	require.Equal(t, OpNot, kids[1].Op())

	kids[0] = Eq("z", "z")
	require.Equal(t, "a", e.Children()[0].Attr(), "Children returns a copy")
}

func TestNewComplex_Panics(t *testing.T) {
	require.Panics(t, func() { NewComplex(OpNot, Eq("a", "1"), Eq("b", "2")) })
	require.Panics(t, func() { NewComplex(OpAnd) })
	require.Panics(t, func() { NewComplex(OpEq, Eq("a", "1")) })
	require.Panics(t, func() { NewSimple(OpAnd, "a", "1") })
}

// genExpr draws arbitrary well-formed expressions.
func genExpr(depth int) *rapid.Generator[Expr] {
	return rapid.Custom(func(t *rapid.T) Expr {
		if depth <= 0 || rapid.Bool().Draw(t, "leaf") {
			attr := rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9._ ]{0,8}[a-zA-Z0-9]`).Draw(t, "attr")
			value := rapid.StringOf(rapid.SampledFrom([]rune("ab Z09()*\\#.- "))).Draw(t, "value")
			ops := []Op{OpEq, OpLe, OpGe, OpApprox}
			op := ops[rapid.IntRange(0, len(ops)-1).Draw(t, "op")]
			return NewSimple(op, attr, wildcardsOf(value))
		}
		kind := rapid.IntRange(0, 2).Draw(t, "kind")
		if kind == 2 {
			return Not(genExpr(depth-1).Draw(t, "child"))
		}
		n := rapid.IntRange(1, 3).Draw(t, "n")
		children := make([]Expr, n)
		for i := range children {
			children[i] = genExpr(depth - 1).Draw(t, "child")
		}
		if kind == 0 {
			return And(children...)
		}
		return Or(children...)
	})
}

// wildcardsOf turns the '#' placeholder of the generator alphabet into the
// raw Wildcard byte.
func wildcardsOf(s string) string {
	return strings.ReplaceAll(s, "#", wildcardString)
}

func TestParse_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := genExpr(3).Draw(t, "expr")

		text := e.String()
		parsed, err := Parse(text)
		if err != nil {
			t.Fatalf("reparse of %q failed: %v", text, err)
		}
		if !parsed.Equal(e) {
			t.Fatalf("round trip changed %q into %q", text, parsed.String())
		}
		if parsed.String() != text {
			t.Fatalf("rendering is not stable: %q vs %q", text, parsed.String())
		}
	})
}
