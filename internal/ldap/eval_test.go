package ldap

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/modkit/internal/props"
)

func match(t *testing.T, filter string, p props.Properties) bool {
	t.Helper()
	e, err := Parse(filter)
	require.NoError(t, err)
	return e.Evaluate(p, false)
}

func TestEvaluate_Logic(t *testing.T) {
	e := And(Eq("a", "1"), Eq("b", "2"))

	require.True(t, e.Evaluate(props.Properties{"a": props.String("1"), "b": props.String("2")}, false))
	require.False(t, e.Evaluate(props.Properties{"a": props.String("x"), "b": props.String("2")}, false))
	require.False(t, e.Evaluate(props.Properties{"a": props.String("1"), "b": props.String("x")}, false))

	or := Or(Eq("a", "1"), Eq("b", "2"))
	require.True(t, or.Evaluate(props.Properties{"b": props.String("2")}, false))
	require.False(t, or.Evaluate(props.Properties{}, false))

	require.True(t, Not(Eq("a", "1")).Evaluate(props.Properties{}, false))
	require.True(t, Expr{}.Evaluate(props.Properties{}, false), "null expression matches all")
}

func TestEvaluate_MatchCase(t *testing.T) {
	e := Eq("Foo", "bar")
	p := props.Properties{"foo": props.String("bar")}

	require.True(t, e.Evaluate(p, false))
	require.False(t, e.Evaluate(p, true))

	require.False(t, MustFilter("(cN=Babs *)").MatchCase(props.Properties{"cn": props.String("Babs Jensen")}))
	require.True(t, MustFilter("(Cn=Babs Jensen)").Match(props.Properties{
		"cn":     props.String("Babs Jensen"),
		"unused": props.String("Jansen"),
	}))
}

func TestEvaluate_Strings(t *testing.T) {
	p := props.Properties{
		"cn":   props.String("Babs Jensen"),
		"prop": props.String("foo(bar)"),
		"sp":   props.String(" Ball Park "),
	}
	tests := []struct {
		filter string
		want   bool
	}{
		{"(cn=Babs *)", true},
		{"(cn=*Jensen)", true},
		{"(cn=B*s*n)", true},
		{"(cn=Babs)", false},
		{"(cn=*)", true},
		{"(missing=*)", false},
		{"(prop=foo(bar))", true},
		{"(cn<=Babs Z)", true},
		{"(cn>=Babs Z)", false},
		{"(cn>=Babs Jensen)", true},
		{"(sp~=ballpark)", true},
		{"(sp~=BALL   PARK)", true},
		{"(sp~=ballpar)", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.want, match(t, tt.filter, p))
		})
	}
}

func TestEvaluate_Lists(t *testing.T) {
	p := props.Properties{
		"sn":   props.Of([]any{"Babs Jensen", "1"}),
		"tags": props.Strings("red", "green"),
		"nums": props.List(props.Int32(3), props.Int32(9)),
	}
	assert.True(t, match(t, "(|(cn=Babs *)(sn=1))", p))
	assert.True(t, match(t, "(tags=gr*)", p))
	assert.False(t, match(t, "(tags=blue)", p))
	assert.True(t, match(t, "(nums>=8)", p))
	assert.False(t, match(t, "(nums>=10)", p))
	assert.True(t, match(t, "(nums=3)", p))
}

func TestEvaluate_Bool(t *testing.T) {
	p := props.Properties{"t": props.Bool(true), "f": props.Bool(false)}
	assert.True(t, match(t, "(t=true)", p))
	assert.True(t, match(t, "(t=TRUE)", p))
	assert.True(t, match(t, "(t~=True)", p))
	assert.False(t, match(t, "(t=false)", p))
	assert.True(t, match(t, "(f=false)", p))
	assert.False(t, match(t, "(t<=true)", p))
	assert.False(t, match(t, "(t>=true)", p))
	assert.False(t, match(t, "(t=yes)", p))
}

func TestEvaluate_Char(t *testing.T) {
	p := props.Properties{"c": props.CharOf('m')}
	assert.True(t, match(t, "(c=m)", p))
	assert.True(t, match(t, "(c>=a)", p))
	assert.False(t, match(t, "(c<=a)", p))
}

func TestEvaluate_Integers(t *testing.T) {
	p := props.Properties{
		"i8":  props.Int8(-4),
		"i32": props.Int32(30),
		"i64": props.Int64(math.MaxInt64),
		"u":   props.Uint32(7),
	}
	tests := []struct {
		filter string
		want   bool
	}{
		{"(i32=30)", true},
		{"(i32= 30)", true},
		{"(i32=+30)", true},
		{"(i32=30abc)", true},
		{"(i32=abc)", false},
		{"(i32=)", false},
		{"(i32~=30)", true},
		{"(i32<=50)", true},
		{"(i32>=50)", false},
		{"(i8=-4)", true},
		{"(i8<=-3)", true},
		{"(i64=9223372036854775807)", true},
		{"(i64>=99999999999999999999)", false},
		{"(u=7)", true},
		{"(u>=-1)", true},
		{"(u<=-1)", false},
		{"(u=-1)", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.want, match(t, tt.filter, p))
		})
	}
}

func TestEvaluate_Floats(t *testing.T) {
	p := props.Properties{
		"d": props.Float64(1.0),
		"f": props.Float32(1.0),
		"x": props.Float64(4.1),
		"z": props.Float64(0),
	}
	tests := []struct {
		filter string
		want   bool
	}{
		{"(d=1.0)", true},
		{"(d=1)", true},
		{"(d=1.0000001)", false},
		{"(d~=1.0000001)", false},
		{"(f=1.0000001)", true},
		{"(f=1.001)", false},
		{"(x<=4.1)", true},
		{"(x>=4.2)", false},
		{"(x>=1e0)", true},
		{"(d=1.0xyz)", true},
		{"(d=abc)", false},
		{"(d<=1e999)", false},
		{"(d<=inf)", true},
		{"(d=.)", false},
		{"(d>=1e-400)", false},
		{"(z=1e-400)", false},
		{"(z=0e5)", true},
		{"(z=0.000)", true},
		{"(d>=4e-320)", true},
		{"(d=0x1p0)", true},
		{"(d=0x1)", true},
		{"(d=0x.8p1)", true},
		{"(d>=-0x1p1)", true},
		{"(x<=0x1p3)", true},
		{"(x>=0x1p3)", false},
		{"(d=0xg)", false},
		{"(z=0xg)", true},
		{"(d<=0x1p99999)", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.want, match(t, tt.filter, p))
		})
	}
}

func TestCompare_EmptyAndUnknown(t *testing.T) {
	require.False(t, Compare(props.Empty, OpEq, wildcardString))
	require.True(t, Compare(props.Int32(1), OpEq, wildcardString), "lone wildcard only needs presence")
	require.False(t, Compare(props.Int32(1), OpLe, wildcardString))
	require.False(t, Compare(props.Of(struct{}{}), OpEq, "x"))
}

func TestWildcard_IsSingleByte(t *testing.T) {
	require.Equal(t, []byte{Wildcard}, []byte(wildcardString))

	e, err := Parse("(a=*)")
	require.NoError(t, err)
	require.Equal(t, wildcardString, e.Value())
}

func TestEvaluate_PresenceFromText(t *testing.T) {
	p := props.Properties{
		"n": props.Int32(5),
		"l": props.Int64(-7),
		"b": props.Bool(false),
		"f": props.Float64(2.5),
		"s": props.String("abc"),
		"e": props.Empty,
	}
	tests := []struct {
		filter string
		want   bool
	}{
		{"(n=*)", true},
		{"(l=*)", true},
		{"(b=*)", true},
		{"(f=*)", true},
		{"(s=*)", true},
		{"(e=*)", false},
		{"(missing=*)", false},
		{"(!(n=*))", false},
		{"(n=\\*)", false},
		{"(s=\\*)", false},
		{"(n=ÿ)", false},
		{"(s=ÿ)", false},
		{"(b=ÿ)", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.want, match(t, tt.filter, p))
		})
	}

	require.True(t, MustFilter(Prop("n").Present().String()).Match(p))
	require.False(t, MustFilter(Prop("missing").Present().String()).Match(p))
}

func TestPatSubstr(t *testing.T) {
	w := wildcardString
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"hello world", w + "world", true},
		{"hello", "he" + w + "no", false},
		{"", w, true},
		{"anything", w, true},
		{"abc", "abc", true},
		{"abc", "ab", false},
		{"ab", "abc", false},
		{"", "", true},
		{"aaa", w + "a" + w + "a" + w + "a" + w, true},
		{"aa", w + "a" + w + "a" + w + "a" + w, false},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.s+"|"+tt.pattern, w, "*"), func(t *testing.T) {
			assert.Equal(t, tt.want, PatSubstr(tt.s, tt.pattern))
		})
	}
}

func TestPatSubstr_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[abc]{0,12}`).Draw(t, "s")
		i := rapid.IntRange(0, len(s)).Draw(t, "i")
		j := rapid.IntRange(i, len(s)).Draw(t, "j")

		if !PatSubstr(s, wildcardString) {
			t.Fatalf("lone wildcard must match %q", s)
		}
		if !PatSubstr(s, s) {
			t.Fatalf("%q must match itself", s)
		}
		// Replacing any substring with a wildcard still matches.
		pattern := s[:i] + wildcardString + s[j:]
		if !PatSubstr(s, pattern) {
			t.Fatalf("%q must match pattern with [%d:%d] wildcarded", s, i, j)
		}
	})
}

func TestFixupString(t *testing.T) {
	assert.Equal(t, "ballpark", FixupString(" Ball\tPark\n"))
	assert.Equal(t, "", FixupString("   "))
}

func TestEvaluate_NeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := genExpr(2).Draw(t, "expr")
		p := props.Properties{
			"a":  props.Float32(rapid.Float32().Draw(t, "f")),
			"b":  props.Int64(rapid.Int64().Draw(t, "i")),
			"ab": props.String(rapid.String().Draw(t, "s")),
		}
		_ = e.Evaluate(p, rapid.Bool().Draw(t, "matchCase"))
	})
}
