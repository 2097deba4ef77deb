package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchedObjectClasses(t *testing.T) {
	tests := []struct {
		filter string
		want   []string
		ok     bool
	}{
		{"(objectclass=Foo)", []string{"Foo"}, true},
		{"(objectClass=Foo)", []string{"Foo"}, true},
		{"(objectclass=Fo*)", nil, false},
		{"(objectclass<=Foo)", nil, false},
		{"(bar=baz)", nil, false},
		{"(|(objectclass=Foo)(bar=baz))", nil, false},
		{"(|(objectclass=Foo)(objectclass=Bar))", []string{"Bar", "Foo"}, true},
		{"(&(objectclass=Foo)(bar=baz))", []string{"Foo"}, true},
		{"(&(bar=baz)(qux=1))", nil, false},
		{"(&(|(objectclass=A)(objectclass=B))(|(objectclass=B)(objectclass=C)))", []string{"B"}, true},
		{"(!(objectclass=Foo))", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, ok := MustParse(tt.filter).MatchedObjectClasses()
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestMatchedObjectClasses_OrWithUnrestrictedBranchIsEmpty(t *testing.T) {
	e := Or(Eq("objectClass", "Foo"), Eq("bar", "baz"))
	got, ok := e.MatchedObjectClasses()
	require.False(t, ok)
	require.Empty(t, got)
}

func TestSimpleKeys(t *testing.T) {
	keys := []string{"objectclass", "service.id"}
	tests := []struct {
		filter string
		want   map[string][]string
		ok     bool
	}{
		{"(objectclass=Foo)", map[string][]string{"objectclass": {"Foo"}}, true},
		{"(ObjectClass=Foo)", map[string][]string{"objectclass": {"Foo"}}, true},
		{"(service.id=4)", map[string][]string{"service.id": {"4"}}, true},
		{
			"(|(objectclass=A)(objectclass=B)(service.id=7))",
			map[string][]string{"objectclass": {"A", "B"}, "service.id": {"7"}},
			true,
		},
		{"(objectclass=F*)", nil, false},
		{"(&(objectclass=A)(service.id=1))", nil, false},
		{"(|(objectclass=A)(x=1))", nil, false},
		{"(x=1)", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, ok := MustParse(tt.filter).SimpleKeys(keys, false)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := MustParse("(ObjectClass=Foo)").SimpleKeys(keys, true)
	require.False(t, ok, "matchCase keeps the attribute name as written")
}
