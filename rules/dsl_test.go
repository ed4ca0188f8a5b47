package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileDSL(t *testing.T) {
	set, err := CompileDSL(`
# header comment
rename ID -> id
cast amount:Float
required amount
filter amount >= 0
filter name != "bob"
`)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"ID": "id"}, set.RenameMap)
	assert.Equal(t, map[string]string{"amount": "float"}, set.Casts)
	assert.Equal(t, []string{"amount"}, set.RequiredFields)
	require.Len(t, set.Filters, 2)
	assert.Equal(t, Filter{Field: "amount", Op: "gte", Value: 0.0}, set.Filters[0])
	assert.Equal(t, Filter{Field: "name", Op: "ne", Value: "bob"}, set.Filters[1])
}

func TestCompileDSLErrors(t *testing.T) {
	cases := []struct {
		dsl  string
		want string
	}{
		{"rename x ->", "line 1: invalid rename"},
		{"cast amount", "line 1: invalid cast"},
		{"required ", "line 1: unsupported statement"},
		{"filter amount ~ 3", "line 1: invalid filter"},
		{"# fine\ndrop everything", "line 2: unsupported statement"},
	}
	for _, c := range cases {
		_, err := CompileDSL(c.dsl)
		require.Error(t, err, c.dsl)
		assert.Contains(t, err.Error(), c.want)
	}
}

func TestCompileDSLLongestOpWins(t *testing.T) {
	set, err := CompileDSL("filter amount <= 10")
	require.NoError(t, err)
	assert.Equal(t, "lte", set.Filters[0].Op)

	set, err = CompileDSL("filter amount < 10")
	require.NoError(t, err)
	assert.Equal(t, "lt", set.Filters[0].Op)
}

func TestSafeToken(t *testing.T) {
	ok, err := SafeToken(" pkg-1.2_a ")
	require.NoError(t, err)
	assert.Equal(t, "pkg-1.2_a", ok)

	_, err = SafeToken("../escape")
	assert.Error(t, err)
	_, err = SafeToken("  ")
	assert.Error(t, err)
}

func TestPackageRoundtripFingerprintStable(t *testing.T) {
	dir := t.TempDir()
	ps := Store{Dir: dir}

	set, err := CompileDSL("cast amount:float\nrequired amount")
	require.NoError(t, err)

	first, err := ps.Publish("clean", "v1", set)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Fingerprint)

	second, err := ps.Publish("clean", "v1", set)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	got, err := ps.Get("clean", "v1")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, got.Fingerprint)
	assert.Equal(t, map[string]string{"amount": "float"}, got.Rules.Casts)

	_, err = ps.Get("clean", "v2")
	assert.Error(t, err)
}
