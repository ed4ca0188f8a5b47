package pushdown

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/codec"
	"github.com/siftdata/sift/rules"
)

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"amount", "dbo.workflow_tasks", "a_1"} {
		got, err := ValidateIdentifier(ok)
		require.NoError(t, err, ok)
		assert.Equal(t, ok, got)
	}
	for _, bad := range []string{"", " ", "a-b", "a;b", ".a", "a.", "a..b", "a b"} {
		_, err := ValidateIdentifier(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateWhere(t *testing.T) {
	ok, err := ValidateWhere("amount > 10")
	require.NoError(t, err)
	assert.Equal(t, "amount > 10", ok)

	_, err = ValidateWhere("amount > 10 and region = 'emea'")
	require.NoError(t, err)

	for _, bad := range []string{
		"1=1; drop table data",
		"amount > 10 union select 1",
		"amount > 10 and",
		"amount >",
		"amount like",
	} {
		_, err := ValidateWhere(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildSQL(t *testing.T) {
	sqlText, err := BuildSQL(Request{
		From:    "data",
		GroupBy: []string{"team"},
		Aggregates: []rules.Metric{
			{Op: "count", As: "cnt"},
			{Field: "amount", Op: "sum", As: "total"},
		},
		WhereSQL: "amount > 0",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT team, COUNT(1) AS cnt, SUM(amount) AS total FROM data WHERE amount > 0 GROUP BY team", sqlText)
}

func TestBuildSQLRejectsBadInput(t *testing.T) {
	_, err := BuildSQL(Request{GroupBy: nil, Aggregates: []rules.Metric{{Op: "count"}}})
	assert.Error(t, err)

	_, err = BuildSQL(Request{GroupBy: []string{"team; drop"}, Aggregates: []rules.Metric{{Op: "count"}}})
	assert.Error(t, err)

	_, err = BuildSQL(Request{GroupBy: []string{"team"}, Aggregates: []rules.Metric{{Op: "median", Field: "x"}}})
	assert.Error(t, err)
}

func TestRunAgainstSQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "t.db")
	require.NoError(t, codec.Save("sqlite", db, "data", []any{
		map[string]any{"team": "A", "amount": "10"},
		map[string]any{"team": "A", "amount": "20"},
		map[string]any{"team": "B", "amount": "7"},
	}))

	res, err := Run(Request{
		SourceType: "sqlite",
		Source:     db,
		From:       "data",
		GroupBy:    []string{"team"},
		Aggregates: []rules.Metric{{Op: "count", As: "cnt"}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.Contains(t, res.SQL, "GROUP BY team")
}
