package rowops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

func TestJoinInner(t *testing.T) {
	res, err := Join(JoinRequest{
		LeftRows: []any{
			map[string]any{"id": "1", "name": "a"},
			map[string]any{"id": "2", "name": "b"},
		},
		RightRows: []any{
			map[string]any{"uid": "1", "city": "x", "name": "right-a"},
		},
		LeftOn:  "id",
		RightOn: "uid",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.MatchedPairs)
	assert.Equal(t, "x", res.Rows[0]["city"])
	assert.Equal(t, "a", res.Rows[0]["name"])
	assert.Equal(t, "right-a", res.Rows[0]["right_name"])
}

func TestJoinLeftKeepsUnmatched(t *testing.T) {
	res, err := Join(JoinRequest{
		LeftRows:  []any{map[string]any{"id": "9"}},
		RightRows: []any{},
		LeftOn:    "id",
		RightOn:   "id",
		JoinType:  "left",
	})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 0, res.MatchedPairs)
}

func TestJoinRejectsUnknownType(t *testing.T) {
	_, err := Join(JoinRequest{JoinType: "cross"})
	assert.Error(t, err)
}

func TestNormalizeSchema(t *testing.T) {
	res := NormalizeSchema(
		[]any{map[string]any{"a": 1.0}},
		Schema{Fields: []string{"a", "b", "c"}, Defaults: map[string]any{"b": "x"}},
	)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.FilledDefaults)
	assert.Equal(t, "x", res.Rows[0]["b"])
	assert.Nil(t, res.Rows[0]["c"])
}

func TestAggregateGroupsAndMetrics(t *testing.T) {
	rows := []any{
		map[string]any{"team": "B", "amount": 7.0},
		map[string]any{"team": "A", "amount": 10.0},
		map[string]any{"team": "A", "amount": 20.0},
	}
	res, err := Aggregate(rows, []string{"team"}, []rules.Metric{
		{Op: "count", As: "cnt"},
		{Field: "amount", Op: "sum", As: "sum_amount"},
		{Field: "amount", Op: "avg", As: "avg_amount"},
		{Field: "amount", Op: "min", As: "min_amount"},
		{Field: "amount", Op: "max", As: "max_amount"},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	// deterministic order by first group key
	assert.Equal(t, "A", value.ToString(res.Rows[0]["team"]))
	assert.Equal(t, 2, res.Rows[0]["cnt"])
	assert.Equal(t, 30.0, res.Rows[0]["sum_amount"])
	assert.Equal(t, 15.0, res.Rows[0]["avg_amount"])
	assert.Equal(t, 10.0, res.Rows[0]["min_amount"])
	assert.Equal(t, 20.0, res.Rows[0]["max_amount"])
	assert.Equal(t, "B", value.ToString(res.Rows[1]["team"]))
}

func TestParseMetricsValidation(t *testing.T) {
	_, err := ParseMetrics(nil)
	assert.Error(t, err)

	_, err = ParseMetrics([]rules.Metric{{Op: "sum"}})
	assert.Error(t, err)

	_, err = ParseMetrics([]rules.Metric{{Op: "median", Field: "x"}})
	assert.Error(t, err)

	got, err := ParseMetrics([]rules.Metric{{Op: " COUNT "}})
	require.NoError(t, err)
	assert.Equal(t, "count", got[0].Op)
}

func TestQualityCheckDuplicatesAndNullRatio(t *testing.T) {
	ratio := 0.3
	report := QualityCheck([]any{
		map[string]any{"id": "1", "v": "a"},
		map[string]any{"id": "1", "v": ""},
		map[string]any{"id": "2", "v": nil},
	}, QualityRules{
		UniqueFields:   []string{"id"},
		RequiredFields: []string{"v"},
		MaxNullRatio:   &ratio,
	})

	assert.False(t, report.Passed)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, "unique_fields", report.Violations[0].Rule)
	assert.Equal(t, "required_fields", report.Violations[1].Rule)
}

func TestQualityCheckOutliers(t *testing.T) {
	rows := []any{
		map[string]any{"n": 1.0},
		map[string]any{"n": 1.1},
		map[string]any{"n": 0.9},
		map[string]any{"n": 1.0},
		map[string]any{"n": 100.0},
	}
	report := QualityCheck(rows, QualityRules{OutlierZScore: &OutlierZScore{Field: "n", MaxZ: 1.5}})
	assert.False(t, report.Passed)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "outlier_zscore", report.Violations[0].Rule)
}

func TestQualityCheckPasses(t *testing.T) {
	report := QualityCheck([]any{map[string]any{"id": "1"}}, QualityRules{UniqueFields: []string{"id"}})
	assert.True(t, report.Passed)
	assert.Empty(t, report.Violations)
}
