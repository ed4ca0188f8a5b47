package engine

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

func intp(n int) *int          { return &n }
func floatp(f float64) *float64 { return &f }

func TestApplyRenameCastDedup(t *testing.T) {
	records := []any{
		map[string]any{"ID": "1", "AMT": "10.5"},
		map[string]any{"ID": "1", "AMT": "11.5"},
		map[string]any{"ID": "2", "AMT": "-1"},
	}
	set := &rules.Set{
		RenameMap:       map[string]string{"ID": "id", "AMT": "amount"},
		Casts:           map[string]string{"id": "int", "amount": "float"},
		Filters:         []rules.Filter{{Field: "amount", Op: "gte", Value: 0.0}},
		DeduplicateBy:   []string{"id"},
		DeduplicateKeep: "last",
		SortBy:          []rules.SortKey{{Field: "id"}},
	}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(1), res.Rows[0]["id"])
	assert.Equal(t, 11.5, res.Rows[0]["amount"])
	assert.Equal(t, 3, res.Stats.InputRows)
	assert.Equal(t, 1, res.Stats.FilteredRows)
	assert.Equal(t, 1, res.Stats.DuplicateRowsRemoved)
	assert.Equal(t, res.Stats.InputRows,
		res.Stats.InvalidRows+res.Stats.FilteredRows+res.Stats.DuplicateRowsRemoved+res.Stats.OutputRows)
}

func TestApplyInRegexAndMissingRatioGate(t *testing.T) {
	records := []any{
		map[string]any{"claim_text": "water boils at 100C", "source_url": "https://a.example/x", "lang": "en"},
		map[string]any{"claim_text": "the moon is cheese", "source_url": "", "lang": "en"},
	}
	set := &rules.Set{
		Filters: []rules.Filter{
			{Field: "lang", Op: "in", Value: []any{"en", "zh"}},
			{Field: "claim_text", Op: "regex", Value: `\w+`},
		},
	}
	gates := &Gates{
		MaxRequiredMissingRatio: floatp(0.5),
		RequiredFields:          []string{"claim_text", "source_url"},
	}

	res, err := Apply(records, set, gates, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.LessOrEqual(t, res.Quality.RequiredMissingRatio, 0.5)
	assert.Equal(t, 1, res.Quality.RequiredMissingByField["source_url"])
}

func TestApplyHonorsPreArmedCancelFlag(t *testing.T) {
	var flag atomic.Bool
	flag.Store(true)

	_, err := Apply([]any{map[string]any{"a": 1.0}}, &rules.Set{}, nil, Options{Cancel: &flag})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel")
}

func TestApplyAggregate(t *testing.T) {
	records := []any{
		map[string]any{"team": "A", "amount": 10.0},
		map[string]any{"team": "A", "amount": 20.0},
		map[string]any{"team": "B", "amount": 7.0},
	}
	set := &rules.Set{
		Aggregate: &rules.Aggregate{
			GroupBy: []string{"team"},
			Metrics: []rules.Metric{
				{Op: "count", As: "cnt"},
				{Field: "amount", Op: "sum", As: "sum_amount"},
				{Field: "amount", Op: "avg", As: "avg_amount"},
			},
		},
	}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Aggregate)
	require.Len(t, res.Aggregate.Rows, 2)

	byTeam := map[string]value.Row{}
	for _, r := range res.Aggregate.Rows {
		byTeam[value.ToString(r["team"])] = r
	}
	assert.Equal(t, 2, byTeam["A"]["cnt"])
	assert.Equal(t, 30.0, byTeam["A"]["sum_amount"])
	assert.Equal(t, 15.0, byTeam["A"]["avg_amount"])
	assert.Equal(t, 1, byTeam["B"]["cnt"])
	assert.Equal(t, 7.0, byTeam["B"]["sum_amount"])
	assert.Equal(t, 7.0, byTeam["B"]["avg_amount"])

	// the aggregate is reported alongside the cleaned rows
	assert.Len(t, res.Rows, 3)
}

func TestApplyRenameOnlyKeepsAllObjectRows(t *testing.T) {
	records := []any{
		map[string]any{"a": 1.0},
		map[string]any{"a": 2.0},
		"not an object",
	}
	set := &rules.Set{RenameMap: map[string]string{"a": "b"}}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.OutputRows)
	assert.Equal(t, 1, res.Stats.InvalidRows)
	assert.Equal(t, 1, res.Audit.RuleHits["invalid_object"])
	for _, r := range res.Rows {
		_, hasOld := r["a"]
		assert.False(t, hasOld)
		assert.Contains(t, r, "b")
	}
}

func TestApplyCastFailureDropsRow(t *testing.T) {
	records := []any{
		map[string]any{"n": "abc"},
		map[string]any{"n": "5"},
	}
	set := &rules.Set{Casts: map[string]string{"n": "int"}}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.InvalidRows)
	assert.Equal(t, 1, res.Audit.RuleHits["cast_fail_n"])
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(5), res.Rows[0]["n"])
}

func TestApplyNullTokensAndDefaults(t *testing.T) {
	records := []any{
		map[string]any{"name": "  N/A  ", "city": ""},
	}
	set := &rules.Set{
		NullValues:    []string{"n/a"},
		DefaultValues: map[string]any{"city": "unknown", "name": "anon"},
	}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "anon", res.Rows[0]["name"])
	assert.Equal(t, "unknown", res.Rows[0]["city"])
}

func TestApplyGateViolationsCollected(t *testing.T) {
	records := []any{"bad", map[string]any{"a": 1.0}}
	set := &rules.Set{}
	gates := &Gates{
		MaxInvalidRows: intp(0),
		MinOutputRows:  intp(5),
	}

	_, err := Apply(records, set, gates, Options{})
	require.Error(t, err)
	var gerr *GateError
	require.ErrorAs(t, err, &gerr)
	assert.Len(t, gerr.Violations, 2)
}

func TestApplyDedupKeepFirst(t *testing.T) {
	records := []any{
		map[string]any{"id": "1", "v": "first"},
		map[string]any{"id": "1", "v": "second"},
	}
	set := &rules.Set{DeduplicateBy: []string{"id"}, DeduplicateKeep: "first"}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "first", res.Rows[0]["v"])
}

func TestApplyProjection(t *testing.T) {
	records := []any{map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}}
	set := &rules.Set{IncludeFields: []string{"a", "b"}, ExcludeFields: []string{"b"}}

	res, err := Apply(records, set, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, value.Row{"a": 1.0}, res.Rows[0])
}

func TestCompileApplyIsIdempotent(t *testing.T) {
	dsl := "rename ID -> id\ncast id:int\nfilter id >= 2"
	set, err := rules.CompileDSL(dsl)
	require.NoError(t, err)

	records := func() []any {
		return []any{
			map[string]any{"ID": "1"},
			map[string]any{"ID": "2"},
			map[string]any{"ID": "3"},
		}
	}

	first, err := Apply(records(), set, nil, Options{})
	require.NoError(t, err)

	// re-encode the structured set and run again: identical behavior
	reset, err := rules.Decode(mustJSON(t, set))
	require.NoError(t, err)
	second, err := Apply(records(), reset, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Stats, withoutLatency(second.Stats, first.Stats.LatencyMs))
	assert.Equal(t, first.Rows, second.Rows)
}

func withoutLatency(s Stats, ms int64) Stats {
	s.LatencyMs = ms
	return s
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
