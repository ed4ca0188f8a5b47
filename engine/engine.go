// Package engine applies a compiled rule set to a sequence of records,
// producing cleaned rows, a quality report, an optional inline
// aggregate and per-run stats. The engine is single-pass over the
// input and consults a shared cancel flag at row boundaries.
package engine

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

// ErrCancelled is returned when the cancel flag fires mid-run.
var ErrCancelled = errors.New("task cancelled")

// Stats counts where every input row went. input_rows always equals
// invalid + filtered + duplicates removed + output rows.
type Stats struct {
	InputRows            int   `json:"input_rows"`
	OutputRows           int   `json:"output_rows"`
	InvalidRows          int   `json:"invalid_rows"`
	FilteredRows         int   `json:"filtered_rows"`
	DuplicateRowsRemoved int   `json:"duplicate_rows_removed"`
	LatencyMs            int64 `json:"latency_ms"`
}

// Limits records the admission caps the run was subject to.
type Limits struct {
	MaxRows         int `json:"max_rows"`
	MaxPayloadBytes int `json:"max_payload_bytes"`
}

// Audit carries rule-hit counters and sizing for the run.
type Audit struct {
	RuleHits            map[string]int `json:"rule_hits"`
	EstimatedInputBytes int            `json:"estimated_input_bytes"`
	Limits              Limits         `json:"limits"`
}

// Result is the full output of one engine run.
type Result struct {
	Rows       []value.Row      `json:"rows"`
	Quality    Quality          `json:"quality"`
	GateResult GateResult       `json:"gate_result"`
	Aggregate  *AggregateResult `json:"aggregate,omitempty"`
	Stats      Stats            `json:"stats"`
	Audit      Audit            `json:"audit"`
}

// Options tune a single run.
type Options struct {
	// Cancel is the shared cooperative cancel flag; nil means the run
	// cannot be cancelled.
	Cancel *atomic.Bool
	// EstimatedInputBytes is the serialized payload size as measured
	// at admission.
	EstimatedInputBytes int
	// Limits are echoed into the audit record.
	Limits Limits
}

func (o Options) cancelled() bool {
	return o.Cancel != nil && o.Cancel.Load()
}

// Apply runs the rule set over the records. Records that are not
// JSON objects count as invalid. A quality-gate violation fails the
// run with a *GateError.
func Apply(records []any, set *rules.Set, gates *Gates, opts Options) (*Result, error) {
	started := time.Now()

	nullValues := make(map[string]struct{}, len(set.NullValues))
	for _, t := range set.NullValues {
		nullValues[t] = struct{}{}
	}
	preds := rules.CompileFilters(set.Filters)

	stats := Stats{InputRows: len(records)}
	hits := map[string]int{}
	rows := make([]value.Row, 0, len(records))

	for _, rec := range records {
		if opts.cancelled() {
			return nil, ErrCancelled
		}
		obj, ok := rec.(map[string]any)
		if !ok {
			stats.InvalidRows++
			hits["invalid_object"]++
			continue
		}

		out := make(value.Row, len(obj))
		for k, v := range obj {
			key := k
			if dst, ok := set.RenameMap[k]; ok {
				key = dst
			}
			out[key] = normalizeText(v, set.Trim(), nullValues)
		}

		for k, dv := range set.DefaultValues {
			if value.Missing(out, k) {
				out[k] = dv
			}
		}

		if field, ok := applyCasts(out, set.Casts); !ok {
			stats.InvalidRows++
			hits["cast_fail_"+field]++
			continue
		}

		if missingRequired(out, set.RequiredFields) {
			stats.InvalidRows++
			hits["required_missing"]++
			continue
		}

		if !matchAll(out, preds) {
			stats.FilteredRows++
			hits["filtered_by_rule"]++
			continue
		}

		project(out, set.IncludeFields, set.ExcludeFields)
		rows = append(rows, out)
	}

	if len(set.DeduplicateBy) > 0 {
		rows = dedup(rows, set)
		stats.DuplicateRowsRemoved = stats.InputRows - stats.InvalidRows - stats.FilteredRows - len(rows)
		if stats.DuplicateRowsRemoved < 0 {
			stats.DuplicateRowsRemoved = 0
		}
	}

	if len(set.SortBy) > 0 {
		sortRows(rows, set.SortBy)
	}

	if opts.cancelled() {
		return nil, ErrCancelled
	}

	agg := computeAggregate(rows, set.Aggregate)

	stats.OutputRows = len(rows)
	quality := buildQuality(rows, stats, set, gates)
	gateResult := evaluateGates(quality, gates)

	stats.LatencyMs = time.Since(started).Milliseconds()
	res := &Result{
		Rows:       rows,
		Quality:    quality,
		GateResult: gateResult,
		Aggregate:  agg,
		Stats:      stats,
		Audit: Audit{
			RuleHits:            hits,
			EstimatedInputBytes: opts.EstimatedInputBytes,
			Limits:              opts.Limits,
		},
	}
	if !gateResult.Passed {
		return nil, &GateError{Violations: gateResult.Errors}
	}
	return res, nil
}

// normalizeText trims text and maps null tokens, leaving non-text
// scalars untouched.
func normalizeText(v any, trim bool, nullValues map[string]struct{}) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if trim {
		s = strings.TrimSpace(s)
	}
	if len(nullValues) > 0 {
		if _, hit := nullValues[strings.ToLower(s)]; hit {
			return nil
		}
	}
	return s
}

func applyCasts(row value.Row, casts map[string]string) (string, bool) {
	for field, typ := range casts {
		v, ok := row[field]
		if !ok {
			continue
		}
		casted, ok := castValue(v, typ)
		if !ok {
			return field, false
		}
		row[field] = casted
	}
	return "", true
}

// castValue coerces to the target type. Null passes through; an
// unknown type name leaves the value untouched.
func castValue(v any, typ string) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch typ {
	case "string", "str":
		return value.ToString(v), true
	case "int", "integer":
		n, ok := value.ToInt(v)
		if !ok {
			return nil, false
		}
		return n, true
	case "float", "double", "number":
		f, ok := value.ToFloat(v)
		if !ok {
			return nil, false
		}
		return f, true
	case "bool", "boolean":
		b, ok := value.ToBool(v)
		if !ok {
			return nil, false
		}
		return b, true
	default:
		return v, true
	}
}

func missingRequired(row value.Row, required []string) bool {
	for _, f := range required {
		if value.Missing(row, f) {
			return true
		}
	}
	return false
}

func matchAll(row value.Row, preds []rules.Predicate) bool {
	for _, p := range preds {
		if !p.Match(row) {
			return false
		}
	}
	return true
}

func project(row value.Row, include, exclude []string) {
	if len(include) > 0 {
		keep := make(map[string]struct{}, len(include))
		for _, f := range include {
			keep[f] = struct{}{}
		}
		for k := range row {
			if _, ok := keep[k]; !ok {
				delete(row, k)
			}
		}
	}
	for _, f := range exclude {
		delete(row, f)
	}
}

func dedup(rows []value.Row, set *rules.Set) []value.Row {
	index := make(map[string]int, len(rows))
	out := make([]value.Row, 0, len(rows))
	keepFirst := set.KeepFirst()
	for _, r := range rows {
		k := value.Key(r, set.DeduplicateBy, value.KeySep)
		if at, seen := index[k]; seen {
			if !keepFirst {
				out[at] = r
			}
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

func sortRows(rows []value.Row, keys []rules.SortKey) {
	sort.Slice(rows, func(i, j int) bool {
		for _, k := range keys {
			a := value.FieldString(rows[i], k.Field)
			b := value.FieldString(rows[j], k.Field)
			if a == b {
				continue
			}
			if k.Desc() {
				return a > b
			}
			return a < b
		}
		return false
	})
}

