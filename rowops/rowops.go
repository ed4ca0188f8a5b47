// Package rowops holds the standalone row operators that sit beside
// the rule engine: joins, schema normalization, group-by aggregation
// and data-quality checks.
package rowops

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

// JoinRequest is a hash join of two row sets on single key fields.
type JoinRequest struct {
	LeftRows  []any  `json:"left_rows"`
	RightRows []any  `json:"right_rows"`
	LeftOn    string `json:"left_on"`
	RightOn   string `json:"right_on"`
	JoinType  string `json:"join_type,omitempty"`
}

// JoinResult carries the merged rows; right-side fields that collide
// with left-side names are prefixed with "right_".
type JoinResult struct {
	Rows         []value.Row `json:"rows"`
	MatchedPairs int         `json:"matched_pairs"`
}

// Join performs an inner or left hash join.
func Join(req JoinRequest) (*JoinResult, error) {
	joinType := strings.ToLower(req.JoinType)
	if joinType == "" {
		joinType = "inner"
	}
	if joinType != "inner" && joinType != "left" {
		return nil, fmt.Errorf("join_type must be inner or left")
	}

	index := map[string][]value.Row{}
	for _, r := range req.RightRows {
		if obj, ok := r.(map[string]any); ok {
			k := value.FieldString(obj, req.RightOn)
			index[k] = append(index[k], obj)
		}
	}

	res := &JoinResult{Rows: []value.Row{}}
	for _, r := range req.LeftRows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		k := value.FieldString(obj, req.LeftOn)
		matches, hit := index[k]
		if !hit {
			if joinType == "left" {
				res.Rows = append(res.Rows, obj)
			}
			continue
		}
		for _, rr := range matches {
			merged := make(value.Row, len(obj)+len(rr))
			for mk, mv := range obj {
				merged[mk] = mv
			}
			for rk, rv := range rr {
				if _, exists := merged[rk]; exists {
					merged["right_"+rk] = rv
				} else {
					merged[rk] = rv
				}
			}
			res.Rows = append(res.Rows, merged)
			res.MatchedPairs++
		}
	}
	return res, nil
}

// Schema aligns rows to a field list with optional defaults.
type Schema struct {
	Fields   []string       `json:"fields"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// NormalizeResult reports the aligned rows.
type NormalizeResult struct {
	Rows           []value.Row `json:"rows"`
	FilledDefaults int         `json:"filled_defaults"`
}

// NormalizeSchema inserts every schema field into every row, filling
// from defaults or null.
func NormalizeSchema(rows []any, schema Schema) *NormalizeResult {
	res := &NormalizeResult{Rows: []value.Row{}}
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		next := make(value.Row, len(obj)+len(schema.Fields))
		for k, v := range obj {
			next[k] = v
		}
		for _, f := range schema.Fields {
			if _, present := next[f]; present {
				continue
			}
			if dv, ok := schema.Defaults[f]; ok {
				next[f] = dv
				res.FilledDefaults++
			} else {
				next[f] = nil
			}
		}
		res.Rows = append(res.Rows, next)
	}
	return res
}

// ParseMetrics validates standalone aggregation specs: count needs no
// field, the numeric ops do.
func ParseMetrics(specs []rules.Metric) ([]rules.Metric, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("aggregates is empty")
	}
	out := make([]rules.Metric, 0, len(specs))
	for _, s := range specs {
		op := strings.ToLower(strings.TrimSpace(s.Op))
		if op == "" {
			return nil, fmt.Errorf("aggregate spec missing op")
		}
		switch op {
		case "count":
		case "sum", "avg", "min", "max":
			if s.Field == "" {
				return nil, fmt.Errorf("aggregate op %s requires field", op)
			}
		default:
			return nil, fmt.Errorf("unsupported aggregate op: %s", op)
		}
		s.Op = op
		out = append(out, s)
	}
	return out, nil
}

// AggregateResult is the standalone group-by output, ordered by the
// first group key for determinism.
type AggregateResult struct {
	Rows       []value.Row `json:"rows"`
	InputRows  int         `json:"input_rows"`
	OutputRows int         `json:"output_rows"`
}

// Aggregate groups rows and computes the metric columns.
func Aggregate(rows []any, groupBy []string, specs []rules.Metric) (*AggregateResult, error) {
	metrics, err := ParseMetrics(specs)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		groupVals value.Row
		rows      []value.Row
	}
	buckets := map[string]*bucket{}
	var order []string
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		key := value.Key(obj, groupBy, value.GroupSep)
		b, seen := buckets[key]
		if !seen {
			gv := value.Row{}
			for _, g := range groupBy {
				gv[g] = obj[g]
			}
			b = &bucket{groupVals: gv}
			buckets[key] = b
			order = append(order, key)
		}
		b.rows = append(b.rows, obj)
	}

	res := &AggregateResult{Rows: []value.Row{}, InputRows: len(rows)}
	for _, key := range order {
		b := buckets[key]
		out := value.Row{}
		for k, v := range b.groupVals {
			out[k] = v
		}
		for _, m := range metrics {
			out[m.Name()] = metricOver(b.rows, m)
		}
		res.Rows = append(res.Rows, out)
	}
	if len(groupBy) > 0 {
		first := groupBy[0]
		sort.Slice(res.Rows, func(i, j int) bool {
			return value.FieldString(res.Rows[i], first) < value.FieldString(res.Rows[j], first)
		})
	}
	res.OutputRows = len(res.Rows)
	return res, nil
}

func metricOver(rows []value.Row, m rules.Metric) any {
	if m.Op == "count" {
		return len(rows)
	}
	var nums []float64
	for _, r := range rows {
		if f, ok := value.ToFloat(r[m.Field]); ok {
			nums = append(nums, f)
		}
	}
	switch m.Op {
	case "sum", "avg":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		if m.Op == "avg" {
			denom := float64(max(len(rows), 1))
			return sum / denom
		}
		return sum
	case "min":
		if len(nums) == 0 {
			return nil
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Min(out, n)
		}
		return out
	case "max":
		if len(nums) == 0 {
			return nil
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Max(out, n)
		}
		return out
	default:
		return nil
	}
}

// QualityRules configure a standalone quality check.
type QualityRules struct {
	UniqueFields   []string       `json:"unique_fields,omitempty"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	MaxNullRatio   *float64       `json:"max_null_ratio,omitempty"`
	OutlierZScore  *OutlierZScore `json:"outlier_zscore,omitempty"`
}

// OutlierZScore flags numeric outliers beyond max_z deviations.
type OutlierZScore struct {
	Field string  `json:"field"`
	MaxZ  float64 `json:"max_z,omitempty"`
}

// Violation is one failed quality rule.
type Violation struct {
	Rule    string `json:"rule"`
	Details any    `json:"details,omitempty"`
}

// QualityReport is the standalone quality-check output.
type QualityReport struct {
	Passed     bool        `json:"passed"`
	Rows       int         `json:"rows"`
	Violations []Violation `json:"violations"`
}

// QualityCheck evaluates duplicate keys, per-field null ratios and
// z-score outliers over a row set.
func QualityCheck(rows []any, qr QualityRules) *QualityReport {
	report := &QualityReport{Passed: true, Rows: len(rows), Violations: []Violation{}}

	if len(qr.UniqueFields) > 0 {
		seen := map[string]struct{}{}
		duplicates := 0
		for _, r := range rows {
			obj, ok := r.(map[string]any)
			if !ok {
				continue
			}
			key := value.Key(obj, qr.UniqueFields, value.KeySep)
			if _, dup := seen[key]; dup {
				duplicates++
			}
			seen[key] = struct{}{}
		}
		if duplicates > 0 {
			report.Passed = false
			report.Violations = append(report.Violations, Violation{
				Rule:    "unique_fields",
				Details: map[string]any{"duplicates": duplicates},
			})
		}
	}

	maxNullRatio := 1.0
	if qr.MaxNullRatio != nil {
		maxNullRatio = math.Max(0, math.Min(1, *qr.MaxNullRatio))
	}
	if len(qr.RequiredFields) > 0 {
		var nullViolations []map[string]any
		for _, f := range qr.RequiredFields {
			nulls := 0
			for _, r := range rows {
				obj, ok := r.(map[string]any)
				if !ok || value.Missing(obj, f) {
					nulls++
				}
			}
			ratio := 0.0
			if len(rows) > 0 {
				ratio = float64(nulls) / float64(len(rows))
			}
			if ratio > maxNullRatio {
				nullViolations = append(nullViolations, map[string]any{
					"field": f, "null_ratio": ratio, "max_null_ratio": maxNullRatio,
				})
			}
		}
		if len(nullViolations) > 0 {
			report.Passed = false
			report.Violations = append(report.Violations, Violation{Rule: "required_fields", Details: nullViolations})
		}
	}

	if oz := qr.OutlierZScore; oz != nil && oz.Field != "" {
		maxZ := math.Abs(oz.MaxZ)
		if maxZ == 0 {
			maxZ = 4.0
		}
		var vals []float64
		for _, r := range rows {
			if obj, ok := r.(map[string]any); ok {
				if f, ok := value.ToFloat(obj[oz.Field]); ok {
					vals = append(vals, f)
				}
			}
		}
		if len(vals) >= 3 {
			mean := 0.0
			for _, v := range vals {
				mean += v
			}
			mean /= float64(len(vals))
			variance := 0.0
			for _, v := range vals {
				variance += (v - mean) * (v - mean)
			}
			std := math.Sqrt(variance / float64(len(vals)))
			if std > 0 {
				outliers := 0
				for _, v := range vals {
					if math.Abs(v-mean)/std > maxZ {
						outliers++
					}
				}
				if outliers > 0 {
					report.Passed = false
					report.Violations = append(report.Violations, Violation{
						Rule:    "outlier_zscore",
						Details: map[string]any{"field": oz.Field, "outliers": outliers, "max_z": maxZ},
					})
				}
			}
		}
	}

	return report
}
