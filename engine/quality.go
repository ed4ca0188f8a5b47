package engine

import (
	"fmt"
	"strings"

	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

// Gates holds the optional quality thresholds. Nil fields are not
// enforced. RequiredFields overrides the rule set's required fields
// for ratio computation when non-empty.
type Gates struct {
	MaxInvalidRows          *int     `json:"max_invalid_rows,omitempty"`
	MinOutputRows           *int     `json:"min_output_rows,omitempty"`
	MaxInvalidRatio         *float64 `json:"max_invalid_ratio,omitempty"`
	MaxRequiredMissingRatio *float64 `json:"max_required_missing_ratio,omitempty"`
	RequiredFields          []string `json:"required_fields,omitempty"`
}

// Quality is the per-run quality report.
type Quality struct {
	InputRows              int            `json:"input_rows"`
	OutputRows             int            `json:"output_rows"`
	InvalidRows            int            `json:"invalid_rows"`
	FilteredRows           int            `json:"filtered_rows"`
	DuplicateRowsRemoved   int            `json:"duplicate_rows_removed"`
	RequiredFields         []string       `json:"required_fields"`
	RequiredMissingCells   int            `json:"required_missing_cells"`
	RequiredMissingByField map[string]int `json:"required_missing_by_field"`
	RequiredMissingRatio   float64        `json:"required_missing_ratio"`
}

// GateResult reports every violated gate; violations are collected,
// not short-circuited.
type GateResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors"`
}

// GateError is the failure produced by a violated quality gate.
type GateError struct {
	Violations []string
}

func (e *GateError) Error() string {
	return "quality gate failed: " + strings.Join(e.Violations, "; ")
}

func buildQuality(rows []value.Row, stats Stats, set *rules.Set, gates *Gates) Quality {
	required := set.RequiredFields
	if gates != nil && len(gates.RequiredFields) > 0 {
		required = gates.RequiredFields
	}
	q := Quality{
		InputRows:              stats.InputRows,
		OutputRows:             len(rows),
		InvalidRows:            stats.InvalidRows,
		FilteredRows:           stats.FilteredRows,
		DuplicateRowsRemoved:   stats.DuplicateRowsRemoved,
		RequiredFields:         required,
		RequiredMissingByField: map[string]int{},
	}
	for _, f := range required {
		miss := 0
		for _, r := range rows {
			if value.Missing(r, f) {
				miss++
			}
		}
		q.RequiredMissingCells += miss
		q.RequiredMissingByField[f] = miss
	}
	if total := q.OutputRows * len(required); total > 0 {
		q.RequiredMissingRatio = float64(q.RequiredMissingCells) / float64(total)
	}
	return q
}

func evaluateGates(q Quality, gates *Gates) GateResult {
	res := GateResult{Passed: true}
	if gates == nil {
		return res
	}
	if gates.MaxInvalidRows != nil && q.InvalidRows > *gates.MaxInvalidRows {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"invalid_rows=%d exceeds max_invalid_rows=%d", q.InvalidRows, *gates.MaxInvalidRows))
	}
	if gates.MinOutputRows != nil && q.OutputRows < *gates.MinOutputRows {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"output_rows=%d below min_output_rows=%d", q.OutputRows, *gates.MinOutputRows))
	}
	if gates.MaxInvalidRatio != nil {
		ratio := 0.0
		if q.InputRows > 0 {
			ratio = float64(q.InvalidRows) / float64(q.InputRows)
		}
		if ratio > *gates.MaxInvalidRatio {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"invalid_ratio=%.6f exceeds max_invalid_ratio=%.6f", ratio, *gates.MaxInvalidRatio))
		}
	}
	if gates.MaxRequiredMissingRatio != nil && q.RequiredMissingRatio > *gates.MaxRequiredMissingRatio {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"required_missing_ratio=%.6f exceeds max_required_missing_ratio=%.6f",
			q.RequiredMissingRatio, *gates.MaxRequiredMissingRatio))
	}
	res.Passed = len(res.Errors) == 0
	return res
}
