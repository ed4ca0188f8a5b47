package engine

import (
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/value"
)

// allGroupsKey is the sentinel group key when group_by is empty.
const allGroupsKey = "__all__"

// AggregateResult is the inline aggregate reported alongside the
// cleaned rows; it never replaces them.
type AggregateResult struct {
	Rows    []value.Row    `json:"rows"`
	GroupBy []string       `json:"group_by"`
	Metrics []rules.Metric `json:"metrics"`
}

var defaultMetrics = []rules.Metric{{Field: "amount", Op: "sum", As: "sum_amount"}}

func computeAggregate(rows []value.Row, rule *rules.Aggregate) *AggregateResult {
	if rule == nil {
		return nil
	}
	metrics := rule.Metrics
	if len(metrics) == 0 {
		metrics = defaultMetrics
	}
	res := &AggregateResult{Rows: []value.Row{}, GroupBy: rule.GroupBy, Metrics: metrics}
	if len(rows) == 0 {
		return res
	}

	type group struct {
		first value.Row
		rows  []value.Row
	}
	groups := map[string]*group{}
	order := []string{}
	for _, r := range rows {
		key := allGroupsKey
		if len(rule.GroupBy) > 0 {
			key = value.Key(r, rule.GroupBy, value.GroupSep)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{first: r}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, r)
	}

	for _, key := range order {
		g := groups[key]
		out := value.Row{}
		for _, f := range rule.GroupBy {
			out[f] = g.first[f]
		}
		for _, m := range metrics {
			out[m.Name()] = metricValue(g.rows, m)
		}
		res.Rows = append(res.Rows, out)
	}
	return res
}

// metricValue computes one metric over a group, returning nil when no
// numeric values exist for the field.
func metricValue(rows []value.Row, m rules.Metric) any {
	if m.Op == "count" {
		return len(rows)
	}
	nums := make([]float64, 0, len(rows))
	for _, r := range rows {
		if f, ok := value.ToFloat(r[m.Field]); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	switch m.Op {
	case "sum", "avg":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		if m.Op == "avg" {
			return sum / float64(len(nums))
		}
		return sum
	case "min":
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min
	case "max":
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max
	default:
		return nil
	}
}
