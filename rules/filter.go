package rules

import (
	"regexp"
	"strings"

	"github.com/siftdata/sift/value"
)

// MaxPatternLen bounds regex filter patterns.
const MaxPatternLen = 1024

type predKind int

const (
	predPassthrough predKind = iota // unknown op, matches everything
	predInvalid                     // malformed op, matches nothing
	predExists
	predNotExists
	predEq
	predNe
	predContains
	predIn
	predNotIn
	predRegex
	predNotRegex
	predGt
	predGte
	predLt
	predLte
)

// Predicate is one compiled filter. Each variant precomputes its own
// data (literal text, membership set, parsed regex, numeric bound) so
// evaluation never re-parses literals.
type Predicate struct {
	Field string
	kind  predKind
	text  string
	set   map[string]struct{}
	re    *regexp.Regexp
	num   float64
}

// CompileFilters turns the rule filters into predicates. Unknown ops
// compile to passthrough-true; malformed ops to always-false.
func CompileFilters(filters []Filter) []Predicate {
	out := make([]Predicate, 0, len(filters))
	for _, f := range filters {
		out = append(out, compileFilter(f))
	}
	return out
}

func compileFilter(f Filter) Predicate {
	p := Predicate{Field: f.Field}
	switch strings.ToLower(f.Op) {
	case "exists":
		p.kind = predExists
	case "not_exists":
		p.kind = predNotExists
	case "eq":
		p.kind, p.text = predEq, value.ToString(f.Value)
	case "ne":
		p.kind, p.text = predNe, value.ToString(f.Value)
	case "contains":
		p.kind, p.text = predContains, value.ToString(f.Value)
	case "in":
		p.kind, p.set = predIn, literalSet(f.Value)
		if p.set == nil {
			p.kind = predInvalid
		}
	case "not_in":
		p.kind, p.set = predNotIn, literalSet(f.Value)
		if p.set == nil {
			p.kind = predInvalid
		}
	case "regex":
		p.kind, p.re = predRegex, compilePattern(f.Value)
		if p.re == nil {
			p.kind = predInvalid
		}
	case "not_regex":
		p.kind, p.re = predNotRegex, compilePattern(f.Value)
		if p.re == nil {
			p.kind = predInvalid
		}
	case "gt", "gte", "lt", "lte":
		n, ok := value.ToFloat(f.Value)
		if !ok {
			p.kind = predInvalid
			break
		}
		p.num = n
		switch strings.ToLower(f.Op) {
		case "gt":
			p.kind = predGt
		case "gte":
			p.kind = predGte
		case "lt":
			p.kind = predLt
		case "lte":
			p.kind = predLte
		}
	default:
		p.kind = predPassthrough
	}
	return p
}

func literalSet(v any) map[string]struct{} {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	set := make(map[string]struct{}, len(arr))
	for _, e := range arr {
		set[value.ToString(e)] = struct{}{}
	}
	return set
}

func compilePattern(v any) *regexp.Regexp {
	pat := value.ToString(v)
	if strings.TrimSpace(pat) == "" || len(pat) > MaxPatternLen {
		return nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil
	}
	return re
}

// Match evaluates the predicate against a row.
func (p Predicate) Match(row value.Row) bool {
	v, present := row[p.Field]
	switch p.kind {
	case predExists:
		return !value.IsMissing(v, present)
	case predNotExists:
		return value.IsMissing(v, present)
	case predEq:
		return value.ToString(v) == p.text
	case predNe:
		return value.ToString(v) != p.text
	case predContains:
		return strings.Contains(value.ToString(v), p.text)
	case predIn:
		_, hit := p.set[value.ToString(v)]
		return hit
	case predNotIn:
		_, hit := p.set[value.ToString(v)]
		return !hit
	case predRegex:
		return p.re.MatchString(value.ToString(v))
	case predNotRegex:
		return !p.re.MatchString(value.ToString(v))
	case predGt, predGte, predLt, predLte:
		n, ok := value.ToFloat(v)
		if !ok {
			return false
		}
		switch p.kind {
		case predGt:
			return n > p.num
		case predGte:
			return n >= p.num
		case predLt:
			return n < p.num
		default:
			return n <= p.num
		}
	case predInvalid:
		return false
	default:
		return true
	}
}
