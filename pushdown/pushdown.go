// Package pushdown composes whitelisted aggregate SQL from a
// structured request and hands it to an external database for
// execution. It never attempts generic SQL parsing: identifiers and
// the optional where clause go through strict token validation.
package pushdown

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/siftdata/sift/codec"
	"github.com/siftdata/sift/rules"
)

// Request describes one pushdown aggregation.
type Request struct {
	SourceType string          `json:"source_type"`
	Source     string          `json:"source"`
	From       string          `json:"from,omitempty"`
	GroupBy    []string        `json:"group_by"`
	Aggregates []rules.Metric  `json:"aggregates"`
	WhereSQL   string          `json:"where_sql,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// Result carries the generated SQL and the rows the source returned.
type Result struct {
	SQL  string `json:"sql"`
	Rows []any  `json:"rows"`
}

// ValidateIdentifier accepts [A-Za-z0-9_.]+ with no leading or
// trailing dot and no empty path segment.
func ValidateIdentifier(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", fmt.Errorf("empty sql identifier")
	}
	for _, ch := range t {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '_', ch == '.':
		default:
			return "", fmt.Errorf("invalid sql identifier: %s", s)
		}
	}
	if strings.HasPrefix(t, ".") || strings.HasSuffix(t, ".") || strings.Contains(t, "..") {
		return "", fmt.Errorf("invalid sql identifier: %s", s)
	}
	return t, nil
}

// ValidateWhere restricts a where clause to `ident op literal`
// predicates joined only by and/or. Literals are single-quoted text
// or parseable numbers.
func ValidateWhere(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", nil
	}
	tokens := strings.Fields(strings.ReplaceAll(strings.ToLower(t), "\n", " "))
	if len(tokens) < 3 {
		return "", fmt.Errorf("where_sql too short")
	}
	i := 0
	for i < len(tokens) {
		if i+2 >= len(tokens) {
			return "", fmt.Errorf("where_sql invalid predicate tail")
		}
		if !whereIdentOK(tokens[i]) || !whereOpOK(tokens[i+1]) || !whereLiteralOK(tokens[i+2]) {
			return "", fmt.Errorf("where_sql contains unsupported predicate")
		}
		i += 3
		if i >= len(tokens) {
			break
		}
		if tokens[i] != "and" && tokens[i] != "or" {
			return "", fmt.Errorf("where_sql only supports AND/OR connectors")
		}
		i++
		if i >= len(tokens) {
			return "", fmt.Errorf("where_sql ends with connector")
		}
	}
	return t, nil
}

func whereIdentOK(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '_', ch == '.':
		default:
			return false
		}
	}
	return true
}

func whereOpOK(s string) bool {
	switch s {
	case "=", "!=", ">", ">=", "<", "<=", "like":
		return true
	}
	return false
}

func whereLiteralOK(s string) bool {
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// BuildSQL composes the aggregate statement after validating every
// identifier that reaches it.
func BuildSQL(req Request) (string, error) {
	if len(req.GroupBy) == 0 {
		return "", fmt.Errorf("group_by is empty")
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = "data"
	}
	from, err := ValidateIdentifier(from)
	if err != nil {
		return "", err
	}
	groups := make([]string, len(req.GroupBy))
	for i, g := range req.GroupBy {
		if groups[i], err = ValidateIdentifier(g); err != nil {
			return "", err
		}
	}
	if len(req.Aggregates) == 0 {
		return "", fmt.Errorf("aggregates is empty")
	}
	aggs := make([]string, len(req.Aggregates))
	for i, m := range req.Aggregates {
		expr, err := aggExpr(m)
		if err != nil {
			return "", err
		}
		aggs[i] = expr
	}
	where := ""
	if req.WhereSQL != "" {
		w, err := ValidateWhere(req.WhereSQL)
		if err != nil {
			return "", err
		}
		if w != "" {
			where = " WHERE " + w
		}
	}
	selectGroup := strings.Join(groups, ", ")
	return fmt.Sprintf("SELECT %s, %s FROM %s%s GROUP BY %s",
		selectGroup, strings.Join(aggs, ", "), from, where, selectGroup), nil
}

func aggExpr(m rules.Metric) (string, error) {
	as, err := ValidateIdentifier(m.Name())
	if err != nil {
		return "", err
	}
	op := strings.ToLower(strings.TrimSpace(m.Op))
	if op == "count" {
		return "COUNT(1) AS " + as, nil
	}
	field, err := ValidateIdentifier(m.Field)
	if err != nil {
		return "", err
	}
	switch op {
	case "sum", "avg", "min", "max":
		return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(op), field, as), nil
	default:
		return "", fmt.Errorf("unsupported aggregate op: %s", m.Op)
	}
}

// Run builds the SQL and executes it against the configured source.
func Run(req Request) (*Result, error) {
	sqlText, err := BuildSQL(req)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit < 1 {
		limit = 10000
	}
	st := strings.ToLower(req.SourceType)
	switch st {
	case "sqlite", "sqlserver":
	default:
		return nil, fmt.Errorf("source_type must be sqlite or sqlserver")
	}
	rows, err := codec.Load(st, req.Source, sqlText, limit, 0)
	if err != nil {
		return nil, err
	}
	return &Result{SQL: sqlText, Rows: rows}, nil
}
