package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// filter operators ordered so the longest match wins when scanning.
var dslOps = []struct {
	token  string
	mapped string
}{
	{"<=", "lte"},
	{">=", "gte"},
	{"==", "eq"},
	{"!=", "ne"},
	{">", "gt"},
	{"<", "lt"},
}

// CompileDSL parses the line-oriented rule DSL into a structured Set.
//
// Supported statements:
//
//	rename <src> -> <dst>
//	cast <field>:<type>
//	required <field>
//	filter <field> <op> <literal>
//
// Blank lines and #-comments are ignored. Anything else fails with a
// line-numbered error.
func CompileDSL(dsl string) (*Set, error) {
	out := &Set{
		RenameMap: map[string]string{},
		Casts:     map[string]string{},
	}
	for idx, raw := range strings.Split(dsl, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineno := idx + 1
		switch {
		case strings.HasPrefix(line, "rename "):
			rest := strings.TrimPrefix(line, "rename ")
			src, dst, ok := strings.Cut(rest, "->")
			src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
			if !ok || src == "" || dst == "" {
				return nil, fmt.Errorf("dsl line %d: invalid rename", lineno)
			}
			out.RenameMap[src] = dst
		case strings.HasPrefix(line, "cast "):
			rest := strings.TrimPrefix(line, "cast ")
			field, typ, ok := strings.Cut(rest, ":")
			field, typ = strings.TrimSpace(field), strings.TrimSpace(typ)
			if !ok || field == "" || typ == "" {
				return nil, fmt.Errorf("dsl line %d: invalid cast", lineno)
			}
			out.Casts[field] = strings.ToLower(typ)
		case strings.HasPrefix(line, "required "):
			field := strings.TrimSpace(strings.TrimPrefix(line, "required "))
			if field == "" {
				return nil, fmt.Errorf("dsl line %d: invalid required", lineno)
			}
			out.RequiredFields = append(out.RequiredFields, field)
		case strings.HasPrefix(line, "filter "):
			f, err := parseDSLFilter(strings.TrimSpace(strings.TrimPrefix(line, "filter ")))
			if err != nil {
				return nil, fmt.Errorf("dsl line %d: %w", lineno, err)
			}
			out.Filters = append(out.Filters, f)
		default:
			return nil, fmt.Errorf("dsl line %d: unsupported statement", lineno)
		}
	}
	return out, nil
}

func parseDSLFilter(expr string) (Filter, error) {
	for _, op := range dslOps {
		pos := strings.Index(expr, op.token)
		if pos < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:pos])
		right := strings.Trim(strings.TrimSpace(expr[pos+len(op.token):]), `"`)
		if left == "" {
			return Filter{}, fmt.Errorf("invalid filter lhs")
		}
		var val any = right
		if n, err := strconv.ParseFloat(right, 64); err == nil {
			val = n
		}
		return Filter{Field: left, Op: op.mapped, Value: val}, nil
	}
	return Filter{}, fmt.Errorf("invalid filter")
}
