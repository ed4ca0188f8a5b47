package sift

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/siftdata/sift/plugin"
	"github.com/siftdata/sift/pushdown"
	"github.com/siftdata/sift/rowops"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/textops"
)

type pluginExecRequest struct {
	Plugin   string `json:"plugin"`
	RunID    string `json:"run_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Input    any    `json:"input,omitempty"`
}

func (r pluginExecRequest) toExec() plugin.ExecRequest {
	return plugin.ExecRequest{
		Plugin:   r.Plugin,
		RunID:    r.RunID,
		TenantID: r.TenantID,
		TraceID:  r.TraceID,
		Input:    r.Input,
	}
}

func pluginStatus(err error) int {
	switch {
	case errors.Is(err, plugin.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, plugin.ErrDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// operator adapts a typed handler into a workflow operator: decode
// the step input, run, re-encode through JSON so context values stay
// plain JSON shapes.
func operator[Req any](run func(Req) (any, error)) func(json.RawMessage) (any, error) {
	return func(input json.RawMessage) (any, error) {
		var req Req
		if len(input) > 0 {
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("decode step input: %w", err)
			}
		}
		out, err := run(req)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode step output: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("decode step output: %w", err)
		}
		return decoded, nil
	}
}

// registerOperators wires the closed operator set the workflow runner
// dispatches on. Every runner reuses the same core engines; none
// recurse into the HTTP layer.
func (s *Sift) registerOperators() {
	s.wf.Register("transform_rows_v2", operator(func(req TransformRequest) (any, error) {
		return s.runTransform(&req, nil)
	}))
	s.wf.Register("text_preprocess_v2", operator(func(req textops.PreprocessRequest) (any, error) {
		return textops.Preprocess(req)
	}))
	s.wf.Register("compute_metrics", operator(func(req struct {
		Text string `json:"text"`
	}) (any, error) {
		return textops.ComputeMetrics(req.Text)
	}))
	s.wf.Register("join_rows_v1", operator(func(req rowops.JoinRequest) (any, error) {
		return rowops.Join(req)
	}))
	s.wf.Register("normalize_schema_v1", operator(func(req struct {
		Rows   []any         `json:"rows"`
		Schema rowops.Schema `json:"schema"`
	}) (any, error) {
		return rowops.NormalizeSchema(req.Rows, req.Schema), nil
	}))
	s.wf.Register("entity_extract_v1", operator(func(req struct {
		Text      string `json:"text,omitempty"`
		Rows      []any  `json:"rows,omitempty"`
		TextField string `json:"text_field,omitempty"`
	}) (any, error) {
		return textops.ExtractEntities(req.Text, req.Rows, req.TextField), nil
	}))
	s.wf.Register("aggregate_rows_v1", operator(func(req struct {
		Rows       []any          `json:"rows"`
		GroupBy    []string       `json:"group_by"`
		Aggregates []rules.Metric `json:"aggregates"`
	}) (any, error) {
		return rowops.Aggregate(req.Rows, req.GroupBy, req.Aggregates)
	}))
	s.wf.Register("quality_check_v1", operator(func(req struct {
		Rows  []any               `json:"rows"`
		Rules rowops.QualityRules `json:"rules"`
	}) (any, error) {
		return rowops.QualityCheck(req.Rows, req.Rules), nil
	}))
	s.wf.Register("aggregate_pushdown_v1", operator(func(req pushdown.Request) (any, error) {
		return pushdown.Run(req)
	}))
	s.wf.Register("plugin_exec_v1", operator(func(req pluginExecRequest) (any, error) {
		return s.plugins.Exec(req.toExec())
	}))
	s.wf.Register("plugin_health_v1", operator(func(req struct {
		Plugin   string `json:"plugin"`
		TenantID string `json:"tenant_id,omitempty"`
	}) (any, error) {
		return s.plugins.Health(req.Plugin, req.TenantID)
	}))
	s.wf.Register("rules_compile_v1", operator(func(req struct {
		DSL string `json:"dsl"`
	}) (any, error) {
		return rules.CompileDSL(req.DSL)
	}))
	s.wf.Register("rules_package_publish_v1", operator(func(req struct {
		Name    string          `json:"name"`
		Version string          `json:"version"`
		Rules   json.RawMessage `json:"rules,omitempty"`
		DSL     string          `json:"dsl,omitempty"`
	}) (any, error) {
		set, err := packageRules(req.Rules, req.DSL)
		if err != nil {
			return nil, err
		}
		return s.pkgs.Publish(req.Name, req.Version, set)
	}))
	s.wf.Register("rules_package_get_v1", operator(func(req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}) (any, error) {
		return s.pkgs.Get(req.Name, req.Version)
	}))
}

func packageRules(raw json.RawMessage, dsl string) (*rules.Set, error) {
	if len(raw) > 0 {
		return rules.Decode(raw)
	}
	if dsl != "" {
		return rules.CompileDSL(dsl)
	}
	return nil, fmt.Errorf("rules or dsl is required")
}
