package sift

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/siftdata/sift/codec"
	"github.com/siftdata/sift/engine"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/trace"
)

// TransformRequest is the transform_rows_v2 payload, shared by the
// synchronous endpoint, the submit worker, the streaming driver and
// the workflow operator.
type TransformRequest struct {
	RunID            string          `json:"run_id,omitempty"`
	TenantID         string          `json:"tenant_id,omitempty"`
	TraceID          string          `json:"trace_id,omitempty"`
	Traceparent      string          `json:"traceparent,omitempty"`
	Rows             []any           `json:"rows,omitempty"`
	Rules            json.RawMessage `json:"rules,omitempty"`
	RulesDSL         string          `json:"rules_dsl,omitempty"`
	QualityGates     *engine.Gates   `json:"quality_gates,omitempty"`
	SchemaHint       json.RawMessage `json:"schema_hint,omitempty"`
	InputURI         string          `json:"input_uri,omitempty"`
	OutputURI        string          `json:"output_uri,omitempty"`
	RequestSignature string          `json:"request_signature,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

// Tenant resolves the request tenant, defaulting like the rest of the
// admission path.
func (r *TransformRequest) Tenant() string {
	if r.TenantID == "" {
		return "default"
	}
	return r.TenantID
}

// TransformResponse is the transform_rows_v2 result envelope.
type TransformResponse struct {
	OK         bool                    `json:"ok"`
	Operator   string                  `json:"operator"`
	Status     string                  `json:"status"`
	RunID      string                  `json:"run_id,omitempty"`
	TraceID    string                  `json:"trace_id"`
	Rows       []map[string]any        `json:"rows"`
	Quality    engine.Quality          `json:"quality"`
	GateResult engine.GateResult       `json:"gate_result"`
	Stats      engine.Stats            `json:"stats"`
	SchemaHint json.RawMessage         `json:"schema_hint,omitempty"`
	Aggregate  *engine.AggregateResult `json:"aggregate,omitempty"`
	Audit      engine.Audit            `json:"audit"`
}

// decodeRules resolves the rule set: structured rules win, then the
// DSL, then the empty set.
func decodeRules(req *TransformRequest) (*rules.Set, error) {
	if len(req.Rules) > 0 {
		set, err := rules.Decode(req.Rules)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return set, nil
	}
	if req.RulesDSL != "" {
		set, err := rules.CompileDSL(req.RulesDSL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return set, nil
	}
	return &rules.Set{}, nil
}

// runTransform executes one transform call end to end: load, caps,
// rule compilation, engine run, optional sink write.
func (s *Sift) runTransform(req *TransformRequest, cancel *atomic.Bool) (*TransformResponse, error) {
	records := req.Rows
	if len(records) == 0 && req.InputURI != "" {
		loaded, err := codec.LoadURI(req.InputURI, s.cfg.Limits.MaxRows, s.cfg.Limits.MaxPayloadBytes)
		if err != nil {
			return nil, err
		}
		records = loaded
	}
	if len(records) > s.cfg.Limits.MaxRows {
		return nil, fmt.Errorf("input rows exceed limit: %d > %d", len(records), s.cfg.Limits.MaxRows)
	}
	estimated := 0
	if body, err := json.Marshal(records); err == nil {
		estimated = len(body)
	}
	if estimated > s.cfg.Limits.MaxPayloadBytes {
		return nil, fmt.Errorf("input payload exceeds limit: %d > %d", estimated, s.cfg.Limits.MaxPayloadBytes)
	}

	set, err := decodeRules(req)
	if err != nil {
		return nil, err
	}

	res, err := engine.Apply(records, set, req.QualityGates, engine.Options{
		Cancel:              cancel,
		EstimatedInputBytes: estimated,
		Limits: engine.Limits{
			MaxRows:         s.cfg.Limits.MaxRows,
			MaxPayloadBytes: s.cfg.Limits.MaxPayloadBytes,
		},
	})
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = r
	}
	resp := &TransformResponse{
		OK:       true,
		Operator: "transform_rows_v2",
		Status:   "done",
		RunID:    req.RunID,
		TraceID: trace.Resolve(req.TraceID, req.Traceparent, fmt.Sprintf(
			"%s:%d:%d:%d", req.RunID, res.Stats.InputRows, res.Stats.OutputRows, res.Stats.LatencyMs)),
		Rows:       rows,
		Quality:    res.Quality,
		GateResult: res.GateResult,
		Stats:      res.Stats,
		SchemaHint: req.SchemaHint,
		Aggregate:  res.Aggregate,
		Audit:      res.Audit,
	}
	if req.OutputURI != "" {
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		if err := codec.SaveURI(req.OutputURI, out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
