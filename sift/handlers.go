package sift

import (
	"encoding/json"
	"net/http"

	"github.com/siftdata/sift/cleaning"
	"github.com/siftdata/sift/codec"
	"github.com/siftdata/sift/pushdown"
	"github.com/siftdata/sift/rowops"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/stream"
	"github.com/siftdata/sift/textops"
	"github.com/siftdata/sift/workflow"
)

// envelope wraps an operator payload in the shared success shape.
func envelope(operator string, fields map[string]any) map[string]any {
	out := map[string]any{"ok": true, "operator": operator, "status": "done"}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// TransformRows is the synchronous transform endpoint.
func (s *Sift) TransformRows(w http.ResponseWriter, r *http.Request) {
	const op = "transform_rows_v2"
	var req TransformRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	if len(req.Rows) > 0 {
		bytes := 0
		if body, err := json.Marshal(req.Rows); err == nil {
			bytes = len(body)
		}
		if err := s.adm.checkQuota(len(req.Rows), bytes); err != nil {
			s.m.quotaRejects.Inc()
			writeError(w, http.StatusTooManyRequests, op, err)
			return
		}
	}
	if err := s.adm.verifySignature(req.Tenant(), req.RunID, req.RequestSignature); err != nil {
		writeError(w, http.StatusUnauthorized, op, err)
		return
	}
	s.m.transformCalls.Inc()

	resp, err := s.runTransform(&req, nil)
	if err != nil {
		s.m.transformErrors.Inc()
		writeError(w, operatorStatus(err), op, err)
		return
	}
	s.m.observeTransformSuccess(resp.Stats)
	writeJSON(w, http.StatusOK, resp)
}

// StreamTransformRows runs the chunked driver with checkpoint resume.
func (s *Sift) StreamTransformRows(w http.ResponseWriter, r *http.Request) {
	const op = "transform_rows_v2_stream"
	var req struct {
		TransformRequest
		ChunkSize     int    `json:"chunk_size,omitempty"`
		CheckpointKey string `json:"checkpoint_key,omitempty"`
		Resume        bool   `json:"resume,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	records := req.Rows
	if len(records) == 0 && req.InputURI != "" {
		loaded, err := codec.LoadURI(req.InputURI, s.cfg.Limits.TenantMaxRows, s.cfg.Limits.TenantMaxPayloadBytes)
		if err != nil {
			writeError(w, http.StatusInternalServerError, op, err)
			return
		}
		records = loaded
	}
	set, err := decodeRules(&req.TransformRequest)
	if err != nil {
		writeError(w, operatorStatus(err), op, err)
		return
	}
	res, err := s.stream.Run(stream.Request{
		Records:       records,
		Rules:         set,
		Gates:         req.QualityGates,
		ChunkSize:     req.ChunkSize,
		CheckpointKey: req.CheckpointKey,
		Resume:        req.Resume,
	})
	if err != nil {
		writeError(w, operatorStatus(err), op, err)
		return
	}
	if req.OutputURI != "" {
		out := make([]any, len(res.Rows))
		for i, row := range res.Rows {
			out[i] = row
		}
		if err := codec.SaveURI(req.OutputURI, out); err != nil {
			writeError(w, http.StatusInternalServerError, op, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"rows":   res.Rows,
		"chunks": res.Chunks,
		"stats": map[string]any{
			"input_rows":         res.InputRows,
			"output_rows":        res.OutputRows,
			"chunk_size":         res.ChunkSize,
			"resumed_from_chunk": res.ResumedFromChunk,
		},
	}))
}

// TextPreprocess cleans free text into markdown.
func (s *Sift) TextPreprocess(w http.ResponseWriter, r *http.Request) {
	const op = "text_preprocess_v2"
	var req struct {
		textops.PreprocessRequest
		RunID string `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	s.m.textCalls.Inc()
	res, err := textops.Preprocess(req.PreprocessRequest)
	if err != nil {
		s.m.textErrors.Inc()
		writeError(w, http.StatusInternalServerError, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id":                   req.RunID,
		"markdown":                 res.Markdown,
		"removed_references_lines": res.RemovedReferencesLines,
		"removed_notes_lines":      res.RemovedNotesLines,
		"sha256":                   res.SHA256,
	}))
}

// ComputeMetrics measures text shape.
func (s *Sift) ComputeMetrics(w http.ResponseWriter, r *http.Request) {
	const op = "compute_metrics"
	var req struct {
		Text  string `json:"text"`
		RunID string `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	m, err := textops.ComputeMetrics(req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{"run_id": req.RunID, "metrics": m}))
}

// RulesCompile turns the DSL into a structured rule set.
func (s *Sift) RulesCompile(w http.ResponseWriter, r *http.Request) {
	const op = "rules_compile_v1"
	var req struct {
		DSL string `json:"dsl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	set, err := rules.CompileDSL(req.DSL)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{"rules": set}))
}

// RulesPackagePublish writes a versioned rules package.
func (s *Sift) RulesPackagePublish(w http.ResponseWriter, r *http.Request) {
	const op = "rules_package_publish_v1"
	var req struct {
		Name    string          `json:"name"`
		Version string          `json:"version"`
		Rules   json.RawMessage `json:"rules,omitempty"`
		DSL     string          `json:"dsl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	set, err := packageRules(req.Rules, req.DSL)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	pkg, err := s.pkgs.Publish(req.Name, req.Version, set)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"name": pkg.Name, "version": pkg.Version, "rules": pkg.Rules, "fingerprint": pkg.Fingerprint,
	}))
}

// RulesPackageGet fetches a published rules package.
func (s *Sift) RulesPackageGet(w http.ResponseWriter, r *http.Request) {
	const op = "rules_package_get_v1"
	var req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	pkg, err := s.pkgs.Get(req.Name, req.Version)
	if err != nil {
		writeError(w, http.StatusNotFound, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"name": pkg.Name, "version": pkg.Version, "rules": pkg.Rules, "fingerprint": pkg.Fingerprint,
	}))
}

// JoinRows is the hash-join endpoint.
func (s *Sift) JoinRows(w http.ResponseWriter, r *http.Request) {
	const op = "join_rows_v1"
	var req struct {
		rowops.JoinRequest
		RunID string `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := rowops.Join(req.JoinRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"rows":   res.Rows,
		"stats":  map[string]any{"matched_pairs": res.MatchedPairs},
	}))
}

// NormalizeSchema aligns rows to a schema.
func (s *Sift) NormalizeSchema(w http.ResponseWriter, r *http.Request) {
	const op = "normalize_schema_v1"
	var req struct {
		Rows   []any         `json:"rows"`
		Schema rowops.Schema `json:"schema"`
		RunID  string        `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res := rowops.NormalizeSchema(req.Rows, req.Schema)
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"rows":   res.Rows,
		"stats":  map[string]any{"filled_defaults": res.FilledDefaults},
	}))
}

// EntityExtract pulls entities from text or rows.
func (s *Sift) EntityExtract(w http.ResponseWriter, r *http.Request) {
	const op = "entity_extract_v1"
	var req struct {
		Text      string `json:"text,omitempty"`
		Rows      []any  `json:"rows,omitempty"`
		TextField string `json:"text_field,omitempty"`
		RunID     string `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	entities := textops.ExtractEntities(req.Text, req.Rows, req.TextField)
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{"run_id": req.RunID, "entities": entities}))
}

// AggregateRows is the standalone group-by endpoint.
func (s *Sift) AggregateRows(w http.ResponseWriter, r *http.Request) {
	const op = "aggregate_rows_v1"
	var req struct {
		Rows       []any          `json:"rows"`
		GroupBy    []string       `json:"group_by"`
		Aggregates []rules.Metric `json:"aggregates"`
		RunID      string         `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := rowops.Aggregate(req.Rows, req.GroupBy, req.Aggregates)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"rows":   res.Rows,
		"stats": map[string]any{
			"input_rows": res.InputRows, "output_rows": res.OutputRows, "groups": res.OutputRows,
		},
	}))
}

// QualityCheck is the standalone quality-report endpoint.
func (s *Sift) QualityCheck(w http.ResponseWriter, r *http.Request) {
	const op = "quality_check_v1"
	var req struct {
		Rows  []any               `json:"rows"`
		Rules rowops.QualityRules `json:"rules"`
		RunID string              `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	report := rowops.QualityCheck(req.Rows, req.Rules)
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"passed": report.Passed,
		"report": report,
	}))
}

// AggregatePushdown builds whitelisted SQL and executes it against
// the external source.
func (s *Sift) AggregatePushdown(w http.ResponseWriter, r *http.Request) {
	const op = "aggregate_pushdown_v1"
	var req struct {
		pushdown.Request
		RunID string `json:"run_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := pushdown.Run(req.Request)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"run_id": req.RunID,
		"sql":    res.SQL,
		"rows":   res.Rows,
		"stats": map[string]any{
			"rows": len(res.Rows), "source_type": req.SourceType,
		},
	}))
}

// PluginExec runs an allowlisted plugin.
func (s *Sift) PluginExec(w http.ResponseWriter, r *http.Request) {
	const op = "plugin_exec_v1"
	var req pluginExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := s.plugins.Exec(req.toExec())
	if err != nil {
		writeError(w, pluginStatus(err), op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       res.OK,
		"operator": op,
		"status":   res.Status,
		"run_id":   req.RunID,
		"trace_id": res.TraceID,
		"plugin":   res.Plugin,
		"output":   res.Output,
		"stderr":   res.Stderr,
	})
}

// PluginHealth probes an allowlisted plugin.
func (s *Sift) PluginHealth(w http.ResponseWriter, r *http.Request) {
	const op = "plugin_health_v1"
	var req struct {
		Plugin   string `json:"plugin"`
		TenantID string `json:"tenant_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := s.plugins.Health(req.Plugin, req.TenantID)
	if err != nil {
		writeError(w, pluginStatus(err), op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{"plugin": req.Plugin, "details": res}))
}

// LoadRows reads rows from a typed source through the codecs.
func (s *Sift) LoadRows(w http.ResponseWriter, r *http.Request) {
	const op = "load_rows_v1"
	var req struct {
		SourceType string `json:"source_type"`
		Source     string `json:"source"`
		Query      string `json:"query,omitempty"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	limit := req.Limit
	if limit < 1 {
		limit = 10000
	}
	rows, err := codec.Load(req.SourceType, req.Source, req.Query, limit, s.cfg.Limits.MaxPayloadBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"rows":  rows,
		"stats": map[string]any{"source_type": req.SourceType, "rows": len(rows)},
	}))
}

// SaveRows writes rows to a typed sink through the codecs.
func (s *Sift) SaveRows(w http.ResponseWriter, r *http.Request) {
	const op = "save_rows_v1"
	var req struct {
		SinkType string `json:"sink_type"`
		Sink     string `json:"sink"`
		Table    string `json:"table,omitempty"`
		Rows     []any  `json:"rows"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	if err := codec.Save(req.SinkType, req.Sink, req.Table, req.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{"written_rows": len(req.Rows)}))
}

// Cleaning runs the artifact pipeline for one job.
func (s *Sift) Cleaning(w http.ResponseWriter, r *http.Request) {
	const op = "cleaning"
	var req struct {
		JobID   string           `json:"job_id,omitempty"`
		StepID  string           `json:"step_id,omitempty"`
		JobRoot string           `json:"job_root,omitempty"`
		Params  *cleaning.Params `json:"params,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	stepID := req.StepID
	if stepID == "" {
		stepID = "cleaning"
	}
	res, err := s.cleaning.Run(req.JobID, req.JobRoot, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope(op, map[string]any{
		"job_id":                    req.JobID,
		"step_id":                   stepID,
		"job_root":                  res.JobRoot,
		"outputs":                   res.Outputs,
		"profile":                   map[string]any{"rows": res.ProfileRows, "cols": res.ProfileCols},
		"office_generation_mode":    res.OfficeMode,
		"office_generation_warning": res.OfficeWarning,
	}))
}

// WorkflowRun executes a linear operator sequence.
func (s *Sift) WorkflowRun(w http.ResponseWriter, r *http.Request) {
	const op = "workflow_run"
	var req workflow.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, op, err)
		return
	}
	res, err := s.wf.Run(req)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          res.OK,
		"operator":    op,
		"status":      res.Status,
		"trace_id":    res.TraceID,
		"run_id":      res.RunID,
		"context":     res.Context,
		"steps":       res.Steps,
		"failed_step": res.FailedStep,
		"error":       res.Error,
	})
}
