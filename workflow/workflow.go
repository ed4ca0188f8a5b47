// Package workflow runs linear, short-circuiting sequences of typed
// operators. Each step's full output lands in a shared context under
// the step id; the replay trace records a summarized view of every
// step, including the one that failed.
package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/siftdata/sift/trace"
)

// summaryKeyLimit truncates object summaries in replay records.
const summaryKeyLimit = 12

// Operator decodes its raw input and produces an output value.
type Operator func(input json.RawMessage) (any, error)

// Step is one workflow entry.
type Step struct {
	ID       string          `json:"id"`
	Operator string          `json:"operator"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// StepReplay records one executed step.
type StepReplay struct {
	ID            string `json:"id"`
	Operator      string `json:"operator"`
	Status        string `json:"status"`
	StartedAt     int64  `json:"started_at"`
	FinishedAt    int64  `json:"finished_at"`
	DurationMs    int64  `json:"duration_ms"`
	InputSummary  any    `json:"input_summary"`
	OutputSummary any    `json:"output_summary,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RunRequest is one workflow invocation.
type RunRequest struct {
	RunID       string         `json:"run_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Traceparent string         `json:"traceparent,omitempty"`
	Steps       []Step         `json:"steps"`
	Context     map[string]any `json:"context,omitempty"`
}

// Result is the run outcome. OK is the conjunction of step successes.
type Result struct {
	OK         bool           `json:"ok"`
	Status     string         `json:"status"`
	TraceID    string         `json:"trace_id"`
	RunID      string         `json:"run_id,omitempty"`
	Context    map[string]any `json:"context"`
	Steps      []StepReplay   `json:"steps"`
	FailedStep string         `json:"failed_step,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Runner dispatches a closed set of operator names.
type Runner struct {
	ops      map[string]Operator
	maxSteps int
	l        *slog.Logger
	now      func() int64
}

func NewRunner(maxSteps int, l *slog.Logger) *Runner {
	return &Runner{
		ops:      map[string]Operator{},
		maxSteps: maxSteps,
		l:        l,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Register adds an operator under its endpoint name.
func (r *Runner) Register(name string, op Operator) {
	r.ops[name] = op
}

// Operators lists the registered names, sorted.
func (r *Runner) Operators() []string {
	out := make([]string, 0, len(r.ops))
	for name := range r.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes the steps in order, stopping at the first failure.
// A step-quota violation fails the whole request before any step runs.
func (r *Runner) Run(req RunRequest) (*Result, error) {
	if r.maxSteps > 0 && len(req.Steps) > r.maxSteps {
		return nil, fmt.Errorf("workflow step quota exceeded: %d > %d", len(req.Steps), r.maxSteps)
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	res := &Result{
		OK:      true,
		Status:  "done",
		RunID:   req.RunID,
		TraceID: trace.Resolve(req.TraceID, req.Traceparent, fmt.Sprintf("wf:%s:%s:%d", req.RunID, tenant, len(req.Steps))),
		Context: req.Context,
	}
	if res.Context == nil {
		res.Context = map[string]any{}
	}

	for _, step := range req.Steps {
		id := step.ID
		if id == "" {
			id = "step"
		}
		replay := StepReplay{
			ID:           id,
			Operator:     step.Operator,
			StartedAt:    r.now(),
			InputSummary: summarizeRaw(step.Input),
		}
		begin := time.Now()

		output, err := r.dispatch(step)
		replay.FinishedAt = r.now()
		replay.DurationMs = time.Since(begin).Milliseconds()

		if err != nil {
			replay.Status = "failed"
			replay.Error = err.Error()
			res.Steps = append(res.Steps, replay)
			res.OK = false
			res.Status = "failed"
			res.FailedStep = id
			res.Error = err.Error()
			r.l.Warn("workflow step failed", "step", id, "operator", step.Operator, "error", err)
			break
		}

		res.Context[id] = output
		replay.Status = "done"
		replay.OutputSummary = Summarize(output)
		res.Steps = append(res.Steps, replay)
	}
	return res, nil
}

func (r *Runner) dispatch(step Step) (any, error) {
	op, ok := r.ops[step.Operator]
	if !ok {
		return nil, fmt.Errorf("unsupported workflow operator: %s", step.Operator)
	}
	return op(step.Input)
}

func summarizeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return Summarize(map[string]any{})
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"type": "invalid"}
	}
	return Summarize(v)
}

// Summarize reduces a value to its typed shape for replay records.
// Outputs that are not plain JSON shapes are summarized through their
// JSON encoding.
func Summarize(v any) any {
	switch t := v.(type) {
	case nil:
		return map[string]any{"type": "null"}
	case bool:
		return map[string]any{"type": "bool", "value": t}
	case string:
		return map[string]any{"type": "string", "len": len([]rune(t))}
	case float64:
		return map[string]any{"type": "number", "value": t}
	case int:
		return map[string]any{"type": "number", "value": t}
	case int64:
		return map[string]any{"type": "number", "value": t}
	case []any:
		return map[string]any{"type": "array", "len": len(t)}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > summaryKeyLimit {
			keys = keys[:summaryKeyLimit]
		}
		return map[string]any{"type": "object", "keys": keys, "size": len(t)}
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return map[string]any{"type": "opaque"}
		}
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return map[string]any{"type": "opaque"}
		}
		return Summarize(decoded)
	}
}
