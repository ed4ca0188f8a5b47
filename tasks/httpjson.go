package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// httpJSONBackend replicates tasks to a JSON-over-HTTP runtime API:
// GET  <base>/actuator/health
// POST <base>/api/v1/runtime/tasks/upsert
// GET  <base>/api/v1/runtime/tasks/{id}
// POST <base>/api/v1/runtime/tasks/{id}/cancel
type httpJSONBackend struct {
	base   string
	apiKey string
	client *http.Client
}

func newHTTPJSONBackend(cfg Config) *httpJSONBackend {
	return &httpJSONBackend{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (b *httpJSONBackend) Name() string { return BackendHTTPJSON }

func (b *httpJSONBackend) do(method, url string, body any) (*http.Response, error) {
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}
	return b.client.Do(req)
}

func (b *httpJSONBackend) Probe() bool {
	resp, err := b.do(http.MethodGet, b.base+"/actuator/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return strings.EqualFold(body.Status, "UP")
}

// runtimeRow is the remote table's flat task projection; the result
// travels as JSON text.
type runtimeRow struct {
	TaskID         string `json:"task_id"`
	TenantID       string `json:"tenant_id"`
	Operator       string `json:"operator"`
	Status         string `json:"status"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
	UpdatedAtEpoch int64  `json:"updated_at_epoch"`
	ResultJSON     string `json:"result_json,omitempty"`
	Error          string `json:"error,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Attempts       int    `json:"attempts"`
	Source         string `json:"source,omitempty"`
}

func toRuntimeRow(t Task) runtimeRow {
	return runtimeRow{
		TaskID:         t.TaskID,
		TenantID:       t.TenantID,
		Operator:       t.Operator,
		Status:         string(t.Status),
		CreatedAtEpoch: t.CreatedAt,
		UpdatedAtEpoch: t.UpdatedAt,
		ResultJSON:     string(t.Result),
		Error:          t.Error,
		IdempotencyKey: t.IdempotencyKey,
		Attempts:       t.Attempts,
		Source:         "sift",
	}
}

func fromRuntimeRow(r runtimeRow) *Task {
	t := &Task{
		TaskID:         r.TaskID,
		TenantID:       r.TenantID,
		Operator:       r.Operator,
		Status:         Status(r.Status),
		CreatedAt:      r.CreatedAtEpoch,
		UpdatedAt:      r.UpdatedAtEpoch,
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		Attempts:       r.Attempts,
	}
	if r.TenantID == "" {
		t.TenantID = "default"
	}
	if r.Status == "" {
		t.Status = StatusQueued
	}
	if r.ResultJSON != "" && json.Valid([]byte(r.ResultJSON)) {
		t.Result = json.RawMessage(r.ResultJSON)
	}
	return t
}

func (b *httpJSONBackend) Upsert(t Task) error {
	resp, err := b.do(http.MethodPost, b.base+"/api/v1/runtime/tasks/upsert", toRuntimeRow(t))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upsert task: status %d", resp.StatusCode)
	}
	return nil
}

func (b *httpJSONBackend) Get(taskID string) (*Task, error) {
	resp, err := b.do(http.MethodGet, b.base+"/api/v1/runtime/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get task: status %d", resp.StatusCode)
	}
	var body struct {
		Task *runtimeRow `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if body.Task == nil || body.Task.TaskID == "" {
		return nil, fmt.Errorf("task not found")
	}
	return fromRuntimeRow(*body.Task), nil
}

func (b *httpJSONBackend) Cancel(taskID string) (*CancelOutcome, error) {
	resp, err := b.do(http.MethodPost, b.base+"/api/v1/runtime/tasks/"+taskID+"/cancel", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	defer resp.Body.Close()
	var out CancelOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode cancel: %w", err)
	}
	return &out, nil
}
