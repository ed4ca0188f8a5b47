package sift

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/log"
	"github.com/siftdata/sift/sift/config"
	"github.com/siftdata/sift/tasks"
	"github.com/siftdata/sift/trace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.Server{Host: "127.0.0.1", Port: 0},
		Limits: config.Limits{
			MaxRows:                1000,
			MaxPayloadBytes:        1 << 20,
			TenantMaxRows:          100,
			TenantMaxPayloadBytes:  1 << 20,
			TenantMaxConcurrency:   2,
			TenantMaxWorkflowSteps: 3,
		},
		Tasks: config.Tasks{
			TTLSec:   3600,
			Max:      100,
			Path:     filepath.Join(dir, "tasks.json"),
			RetryMax: 1,
		},
		Plugins: config.Plugins{Dir: filepath.Join(dir, "plugins")},
		Stream:  config.Stream{CheckpointDir: filepath.Join(dir, "checkpoints")},
		Bus: config.Bus{
			Root:            filepath.Join(dir, "bus"),
			RulesPackageDir: filepath.Join(dir, "rules_packages"),
			OfficeMode:      "fallback",
		},
	}
}

func newTestSift(t *testing.T, mutate func(*config.Config)) *Sift {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	ctx := log.NewContext(t.Context(), "test")
	return New(ctx, cfg)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTransformEndpointRenameCastDedup(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rec := postJSON(t, h, "/operators/transform_rows_v2", map[string]any{
		"rows": []any{
			map[string]any{"ID": "1", "AMT": "10.5"},
			map[string]any{"ID": "1", "AMT": "11.5"},
			map[string]any{"ID": "2", "AMT": "-1"},
		},
		"rules": map[string]any{
			"rename_map":       map[string]any{"ID": "id", "AMT": "amount"},
			"casts":            map[string]any{"id": "int", "amount": "float"},
			"filters":          []any{map[string]any{"field": "amount", "op": "gte", "value": 0}},
			"deduplicate_by":   []any{"id"},
			"deduplicate_keep": "last",
			"sort_by":          []any{map[string]any{"field": "id"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	rows := body["rows"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, 1.0, row["id"])
	assert.Equal(t, 11.5, row["amount"])
}

func TestTransformQuotaBoundary(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	atLimit := make([]any, s.cfg.Limits.TenantMaxRows)
	for i := range atLimit {
		atLimit[i] = map[string]any{"n": i}
	}
	rec := postJSON(t, h, "/operators/transform_rows_v2", map[string]any{"rows": atLimit})
	assert.Equal(t, http.StatusOK, rec.Code)

	over := append(atLimit, map[string]any{"n": -1})
	rec = postJSON(t, h, "/operators/transform_rows_v2", map[string]any{"rows": over})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTransformSignature(t *testing.T) {
	s := newTestSift(t, func(c *config.Config) {
		c.Signing.RequestSecret = "topsecret"
	})
	h := s.Router()

	payload := map[string]any{
		"run_id":    "r1",
		"tenant_id": "acme",
		"rows":      []any{map[string]any{"a": 1}},
	}
	rec := postJSON(t, h, "/operators/transform_rows_v2", payload)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	payload["request_signature"] = trace.Hash("topsecret:acme:r1")
	rec = postJSON(t, h, "/operators/transform_rows_v2", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTransformGateFailure(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rec := postJSON(t, h, "/operators/transform_rows_v2", map[string]any{
		"rows":          []any{map[string]any{"a": 1}},
		"quality_gates": map[string]any{"min_output_rows": 5},
	})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
}

func TestSubmitPollAndIdempotency(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	payload := map[string]any{
		"run_id":          "run-1",
		"tenant_id":       "acme",
		"idempotency_key": "idem-1",
		"rows":            []any{map[string]any{"a": "1"}},
	}
	rec := postJSON(t, h, "/operators/transform_rows_v2/submit", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	taskID := first["task_id"].(string)
	assert.Len(t, taskID, 16)

	require.Eventually(t, func() bool {
		rec := getPath(t, h, "/tasks/"+taskID)
		if rec.Code != http.StatusOK {
			return false
		}
		var task tasks.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
		return task.Status == tasks.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	// same tenant+key collapses to the same task
	rec = postJSON(t, h, "/operators/transform_rows_v2/submit", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, taskID, second["task_id"])
	assert.Equal(t, true, second["idempotent_hit"])
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestSift(t, nil)
	rec := getPath(t, s.Router(), "/tasks/deadbeefdeadbeef")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	now := time.Now().Unix()
	s.store.Upsert(tasks.Task{
		TaskID: "1234567890abcdef", TenantID: "acme",
		Operator: "transform_rows_v2", Status: tasks.StatusRunning,
		CreatedAt: now, UpdatedAt: now,
	})

	rec := postJSON(t, h, "/tasks/1234567890abcdef/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, "cancelled", body["status"])

	// cancel is a no-op on terminal statuses
	rec = postJSON(t, h, "/tasks/1234567890abcdef/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["cancelled"])

	rec = postJSON(t, h, "/tasks/ffffffffffffffff/cancel", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantConcurrencySlots(t *testing.T) {
	s := newTestSift(t, nil)

	require.NoError(t, s.adm.acquireSlot("acme"))
	require.NoError(t, s.adm.acquireSlot("acme"))
	err := s.adm.acquireSlot("acme")
	require.Error(t, err)

	s.adm.releaseSlot("acme")
	require.NoError(t, s.adm.acquireSlot("acme"))

	// release is idempotent past zero
	s.adm.releaseSlot("other")
}

func TestWorkflowEndpoint(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rec := postJSON(t, h, "/workflow/run", map[string]any{
		"run_id": "wf-1",
		"steps": []any{
			map[string]any{
				"id":       "clean",
				"operator": "transform_rows_v2",
				"input": map[string]any{
					"rows":  []any{map[string]any{"a": "1"}},
					"rules": map[string]any{},
				},
			},
			map[string]any{
				"id":       "boom",
				"operator": "compute_metrics",
				"input":    map[string]any{"text": "   "},
			},
			map[string]any{"id": "never", "operator": "compute_metrics"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "boom", body["failed_step"])
	steps := body["steps"].([]any)
	require.Len(t, steps, 2)

	ctx := body["context"].(map[string]any)
	_, hasClean := ctx["clean"]
	assert.True(t, hasClean)
}

func TestWorkflowStepQuota(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	step := map[string]any{"id": "x", "operator": "compute_metrics", "input": map[string]any{"text": "hi"}}
	steps := []any{step, step, step}
	rec := postJSON(t, h, "/workflow/run", map[string]any{"steps": steps})
	assert.Equal(t, http.StatusOK, rec.Code)

	steps = append(steps, step)
	rec = postJSON(t, h, "/workflow/run", map[string]any{"steps": steps})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	postJSON(t, h, "/operators/transform_rows_v2", map[string]any{
		"rows": []any{map[string]any{"a": 1}},
	})
	rec := getPath(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sift_transform_rows_success_total 1")
	assert.Contains(t, rec.Body.String(), "sift_transform_rows_latency_bucket_le_10ms")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestSift(t, nil)
	rec := getPath(t, s.Router(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestRulesPackageEndpoints(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rec := postJSON(t, h, "/operators/rules_package_v1/publish", map[string]any{
		"name":    "clean",
		"version": "v1",
		"dsl":     "cast amount:float\nrequired amount",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decodeBody(t, rec)
	fp := published["fingerprint"].(string)
	assert.NotEmpty(t, fp)

	rec = postJSON(t, h, "/operators/rules_package_v1/get", map[string]any{
		"name": "clean", "version": "v1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, fp, got["fingerprint"])

	rec = postJSON(t, h, "/operators/rules_package_v1/get", map[string]any{
		"name": "clean", "version": "v2",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEndpointWithResume(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rows := make([]any, 5)
	for i := range rows {
		rows[i] = map[string]any{"id": fmt.Sprintf("%d", i)}
	}
	rec := postJSON(t, h, "/operators/transform_rows_v2/stream", map[string]any{
		"rows":           rows,
		"rules":          map[string]any{},
		"chunk_size":     2,
		"checkpoint_key": "stream-a",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, 3.0, body["chunks"])

	rec = postJSON(t, h, "/operators/transform_rows_v2/stream", map[string]any{
		"rows":           rows,
		"rules":          map[string]any{},
		"chunk_size":     2,
		"checkpoint_key": "stream-a",
		"resume":         true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, 0.0, body["chunks"])
}

func TestPushdownEndpointRejectsInjection(t *testing.T) {
	s := newTestSift(t, nil)
	h := s.Router()

	rec := postJSON(t, h, "/operators/aggregate_pushdown_v1", map[string]any{
		"source_type": "sqlite",
		"source":      filepath.Join(t.TempDir(), "x.db"),
		"group_by":    []any{"team"},
		"aggregates":  []any{map[string]any{"op": "count", "as": "cnt"}},
		"where_sql":   "1=1; drop table data",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
