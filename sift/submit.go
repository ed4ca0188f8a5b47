package sift

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/siftdata/sift/engine"
	"github.com/siftdata/sift/tasks"
	"github.com/siftdata/sift/trace"
)

// SubmitTransformRows is the asynchronous transform entry: admission,
// idempotency collapse, task creation and worker spawn.
func (s *Sift) SubmitTransformRows(w http.ResponseWriter, r *http.Request) {
	var req TransformRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "transform_rows_v2", err)
		return
	}
	tenant := req.Tenant()

	if len(req.Rows) > 0 {
		bytes := 0
		if body, err := json.Marshal(req.Rows); err == nil {
			bytes = len(body)
		}
		if err := s.adm.checkQuota(len(req.Rows), bytes); err != nil {
			s.m.quotaRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "transform_rows_v2", err)
			return
		}
	}
	if err := s.adm.verifySignature(tenant, req.RunID, req.RequestSignature); err != nil {
		writeError(w, http.StatusUnauthorized, "transform_rows_v2", err)
		return
	}
	if err := s.adm.acquireSlot(tenant); err != nil {
		s.m.tenantRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "transform_rows_v2", err)
		return
	}

	idem := req.IdempotencyKey
	if idem == "" {
		idem = req.RunID
	}
	if idem == "" {
		idem = trace.ShortHash(fmt.Sprintf("tenant:%s:%s", tenant, uuid.NewString()))
	}

	if existingID, ok := s.adm.idemLookup(tenant, idem); ok {
		if existing, found := s.store.Peek(existingID); found {
			switch existing.Status {
			case tasks.StatusQueued, tasks.StatusRunning, tasks.StatusDone:
				s.adm.releaseSlot(tenant)
				writeJSON(w, http.StatusOK, map[string]any{
					"ok":             true,
					"task_id":        existingID,
					"status":         existing.Status,
					"idempotent_hit": true,
				})
				return
			}
		}
	}

	now := time.Now().Unix()
	task := tasks.Task{
		TaskID:         tasks.DeriveID(req.RunID, tenant, idem, now),
		TenantID:       tenant,
		Operator:       "transform_rows_v2",
		Status:         tasks.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: idem,
	}
	cancel := s.adm.registerFlag(task.TaskID)
	s.m.tasksActive.Inc()
	s.store.Upsert(task)
	s.adm.idemStore(tenant, idem, task.TaskID)
	s.m.transformCalls.Inc()

	go s.runWorker(task.TaskID, tenant, idem, &req, cancel)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"task_id": task.TaskID,
		"status":  tasks.StatusQueued,
	})
}

// runWorker owns the task for its whole lifecycle: the running
// transition, the bounded-retry execution, the terminal transition
// and the idempotent cleanup.
func (s *Sift) runWorker(taskID, tenant, idem string, req *TransformRequest, cancel *atomic.Bool) {
	cleanup := func() {
		if s.adm.dropFlag(taskID) {
			s.m.tasksActive.Dec()
			s.m.flagCleanups.Inc()
		}
		s.adm.releaseSlot(tenant)
	}

	snapshot, ok := s.store.Mutate(taskID, func(t *tasks.Task) {
		if t.Status != tasks.StatusCancelled {
			t.Status = tasks.StatusRunning
		}
	})
	if !ok || snapshot.Status == tasks.StatusCancelled {
		cleanup()
		return
	}

	attempts := 0
	var resp *TransformResponse
	err := retry.Do(
		func() error {
			attempts++
			var runErr error
			resp, runErr = s.runTransform(req, cancel)
			return runErr
		},
		retry.Attempts(uint(s.cfg.Tasks.RetryMax)+1),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, engine.ErrCancelled)
		}),
		retry.OnRetry(func(_ uint, _ error) {
			s.m.retryTotal.Inc()
		}),
	)

	if current, found := s.store.Peek(taskID); found && current.Status == tasks.StatusCancelled {
		cleanup()
		return
	}

	if errors.Is(err, engine.ErrCancelled) {
		// cancellation is a status, not an error
		s.store.Mutate(taskID, func(t *tasks.Task) {
			if t.Status.CanCancel() {
				t.Status = tasks.StatusCancelled
			}
		})
		cleanup()
		return
	}

	if err != nil {
		s.m.transformErrors.Inc()
		s.store.Mutate(taskID, func(t *tasks.Task) {
			t.Status = tasks.StatusFailed
			t.Error = err.Error()
			t.Attempts = attempts
		})
		cleanup()
		// a failed task frees the idempotency key so clients may resubmit
		s.adm.idemDrop(tenant, idem)
		return
	}

	s.m.observeTransformSuccess(resp.Stats)
	result, encErr := json.Marshal(resp)
	s.store.Mutate(taskID, func(t *tasks.Task) {
		t.Status = tasks.StatusDone
		t.Attempts = attempts
		if encErr == nil {
			t.Result = result
		}
	})
	cleanup()
}

// GetTask returns the current task view; the remote replica wins when
// one is configured.
func (s *Sift) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, ok := s.store.Get(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok": false, "error": "task_not_found", "task_id": taskID,
		})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask arms the cooperative flag and transitions the task when
// it is still cancellable.
func (s *Sift) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	s.m.cancelRequested.Inc()
	s.adm.armFlag(taskID)

	out, found := s.store.Cancel(taskID)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok": false, "error": "task_not_found", "task_id": taskID,
		})
		return
	}
	if out.Cancelled {
		s.m.cancelEffective.Inc()
	}
	writeJSON(w, http.StatusOK, out)
}
