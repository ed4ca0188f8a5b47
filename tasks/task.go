// Package tasks holds the asynchronous task model, the TTL- and
// capacity-bounded local store with JSON persistence, and the
// pluggable remote replication backends.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/siftdata/sift/trace"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// CanCancel reports whether a cancel request may transition the task.
func (s Status) CanCancel() bool {
	return s == StatusQueued || s == StatusRunning
}

// Task is one asynchronous unit of work. The submit controller
// creates it, the owning worker mutates it, pruning destroys it.
type Task struct {
	TaskID         string          `json:"task_id"`
	TenantID       string          `json:"tenant_id"`
	Operator       string          `json:"operator"`
	Status         Status          `json:"status"`
	CreatedAt      int64           `json:"created_at_epoch"`
	UpdatedAt      int64           `json:"updated_at_epoch"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
}

// Epoch is the timestamp pruning orders by: last update, falling back
// to creation.
func (t *Task) Epoch() int64 {
	if t.UpdatedAt > 0 {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// DeriveID builds the 16-hex task id from the submission material.
func DeriveID(runID, tenant, idemKey string, epoch int64) string {
	return trace.ShortHash(fmt.Sprintf("task:%s:%s:%s:%d", runID, tenant, idemKey, epoch))
}
