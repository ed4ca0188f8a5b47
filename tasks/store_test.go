package tasks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/log"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	return NewStore(cfg, log.New("test"))
}

func TestPruneRespectsTTLAndMax(t *testing.T) {
	s := newTestStore(t, Config{TTLSec: 10, MaxTasks: 1})
	now := s.now()

	s.Upsert(Task{TaskID: "old", Status: StatusDone, UpdatedAt: now - 100})
	s.Upsert(Task{TaskID: "mid", Status: StatusDone, UpdatedAt: now - 2})
	s.Upsert(Task{TaskID: "new", Status: StatusDone, UpdatedAt: now - 1})

	s.Prune()

	assert.Equal(t, 1, s.Len())
	_, ok := s.Peek("new")
	assert.True(t, ok)
	_, ok = s.Peek("old")
	assert.False(t, ok)
	_, ok = s.Peek("mid")
	assert.False(t, ok)
}

func TestPruneRemainderWithinTTL(t *testing.T) {
	s := newTestStore(t, Config{TTLSec: 50, MaxTasks: 100})
	now := s.now()
	for i := range 5 {
		s.Upsert(Task{TaskID: fmt.Sprintf("t%d", i), UpdatedAt: now - int64(i*20)})
	}
	s.Prune()
	for i := range 5 {
		if task, ok := s.Peek(fmt.Sprintf("t%d", i)); ok {
			assert.LessOrEqual(t, now-task.Epoch(), int64(50))
		}
	}
	assert.LessOrEqual(t, s.Len(), 100)
}

func TestCancelOnlyQueuedOrRunning(t *testing.T) {
	s := newTestStore(t, Config{TTLSec: 3600, MaxTasks: 100})
	now := s.now()
	s.Upsert(Task{TaskID: "q", Status: StatusQueued, UpdatedAt: now})
	s.Upsert(Task{TaskID: "r", Status: StatusRunning, UpdatedAt: now})
	s.Upsert(Task{TaskID: "d", Status: StatusDone, UpdatedAt: now})

	out, found := s.Cancel("q")
	require.True(t, found)
	assert.True(t, out.Cancelled)
	assert.Equal(t, StatusCancelled, out.Status)

	out, found = s.Cancel("r")
	require.True(t, found)
	assert.True(t, out.Cancelled)

	out, found = s.Cancel("d")
	require.True(t, found)
	assert.False(t, out.Cancelled)
	assert.Equal(t, StatusDone, out.Status)

	_, found = s.Cancel("missing")
	assert.False(t, found)
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	cfg := Config{TTLSec: 3600, MaxTasks: 100, StorePath: path}

	s := newTestStore(t, cfg)
	s.Upsert(Task{TaskID: "a", Status: StatusDone, UpdatedAt: s.now()})

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]*Task
	require.NoError(t, json.Unmarshal(body, &onDisk))
	assert.Contains(t, onDisk, "a")

	reloaded := newTestStore(t, cfg)
	got, ok := reloaded.Peek("a")
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
}

func TestDeriveIDShape(t *testing.T) {
	id := DeriveID("run1", "acme", "key", 12345)
	assert.Len(t, id, 16)
	assert.Equal(t, id, DeriveID("run1", "acme", "key", 12345))
	assert.NotEqual(t, id, DeriveID("run1", "acme", "key", 12346))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusQueued.CanCancel())
	assert.True(t, StatusRunning.CanCancel())
	assert.False(t, StatusDone.CanCancel())
	assert.False(t, StatusFailed.CanCancel())
	assert.False(t, StatusCancelled.CanCancel())

	assert.True(t, StatusDone.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestHTTPJSONBackend(t *testing.T) {
	var upserted runtimeRow
	mux := http.NewServeMux()
	mux.HandleFunc("GET /actuator/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "UP"})
	})
	mux.HandleFunc("POST /api/v1/runtime/tasks/upsert", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&upserted)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/runtime/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task": upserted})
	})
	mux.HandleFunc("POST /api/v1/runtime/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CancelOutcome{OK: true, TaskID: r.PathValue("id"), Cancelled: true, Status: StatusCancelled})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newHTTPJSONBackend(Config{BaseURL: srv.URL, APIKey: "k"})
	assert.True(t, b.Probe())

	task := Task{TaskID: "t1", TenantID: "acme", Operator: "transform_rows_v2", Status: StatusQueued, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, b.Upsert(task))
	assert.Equal(t, "t1", upserted.TaskID)
	assert.Equal(t, "sift", upserted.Source)

	got, err := b.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	out, err := b.Cancel("t1")
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
}

func TestResolveBackendDowngradesToLocal(t *testing.T) {
	cfg := Config{RemoteEnabled: true, Backend: BackendHTTPJSON}
	b, got := ResolveBackend(cfg, log.New("test"))
	assert.Nil(t, b)
	assert.False(t, got.RemoteEnabled)
}
