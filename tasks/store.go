package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/siftdata/sift/queue"
)

func nowEpoch() int64 {
	return time.Now().Unix()
}

// Store is the local task working set. Every mutation runs TTL and
// capacity pruning, persists the pruned set when a store path is
// configured, and replicates the mutated task to the remote backend
// off the critical section.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task
	cfg   Config

	remote Backend
	repl   *queue.Queue
	l      *slog.Logger

	// now is swappable for tests.
	now func() int64
}

// NewStore builds a store, loading any persisted working set. A file
// larger than max_tasks is pruned in memory on first load; the pruned
// result reaches disk on the next mutation.
func NewStore(cfg Config, l *slog.Logger) *Store {
	s := &Store{
		tasks: map[string]*Task{},
		cfg:   cfg,
		l:     l,
		now:   nowEpoch,
	}
	s.loadFromPath()
	s.mu.Lock()
	s.pruneLocked()
	s.mu.Unlock()
	return s
}

// StartReplication resolves the remote backend and starts the
// replication queue. The returned config reflects any downgrade to
// local-only.
func (s *Store) StartReplication() Config {
	backend, cfg := ResolveBackend(s.cfg, s.l)
	s.mu.Lock()
	s.cfg = cfg
	s.remote = backend
	s.mu.Unlock()
	if backend != nil && s.repl == nil {
		s.repl = queue.New(256, 1, s.l)
		s.repl.Start()
	}
	return cfg
}

// Reconfigure swaps the store configuration and re-resolves the
// remote backend, keeping the in-memory working set. This is the only
// point where a failing backend flips.
func (s *Store) Reconfigure(cfg Config) Config {
	s.mu.Lock()
	s.cfg = cfg
	s.remote = nil
	s.mu.Unlock()
	return s.StartReplication()
}

// StopReplication drains the replication queue.
func (s *Store) StopReplication() {
	if s.repl != nil {
		s.repl.Stop()
		s.repl = nil
	}
}

// Config returns the store's current configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Remote returns the active backend, nil when local-only.
func (s *Store) Remote() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Store) loadFromPath() {
	if s.cfg.StorePath == "" {
		return
	}
	body, err := os.ReadFile(s.cfg.StorePath)
	if err != nil {
		return
	}
	loaded := map[string]*Task{}
	if err := json.Unmarshal(body, &loaded); err != nil {
		s.l.Warn("task store file unreadable, starting empty", "path", s.cfg.StorePath, "error", err)
		return
	}
	s.tasks = loaded
}

// Upsert inserts or replaces a task, prunes and persists, then
// replicates.
func (s *Store) Upsert(t Task) {
	s.mu.Lock()
	cp := t
	s.tasks[t.TaskID] = &cp
	s.pruneLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.replicate(t)
}

// Mutate applies fn to the task under the lock and returns the
// updated snapshot. The update timestamp advances, the set is pruned
// and persisted, and the snapshot replicates.
func (s *Store) Mutate(taskID string, fn func(*Task)) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return Task{}, false
	}
	fn(t)
	t.UpdatedAt = s.now()
	snapshot := *t
	s.pruneLocked()
	s.persistLocked()
	s.mu.Unlock()
	s.replicate(snapshot)
	return snapshot, true
}

// Peek returns the local snapshot without touching the remote.
func (s *Store) Peek(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Get returns a task. The remote store is authoritative: a remote hit
// is mirrored into the local map before returning.
func (s *Store) Get(taskID string) (Task, bool) {
	if remote := s.Remote(); remote != nil {
		if t, err := remote.Get(taskID); err == nil && t != nil {
			s.mu.Lock()
			cp := *t
			s.tasks[t.TaskID] = &cp
			s.pruneLocked()
			s.persistLocked()
			s.mu.Unlock()
			return *t, true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Cancel transitions queued|running to cancelled. Remote wins: when a
// backend is active its outcome is mirrored locally.
func (s *Store) Cancel(taskID string) (CancelOutcome, bool) {
	if remote := s.Remote(); remote != nil {
		if out, err := remote.Cancel(taskID); err == nil && out != nil {
			if out.OK {
				if t, err := remote.Get(taskID); err == nil && t != nil {
					s.mu.Lock()
					cp := *t
					s.tasks[t.TaskID] = &cp
					s.pruneLocked()
					s.persistLocked()
					s.mu.Unlock()
				}
			}
			return *out, true
		}
	}

	s.mu.Lock()
	s.pruneLocked()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return CancelOutcome{}, false
	}
	out := CancelOutcome{OK: true, TaskID: taskID, Status: t.Status}
	if t.Status.CanCancel() {
		t.Status = StatusCancelled
		t.UpdatedAt = s.now()
		out.Status = t.Status
		out.Cancelled = true
	}
	snapshot := *t
	s.persistLocked()
	s.mu.Unlock()
	if out.Cancelled {
		s.replicate(snapshot)
	}
	return out, true
}

// Prune applies TTL and capacity eviction, persisting when anything
// was dropped. It returns the number of removed tasks.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.pruneLocked()
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// Len reports the working-set size.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Store) pruneLocked() int {
	if len(s.tasks) == 0 {
		return 0
	}
	removed := 0
	now := s.now()
	if s.cfg.TTLSec > 0 {
		for id, t := range s.tasks {
			if now-t.Epoch() > s.cfg.TTLSec {
				delete(s.tasks, id)
				removed++
			}
		}
	}
	if s.cfg.MaxTasks > 0 && len(s.tasks) > s.cfg.MaxTasks {
		type entry struct {
			id    string
			epoch int64
		}
		entries := make([]entry, 0, len(s.tasks))
		for id, t := range s.tasks {
			entries = append(entries, entry{id, t.Epoch()})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].epoch < entries[j].epoch })
		for _, e := range entries[:len(s.tasks)-s.cfg.MaxTasks] {
			delete(s.tasks, e.id)
			removed++
		}
	}
	return removed
}

// persistLocked writes the working set as pretty JSON via a temp file
// rename so readers never observe a torn store.
func (s *Store) persistLocked() {
	if s.cfg.StorePath == "" {
		return
	}
	body, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		s.l.Error("encode task store", "error", err)
		return
	}
	dir := filepath.Dir(s.cfg.StorePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.l.Error("create task store dir", "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".tasks-*")
	if err != nil {
		s.l.Error("write task store", "error", err)
		return
	}
	_, werr := tmp.Write(body)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		s.l.Error("write task store", "error", fmt.Errorf("%v / %v", werr, cerr))
		return
	}
	if err := os.Rename(tmp.Name(), s.cfg.StorePath); err != nil {
		os.Remove(tmp.Name())
		s.l.Error("rename task store", "error", err)
	}
}

// replicate hands the mutated task to the remote backend through the
// replication queue. Failures are logged and absorbed.
func (s *Store) replicate(t Task) {
	remote := s.Remote()
	if remote == nil || s.repl == nil {
		return
	}
	s.repl.Enqueue(queue.Job{
		Name: "task-upsert:" + t.TaskID,
		Run:  func() error { return remote.Upsert(t) },
		OnFail: func(err error) {
			s.l.Warn("remote task replication failed", "task", t.TaskID, "error", err)
		},
	})
}
