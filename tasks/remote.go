package tasks

import (
	"log/slog"
	"os/exec"
)

// Backend selector names, as configured via SIFT_TASK_STORE_BACKEND.
const (
	BackendHTTPJSON   = "http-json"
	BackendShellTool  = "shell-tool"
	BackendNativeODBC = "native-odbc"
)

// Config is the task store configuration.
type Config struct {
	TTLSec    int64
	MaxTasks  int
	StorePath string

	RemoteEnabled bool
	Backend       string

	// http-json backend
	BaseURL string
	APIKey  string

	// database backends
	SQLHost     string
	SQLPort     int
	SQLDatabase string
	SQLUser     string
	SQLPassword string
}

// CancelOutcome is the remote-visible result of a cancel request.
type CancelOutcome struct {
	OK        bool   `json:"ok"`
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	Status    Status `json:"status"`
}

// Backend is the capability set every remote task store implements.
// Backend-specific types never cross this boundary.
type Backend interface {
	Name() string
	Probe() bool
	Upsert(t Task) error
	Get(taskID string) (*Task, error)
	Cancel(taskID string) (*CancelOutcome, error)
}

// preference returns the probe order for a configured backend name.
func preference(backend string) []string {
	switch backend {
	case BackendNativeODBC:
		return []string{BackendNativeODBC, BackendShellTool, BackendHTTPJSON}
	case BackendShellTool:
		return []string{BackendShellTool, BackendNativeODBC, BackendHTTPJSON}
	default:
		return []string{BackendHTTPJSON, BackendShellTool, BackendNativeODBC}
	}
}

// ResolveBackend probes the configured preference order and returns
// the first healthy backend. When none passes, the store downgrades
// to local-only and the remote flag is cleared on the returned config.
func ResolveBackend(cfg Config, l *slog.Logger) (Backend, Config) {
	if !cfg.RemoteEnabled {
		return nil, cfg
	}
	for _, name := range preference(cfg.Backend) {
		var b Backend
		switch name {
		case BackendHTTPJSON:
			if cfg.BaseURL == "" {
				continue
			}
			b = newHTTPJSONBackend(cfg)
		case BackendShellTool:
			if _, err := exec.LookPath("sqlcmd"); err != nil {
				continue
			}
			b = newShellToolBackend(cfg)
		case BackendNativeODBC:
			if cfg.SQLHost == "" {
				continue
			}
			b = newSQLBackend(cfg)
		}
		if b.Probe() {
			cfg.Backend = name
			l.Info("remote task store selected", "backend", name)
			return b, cfg
		}
		l.Warn("remote task store probe failed", "backend", name)
	}
	l.Warn("no remote task store backend available, running local-only")
	cfg.RemoteEnabled = false
	return nil, cfg
}
