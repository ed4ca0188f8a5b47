// Package sift is the HTTP service: routing, admission, the submit
// controller and the operator endpoints over the row engine.
package sift

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"

	"github.com/siftdata/sift/cleaning"
	"github.com/siftdata/sift/log"
	"github.com/siftdata/sift/plugin"
	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/sift/config"
	"github.com/siftdata/sift/stream"
	"github.com/siftdata/sift/tasks"
	"github.com/siftdata/sift/workflow"
)

// Sift is the service context: every endpoint receives it explicitly,
// there are no process-wide singletons.
type Sift struct {
	cfg *config.Config
	l   *slog.Logger
	m   *metrics
	adm *admission

	store    *tasks.Store
	wf       *workflow.Runner
	plugins  *plugin.Runner
	pkgs     rules.Store
	stream   stream.Driver
	cleaning cleaning.Pipeline
}

// Command is the server CLI entry.
func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the sift row-transformation service",
		Action: Run,
		Description: `
	Environment variables:
		SIFT_HOST                       (default: 0.0.0.0)
		SIFT_PORT                       (default: 7070)
		SIFT_MAX_ROWS                   (default: 200000)
		SIFT_MAX_PAYLOAD_BYTES          (default: 134217728)
		SIFT_TENANT_MAX_ROWS            (default: 250000)
		SIFT_TENANT_MAX_PAYLOAD_BYTES   (default: 134217728)
		SIFT_TENANT_MAX_CONCURRENCY     (default: 4)
		SIFT_TENANT_MAX_WORKFLOW_STEPS  (default: 128)
		SIFT_TASK_TTL_SEC               (default: 86400)
		SIFT_TASK_MAX                   (default: 1000)
		SIFT_TASK_STORE_PATH            (local persistence, off when empty)
		SIFT_TASK_STORE_REMOTE          (default: false)
		SIFT_TASK_STORE_BACKEND         (http-json | shell-tool | native-odbc)
		SIFT_TASK_STORE_BASE_URL        (http-json endpoint)
		SIFT_TASK_STORE_API_KEY
		SIFT_TASK_RETRY_MAX             (default: 1)
		SIFT_SQL_HOST / _PORT / _DB / _USER / _PASSWORD
		SIFT_REQUEST_SIGNING_SECRET     (signing off when empty)
		SIFT_PLUGIN_SIGNING_SECRET
		SIFT_PLUGIN_ENABLE              (default: false)
		SIFT_PLUGIN_DIR                 (default: bus/plugins)
		SIFT_PLUGIN_ALLOWLIST / _COMMAND_ALLOWLIST / _TENANT_ALLOWLIST
		SIFT_PLUGIN_MAX_OUTPUT_BYTES    (default: 8388608)
		SIFT_STREAM_CHECKPOINT_DIR      (default: bus/stream_checkpoints)
		SIFT_BUS_ROOT                   (default: bus)
		SIFT_BUS_RULES_PACKAGE_DIR      (default: bus/rules_packages)
		SIFT_BUS_OFFICE_MODE            (strict | fallback)
		SIFT_ALLOW_EGRESS               (default: false)
		SIFT_LOG_LEVEL                  (debug | info | warn | error)
	`,
	}
}

// New wires a service instance from configuration.
func New(ctx context.Context, cfg *config.Config) *Sift {
	l := log.FromContext(ctx)
	s := &Sift{
		cfg: cfg,
		l:   l,
		m:   newMetrics(),
		adm: newAdmission(cfg.Limits, cfg.Signing.RequestSecret),
		store: tasks.NewStore(tasks.Config{
			TTLSec:        cfg.Tasks.TTLSec,
			MaxTasks:      cfg.Tasks.Max,
			StorePath:     cfg.Tasks.Path,
			RemoteEnabled: cfg.Tasks.Remote,
			Backend:       cfg.Tasks.Backend,
			BaseURL:       cfg.Tasks.BaseURL,
			APIKey:        cfg.Tasks.APIKey,
			SQLHost:       cfg.SQL.Host,
			SQLPort:       cfg.SQL.Port,
			SQLDatabase:   cfg.SQL.Database,
			SQLUser:       cfg.SQL.User,
			SQLPassword:   cfg.SQL.Password,
		}, log.SubLogger(l, "tasks")),
		wf: workflow.NewRunner(cfg.Limits.TenantMaxWorkflowSteps, log.SubLogger(l, "workflow")),
		plugins: plugin.NewRunner(plugin.Config{
			Enable:           cfg.Plugins.Enable,
			Dir:              cfg.Plugins.Dir,
			SigningSecret:    cfg.Signing.PluginSecret,
			TenantAllowlist:  cfg.Plugins.TenantAllowlist,
			PluginAllowlist:  cfg.Plugins.Allowlist,
			CommandAllowlist: cfg.Plugins.CommandAllowlist,
			MaxOutputBytes:   cfg.Plugins.MaxOutputBytes,
		}, log.SubLogger(l, "plugin")),
		pkgs: rules.Store{Dir: cfg.Bus.RulesPackageDir},
		stream: stream.Driver{
			CheckpointDir: cfg.Stream.CheckpointDir,
			Now:           func() string { return strconv.FormatInt(time.Now().Unix(), 10) },
		},
		cleaning: cleaning.Pipeline{
			BusRoot:    cfg.Bus.Root,
			OfficeMode: cfg.Bus.OfficeMode,
			L:          log.SubLogger(l, "cleaning"),
		},
	}
	s.registerOperators()
	return s
}

// Run loads config, wires the service and serves until SIGINT or
// SIGTERM, then drains in-flight work.
func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)
	logger = log.SubLogger(logger, cmd.Name)
	ctx = log.IntoContext(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	s := New(ctx, cfg)

	resolved := s.store.StartReplication()
	defer s.store.StopReplication()
	if resolved.RemoteEnabled {
		s.m.remoteEnabled.Set(1)
	}

	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	s.store.StartProbe(probeCtx, s.m.observeProbe)

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: s.Router()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting sift server", "address", cfg.Server.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
	return nil
}

// Router builds the HTTP surface.
func (s *Sift) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.RequestLogger)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("this is a sift server: row transformation and workflow execution\n"))
	})
	r.Get("/health", s.Health)
	r.Get("/metrics", s.m.handler().ServeHTTP)
	r.Post("/admin/reload", s.Reload)

	r.Route("/operators", func(r chi.Router) {
		r.Post("/transform_rows_v2", s.TransformRows)
		r.Post("/transform_rows_v2/submit", s.SubmitTransformRows)
		r.Post("/transform_rows_v2/stream", s.StreamTransformRows)
		r.Post("/text_preprocess_v2", s.TextPreprocess)
		r.Post("/compute_metrics", s.ComputeMetrics)
		r.Post("/rules_compile_v1", s.RulesCompile)
		r.Post("/rules_package_v1/publish", s.RulesPackagePublish)
		r.Post("/rules_package_v1/get", s.RulesPackageGet)
		r.Post("/join_rows_v1", s.JoinRows)
		r.Post("/normalize_schema_v1", s.NormalizeSchema)
		r.Post("/entity_extract_v1", s.EntityExtract)
		r.Post("/aggregate_rows_v1", s.AggregateRows)
		r.Post("/quality_check_v1", s.QualityCheck)
		r.Post("/aggregate_pushdown_v1", s.AggregatePushdown)
		r.Post("/plugin_exec_v1", s.PluginExec)
		r.Post("/plugin_health_v1", s.PluginHealth)
		r.Post("/load_rows_v1", s.LoadRows)
		r.Post("/save_rows_v1", s.SaveRows)
		r.Post("/cleaning", s.Cleaning)
	})

	r.Post("/workflow/run", s.WorkflowRun)
	r.Get("/tasks/{id}", s.GetTask)
	r.Post("/tasks/{id}/cancel", s.CancelTask)

	return r
}

// Health reports liveness.
func (s *Sift) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "sift"})
}

// Reload re-reads the task store environment and re-resolves the
// remote backend; this is the only place a failing backend flips.
func (s *Sift) Reload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload", err)
		return
	}
	s.cfg.Tasks = cfg.Tasks
	resolved := s.store.Reconfigure(tasks.Config{
		TTLSec:        cfg.Tasks.TTLSec,
		MaxTasks:      cfg.Tasks.Max,
		StorePath:     cfg.Tasks.Path,
		RemoteEnabled: cfg.Tasks.Remote,
		Backend:       cfg.Tasks.Backend,
		BaseURL:       cfg.Tasks.BaseURL,
		APIKey:        cfg.Tasks.APIKey,
		SQLHost:       cfg.SQL.Host,
		SQLPort:       cfg.SQL.Port,
		SQLDatabase:   cfg.SQL.Database,
		SQLUser:       cfg.SQL.User,
		SQLPassword:   cfg.SQL.Password,
	})
	if resolved.RemoteEnabled {
		s.m.remoteEnabled.Set(1)
	} else {
		s.m.remoteEnabled.Set(0)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"task_store_remote":  resolved.RemoteEnabled,
		"task_store_backend": resolved.Backend,
		"ttl_sec":            resolved.TTLSec,
		"max_tasks":          resolved.MaxTasks,
	})
}
