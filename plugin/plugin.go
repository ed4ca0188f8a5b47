// Package plugin executes allowlisted external subprocesses with
// signed manifests, size-capped pipes and hard deadlines.
package plugin

import (
	"crypto/sha256"
	"errors"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/siftdata/sift/rules"
	"github.com/siftdata/sift/trace"
)

// ErrTimeout tags deadline expiry; ErrDenied tags allowlist, tenant
// and signature rejections.
var (
	ErrTimeout = errors.New("plugin timeout")
	ErrDenied  = errors.New("plugin denied")
)

const (
	// argSep joins manifest args for signature material.
	argSep = "\x1f"

	defaultExecTimeout   = 20 * time.Second
	maxExecTimeout       = 120 * time.Second
	defaultHealthTimeout = 3 * time.Second
	maxHealthTimeout     = 15 * time.Second

	defaultMaxOutputBytes = 8 * 1024 * 1024
)

// Manifest is the on-disk plugin description at <dir>/<plugin>.json.
type Manifest struct {
	Name        string       `json:"name,omitempty"`
	Version     string       `json:"version,omitempty"`
	APIVersion  string       `json:"api_version,omitempty"`
	Command     string       `json:"command"`
	Args        []string     `json:"args,omitempty"`
	TimeoutMs   int64        `json:"timeout_ms,omitempty"`
	Signature   string       `json:"signature"`
	Healthcheck *Healthcheck `json:"healthcheck,omitempty"`
}

// Healthcheck optionally overrides the command for health probes.
type Healthcheck struct {
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// Config gates execution. Empty plugin and command allowlists deny by
// default; an empty tenant allowlist admits every tenant once the
// global enable flag is on.
type Config struct {
	Enable           bool
	Dir              string
	SigningSecret    string
	TenantAllowlist  []string
	PluginAllowlist  []string
	CommandAllowlist []string
	MaxOutputBytes   int
}

// Runner executes plugins under a Config.
type Runner struct {
	cfg Config
	l   *slog.Logger
}

func NewRunner(cfg Config, l *slog.Logger) *Runner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Runner{cfg: cfg, l: l}
}

// ExecRequest is one plugin invocation.
type ExecRequest struct {
	Plugin   string `json:"plugin"`
	RunID    string `json:"run_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Input    any    `json:"input,omitempty"`
}

// ExecResult reports the subprocess outcome. Output is parsed JSON
// when stdout is valid JSON, the raw text otherwise.
type ExecResult struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Plugin  string `json:"plugin"`
	TraceID string `json:"trace_id"`
	Output  any    `json:"output"`
	Stderr  string `json:"stderr,omitempty"`
}

// HealthResult reports a healthcheck run.
type HealthResult struct {
	ManifestName    string   `json:"manifest_name,omitempty"`
	ManifestVersion string   `json:"manifest_version,omitempty"`
	APIVersion      string   `json:"api_version"`
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	ExitCode        int      `json:"exit_code"`
	OK              bool     `json:"ok"`
	Stderr          string   `json:"stderr"`
}

func (r *Runner) enabledForTenant(tenant string) error {
	if !r.cfg.Enable {
		return fmt.Errorf("%w: execution disabled for tenant", ErrDenied)
	}
	if len(r.cfg.TenantAllowlist) == 0 {
		return nil
	}
	if tenant == "" {
		tenant = "default"
	}
	for _, t := range r.cfg.TenantAllowlist {
		if strings.EqualFold(strings.TrimSpace(t), tenant) {
			return nil
		}
	}
	return fmt.Errorf("%w: execution disabled for tenant", ErrDenied)
}

func allowlisted(list []string, name, kind string) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: %s allowlist is required when plugins are enabled", ErrDenied, kind)
	}
	for _, e := range list {
		if strings.EqualFold(strings.TrimSpace(e), name) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed: %s", ErrDenied, kind, name)
}

func (r *Runner) loadManifest(plugin string) (*Manifest, error) {
	path, err := securejoin.SecureJoin(r.cfg.Dir, plugin+".json")
	if err != nil {
		return nil, fmt.Errorf("resolve plugin manifest: %w", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse plugin manifest: %w", err)
	}
	if strings.TrimSpace(m.Command) == "" {
		return nil, fmt.Errorf("plugin manifest missing command")
	}
	if m.Name != "" {
		n, err := rules.SafeToken(m.Name)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(n, plugin) {
			return nil, fmt.Errorf("plugin name mismatch: manifest=%s, request=%s", n, plugin)
		}
	}
	api := strings.ToLower(strings.TrimSpace(m.APIVersion))
	if api == "" {
		api = "v1"
	}
	if api != "v1" {
		return nil, fmt.Errorf("unsupported plugin api_version: %s", api)
	}
	m.APIVersion = api
	return &m, nil
}

func (r *Runner) verifySignature(plugin, cmd string, args []string, signature string) error {
	if strings.TrimSpace(r.cfg.SigningSecret) == "" {
		return fmt.Errorf("%w: signing secret not configured", ErrDenied)
	}
	material := fmt.Sprintf("%s:%s:%s:%s", r.cfg.SigningSecret, plugin, cmd, strings.Join(args, argSep))
	sum := sha256.Sum256([]byte(material))
	expected := hex.EncodeToString(sum[:])
	if strings.ToLower(strings.TrimSpace(signature)) != expected {
		return fmt.Errorf("%w: signature verification failed", ErrDenied)
	}
	return nil
}

func clampTimeout(ms int64, def, max time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// Exec runs the plugin's command with the request JSON on stdin.
func (r *Runner) Exec(req ExecRequest) (*ExecResult, error) {
	if err := r.enabledForTenant(req.TenantID); err != nil {
		return nil, err
	}
	plugin, err := rules.SafeToken(req.Plugin)
	if err != nil {
		return nil, err
	}
	if err := allowlisted(r.cfg.PluginAllowlist, plugin, "plugin"); err != nil {
		return nil, err
	}
	m, err := r.loadManifest(plugin)
	if err != nil {
		return nil, err
	}
	if err := allowlisted(r.cfg.CommandAllowlist, m.Command, "plugin command"); err != nil {
		return nil, err
	}
	if err := r.verifySignature(plugin, m.Command, m.Args, m.Signature); err != nil {
		return nil, err
	}
	timeout := clampTimeout(m.TimeoutMs, defaultExecTimeout, maxExecTimeout)
	traceID := trace.Resolve(req.TraceID, "", fmt.Sprintf("plugin:%s:%s:%d", plugin, req.RunID, time.Now().Unix()))

	payload, err := json.Marshal(map[string]any{
		"run_id":    req.RunID,
		"tenant_id": req.TenantID,
		"trace_id":  traceID,
		"plugin":    plugin,
		"input":     req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("encode plugin payload: %w", err)
	}

	stdout, stderr, exitCode, err := r.runProcess(m.Command, m.Args, payload, timeout)
	if err != nil {
		return nil, err
	}

	var output any
	text := strings.TrimSpace(string(stdout))
	if text != "" {
		if json.Unmarshal([]byte(text), &output) != nil {
			output = text
		}
	}
	res := &ExecResult{
		OK:      exitCode == 0,
		Status:  "done",
		Plugin:  plugin,
		TraceID: traceID,
		Output:  output,
		Stderr:  string(stderr),
	}
	if exitCode != 0 {
		res.Status = "failed"
	}
	return res, nil
}

// Health runs the manifest's healthcheck command (falling back to the
// exec command) under the tighter health timeout.
func (r *Runner) Health(plugin, tenant string) (*HealthResult, error) {
	if err := r.enabledForTenant(tenant); err != nil {
		return nil, err
	}
	plugin, err := rules.SafeToken(plugin)
	if err != nil {
		return nil, err
	}
	if err := allowlisted(r.cfg.PluginAllowlist, plugin, "plugin"); err != nil {
		return nil, err
	}
	m, err := r.loadManifest(plugin)
	if err != nil {
		return nil, err
	}
	cmd := m.Command
	args := m.Args
	var timeoutMs int64
	if m.Healthcheck != nil {
		if m.Healthcheck.Command != "" {
			cmd = m.Healthcheck.Command
		}
		if m.Healthcheck.Args != nil {
			args = m.Healthcheck.Args
		}
		timeoutMs = m.Healthcheck.TimeoutMs
	}
	if timeoutMs == 0 {
		timeoutMs = m.TimeoutMs
	}
	if strings.TrimSpace(cmd) == "" {
		return nil, fmt.Errorf("plugin healthcheck command is empty")
	}
	if err := allowlisted(r.cfg.CommandAllowlist, cmd, "plugin command"); err != nil {
		return nil, err
	}
	if err := r.verifySignature(plugin, cmd, args, m.Signature); err != nil {
		return nil, err
	}
	timeout := clampTimeout(timeoutMs, defaultHealthTimeout, maxHealthTimeout)

	_, stderr, exitCode, err := r.runProcess(cmd, args, nil, timeout)
	if err != nil {
		return nil, err
	}
	return &HealthResult{
		ManifestName:    m.Name,
		ManifestVersion: m.Version,
		APIVersion:      m.APIVersion,
		Command:         cmd,
		Args:            args,
		ExitCode:        exitCode,
		OK:              exitCode == 0,
		Stderr:          string(stderr),
	}, nil
}

// runProcess spawns the command with separated stdio, feeds stdin,
// drains both pipes on capped reader goroutines and enforces the
// deadline with kill-and-reap.
func (r *Runner) runProcess(command string, args []string, stdin []byte, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	cmd := exec.Command(command, args...)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("plugin stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("plugin stderr pipe: %w", err)
	}
	var inPipe io.WriteCloser
	if stdin != nil {
		if inPipe, err = cmd.StdinPipe(); err != nil {
			return nil, nil, 0, fmt.Errorf("plugin stdin pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, 0, fmt.Errorf("spawn plugin process: %w", err)
	}

	limit := r.cfg.MaxOutputBytes
	outCh := readCapped(outPipe, limit, "stdout")
	errCh := readCapped(errPipe, limit, "stderr")

	if inPipe != nil {
		go func() {
			inPipe.Write(stdin)
			inPipe.Close()
		}()
	}

	// readers must hit EOF before Wait closes the pipes
	type procResult struct {
		out, errOut pipeResult
		waitErr     error
	}
	done := make(chan procResult, 1)
	go func() {
		out := <-outCh
		errOut := <-errCh
		done <- procResult{out, errOut, cmd.Wait()}
	}()

	select {
	case pr := <-done:
		if pr.out.err != nil {
			return nil, nil, 0, pr.out.err
		}
		if pr.errOut.err != nil {
			return nil, nil, 0, pr.errOut.err
		}
		if len(pr.out.data)+len(pr.errOut.data) > limit {
			return nil, nil, 0, fmt.Errorf("plugin output exceeds limit: %d > %d", len(pr.out.data)+len(pr.errOut.data), limit)
		}
		code := 0
		if pr.waitErr != nil {
			if ee, ok := pr.waitErr.(*exec.ExitError); ok {
				code = ee.ExitCode()
			} else {
				return nil, nil, 0, fmt.Errorf("plugin wait error: %w", pr.waitErr)
			}
		}
		return pr.out.data, pr.errOut.data, code, nil
	case <-time.After(timeout):
		cmd.Process.Kill()
		<-done
		return nil, nil, 0, fmt.Errorf("%w: %dms", ErrTimeout, timeout.Milliseconds())
	}
}

type pipeResult struct {
	data []byte
	err  error
}

// readCapped drains a pipe on its own goroutine, enforcing the byte
// cap while appending so a runaway subprocess cannot exhaust memory.
func readCapped(r io.Reader, limit int, label string) <-chan pipeResult {
	ch := make(chan pipeResult, 1)
	go func() {
		var out []byte
		buf := make([]byte, 8192)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if len(out)+n > limit {
					io.Copy(io.Discard, r)
					ch <- pipeResult{err: fmt.Errorf("plugin %s exceeds limit: %d > %d", label, len(out)+n, limit)}
					return
				}
				out = append(out, buf[:n]...)
			}
			if err != nil {
				ch <- pipeResult{data: out}
				return
			}
		}
	}()
	return ch
}
