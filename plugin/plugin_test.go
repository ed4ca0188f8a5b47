package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/siftdata/sift/log"
)

func sign(secret, plugin, cmd string, args []string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", secret, plugin, cmd, strings.Join(args, argSep))))
	return hex.EncodeToString(sum[:])
}

func writeManifest(t *testing.T, dir string, m Manifest) {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	name := m.Name
	if name == "" {
		name = "echo"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), body, 0o644))
}

func testRunner(t *testing.T, dir string, enable bool) *Runner {
	t.Helper()
	return NewRunner(Config{
		Enable:           enable,
		Dir:              dir,
		SigningSecret:    "s3cr3t",
		PluginAllowlist:  []string{"echo"},
		CommandAllowlist: []string{"/bin/cat", "/bin/true", "/bin/sh"},
	}, log.New("test"))
}

func TestExecDisabledByDefault(t *testing.T) {
	r := testRunner(t, t.TempDir(), false)
	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestExecPipesRequestJSON(t *testing.T) {
	dir := t.TempDir()
	args := []string{}
	writeManifest(t, dir, Manifest{
		Name:      "echo",
		Command:   "/bin/cat",
		Args:      args,
		Signature: sign("s3cr3t", "echo", "/bin/cat", args),
	})
	r := testRunner(t, dir, true)

	res, err := r.Exec(ExecRequest{Plugin: "echo", RunID: "r1", TenantID: "acme", Input: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "done", res.Status)

	out, ok := res.Output.(map[string]any)
	require.True(t, ok, "stdout should parse as JSON")
	assert.Equal(t, "echo", out["plugin"])
	assert.Equal(t, "r1", out["run_id"])
}

func TestExecRejectsBadSignature(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "echo", Command: "/bin/cat", Signature: "deadbeef"})
	r := testRunner(t, dir, true)

	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestExecRejectsUnknownAPIVersion(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{
		Name:       "echo",
		APIVersion: "v2",
		Command:    "/bin/cat",
		Signature:  sign("s3cr3t", "echo", "/bin/cat", nil),
	})
	r := testRunner(t, dir, true)

	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_version")
}

func TestExecRejectsUnlistedCommand(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{
		Name:      "echo",
		Command:   "/bin/rm",
		Signature: sign("s3cr3t", "echo", "/bin/rm", nil),
	})
	r := testRunner(t, dir, true)

	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestExecTimeout(t *testing.T) {
	dir := t.TempDir()
	args := []string{"-c", "sleep 5"}
	writeManifest(t, dir, Manifest{
		Name:      "echo",
		Command:   "/bin/sh",
		Args:      args,
		TimeoutMs: 100,
		Signature: sign("s3cr3t", "echo", "/bin/sh", args),
	})
	r := testRunner(t, dir, true)

	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestExecOutputCap(t *testing.T) {
	dir := t.TempDir()
	args := []string{"-c", "head -c 100000 /dev/zero"}
	writeManifest(t, dir, Manifest{
		Name:      "echo",
		Command:   "/bin/sh",
		Args:      args,
		Signature: sign("s3cr3t", "echo", "/bin/sh", args),
	})
	r := NewRunner(Config{
		Enable:           true,
		Dir:              dir,
		SigningSecret:    "s3cr3t",
		PluginAllowlist:  []string{"echo"},
		CommandAllowlist: []string{"/bin/sh"},
		MaxOutputBytes:   1024,
	}, log.New("test"))

	_, err := r.Exec(ExecRequest{Plugin: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestHealthUsesHealthcheckCommand(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{
		Name:        "echo",
		Command:     "/bin/cat",
		Signature:   sign("s3cr3t", "echo", "/bin/true", nil),
		Healthcheck: &Healthcheck{Command: "/bin/true"},
	})
	r := testRunner(t, dir, true)

	res, err := r.Health("echo", "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "/bin/true", res.Command)
}

func TestTenantAllowlist(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{
		Name:      "echo",
		Command:   "/bin/true",
		Signature: sign("s3cr3t", "echo", "/bin/true", nil),
	})
	r := NewRunner(Config{
		Enable:           true,
		Dir:              dir,
		SigningSecret:    "s3cr3t",
		TenantAllowlist:  []string{"acme"},
		PluginAllowlist:  []string{"echo"},
		CommandAllowlist: []string{"/bin/true"},
	}, log.New("test"))

	_, err := r.Exec(ExecRequest{Plugin: "echo", TenantID: "acme"})
	require.NoError(t, err)

	_, err = r.Exec(ExecRequest{Plugin: "echo", TenantID: "other"})
	require.Error(t, err)
}
