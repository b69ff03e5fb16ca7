package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signature = "rods@grid.local:1247/tempZone"

type cliFixture struct {
	configPath string
	gridRoot   string
	localDir   string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := &cliFixture{
		configPath: filepath.Join(dir, "conveyor.yaml"),
		gridRoot:   filepath.Join(dir, "grid"),
		localDir:   filepath.Join(dir, "local"),
	}
	cfg := "state_dir: " + filepath.Join(dir, "state") + "\n" +
		"log:\n  level: error\n" +
		"grid:\n  scheme: file\n  root: " + f.gridRoot + "\n"
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o644))
	require.NoError(t, os.MkdirAll(f.localDir, 0o755))
	return f
}

func (f *cliFixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (f *cliFixture) mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := f.execute(t, args...)
	require.NoError(t, err, "conveyor %s", strings.Join(args, " "))
	return out
}

func TestAccountCommands(t *testing.T) {
	f := newCLIFixture(t)

	out := f.mustExecute(t, "account", "add", "rods@grid.local", "tempZone", "--credential-ref", "archive")
	assert.Equal(t, signature+"\n", out)

	out = f.mustExecute(t, "account", "list")
	assert.Contains(t, out, signature)
	assert.Contains(t, out, "archive")

	_, err := f.execute(t, "account", "add", "rods@grid.local", "tempZone", "--port", "0")
	assert.Error(t, err)

	f.mustExecute(t, "account", "remove", signature)
	out = f.mustExecute(t, "account", "list")
	assert.NotContains(t, out, signature)
}

func TestQueueCommands(t *testing.T) {
	f := newCLIFixture(t)
	f.mustExecute(t, "account", "add", "rods@grid.local", "tempZone")

	_, err := f.execute(t, "enqueue", "put", f.localDir, "/home/rods/run", "--account", "nobody@grid.local:1247/tempZone")
	assert.Error(t, err, "unknown accounts are rejected")
	_, err = f.execute(t, "enqueue", "move", f.localDir, "/home/rods/run", "--account", signature)
	assert.Error(t, err, "unknown types are rejected")

	id := strings.TrimSpace(f.mustExecute(t, "enqueue", "put", f.localDir, "/home/rods/run", "--account", signature))
	require.NotEmpty(t, id)

	out := f.mustExecute(t, "list")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "ENQUEUED")

	f.mustExecute(t, "pause", id)
	assert.Contains(t, f.mustExecute(t, "list", "--state", "paused"), id)
	assert.NotContains(t, f.mustExecute(t, "list", "--state", "enqueued"), id)

	f.mustExecute(t, "restart", id)
	assert.Contains(t, f.mustExecute(t, "list", "--state", "enqueued"), id)

	f.mustExecute(t, "cancel", id)
	out = f.mustExecute(t, "list", "-o", "yaml")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "CANCELLED")

	_, err = f.execute(t, "restart", id)
	assert.Error(t, err, "cancelled descriptors are final")
}

func TestSyncCommands(t *testing.T) {
	f := newCLIFixture(t)
	f.mustExecute(t, "account", "add", "rods@grid.local", "tempZone")

	f.mustExecute(t, "sync", "add", "home", f.localDir, "/home/rods", "--account", signature, "--direction", "push")
	out := f.mustExecute(t, "sync", "list")
	assert.Contains(t, out, "home")
	assert.Contains(t, out, "push")

	_, err := f.execute(t, "sync", "add", "bad", f.localDir, "/home/rods", "--account", signature, "--direction", "sideways")
	assert.Error(t, err)

	f.mustExecute(t, "sync", "remove", "home")
	assert.NotContains(t, f.mustExecute(t, "sync", "list"), "home")
}

const flowsFile = `
flows:
  - name: no-get
    action: GET
    pre_operation:
      - name: abort
        params:
          reason: gets are disabled
  - name: audited-put
    action: PUT
    zone: temp*
    post_file:
      - name: log
`

func TestFlowsCommands(t *testing.T) {
	f := newCLIFixture(t)
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(flowsFile), 0o644))

	out := f.mustExecute(t, "flows", "add", path)
	assert.Contains(t, out, "no-get")
	assert.Contains(t, out, "audited-put")

	out = f.mustExecute(t, "flows", "list")
	assert.Contains(t, out, "abort")
	assert.Contains(t, out, "temp*")

	out = f.mustExecute(t, "flows", "microservices")
	for _, name := range []string{"abort", "checksum", "log", "noop", "require-local-path"} {
		assert.Contains(t, out, name)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("flows:\n  - name: x\n    action: PUT\n    pre_file:\n      - name: teleport\n"), 0o644))
	_, err := f.execute(t, "flows", "add", bad)
	assert.Error(t, err)

	f.mustExecute(t, "flows", "remove", "no-get")
	assert.NotContains(t, f.mustExecute(t, "flows", "list"), "no-get")
}

func TestRunOnce(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.localDir, "a.txt"), []byte("alpha"), 0o644))
	flows := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(flows, []byte(flowsFile), 0o644))

	f.mustExecute(t, "account", "add", "rods@grid.local", "tempZone")
	f.mustExecute(t, "flows", "add", flows)
	put := strings.TrimSpace(f.mustExecute(t, "enqueue", "PUT", f.localDir, "/home/rods/run", "--account", signature))
	get := strings.TrimSpace(f.mustExecute(t, "enqueue", "GET", f.localDir, "/home/rods/run", "--account", signature))

	out := f.mustExecute(t, "run", "--once")
	assert.Contains(t, out, "processed 2 descriptors")

	got, err := os.ReadFile(filepath.Join(f.gridRoot, "tempZone", "home", "rods", "run", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))

	assert.Contains(t, f.mustExecute(t, "list", "--state", "complete"), put)
	assert.Contains(t, f.mustExecute(t, "list", "--state", "failed"), get)
}
