package process_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/driver/process"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/VikingOwl91/capsule/internal/supply"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func register(t *testing.T, root string, opts map[string]any) (capability.Provider, error) {
	t.Helper()
	pol, err := policy.Compile(nil, policy.Overrides{})
	require.NoError(t, err)
	if _, ok := opts["sandbox"]; !ok {
		opts["sandbox"] = false
	}
	reg := capability.NewRegistry(pol, map[string]capability.Factory{process.Type: process.New}, logging.Discard())
	return reg.Register(context.Background(), "tool", capability.DriverConfig{
		Type:    process.Type,
		Options: opts,
		Env:     &capability.Environment{DriversRoot: root, Logger: logging.Discard()},
	})
}

func start(t *testing.T, root string, opts map[string]any, target string) capability.Resource {
	t.Helper()
	p, err := register(t, root, opts)
	require.NoError(t, err)
	res, err := p.Open(context.Background(), target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	return res
}

func op(t *testing.T, res capability.Resource, name, in string) string {
	t.Helper()
	out, err := res.Operate(context.Background(), name, []byte(in))
	require.NoError(t, err)
	return string(out)
}

func readAll(t *testing.T, res capability.Resource) string {
	t.Helper()
	var out string
	for {
		chunk := op(t, res, "read", "")
		if chunk == "" {
			return out
		}
		out += chunk
	}
}

func TestEchoRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "echo.sh", "exec cat")
	res := start(t, root, map[string]any{"command": "echo.sh"}, "")

	assert.Equal(t, "5", op(t, res, "write", "hello"))
	op(t, res, "close_stdin", "")
	assert.Equal(t, "hello", readAll(t, res))
	assert.Equal(t, "0", op(t, res, "wait", ""))
}

func TestArgsStderrAndExitCode(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "args.sh", `echo "$@"; echo oops >&2; exit 3`)
	res := start(t, root, map[string]any{"command": "args.sh", "args": []any{"-a"}}, `["b","c"]`)

	assert.Equal(t, "-a b c\n", readAll(t, res))
	assert.Equal(t, "3", op(t, res, "wait", ""))
	assert.Equal(t, "oops\n", op(t, res, "stderr", ""))
}

func TestWaitKeepsUnreadOutput(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "print.sh", "echo first; echo second")
	res := start(t, root, map[string]any{"command": "print.sh"}, "")

	assert.Equal(t, "0", op(t, res, "wait", ""))
	assert.Equal(t, "first\nsecond\n", readAll(t, res))
}

func TestEnvironmentFiltered(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "env.sh", `echo "$KEEP:$DROP"`)
	t.Setenv("KEEP", "k")
	t.Setenv("DROP", "d")
	res := start(t, root, map[string]any{"command": "env.sh", "env_allowlist": []any{"KEEP"}}, "")

	assert.Equal(t, "k:\n", readAll(t, res))
}

func TestHashPinned(t *testing.T) {
	root := t.TempDir()
	path := writeScript(t, root, "tool.sh", "exit 0")
	sum, err := supply.ComputeFileHash(path, "sha256")
	require.NoError(t, err)

	_, err = register(t, root, map[string]any{"command": "tool.sh", "hash": sum})
	require.NoError(t, err)

	other, err := supply.Digest("sha256", []byte("something else"))
	require.NoError(t, err)
	_, err = register(t, root, map[string]any{"command": "tool.sh", "hash": other})
	require.ErrorIs(t, err, supply.ErrHashMismatch)
}

func TestCommandOutsideDriversRoot(t *testing.T) {
	elsewhere := writeScript(t, t.TempDir(), "tool.sh", "exit 0")
	_, err := register(t, t.TempDir(), map[string]any{"command": elsewhere})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not under any allowed path")
}

func TestInitialize_NeedsCommand(t *testing.T) {
	_, err := register(t, t.TempDir(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestBadTarget(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "tool.sh", "exit 0")
	p, err := register(t, root, map[string]any{"command": "tool.sh"})
	require.NoError(t, err)

	for _, target := range []string{"not json", `{"a":1}`, `[1]`} {
		_, err := p.Open(context.Background(), target, nil)
		assert.ErrorIs(t, err, capability.ErrInvalidArgument, target)
	}
}

func TestCloseKillsRunningProcess(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "sleep.sh", "exec sleep 30")
	p, err := register(t, root, map[string]any{"command": "sleep.sh"})
	require.NoError(t, err)
	res, err := p.Open(context.Background(), "", nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, res.Close())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestReadHonoursContext(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "sleep.sh", "exec sleep 30")
	res := start(t, root, map[string]any{"command": "sleep.sh"}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := res.Operate(ctx, "read", nil)
	require.ErrorIs(t, err, context.Canceled)
	_, err = res.Operate(ctx, "wait", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnsupportedOp(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "tool.sh", "exit 0")
	res := start(t, root, map[string]any{"command": "tool.sh"}, "")
	_, err := res.Operate(context.Background(), "signal", nil)
	require.ErrorIs(t, err, capability.ErrUnsupportedOp)
}
