package config_test

import (
	"testing"
	"time"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManifest() *config.Manifest {
	fuel := uint64(100)
	return &config.Manifest{
		LimitedFuel: &fuel,
		Modules: []config.Module{
			{File: "lib.wasm", Name: "lib", MD5: "abc"},
			{File: "app.wasm", Name: "app", Type: config.KindEntry},
		},
		Permissions: []string{"file:///data"},
		Envs:        []string{"MODE=manifest"},
	}
}

func TestApply_ScalarsOverride(t *testing.T) {
	m := newManifest()
	fuel := uint64(5)
	pages := uint32(8)
	runTime := 2 * time.Second
	err := m.Apply(config.Overrides{
		FSRootPath:    "/root",
		Entry:         "run",
		Stdout:        "out.log",
		LimitedFuel:   &fuel,
		LimitedMemory: &pages,
		RunTime:       &runTime,
		FeatureThread: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/root", m.FSRootPath)
	assert.Equal(t, "run", m.Entry)
	assert.Equal(t, "out.log", m.Stdout)
	assert.Equal(t, uint64(5), *m.LimitedFuel)
	assert.Equal(t, uint32(8), *m.LimitedMemory)
	assert.Equal(t, uint64(2000), *m.LimitedTime)
	assert.True(t, m.FeatureThread)
}

func TestApply_EmptyLeavesManifest(t *testing.T) {
	m := newManifest()
	require.NoError(t, m.Apply(config.Overrides{}))
	assert.Equal(t, uint64(100), *m.LimitedFuel)
	assert.Equal(t, "_start", m.Entry)
	assert.Nil(t, m.LimitedTime)
}

func TestApply_ModuleOverride(t *testing.T) {
	m := newManifest()
	require.NoError(t, m.Apply(config.Overrides{Modules: []string{"lib=/tmp/other.wasm"}}))
	assert.Equal(t, "/tmp/other.wasm", m.Modules[0].File)
	assert.Empty(t, m.Modules[0].MD5, "digest of the replaced file no longer applies")

	err := newManifest().Apply(config.Overrides{Modules: []string{"ghost=/tmp/x.wasm"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	err = newManifest().Apply(config.Overrides{Modules: []string{"lib"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name=path")
}

func TestApply_EnvAndEnvFile(t *testing.T) {
	m := newManifest()
	require.NoError(t, m.Apply(config.Overrides{
		EnvFile: "../../testdata/manifest/guest.env",
		Envs:    []string{"MODE=cli"},
	}))
	env := m.GuestEnv(nil)
	assert.Equal(t, []config.EnvVar{
		{Key: "MODE", Value: "cli"},
		{Key: "API_URL", Value: "https://httpbin.org"},
		{Key: "TOKEN", Value: "abc def"},
	}, env)
}

func TestApply_EnvErrors(t *testing.T) {
	err := newManifest().Apply(config.Overrides{Envs: []string{"NOVALUE"}})
	require.Error(t, err)

	err = newManifest().Apply(config.Overrides{EnvFile: "missing.env"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.env")
}

func TestApply_PermissionsOverrideManifest(t *testing.T) {
	m := newManifest()
	require.NoError(t, m.Apply(config.Overrides{Permissions: policy.Overrides{
		DenyRead: policy.Scope{Set: true, Resources: []string{"/data/private"}},
		AllowNet: policy.Scope{Set: true, Resources: []string{"httpbin.org"}},
	}}))

	p, err := m.Policy()
	require.NoError(t, err)
	assert.True(t, p.Allowed(policy.Read, "/data/public"))
	assert.False(t, p.Allowed(policy.Read, "/data/private/x"))
	assert.True(t, p.Allowed(policy.Net, "httpbin.org"))
	assert.False(t, p.Allowed(policy.Net, "example.com"))
}

func TestApply_InvalidDirRejected(t *testing.T) {
	err := newManifest().Apply(config.Overrides{Dirs: []string{"::"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host::guest")
}
