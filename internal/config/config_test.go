package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Valid(t *testing.T) {
	m, err := config.Load("../../testdata/manifest/valid.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/capsule-root", m.FSRootPath)
	assert.Equal(t, "/opt/capsule/drivers", m.DriversRootPath)
	assert.Equal(t, "capsule.log", m.RuntimeLogger)
	assert.Equal(t, "debug", m.LogLevel)
	require.NotNil(t, m.LimitedFuel)
	assert.Equal(t, uint64(2000), *m.LimitedFuel)
	require.NotNil(t, m.LimitedMemory)
	assert.Equal(t, uint32(32), *m.LimitedMemory)
	require.NotNil(t, m.Timeout())
	assert.Equal(t, 1500*time.Millisecond, *m.Timeout())
	assert.Equal(t, "main", m.Entry)

	require.Len(t, m.Modules, 2)
	assert.Equal(t, "linking2", m.Modules[0].Name)
	assert.Equal(t, config.KindModule, m.Modules[0].Type)
	assert.Equal(t, config.KindEntry, m.Modules[1].Type)
	assert.Equal(t, filepath.Join("../../testdata/manifest", "app.wasm"), m.ModulePath(m.Modules[1]))

	assert.Equal(t, "none", m.Optimize.OptLevel)
	assert.True(t, m.Optimize.PoolingAllocator)

	require.Len(t, m.Drivers, 1)
	assert.Equal(t, "storage-object", m.Drivers[0].Type)
	assert.Equal(t, "allow", m.Drivers[0].GuardDefault)
	assert.Equal(t, true, m.Drivers[0].Options["create_buckets"])
}

func TestLoad_JSONWithComments(t *testing.T) {
	m, err := config.Load("../../testdata/manifest/minimal.json")
	require.NoError(t, err)
	require.Len(t, m.Modules, 1)
	assert.Equal(t, "app", m.Modules[0].Name)
	assert.Equal(t, "_start", m.Entry)
	assert.Equal(t, "info", m.LogLevel)
	assert.Equal(t, "speed", m.Optimize.OptLevel)
	assert.Nil(t, m.LimitedFuel)
	assert.Nil(t, m.Timeout())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent.yaml")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := config.Load("../../testdata/manifest/invalid.yaml")
	require.Error(t, err)
}

func TestLoad_OldFormatError(t *testing.T) {
	_, err := config.Load("../../testdata/manifest/old_format.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modules")
}

func TestLoad_BadPermission(t *testing.T) {
	_, err := config.Load("../../testdata/manifest/bad_permission.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

func TestValidate_NoModules(t *testing.T) {
	m := &config.Manifest{}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one module")
}

func TestValidate_ModuleFields(t *testing.T) {
	tests := []struct {
		name string
		mod  config.Module
		msg  string
	}{
		{"missing file", config.Module{Name: "a"}, "file is required"},
		{"missing name", config.Module{File: "a.wasm"}, "name is required"},
		{"bad type", config.Module{File: "a.wasm", Name: "a", Type: "plugin"}, "type must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &config.Manifest{Modules: []config.Module{tt.mod}}
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestValidate_DuplicateModulesLeftToLoader(t *testing.T) {
	m := &config.Manifest{Modules: []config.Module{
		{File: "a.wasm", Name: "linking2", Type: config.KindEntry},
		{File: "b.wasm", Name: "linking2"},
	}}
	require.NoError(t, m.Validate())
}

func TestValidate_OptLevel(t *testing.T) {
	m := &config.Manifest{
		Modules:  []config.Module{{File: "a.wasm", Name: "a", Type: config.KindEntry}},
		Optimize: config.Optimize{OptLevel: "ludicrous"},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opt_level")
}

func TestValidate_Drivers(t *testing.T) {
	base := func(d config.Driver) *config.Manifest {
		return &config.Manifest{
			Modules: []config.Module{{File: "a.wasm", Name: "a", Type: config.KindEntry}},
			Drivers: []config.Driver{d},
		}
	}

	err := base(config.Driver{Name: "x", Type: "teleport"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")

	err = base(config.Driver{Name: "bad name", Type: "network"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must match")

	err = base(config.Driver{Name: "x", Type: "network", Guards: []config.GuardRule{
		{Name: "broken", Expression: "op ==", Effect: "deny"},
	}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	err = base(config.Driver{Name: "x", Type: "network", Guards: []config.GuardRule{
		{Name: "g", Expression: "true", Effect: "maybe"},
	}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "effect must be")

	m := base(config.Driver{Name: "x", Type: "network"})
	m.Drivers = append(m.Drivers, config.Driver{Name: "x", Type: "raw-listener"})
	err = m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate driver name")
}

func TestDriverGuard(t *testing.T) {
	d := config.Driver{Name: "kv", Type: "storage-object", GuardDefault: "deny", Guards: []config.GuardRule{
		{Name: "reads", Expression: `kind == "read"`, Effect: "allow"},
	}}
	g, err := d.Guard()
	require.NoError(t, err)
	effect, rule := g.Evaluate(policy.GuardRequest{Kind: policy.Read})
	assert.Equal(t, policy.Allow, effect)
	assert.Equal(t, "reads", rule)
	effect, _ = g.Evaluate(policy.GuardRequest{Kind: policy.Write})
	assert.Equal(t, policy.Deny, effect)
}

func TestSplitDirMapping(t *testing.T) {
	host, guest, err := config.SplitDirMapping("/srv/data::/data")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", host)
	assert.Equal(t, "/data", guest)

	host, guest, err = config.SplitDirMapping("/srv/data")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", host)
	assert.Equal(t, "/srv/data", guest)

	_, guest, err = config.SplitDirMapping("./out::out")
	require.NoError(t, err)
	assert.Equal(t, "/out", guest)

	_, _, err = config.SplitDirMapping("::/data")
	require.Error(t, err)
}

func TestSplitNNGraph(t *testing.T) {
	name, path, err := config.SplitNNGraph("llama::/models/llama.gguf")
	require.NoError(t, err)
	assert.Equal(t, "llama", name)
	assert.Equal(t, "/models/llama.gguf", path)

	_, _, err = config.SplitNNGraph("llama")
	require.Error(t, err)
}

func TestFromModule(t *testing.T) {
	m := config.FromModule("/path/to/hello.wasm")
	require.Len(t, m.Modules, 1)
	assert.Equal(t, "hello", m.Modules[0].Name)
	assert.Equal(t, config.KindEntry, m.Modules[0].Type)
	assert.Equal(t, "_start", m.Entry)
	require.NoError(t, m.Validate())
}

func TestManifestPolicy(t *testing.T) {
	m, err := config.Load("../../testdata/manifest/valid.yaml")
	require.NoError(t, err)

	p, err := m.Policy()
	require.NoError(t, err)
	assert.True(t, p.Allowed(policy.Read, "/data/report.csv"))
	assert.False(t, p.Allowed(policy.Read, "/data/secret/key"))
	assert.True(t, p.Allowed(policy.Net, "https://httpbin.org/get"))
	assert.False(t, p.Allowed(policy.Net, "https://example.com"))
}
