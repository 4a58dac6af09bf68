package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/spf13/pflag"
)

// scopeValue is an allow/deny option that may be given bare, covering
// every resource, or with a comma-separated list.
type scopeValue struct {
	scope *policy.Scope
}

const everything = "*"

func (v scopeValue) String() string {
	if !v.scope.Set {
		return ""
	}
	if len(v.scope.Resources) == 0 {
		return everything
	}
	return strings.Join(v.scope.Resources, ",")
}

func (v scopeValue) Set(s string) error {
	v.scope.Set = true
	if s == everything {
		return nil
	}
	for _, res := range strings.Split(s, ",") {
		if res = strings.TrimSpace(res); res != "" {
			v.scope.Resources = append(v.scope.Resources, res)
		}
	}
	return nil
}

func (v scopeValue) Type() string { return "list" }

// runFlags are the options shared by run and explain.
type runFlags struct {
	o config.Overrides

	limitedMemory uint32
	limitedFuel   uint64
	maxMemorySize uint64
	runTime       time.Duration
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	o := &f.o
	fs.StringArrayVar(&o.Dirs, "dir", nil, "map a host directory into the guest (host::guest)")
	fs.StringVar(&o.FSRootPath, "fs-root-path", "", "host directory mounted at the guest's /")
	fs.StringVar(&o.DriversRootPath, "drivers-root-path", "", "directory external-process commands resolve under")
	fs.StringVar(&o.RuntimeLogger, "runtime-logger", "", "write logs to this rotated file")
	fs.StringVar(&o.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.Uint32Var(&f.limitedMemory, "limited-memory", 0, "memory limit in 64KiB pages")
	fs.DurationVar(&f.runTime, "run-time", 0, "wall-clock limit, e.g. 500ms or 2m")
	fs.StringVar(&o.Entry, "entry", "", "exported function to run")
	fs.StringVar(&o.Stdin, "stdin", "", "read guest stdin from this file")
	fs.StringVar(&o.Stdout, "stdout", "", "write guest stdout to this file")
	fs.StringVar(&o.Stderr, "stderr", "", "write guest stderr to this file")
	fs.Uint64Var(&f.limitedFuel, "limited-fuel", 0, "instruction fuel budget")
	fs.StringArrayVar(&o.Envs, "env", nil, "guest environment variable (KEY=VALUE)")
	fs.StringVar(&o.EnvFile, "env-file", "", "dotenv file of guest environment variables")
	fs.StringArrayVar(&o.Modules, "module", nil, "replace a declared module's file (name=path)")
	fs.StringArrayVar(&o.TCPListen, "tcp-listen", nil, "bind a TCP address for raw-listener drivers")
	fs.BoolVar(&o.UnknownImportsTrap, "unknown-imports-trap", false, "link unresolved imports to trapping stubs")
	fs.Uint64Var(&f.maxMemorySize, "max-memory-size", 0, "maximum linear memory in bytes")
	fs.StringArrayVar(&o.NNGraphs, "nn-graph", nil, "preload a model (name::path)")
	fs.BoolVar(&o.FeatureThread, "feature-thread", false, "enable guest threads")
	fs.BoolVar(&o.DebugInfo, "debug-info", false, "keep DWARF for trap backtraces")

	p := &o.Permissions
	fs.BoolVar(&p.AllowAll, "allow-all", false, "allow every read, write and network access")
	scopes := []struct {
		name  string
		scope *policy.Scope
		usage string
	}{
		{"allow-read", &p.AllowRead, "allow reading these paths, or all"},
		{"allow-write", &p.AllowWrite, "allow writing these paths, or all"},
		{"allow-net", &p.AllowNet, "allow these hosts or URLs, or all"},
		{"deny-read", &p.DenyRead, "deny reading these paths, or all"},
		{"deny-write", &p.DenyWrite, "deny writing these paths, or all"},
		{"deny-net", &p.DenyNet, "deny these hosts or URLs, or all"},
	}
	for _, s := range scopes {
		fs.Var(scopeValue{s.scope}, s.name, s.usage)
		fs.Lookup(s.name).NoOptDefVal = everything
	}
}

// overrides returns the parsed options. Numeric limits count only when
// given.
func (f *runFlags) overrides(fs *pflag.FlagSet) config.Overrides {
	o := f.o
	if fs.Changed("limited-memory") {
		o.LimitedMemory = &f.limitedMemory
	}
	if fs.Changed("limited-fuel") {
		o.LimitedFuel = &f.limitedFuel
	}
	if fs.Changed("max-memory-size") {
		o.MaxMemorySize = &f.maxMemorySize
	}
	if fs.Changed("run-time") {
		o.RunTime = &f.runTime
	}
	return o
}

// loadManifest reads a manifest, or wraps a bare module file in one, and
// merges o over it.
func loadManifest(path string, o config.Overrides) (*config.Manifest, error) {
	var (
		m   *config.Manifest
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".yaml", ".yml":
		m, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	default:
		m = config.FromModule(path)
	}
	if err := m.Apply(o); err != nil {
		return nil, fmt.Errorf("applying options: %w", err)
	}
	return m, nil
}
