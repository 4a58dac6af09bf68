// Package supervisor drives one guest run from manifest to exit code:
// it compiles the policy, constructs the drivers, links the modules,
// governs the instance and maps whatever ends the run to an Outcome.
package supervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/clock"
	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/governor"
	"github.com/VikingOwl91/capsule/internal/guestfs"
	"github.com/VikingOwl91/capsule/internal/linker"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var (
	ErrNoManifest     = errors.New("no manifest")
	ErrAlreadyStarted = errors.New("run already started")
)

// Options configure a Supervisor.
type Options struct {
	Manifest *config.Manifest
	// Args follow the entry module name in the guest's argv.
	Args      []string
	Factories map[string]capability.Factory
	// Environ is the host environment BLS_LIST_VARS selects from.
	Environ []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Supervisor runs a manifest once.
type Supervisor struct {
	opts   Options
	runID  uuid.UUID
	clock  clock.Clock
	logger *slog.Logger

	state   atomic.Int32
	outcome atomic.Pointer[Outcome]

	started  time.Time
	duration time.Duration
	fuel     uint64
}

// New returns an idle supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{opts: opts, runID: uuid.New(), clock: opts.Clock, logger: opts.Logger}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// RunID identifies the run in logs and reports.
func (s *Supervisor) RunID() string { return s.runID.String() }

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Outcome returns the outcome, or nil before the run has ended.
func (s *Supervisor) Outcome() *Outcome { return s.outcome.Load() }

// Report summarizes the run. It is only meaningful once Run returned.
func (s *Supervisor) Report() *Report {
	r := &Report{
		RunID:        s.RunID(),
		State:        s.State().String(),
		FuelConsumed: s.fuel,
		StartedAt:    s.started,
		DurationMS:   s.duration.Milliseconds(),
	}
	if o := s.Outcome(); o != nil {
		r.ExitCode = o.ExitCode
		r.Detail = o.Detail
	}
	return r
}

func (s *Supervisor) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// finish records o as the outcome unless one exists, and returns the
// recorded outcome.
func (s *Supervisor) finish(o *Outcome) *Outcome {
	if !s.outcome.CompareAndSwap(nil, o) {
		return s.outcome.Load()
	}
	s.state.Store(int32(o.State))
	return o
}

// Run executes the manifest and returns its outcome. A supervisor runs
// once; later calls fail with ErrAlreadyStarted.
func (s *Supervisor) Run(ctx context.Context) *Outcome {
	m := s.opts.Manifest
	if m == nil {
		return s.finish(configError(ErrNoManifest))
	}
	if !s.advance(Idle, Linking) {
		return &Outcome{State: ConfigError, ExitCode: ExitConfigError, Cause: ErrAlreadyStarted, Detail: ErrAlreadyStarted.Error()}
	}
	s.started = s.clock.Now()
	logger := s.logger.With(slog.String("run_id", s.RunID()))

	sess := &session{}
	defer sess.close(context.WithoutCancel(ctx), logger)

	gov, inst, err := s.link(ctx, sess, logger)
	if err != nil {
		logger.Error("link failed", slog.String("error", err.Error()))
		return s.finish(configError(err))
	}
	s.advance(Linking, Governed)

	gv, err := gov.Govern(ctx, inst)
	if err != nil {
		return s.finish(configError(err))
	}
	s.advance(Governed, Running)
	logger.Info("run started",
		slog.String("entry", m.Entry),
		slog.Any("libraries", inst.Libraries()),
	)

	runErr := gv.Run()
	interrupted := gv.Stop()
	s.duration = gv.Elapsed()
	s.fuel = gv.FuelConsumed()

	o := classify(runErr, interrupted)
	logger.Info("run finished",
		slog.String("state", o.State.String()),
		slog.Int("exit_code", o.ExitCode),
		slog.Uint64("fuel_consumed", s.fuel),
		slog.Int64("duration_ms", s.duration.Milliseconds()),
	)
	if o.Cause != nil {
		logger.Debug("run cause", slog.String("error", o.Cause.Error()))
	}
	return s.finish(o)
}

// Limits returns the governor limits a manifest declares.
func Limits(m *config.Manifest) governor.Limits {
	return governor.Limits{
		Fuel:           m.LimitedFuel,
		MemoryPages:    m.LimitedMemory,
		MaxMemoryBytes: m.MaxMemorySize,
		Timeout:        m.Timeout(),
	}
}

// Descriptors converts the manifest modules for the linker.
func Descriptors(m *config.Manifest) []linker.Descriptor {
	descs := make([]linker.Descriptor, 0, len(m.Modules))
	for _, mod := range m.Modules {
		kind := linker.Library
		if mod.Type == config.KindEntry {
			kind = linker.Entry
		}
		descs = append(descs, linker.Descriptor{
			Name: mod.Name,
			Kind: kind,
			Path: m.ModulePath(mod),
			MD5:  mod.MD5,
			Hash: mod.Hash,
		})
	}
	return descs
}

// session holds what a run opened. close releases it in reverse order:
// handles before the instance, the instance before the engine.
type session struct {
	handles   *capability.Handles
	instance  *linker.Instance
	runtime   wazero.Runtime
	listeners []net.Listener
	files     []*os.File
}

func (sess *session) close(ctx context.Context, logger *slog.Logger) {
	if sess.handles != nil {
		if err := sess.handles.CloseAll(); err != nil {
			logger.Warn("closing driver handles", slog.String("error", err.Error()))
		}
	}
	if sess.instance != nil {
		_ = sess.instance.Close(ctx)
	}
	if sess.runtime != nil {
		_ = sess.runtime.Close(ctx)
	}
	for _, l := range sess.listeners {
		_ = l.Close()
	}
	for _, f := range sess.files {
		_ = f.Close()
	}
}

func (s *Supervisor) link(ctx context.Context, sess *session, logger *slog.Logger) (*governor.Governor, *linker.Instance, error) {
	m := s.opts.Manifest

	p, err := m.Policy()
	if err != nil {
		return nil, nil, fmt.Errorf("compiling permissions: %w", err)
	}

	env := &capability.Environment{
		FSRoot:      m.FSRootPath,
		DriversRoot: m.DriversRootPath,
		Listeners:   make(map[string]net.Listener),
		Models:      make(map[string]string),
		Policy:      p,
		Logger:      logger,
	}
	for _, addr := range m.TCPListen {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("binding %s: %w", addr, err)
		}
		sess.listeners = append(sess.listeners, l)
		env.Listeners[addr] = l
	}
	for _, g := range m.NNGraphs {
		name, location, err := config.SplitNNGraph(g)
		if err != nil {
			return nil, nil, err
		}
		env.Models[name] = location
	}

	registry := capability.NewRegistry(p, s.opts.Factories, logger)
	for _, d := range m.Drivers {
		guard, err := d.Guard()
		if err != nil {
			return nil, nil, fmt.Errorf("driver %q: %w", d.Name, err)
		}
		cfg := capability.DriverConfig{Type: d.Type, Options: d.Options, Guard: guard, Env: env}
		if _, err := registry.Register(ctx, d.Name, cfg); err != nil {
			return nil, nil, err
		}
	}
	registry.Seal()

	set, err := linker.Load(Descriptors(m), linker.LoadOptions{})
	if err != nil {
		return nil, nil, err
	}

	gov := governor.New(Limits(m), s.clock, logger)
	if err := gov.Admit(set.InitialMemory()); err != nil {
		return nil, nil, err
	}
	sess.runtime = wazero.NewRuntimeWithConfig(ctx, s.runtimeConfig(gov, logger))
	sess.handles = capability.NewHandles()

	hosts := []linker.HostModule{
		wasiHost{},
		capability.NewABI(registry, sess.handles, logger, gov.Interrupt),
	}
	if m.LimitedFuel != nil {
		hosts = append(hosts, gov.HostModule())
	}

	modCfg, err := s.moduleConfig(sess, p, logger)
	if err != nil {
		return nil, nil, err
	}

	inst, err := linker.Link(gov.Context(ctx), sess.runtime, set, hosts, linker.LinkOptions{
		EntryFunction:      m.Entry,
		UnknownImportsTrap: m.UnknownImportsTrap,
		Transform:          gov.Transform,
		Config:             modCfg,
		Threads:            m.FeatureThread,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}
	sess.instance = inst
	return gov, inst, nil
}

func (s *Supervisor) runtimeConfig(gov *governor.Governor, logger *slog.Logger) wazero.RuntimeConfig {
	m := s.opts.Manifest
	var cfg wazero.RuntimeConfig
	if m.Optimize.OptLevel == "none" {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	cfg = cfg.WithDebugInfoEnabled(m.DebugInfo)
	if m.FeatureThread {
		cfg = cfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
			WithMemoryCapacityFromMax(true)
	}
	if o := m.Optimize; o.PoolingAllocator || o.PoolingTotalMemories > 0 || o.PoolingTotalTables > 0 || o.TableLazyInit {
		logger.Debug("pooling options have no effect on this engine",
			slog.Bool("pooling_allocator", o.PoolingAllocator),
			slog.Any("pooling_total_memories", o.PoolingTotalMemories),
			slog.Any("pooling_total_tables", o.PoolingTotalTables),
			slog.Bool("table_lazy_init", o.TableLazyInit),
		)
	}
	return gov.RuntimeConfig(cfg)
}

func (s *Supervisor) moduleConfig(sess *session, p *policy.Policy, logger *slog.Logger) (wazero.ModuleConfig, error) {
	m := s.opts.Manifest

	argv0 := m.Entry
	for _, mod := range m.Modules {
		if mod.Type == config.KindEntry {
			argv0 = mod.Name
		}
	}
	cfg := wazero.NewModuleConfig().
		WithArgs(append([]string{argv0}, s.opts.Args...)...).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	for _, kv := range m.GuestEnv(s.opts.Environ) {
		cfg = cfg.WithEnv(kv.Key, kv.Value)
	}

	stdin, err := sess.input(m.Stdin, s.opts.Stdin)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		cfg = cfg.WithStdin(stdin)
	}
	stdout, err := sess.output(m.Stdout, s.opts.Stdout)
	if err != nil {
		return nil, err
	}
	if stdout != nil {
		cfg = cfg.WithStdout(stdout)
	}
	stderr, err := sess.output(m.Stderr, s.opts.Stderr)
	if err != nil {
		return nil, err
	}
	if stderr != nil {
		cfg = cfg.WithStderr(stderr)
	}

	var mounts []guestfs.Mount
	if m.FSRootPath != "" {
		mounts = append(mounts, guestfs.Mount{Host: m.FSRootPath, Guest: "/"})
	}
	for _, d := range m.Dirs {
		host, guest, err := config.SplitDirMapping(d)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, guestfs.Mount{Host: host, Guest: guest})
	}
	if len(mounts) > 0 {
		cfg = cfg.WithFSConfig(guestfs.Config(mounts, p, logger))
	}
	return cfg, nil
}

func (sess *session) input(path string, fallback io.Reader) (io.Reader, error) {
	if path == "" {
		return fallback, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	sess.files = append(sess.files, f)
	return f, nil
}

func (sess *session) output(path string, fallback io.Writer) (io.Writer, error) {
	if path == "" {
		return fallback, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	sess.files = append(sess.files, f)
	return f, nil
}

type wasiHost struct{}

func (wasiHost) Name() string { return wasi_snapshot_preview1.ModuleName }

func (wasiHost) Define(b wazero.HostModuleBuilder) {
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(b)
}
