// Package governor bounds a guest run by fuel, memory and wall-clock time.
//
// Fuel is consumed at checkpoints the metering package compiles into guest
// code. Memory is capped per memory by the engine's page limit and in
// aggregate by a Budget. The timeout sets an interruption flag and cancels
// the run context; checkpoints, blocking host calls and the engine all
// observe it.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VikingOwl91/capsule/internal/clock"
	"github.com/VikingOwl91/capsule/internal/linker"
	"github.com/VikingOwl91/capsule/internal/metering"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

var (
	ErrFuelExhausted   = errors.New("fuel exhausted")
	ErrTimedOut        = errors.New("execution timed out")
	ErrAlreadyGoverned = errors.New("run is already governed")
	ErrMemoryLimit     = errors.New("initial memory exceeds the memory limit")
)

// Limits are the resource bounds of one run. Nil fields are unbounded.
type Limits struct {
	Fuel           *uint64
	MemoryPages    *uint32
	MaxMemoryBytes *uint64
	Timeout        *time.Duration
}

// Governor holds the meters of one run.
type Governor struct {
	limits Limits
	meter  *Meter
	budget *Budget
	clock  clock.Clock
	logger *slog.Logger

	interrupted atomic.Bool
	governed    atomic.Bool
}

// New returns a governor for limits. A nil clock uses the real one.
func New(limits Limits, clk clock.Clock, logger *slog.Logger) *Governor {
	if clk == nil {
		clk = clock.Real()
	}
	g := &Governor{
		limits: limits,
		meter:  NewMeter(limits.Fuel),
		clock:  clk,
		logger: logger,
	}
	if limits.MaxMemoryBytes != nil {
		g.budget = NewBudget(*limits.MaxMemoryBytes)
	}
	return g
}

// Limits returns the limits the governor enforces.
func (g *Governor) Limits() Limits { return g.limits }

// Meter returns the fuel meter.
func (g *Governor) Meter() *Meter { return g.meter }

// Budget returns the aggregate memory budget, or nil when unbounded.
func (g *Governor) Budget() *Budget { return g.budget }

// Admit checks that memories holding initial bytes fit the aggregate
// budget. Runs that do not fit are refused before instantiation, since
// the engine cannot fail a memory's first allocation.
func (g *Governor) Admit(initial uint64) error {
	if g.budget == nil || initial <= g.budget.limit {
		return nil
	}
	return fmt.Errorf("%w: modules declare %d bytes, max_memory_bytes is %d", ErrMemoryLimit, initial, g.budget.limit)
}

// RuntimeConfig applies the engine-level limits to cfg.
func (g *Governor) RuntimeConfig(cfg wazero.RuntimeConfig) wazero.RuntimeConfig {
	cfg = cfg.WithCloseOnContextDone(true)
	if g.limits.MemoryPages != nil {
		cfg = cfg.WithMemoryLimitPages(*g.limits.MemoryPages)
	}
	return cfg
}

// Context returns ctx carrying the memory allocator. Memories must be
// created under it to be counted.
func (g *Governor) Context(ctx context.Context) context.Context {
	if g.budget == nil {
		return ctx
	}
	return experimental.WithMemoryAllocator(ctx, g.budget)
}

// Transform instruments bin with fuel checkpoints when fuel is bounded.
func (g *Governor) Transform(name string, bin []byte) ([]byte, error) {
	if g.limits.Fuel == nil {
		return bin, nil
	}
	res, err := metering.Instrument(bin, metering.Options{})
	if err != nil {
		return nil, fmt.Errorf("instrumenting %q: %w", name, err)
	}
	if len(res.Dropped) > 0 {
		g.logger.Debug("custom sections dropped by metering", slog.String("module", name), slog.Any("sections", res.Dropped))
	}
	return res.Binary, nil
}

// HostModule returns the module the fuel checkpoints import.
func (g *Governor) HostModule() linker.HostModule { return fuelHost{g} }

type fuelHost struct{ g *Governor }

func (h fuelHost) Name() string { return metering.DefaultModule }

func (h fuelHost) Define(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.g.checkpoint), nil, nil).
		Export(metering.DefaultName)
}

func (g *Governor) checkpoint(ctx context.Context, _ api.Module, _ []uint64) {
	if err := g.Interrupt(ctx); err != nil {
		panic(err)
	}
	if err := g.meter.Consume(1); err != nil {
		panic(err)
	}
}

// Interrupt returns ErrTimedOut once the timeout has fired.
func (g *Governor) Interrupt(context.Context) error {
	if g.interrupted.Load() {
		return ErrTimedOut
	}
	return nil
}

// Interrupted reports whether the timeout fired.
func (g *Governor) Interrupted() bool { return g.interrupted.Load() }

// Governed is a linked instance running under the governor's limits.
type Governed struct {
	g        *Governor
	instance *linker.Instance
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timer    *clock.Timer
	started  time.Time

	stopOnce sync.Once
}

// Govern starts the timeout and returns the governed instance. The timer
// runs from this call, not from Run.
func (g *Governor) Govern(ctx context.Context, inst *linker.Instance) (*Governed, error) {
	if !g.governed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyGoverned
	}
	ctx, cancel := context.WithCancelCause(g.Context(ctx))
	gv := &Governed{g: g, instance: inst, ctx: ctx, cancel: cancel, started: g.clock.Now()}
	if g.limits.Timeout != nil {
		gv.timer = g.clock.AfterFunc(*g.limits.Timeout, gv.expire)
	}
	return gv, nil
}

func (gv *Governed) expire() {
	if gv.g.interrupted.CompareAndSwap(false, true) {
		gv.g.logger.Debug("timeout fired", slog.Duration("limit", *gv.g.limits.Timeout))
		gv.cancel(ErrTimedOut)
	}
}

// Context is the run context. It is cancelled when the timeout fires.
func (gv *Governed) Context() context.Context { return gv.ctx }

// Run runs the instance under the run context.
func (gv *Governed) Run() error {
	return gv.instance.Run(gv.ctx)
}

// Stop disarms the timer and releases the run context. It reports whether
// the timeout had already fired.
func (gv *Governed) Stop() bool {
	gv.stopOnce.Do(func() {
		if gv.timer != nil {
			gv.timer.Stop()
		}
		gv.cancel(context.Canceled)
	})
	return gv.g.interrupted.Load()
}

// Elapsed returns the time since Govern.
func (gv *Governed) Elapsed() time.Duration {
	return gv.g.clock.Now().Sub(gv.started)
}

// FuelConsumed returns the fuel used so far.
func (gv *Governed) FuelConsumed() uint64 {
	return gv.g.meter.Consumed()
}
