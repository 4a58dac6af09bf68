package governor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/VikingOwl91/capsule/internal/clock"
	"github.com/VikingOwl91/capsule/internal/governor"
	"github.com/VikingOwl91/capsule/internal/linker"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/wasmbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
)

func ptr[T any](v T) *T { return &v }

// countdown runs a loop n times from _start.
func countdown(n int32) []byte {
	m := &wasmbin.Module{}
	body := wasmbin.Concat(
		wasmbin.I32Const(n),
		[]byte{wasmbin.OpLocalSet, 0x00},
		[]byte{wasmbin.OpLoop, wasmbin.BlockEmpty},
		wasmbin.LocalGet(0),
		wasmbin.I32Const(1),
		[]byte{wasmbin.OpI32Sub, wasmbin.OpLocalTee, 0x00},
		[]byte{wasmbin.OpBrIf, 0x00},
		[]byte{wasmbin.OpEnd},
	)
	f := m.AddFunc(nil, nil, []byte{wasmbin.I32}, body)
	m.Export("_start", wasmbin.ExternFunc, f)
	return m.Encode()
}

func spin() []byte {
	m := &wasmbin.Module{}
	f := m.AddFunc(nil, nil, nil, []byte{wasmbin.OpLoop, wasmbin.BlockEmpty, wasmbin.OpBr, 0x00, wasmbin.OpEnd})
	m.Export("_start", wasmbin.ExternFunc, f)
	return m.Encode()
}

// grower exports grow(pages) -> previous size or -1, with one initial page.
func grower() []byte {
	m := &wasmbin.Module{}
	m.Memories = []wasmbin.Limits{{Min: 1}}
	grow := m.AddFunc([]byte{wasmbin.I32}, []byte{wasmbin.I32}, nil,
		wasmbin.Concat(wasmbin.LocalGet(0), []byte{wasmbin.OpMemoryGrow, 0x00}))
	m.Export("grow", wasmbin.ExternFunc, grow)
	start := m.AddFunc(nil, nil, nil, nil)
	m.Export("_start", wasmbin.ExternFunc, start)
	return m.Encode()
}

// sharedGrower is grower with a shared memory of at most four pages.
func sharedGrower() []byte {
	four := uint32(4)
	m := &wasmbin.Module{}
	m.Memories = []wasmbin.Limits{{Min: 1, Max: &four, Shared: true}}
	grow := m.AddFunc([]byte{wasmbin.I32}, []byte{wasmbin.I32}, nil,
		wasmbin.Concat(wasmbin.LocalGet(0), []byte{wasmbin.OpMemoryGrow, 0x00}))
	m.Export("grow", wasmbin.ExternFunc, grow)
	return m.Encode()
}

type run struct {
	ctx     context.Context
	runtime wazero.Runtime
	gov     *governor.Governor
	inst    *linker.Instance
}

func setup(t *testing.T, bin []byte, limits governor.Limits, clk clock.Clock) *run {
	t.Helper()
	ctx := context.Background()
	gov := governor.New(limits, clk, logging.Discard())
	r := wazero.NewRuntimeWithConfig(ctx, gov.RuntimeConfig(wazero.NewRuntimeConfig()))
	t.Cleanup(func() { r.Close(ctx) })

	set, err := linker.Load([]linker.Descriptor{{Name: "app", Kind: linker.Entry, Source: bin}}, linker.LoadOptions{})
	require.NoError(t, err)
	inst, err := linker.Link(gov.Context(ctx), r, set, []linker.HostModule{gov.HostModule()}, linker.LinkOptions{Transform: gov.Transform})
	require.NoError(t, err)
	return &run{ctx: ctx, runtime: r, gov: gov, inst: inst}
}

func TestFuel_Exhausted(t *testing.T) {
	rn := setup(t, countdown(5000), governor.Limits{Fuel: ptr(uint64(2000))}, nil)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)

	err = gv.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, governor.ErrFuelExhausted)
	assert.Equal(t, uint64(2000), gv.FuelConsumed())
	remaining, bounded := rn.gov.Meter().Remaining()
	assert.True(t, bounded)
	assert.Zero(t, remaining)
}

func TestFuel_Sufficient(t *testing.T) {
	rn := setup(t, countdown(5), governor.Limits{Fuel: ptr(uint64(100))}, nil)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)
	require.NoError(t, gv.Run())
	assert.Equal(t, uint64(6), gv.FuelConsumed())
	assert.False(t, gv.Stop())
}

func TestFuel_UnboundedSkipsInstrumentation(t *testing.T) {
	gov := governor.New(governor.Limits{}, nil, logging.Discard())
	bin := countdown(3)
	out, err := gov.Transform("app", bin)
	require.NoError(t, err)
	assert.Equal(t, bin, out)
}

func TestMemoryPages(t *testing.T) {
	rn := setup(t, grower(), governor.Limits{MemoryPages: ptr(uint32(2))}, nil)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)
	require.NoError(t, gv.Run())

	mod, err := rn.runtime.InstantiateWithConfig(gv.Context(), grower(), wazero.NewModuleConfig().WithName("probe"))
	require.NoError(t, err)
	grow := mod.ExportedFunction("grow")

	res, err := grow.Call(gv.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0])

	res, err = grow.Call(gv.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), int32(res[0]))
}

func TestMemoryBudget(t *testing.T) {
	limit := uint64(3 * 65536)
	rn := setup(t, grower(), governor.Limits{MaxMemoryBytes: &limit}, nil)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)

	// Two memories of one page each share the three-page budget.
	a, err := rn.runtime.InstantiateWithConfig(gv.Context(), grower(), wazero.NewModuleConfig().WithName("a"))
	require.NoError(t, err)
	b, err := rn.runtime.InstantiateWithConfig(gv.Context(), grower(), wazero.NewModuleConfig().WithName("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2*65536), rn.gov.Budget().Used())

	res, err := a.ExportedFunction("grow").Call(gv.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0])

	res, err = b.ExportedFunction("grow").Call(gv.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), int32(res[0]))

	assert.Equal(t, uint64(3*65536), rn.gov.Budget().Peak())
}

func TestMemoryBudget_SharedMemoryGrowsInPlace(t *testing.T) {
	ctx := context.Background()
	limit := uint64(3 * 65536)
	gov := governor.New(governor.Limits{MaxMemoryBytes: &limit}, nil, logging.Discard())
	cfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithMemoryCapacityFromMax(true)
	r := wazero.NewRuntimeWithConfig(ctx, gov.RuntimeConfig(cfg))
	t.Cleanup(func() { r.Close(ctx) })

	mod, err := r.InstantiateWithConfig(gov.Context(ctx), sharedGrower(), wazero.NewModuleConfig())
	require.NoError(t, err)
	grow := mod.ExportedFunction("grow")

	for want := uint64(1); want < 3; want++ {
		res, err := grow.Call(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, res[0])
	}
	// The memory maximum allows a fourth page; the budget does not.
	res, err := grow.Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), int32(res[0]))
	assert.Equal(t, limit, gov.Budget().Used())
}

func TestAdmit(t *testing.T) {
	limit := uint64(2 * 65536)
	gov := governor.New(governor.Limits{MaxMemoryBytes: &limit}, nil, logging.Discard())
	assert.NoError(t, gov.Admit(limit))
	assert.ErrorIs(t, gov.Admit(limit+1), governor.ErrMemoryLimit)

	unbounded := governor.New(governor.Limits{}, nil, logging.Discard())
	assert.NoError(t, unbounded.Admit(1<<40))
}

func TestBudget_FreeReleases(t *testing.T) {
	b := governor.NewBudget(2 * 65536)
	m := b.Allocate(0, 4*65536)
	require.Len(t, m.Reallocate(65536), 65536, "first allocation is granted")
	require.Len(t, m.Reallocate(2*65536), 2*65536)
	assert.Nil(t, m.Reallocate(3*65536))
	assert.Nil(t, m.Reallocate(5*65536), "beyond the memory maximum")

	other := b.Allocate(0, 65536)
	require.NotNil(t, other.Reallocate(65536))
	assert.Equal(t, uint64(3*65536), b.Used())
	assert.Nil(t, other.Reallocate(65536+1))

	m.Free()
	assert.Equal(t, uint64(65536), b.Used())
	assert.Equal(t, uint64(3*65536), b.Peak())
}

func TestTimeout_InterruptsSpinningGuest(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rn := setup(t, spin(), governor.Limits{Timeout: ptr(50 * time.Millisecond)}, clk)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, clk.Pending())

	done := make(chan error, 1)
	go func() { done <- gv.Run() }()

	clk.Advance(50 * time.Millisecond)
	err = <-done
	require.Error(t, err)
	assert.True(t, rn.gov.Interrupted())
	assert.True(t, gv.Stop())
	assert.Equal(t, 50*time.Millisecond, gv.Elapsed())

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		assert.Equal(t, sys.ExitCodeContextCanceled, exit.ExitCode())
	}
}

func TestTimeout_CheckpointObservesFlag(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rn := setup(t, spin(), governor.Limits{Fuel: ptr(uint64(1 << 40)), Timeout: ptr(time.Second)}, clk)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- gv.Run() }()
	clk.Advance(time.Second)

	err = <-done
	require.Error(t, err)
	assert.True(t, rn.gov.Interrupted())
	assert.ErrorIs(t, rn.gov.Interrupt(context.Background()), governor.ErrTimedOut)
	assert.Less(t, gv.FuelConsumed(), uint64(1<<40))
}

func TestTimeout_StopBeforeExpiry(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rn := setup(t, countdown(1), governor.Limits{Timeout: ptr(time.Second)}, clk)
	gv, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)
	require.NoError(t, gv.Run())

	assert.False(t, gv.Stop())
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Hour)
	assert.False(t, rn.gov.Interrupted())
}

func TestGovern_Once(t *testing.T) {
	rn := setup(t, countdown(1), governor.Limits{}, nil)
	_, err := rn.gov.Govern(rn.ctx, rn.inst)
	require.NoError(t, err)
	_, err = rn.gov.Govern(rn.ctx, rn.inst)
	assert.ErrorIs(t, err, governor.ErrAlreadyGoverned)
}

func TestMeter(t *testing.T) {
	unbounded := governor.NewMeter(nil)
	require.NoError(t, unbounded.Consume(1<<62))
	_, bounded := unbounded.Remaining()
	assert.False(t, bounded)

	m := governor.NewMeter(ptr(uint64(10)))
	require.NoError(t, m.Consume(7))
	assert.ErrorIs(t, m.Consume(4), governor.ErrFuelExhausted)
	assert.Equal(t, uint64(7), m.Consumed(), "a failed consume takes nothing")
	require.NoError(t, m.Consume(3))
	remaining, _ := m.Remaining()
	assert.Zero(t, remaining)
	assert.ErrorIs(t, m.Consume(1), governor.ErrFuelExhausted)

	zero := governor.NewMeter(ptr(uint64(0)))
	assert.ErrorIs(t, zero.Consume(1), governor.ErrFuelExhausted)
}

func TestMeter_Concurrent(t *testing.T) {
	m := governor.NewMeter(ptr(uint64(1000)))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if m.Consume(1) == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, ok)
	assert.Equal(t, uint64(1000), m.Consumed())
}
