package linker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/wasmbin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/errgroup"
)

const (
	threadsModule      = "wasi"
	sharedMemoryModule = "env"
	// maxThreadID is the largest id wasi-threads allows.
	maxThreadID = 0x1FFFFFFF
)

var errMainReturned = errors.New("main thread returned")

// threads implements wasi.thread-spawn. Each spawned thread is a fresh
// anonymous instance of the entry module sharing env.memory.
type threads struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  errgroup.Group
	next   atomic.Uint32

	failOnce sync.Once
	failure  error
}

func (t *threads) Name() string { return threadsModule }

func (t *threads) Define(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(t.spawn), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithParameterNames("start_arg").
		Export("thread-spawn")
}

// begin returns the context the main thread runs in. Threads run in the
// same context; the first thread failure cancels it.
func (t *threads) begin(ctx context.Context) context.Context {
	t.ctx, t.cancel = context.WithCancelCause(ctx)
	return t.ctx
}

// finish stops remaining threads once the main thread is done and returns
// the error that ended the run.
func (t *threads) finish(mainErr error) error {
	t.cancel(errMainReturned)
	_ = t.group.Wait()
	if t.failure == nil {
		return mainErr
	}
	var exit *sys.ExitError
	if mainErr == nil || (errors.As(mainErr, &exit) && exit.ExitCode() == sys.ExitCodeContextCanceled) {
		return t.failure
	}
	return mainErr
}

func (t *threads) fail(err error) {
	t.failOnce.Do(func() {
		t.failure = err
		t.cancel(err)
	})
}

func (t *threads) spawn(_ context.Context, _ api.Module, stack []uint64) {
	arg := api.DecodeU32(stack[0])
	tid := t.next.Add(1)
	if tid > maxThreadID || t.ctx == nil {
		stack[0] = api.EncodeI32(-1)
		return
	}

	mod, err := t.runtime.InstantiateModule(t.ctx, t.compiled, t.config.WithName("").WithStartFunctions())
	if err != nil {
		t.logger.Warn("thread instantiation failed", slog.Uint64("tid", uint64(tid)), slog.String("error", err.Error()))
		stack[0] = api.EncodeI32(-1)
		return
	}
	start := mod.ExportedFunction("wasi_thread_start")
	if start == nil {
		_ = mod.Close(t.ctx)
		stack[0] = api.EncodeI32(-1)
		return
	}

	ctx := capability.WithThread(t.ctx, tid)
	t.group.Go(func() error {
		defer mod.Close(ctx)
		if _, err := start.Call(ctx, uint64(tid), uint64(arg)); err != nil {
			if context.Cause(t.ctx) == errMainReturned {
				return nil
			}
			t.fail(err)
			return err
		}
		return nil
	})
	t.logger.Debug("thread spawned", slog.Uint64("tid", uint64(tid)))
	stack[0] = api.EncodeI32(int32(tid))
}

// instantiateSharedMemory defines env.memory as shared memory with the
// limits the entry module declares for it.
func instantiateSharedMemory(ctx context.Context, r wazero.Runtime, entryName string, entry wazero.CompiledModule) error {
	for _, def := range entry.ImportedMemories() {
		mod, name, _ := def.Import()
		if mod != sharedMemoryModule || name != "memory" {
			continue
		}
		max, ok := def.Max()
		if !ok {
			return newError(ErrUnresolvedImport, entryName, "shared env.memory must declare a maximum", nil)
		}
		m := &wasmbin.Module{Memories: []wasmbin.Limits{{Min: def.Min(), Max: &max, Shared: true}}}
		m.Export("memory", wasmbin.ExternMemory, 0)
		_, err := r.InstantiateWithConfig(ctx, m.Encode(), wazero.NewModuleConfig().WithName(sharedMemoryModule))
		if err != nil {
			return newError(ErrInstantiate, sharedMemoryModule, "shared memory", err)
		}
		return nil
	}
	return nil
}

// ThreadCount returns how many threads were spawned.
func (i *Instance) ThreadCount() uint32 {
	if i.threads == nil {
		return 0
	}
	return i.threads.next.Load()
}

