package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the import module guests use to reach drivers.
const ModuleName = "capsule_driver"

// Errno values returned to the guest.
const (
	ErrnoOK uint32 = iota
	ErrnoPermissionDenied
	ErrnoRuntime
	ErrnoBadHandle
	ErrnoInvalidArgument
	ErrnoBufferTooSmall
	ErrnoUnknownDriver
	ErrnoBusy
)

// ABI exports open, operate and close to guests.
type ABI struct {
	registry *Registry
	handles  *Handles
	call     logging.Middleware
	// interrupt is consulted when a host call returns. A non-nil error
	// aborts the guest.
	interrupt func(context.Context) error
}

// NewABI returns the driver host module for one run.
func NewABI(registry *Registry, handles *Handles, logger *slog.Logger, interrupt func(context.Context) error) *ABI {
	if interrupt == nil {
		interrupt = func(context.Context) error { return nil }
	}
	return &ABI{
		registry:  registry,
		handles:   handles,
		call:      logging.NewHostCallMiddleware(logger),
		interrupt: interrupt,
	}
}

// Name returns ModuleName.
func (a *ABI) Name() string { return ModuleName }

// Instantiate defines and instantiates the host module in r.
func (a *ABI) Instantiate(ctx context.Context, r wazero.Runtime) error {
	b := r.NewHostModuleBuilder(ModuleName)
	a.Define(b)
	_, err := b.Instantiate(ctx)
	return err
}

// Define adds open, operate and close to b.
func (a *ABI) Define(b wazero.HostModuleBuilder) {
	i32 := api.ValueTypeI32
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(a.open), []api.ValueType{i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("name_ptr", "name_len", "target_ptr", "target_len", "opts_ptr", "opts_len", "handle_out").
		Export("open")
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(a.operate), []api.ValueType{i32, i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("handle", "op_ptr", "op_len", "in_ptr", "in_len", "out_ptr", "out_cap", "out_len_ptr").
		Export("operate")
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(a.close), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("handle").
		Export("close")
}

func (a *ABI) open(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	name, ok1 := readBytes(mem, stack[0], stack[1])
	target, ok2 := readBytes(mem, stack[2], stack[3])
	opts, ok3 := readBytes(mem, stack[4], stack[5])
	handleOut := api.DecodeU32(stack[6])

	err := a.call(func(ctx context.Context, _ string) error {
		if !ok1 || !ok2 || !ok3 {
			return ErrInvalidArgument
		}
		p, err := a.registry.Resolve(string(name))
		if err != nil {
			return err
		}
		res, err := p.Open(ctx, string(target), opts)
		if err != nil {
			return err
		}
		shared := false
		if cs, ok := p.(ConcurrentSafe); ok {
			shared = cs.ConcurrentSafe()
		}
		id, err := a.handles.Insert(string(name), res, ThreadFrom(ctx), shared)
		if err != nil {
			_ = res.Close()
			return err
		}
		if !mem.WriteUint32Le(handleOut, id) {
			_, _ = a.handles.Remove(id, ThreadFrom(ctx))
			_ = res.Close()
			return ErrInvalidArgument
		}
		return nil
	})(ctx, "open")

	a.finish(ctx, stack, errnoOf(err))
}

func (a *ABI) operate(ctx context.Context, mod api.Module, stack []uint64) {
	mem := mod.Memory()
	id := api.DecodeU32(stack[0])
	op, ok1 := readBytes(mem, stack[1], stack[2])
	in, ok2 := readBytes(mem, stack[3], stack[4])
	outPtr := api.DecodeU32(stack[5])
	outCap := api.DecodeU32(stack[6])
	outLenPtr := api.DecodeU32(stack[7])

	errno := ErrnoOK
	err := a.call(func(ctx context.Context, _ string) error {
		if !ok1 || !ok2 {
			return ErrInvalidArgument
		}
		h, err := a.handles.Get(id, ThreadFrom(ctx))
		if err != nil {
			return err
		}
		if info := logging.GetAuditInfo(ctx); info != nil {
			info.Driver = h.Driver
		}
		out, ok := h.takePending(string(op))
		if !ok || len(in) > 0 {
			if out, err = h.Resource.Operate(ctx, string(op), in); err != nil {
				return err
			}
		}
		if !mem.WriteUint32Le(outLenPtr, uint32(len(out))) {
			return ErrInvalidArgument
		}
		if uint32(len(out)) > outCap {
			h.keepPending(string(op), out)
			errno = ErrnoBufferTooSmall
			return nil
		}
		if len(out) > 0 && !mem.Write(outPtr, out) {
			return ErrInvalidArgument
		}
		return nil
	})(WithOutputCap(ctx, outCap), string(op))

	if err != nil {
		errno = errnoOf(err)
	}
	a.finish(ctx, stack, errno)
}

func (a *ABI) close(ctx context.Context, _ api.Module, stack []uint64) {
	id := api.DecodeU32(stack[0])
	err := a.call(func(ctx context.Context, _ string) error {
		res, err := a.handles.Remove(id, ThreadFrom(ctx))
		if err != nil {
			return err
		}
		if err := res.Close(); err != nil {
			return fmt.Errorf("closing handle %d: %w", id, err)
		}
		return nil
	})(ctx, "close")
	a.finish(ctx, stack, errnoOf(err))
}

// finish stores errno as the result, unless the run was interrupted while
// the call blocked.
func (a *ABI) finish(ctx context.Context, stack []uint64, errno uint32) {
	if err := a.interrupt(ctx); err != nil {
		panic(err)
	}
	stack[0] = api.EncodeU32(errno)
}

func readBytes(mem api.Memory, ptr, n uint64) ([]byte, bool) {
	if mem == nil {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	b, ok := mem.Read(api.DecodeU32(ptr), api.DecodeU32(n))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func errnoOf(err error) uint32 {
	switch {
	case err == nil:
		return ErrnoOK
	case errors.Is(err, ErrPermissionDenied):
		return ErrnoPermissionDenied
	case errors.Is(err, ErrBadHandle):
		return ErrnoBadHandle
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnsupportedOp):
		return ErrnoInvalidArgument
	case errors.Is(err, ErrUnknownDriver):
		return ErrnoUnknownDriver
	case errors.Is(err, ErrBusy):
		return ErrnoBusy
	default:
		return ErrnoRuntime
	}
}
