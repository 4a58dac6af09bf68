// Package capability holds the drivers a guest reaches through host calls.
//
// A Provider is constructed from the manifest before any guest code runs,
// wrapped so every open and operation is checked against the compiled
// permission policy, and exposed to guests through numbered handles.
package capability

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/VikingOwl91/capsule/internal/policy"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownDriver    = errors.New("unknown driver")
	ErrUnknownType      = errors.New("unknown driver type")
	ErrDuplicateDriver  = errors.New("duplicate driver name")
	ErrSealed           = errors.New("registry is sealed")
	ErrBadHandle        = errors.New("bad handle")
	ErrBusy             = errors.New("handle owned by another thread")
	ErrUnsupportedOp    = errors.New("unsupported operation")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Access is one permission an operation needs.
type Access struct {
	Kind     policy.Kind
	Resource string
}

// Provider is one configured driver. Implementations are not safe for
// concurrent Open calls unless they also implement ConcurrentSafe.
type Provider interface {
	Initialize(ctx context.Context, cfg DriverConfig) error
	// OpenAccess lists the permissions opening target requires.
	OpenAccess(target string, opts []byte) ([]Access, error)
	Open(ctx context.Context, target string, opts []byte) (Resource, error)
}

// Resource is an open driver object behind a guest handle.
type Resource interface {
	// Access lists the permissions op requires beyond those checked at
	// open time. It may return nil.
	Access(op string, in []byte) ([]Access, error)
	Operate(ctx context.Context, op string, in []byte) ([]byte, error)
	Close() error
}

// ConcurrentSafe is implemented by providers whose resources may be used
// from any guest thread.
type ConcurrentSafe interface {
	ConcurrentSafe() bool
}

// Environment is the host state shared by every driver of a run.
type Environment struct {
	FSRoot      string
	DriversRoot string
	// Listeners are pre-bound sockets keyed by their configured address.
	Listeners map[string]net.Listener
	// Models maps preloaded model names to their location.
	Models map[string]string
	Policy *policy.Policy
	Logger *slog.Logger
}

// DriverConfig configures one provider.
type DriverConfig struct {
	Type    string
	Options map[string]any
	Guard   *policy.Guard
	Env     *Environment
}

// Factory creates an uninitialized provider.
type Factory func() Provider

type threadKey struct{}

// WithThread marks ctx as running on guest thread tid. The main thread is 0.
func WithThread(ctx context.Context, tid uint32) context.Context {
	return context.WithValue(ctx, threadKey{}, tid)
}

// ThreadFrom returns the guest thread id carried by ctx.
func ThreadFrom(ctx context.Context) uint32 {
	tid, _ := ctx.Value(threadKey{}).(uint32)
	return tid
}

type outputCapKey struct{}

// WithOutputCap records the size of the guest buffer an operation's
// output is copied into.
func WithOutputCap(ctx context.Context, n uint32) context.Context {
	return context.WithValue(ctx, outputCapKey{}, n)
}

// OutputCap returns the guest output buffer size, if the call came from a
// guest.
func OutputCap(ctx context.Context) (uint32, bool) {
	n, ok := ctx.Value(outputCapKey{}).(uint32)
	return n, ok
}
