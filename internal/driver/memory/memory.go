// Package memory is the host-memory capability driver. It hands guests
// strings the host configured in the manifest, one per target.
package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VikingOwl91/capsule/internal/capability"
)

// Type is the manifest driver type.
const Type = "host-memory"

// Options are the manifest options of a host-memory driver.
type Options struct {
	// Values maps a target name to the string the guest reads from it.
	Values map[string]string `yaml:"values"`
}

// Provider serves configured values.
type Provider struct {
	opts Options
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	return capability.DecodeOptions(cfg.Options, &p.opts)
}

// ConcurrentSafe reports true; values are never modified after Initialize.
func (p *Provider) ConcurrentSafe() bool { return true }

// OpenAccess needs nothing: the values come from the manifest itself.
func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	if _, ok := p.opts.Values[target]; !ok {
		return nil, fmt.Errorf("%w: no value %q", capability.ErrInvalidArgument, target)
	}
	return nil, nil
}

func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	v, ok := p.opts.Values[target]
	if !ok {
		return nil, fmt.Errorf("%w: no value %q", capability.ErrInvalidArgument, target)
	}
	return &resource{value: v}, nil
}

type resource struct {
	value string
}

func (r *resource) Access(string, []byte) ([]capability.Access, error) { return nil, nil }

// Operate handles:
//
//	read  out: the value; a guest must pass a non-empty buffer
//	size  out: the value's length in bytes, decimal
func (r *resource) Operate(ctx context.Context, op string, _ []byte) ([]byte, error) {
	switch op {
	case "read":
		if n, ok := capability.OutputCap(ctx); ok && n == 0 {
			return nil, fmt.Errorf("%w: empty output buffer", capability.ErrInvalidArgument)
		}
		return []byte(r.value), nil
	case "size":
		return strconv.AppendInt(nil, int64(len(r.value)), 10), nil
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

func (r *resource) Close() error { return nil }
