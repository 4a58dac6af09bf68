package capability

import (
	"context"
	"fmt"

	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/tidwall/gjson"
)

// Guarded checks every access of the wrapped provider against the policy
// and the driver's guard before the provider sees the call.
type Guarded struct {
	name   string
	inner  Provider
	policy *policy.Policy
	guard  *policy.Guard
}

// Name returns the driver name.
func (g *Guarded) Name() string { return g.name }

// Initialize is a no-op; the registry initializes the wrapped provider.
func (g *Guarded) Initialize(context.Context, DriverConfig) error { return nil }

func (g *Guarded) OpenAccess(target string, opts []byte) ([]Access, error) {
	return g.inner.OpenAccess(target, opts)
}

// ConcurrentSafe reports whether the wrapped provider declared itself safe
// for use across guest threads.
func (g *Guarded) ConcurrentSafe() bool {
	cs, ok := g.inner.(ConcurrentSafe)
	return ok && cs.ConcurrentSafe()
}

func (g *Guarded) Open(ctx context.Context, target string, opts []byte) (Resource, error) {
	accesses, err := g.inner.OpenAccess(target, opts)
	if err != nil {
		return nil, fmt.Errorf("driver %q: %w", g.name, err)
	}
	kind := policy.Read
	if len(accesses) > 0 {
		kind = accesses[0].Kind
	}
	if err := g.authorize(ctx, "open", target, kind, accesses, opts); err != nil {
		return nil, err
	}
	res, err := g.inner.Open(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("driver %q: open %q: %w", g.name, target, err)
	}
	return &guardedResource{g: g, target: target, kind: kind, inner: res}, nil
}

func (g *Guarded) authorize(ctx context.Context, op, target string, kind policy.Kind, accesses []Access, args []byte) error {
	info := logging.GetAuditInfo(ctx)
	if info != nil {
		info.Driver = g.name
		info.Target = target
	}

	for _, a := range accesses {
		effect, rule := g.policy.Evaluate(a.Kind, a.Resource)
		if info != nil {
			info.PolicyEffect = effect.String()
			info.PolicyRule = rule
		}
		if effect != policy.Allow {
			return fmt.Errorf("%w: %s %s (%s)", ErrPermissionDenied, a.Kind, a.Resource, rule)
		}
	}

	if g.guard == nil {
		return nil
	}
	req := policy.GuardRequest{
		Driver:  g.name,
		Op:      op,
		Kind:    kind,
		Target:  target,
		Options: jsonObject(args),
	}
	effect, rule := g.guard.Evaluate(req)
	if effect != policy.Allow {
		if info != nil {
			info.PolicyEffect = effect.String()
			info.PolicyRule = "guard:" + rule
		}
		return fmt.Errorf("%w: guard %q on %s %s", ErrPermissionDenied, rule, op, target)
	}
	return nil
}

// jsonObject returns b decoded as a JSON object, or nil.
func jsonObject(b []byte) map[string]any {
	if len(b) == 0 || !gjson.ValidBytes(b) {
		return nil
	}
	m, _ := gjson.ParseBytes(b).Value().(map[string]any)
	return m
}

type guardedResource struct {
	g      *Guarded
	target string
	kind   policy.Kind
	inner  Resource
}

func (r *guardedResource) Access(op string, in []byte) ([]Access, error) {
	return r.inner.Access(op, in)
}

func (r *guardedResource) Operate(ctx context.Context, op string, in []byte) ([]byte, error) {
	accesses, err := r.inner.Access(op, in)
	if err != nil {
		return nil, fmt.Errorf("driver %q: %s: %w", r.g.name, op, err)
	}
	kind := r.kind
	if len(accesses) > 0 {
		kind = accesses[0].Kind
	}
	if err := r.g.authorize(ctx, op, r.target, kind, accesses, in); err != nil {
		return nil, err
	}
	return r.inner.Operate(ctx, op, in)
}

func (r *guardedResource) Close() error {
	return r.inner.Close()
}
