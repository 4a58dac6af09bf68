package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VikingOwl91/capsule/internal/policy"
)

// Registry maps driver names to guarded providers. It accepts
// registrations until Seal is called.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]*Guarded
	order     []string
	policy    *policy.Policy
	logger    *slog.Logger
	sealed    bool
}

// NewRegistry returns a registry that builds providers from factories,
// keyed by driver type.
func NewRegistry(p *policy.Policy, factories map[string]Factory, logger *slog.Logger) *Registry {
	return &Registry{
		factories: factories,
		providers: make(map[string]*Guarded),
		policy:    p,
		logger:    logger,
	}
}

// Register constructs and initializes the provider for cfg.Type under name.
func (r *Registry) Register(ctx context.Context, name string, cfg DriverConfig) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, fmt.Errorf("registering %q: %w", name, ErrSealed)
	}
	if _, ok := r.providers[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateDriver, name)
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w %q", name, ErrUnknownType, cfg.Type)
	}
	if cfg.Env != nil && cfg.Env.Policy == nil {
		cfg.Env.Policy = r.policy
	}

	p := factory()
	if err := p.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("initializing driver %q: %w", name, err)
	}

	g := &Guarded{name: name, inner: p, policy: r.policy, guard: cfg.Guard}
	r.providers[name] = g
	r.order = append(r.order, name)
	r.logger.Debug("driver registered", slog.String("driver", name), slog.String("type", cfg.Type))
	return g, nil
}

// Resolve returns the guarded provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return g, nil
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Names returns the registered driver names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
