package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libervia/gateway/internal/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrRuntimeClosed = errors.New("runtime is shut down")

// instance pairs a live core with its optional integration adapter.
type instance struct {
	core    *core.Core
	adapter core.IntegrationAdapter
}

// Runtime caches one live core instance per active tenant. Instantiation is
// lazy and deduplicated: concurrent GetOrCreate calls for the same id observe
// the same instance, and at most one core is ever constructed per id.
type Runtime struct {
	registry *Registry
	factory  core.AdapterFactory

	mu        sync.RWMutex
	instances map[string]*instance
	closed    bool

	group singleflight.Group
}

// NewRuntime builds the cache. factory may be nil when no integration
// adapter is wired.
func NewRuntime(registry *Registry, factory core.AdapterFactory) *Runtime {
	return &Runtime{
		registry:  registry,
		factory:   factory,
		instances: make(map[string]*instance),
	}
}

// GetOrCreate returns the cached instance or lazily boots one. Suspended and
// deleted tenants are rejected with distinct errors.
func (rt *Runtime) GetOrCreate(ctx context.Context, id string) (*core.Core, error) {
	rt.mu.RLock()
	if rt.closed {
		rt.mu.RUnlock()
		return nil, ErrRuntimeClosed
	}
	if inst, ok := rt.instances[id]; ok {
		rt.mu.RUnlock()
		inst.core.Touch()
		return inst.core, nil
	}
	rt.mu.RUnlock()

	v, err, _ := rt.group.Do(id, func() (any, error) {
		// Double check: a concurrent creator may have won before we entered
		// the flight.
		rt.mu.RLock()
		if inst, ok := rt.instances[id]; ok {
			rt.mu.RUnlock()
			return inst.core, nil
		}
		rt.mu.RUnlock()

		return rt.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Core), nil
}

func (rt *Runtime) create(ctx context.Context, id string) (*core.Core, error) {
	t, err := rt.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusSuspended:
		return nil, fmt.Errorf("%w: %s", ErrTenantSuspended, id)
	case StatusDeleted:
		return nil, fmt.Errorf("%w: %s", ErrTenantDeleted, id)
	}

	dataDir, err := ResolveTenantDataDir(rt.registry.GetBaseDir(), id, true)
	if err != nil {
		return nil, err
	}

	c, err := core.Open(id, dataDir)
	if err != nil {
		return nil, fmt.Errorf("cannot boot core for %s: %w", id, err)
	}

	inst := &instance{core: c}
	if rt.factory != nil {
		adapter, err := rt.factory(id, dataDir, c)
		if err != nil {
			return nil, fmt.Errorf("adapter construction failed for %s: %w", id, err)
		}
		if adapter != nil {
			if err := adapter.Init(ctx); err != nil {
				return nil, fmt.Errorf("adapter init failed for %s: %w", id, err)
			}
			inst.adapter = adapter
		}
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	rt.instances[id] = inst
	rt.mu.Unlock()

	log.Info().Str("tenant_id", id).Msg("tenant instance started")
	return c, nil
}

// Get returns the cached instance without creating one.
func (rt *Runtime) Get(id string) (*core.Core, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	inst, ok := rt.instances[id]
	if !ok {
		return nil, false
	}
	return inst.core, true
}

// IsActive reports whether an instance is currently cached.
func (rt *Runtime) IsActive(id string) bool {
	_, ok := rt.Get(id)
	return ok
}

// ListActive returns the ids of all cached instances.
func (rt *Runtime) ListActive() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.instances))
	for id := range rt.instances {
		ids = append(ids, id)
	}
	return ids
}

// InstanceCount returns the number of live instances.
func (rt *Runtime) InstanceCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.instances)
}

// Shutdown evicts one tenant's instance, calling the adapter hook first.
// Shutting down an absent tenant is a no-op.
func (rt *Runtime) Shutdown(ctx context.Context, id string) error {
	rt.mu.Lock()
	inst, ok := rt.instances[id]
	if ok {
		delete(rt.instances, id)
	}
	rt.mu.Unlock()
	if !ok {
		return nil
	}

	if inst.adapter != nil {
		if err := inst.adapter.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("tenant_id", id).Msg("adapter shutdown failed")
			return err
		}
	}
	log.Info().Str("tenant_id", id).Msg("tenant instance stopped")
	return nil
}

// ShutdownAll stops every instance in parallel and marks the runtime closed.
func (rt *Runtime) ShutdownAll(ctx context.Context) error {
	rt.mu.Lock()
	rt.closed = true
	ids := make([]string, 0, len(rt.instances))
	for id := range rt.instances {
		ids = append(ids, id)
	}
	rt.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return rt.Shutdown(ctx, id)
		})
	}
	return g.Wait()
}

// Metrics returns one tenant's instance metrics.
func (rt *Runtime) Metrics(id string) (map[string]any, error) {
	c, ok := rt.Get(id)
	if !ok {
		return nil, fmt.Errorf("no active instance for %s", id)
	}
	return c.Metrics(), nil
}

// AllMetrics returns metrics for every live instance, keyed by tenant.
func (rt *Runtime) AllMetrics() map[string]map[string]any {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[string]map[string]any, len(rt.instances))
	for id, inst := range rt.instances {
		out[id] = inst.core.Metrics()
	}
	return out
}

// IsHealthy reports instance health; an absent instance is unhealthy.
func (rt *Runtime) IsHealthy(id string) bool {
	c, ok := rt.Get(id)
	return ok && c.Healthy()
}
