package flows

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"callrouter/internal/domain"
)

type Source interface {
	FlowVersion(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error)
	Tenant(ctx context.Context, tenantID string) (domain.Tenant, error)
}

type flowKey struct {
	tenantID string
	version  int
}

type cache struct {
	flows   map[flowKey]domain.CallFlowVersion
	tenants map[string]domain.Tenant
}

func (c *cache) with(fn func(next *cache)) *cache {
	next := &cache{
		flows:   make(map[flowKey]domain.CallFlowVersion, len(c.flows)+1),
		tenants: make(map[string]domain.Tenant, len(c.tenants)+1),
	}
	for k, v := range c.flows {
		next.flows[k] = v
	}
	for k, v := range c.tenants {
		next.tenants[k] = v
	}
	fn(next)
	return next
}

// Resolver caches flow versions and tenants. Readers load the current map
// without locking; misses are filled by copying the map and swapping it in,
// so a published map is never written again.
type Resolver struct {
	source  Source
	current atomic.Pointer[cache]
	mu      sync.Mutex
}

func New(source Source) *Resolver {
	r := &Resolver{source: source}
	r.current.Store(emptyCache())
	return r
}

func emptyCache() *cache {
	return &cache{flows: map[flowKey]domain.CallFlowVersion{}, tenants: map[string]domain.Tenant{}}
}

// Load returns the requested flow version. When it is missing the tenant's
// default version is used instead and a warning is logged; the error is only
// returned when the default cannot be loaded either.
func (r *Resolver) Load(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error) {
	flow, err := r.loadExact(ctx, tenantID, version)
	if err == nil {
		return flow, nil
	}
	var missing *domain.ConfigurationMissing
	if !errors.As(err, &missing) {
		return domain.CallFlowVersion{}, err
	}

	tenant, terr := r.Tenant(ctx, tenantID)
	if terr != nil {
		return domain.CallFlowVersion{}, fmt.Errorf("%w (tenant lookup: %v)", err, terr)
	}
	if tenant.DefaultFlowVersion == version || tenant.DefaultFlowVersion == 0 {
		return domain.CallFlowVersion{}, err
	}
	log.Printf("flows warning: tenant=%s version=%d missing, falling back to default version=%d",
		tenantID, version, tenant.DefaultFlowVersion)
	return r.loadExact(ctx, tenantID, tenant.DefaultFlowVersion)
}

func (r *Resolver) loadExact(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error) {
	key := flowKey{tenantID: tenantID, version: version}
	if f, ok := r.current.Load().flows[key]; ok {
		return f, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.current.Load().flows[key]; ok {
		return f, nil
	}
	f, err := r.source.FlowVersion(ctx, tenantID, version)
	if err != nil {
		return domain.CallFlowVersion{}, err
	}
	r.current.Store(r.current.Load().with(func(next *cache) {
		next.flows[key] = f
	}))
	return f, nil
}

func (r *Resolver) Tenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	if t, ok := r.current.Load().tenants[tenantID]; ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.current.Load().tenants[tenantID]; ok {
		return t, nil
	}
	t, err := r.source.Tenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, err
	}
	r.current.Store(r.current.Load().with(func(next *cache) {
		next.tenants[tenantID] = t
	}))
	return t, nil
}

// Refresh drops every cached entry. Calls already holding a flow keep using
// it; new lookups reload from the source.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current.Swap(emptyCache())
	log.Printf("flows cache cleared flows=%d tenants=%d", len(old.flows), len(old.tenants))
	return nil
}
