package flows

import (
	"context"
	"errors"
	"sync"
	"testing"

	"callrouter/internal/domain"
)

type fakeSource struct {
	mu         sync.Mutex
	flows      map[flowKey]domain.CallFlowVersion
	tenants    map[string]domain.Tenant
	flowCalls  int
	tenantHits int
}

func (f *fakeSource) FlowVersion(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowCalls++
	flow, ok := f.flows[flowKey{tenantID, version}]
	if !ok {
		return flow, &domain.ConfigurationMissing{TenantID: tenantID, Version: version}
	}
	return flow, nil
}

func (f *fakeSource) Tenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenantHits++
	t, ok := f.tenants[tenantID]
	if !ok {
		return t, &domain.ConfigurationMissing{TenantID: tenantID}
	}
	return t, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		flows: map[flowKey]domain.CallFlowVersion{
			{"bistro", 1}: {TenantID: "bistro", Version: 1, Prompt: "v1"},
			{"bistro", 2}: {TenantID: "bistro", Version: 2, Prompt: "v2"},
		},
		tenants: map[string]domain.Tenant{
			"bistro": {ID: "bistro", DefaultFlowVersion: 1},
			"empty":  {ID: "empty", DefaultFlowVersion: 5},
		},
	}
}

func TestLoadCachesFlow(t *testing.T) {
	src := newFakeSource()
	r := New(src)

	for i := 0; i < 3; i++ {
		f, err := r.Load(context.Background(), "bistro", 2)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if f.Prompt != "v2" {
			t.Fatalf("unexpected flow: %+v", f)
		}
	}
	if src.flowCalls != 1 {
		t.Fatalf("expected one source call, got %d", src.flowCalls)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	r := New(newFakeSource())

	f, err := r.Load(context.Background(), "bistro", 7)
	if err != nil {
		t.Fatalf("expected fallback to default, got %v", err)
	}
	if f.Version != 1 {
		t.Fatalf("expected default version 1, got %d", f.Version)
	}
}

func TestLoadMissingDefaultReturnsConfigurationMissing(t *testing.T) {
	r := New(newFakeSource())

	_, err := r.Load(context.Background(), "empty", 2)
	var missing *domain.ConfigurationMissing
	if !errors.As(err, &missing) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}

	_, err = r.Load(context.Background(), "ghost", 1)
	if !errors.As(err, &missing) {
		t.Fatalf("expected ConfigurationMissing for unknown tenant, got %v", err)
	}
}

func TestRefreshDropsCache(t *testing.T) {
	src := newFakeSource()
	r := New(src)
	ctx := context.Background()

	if _, err := r.Load(ctx, "bistro", 1); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	src.mu.Lock()
	src.flows[flowKey{"bistro", 1}] = domain.CallFlowVersion{TenantID: "bistro", Version: 1, Prompt: "v1-reloaded"}
	src.mu.Unlock()

	f, _ := r.Load(ctx, "bistro", 1)
	if f.Prompt != "v1" {
		t.Fatalf("expected cached copy before refresh, got %q", f.Prompt)
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	f, _ = r.Load(ctx, "bistro", 1)
	if f.Prompt != "v1-reloaded" {
		t.Fatalf("expected reloaded flow after refresh, got %q", f.Prompt)
	}
}

func TestConcurrentLoads(t *testing.T) {
	r := New(newFakeSource())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			version := 1 + i%2
			f, err := r.Load(context.Background(), "bistro", version)
			if err != nil || f.Version != version {
				t.Errorf("Load(%d) = %+v, %v", version, f, err)
			}
			if i%5 == 0 {
				_ = r.Refresh(context.Background())
			}
		}(i)
	}
	wg.Wait()
}
