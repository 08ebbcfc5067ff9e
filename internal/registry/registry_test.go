package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"callrouter/internal/domain"
)

type fakeSource struct {
	numbers []domain.PhoneNumber
	err     error
}

func (f *fakeSource) PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error) {
	return f.numbers, f.err
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSource) {
	t.Helper()
	src := &fakeSource{numbers: []domain.PhoneNumber{
		{E164: "+15551230000", Provider: "twilio", TenantID: "bistro", FlowVersion: 2, Status: domain.NumberStatusActive},
		{E164: "+442071234567", Provider: "acs", TenantID: "pub", FlowVersion: 1, Status: domain.NumberStatusActive},
		{E164: "+15559990000", Provider: "twilio", TenantID: "closed", FlowVersion: 1, Status: domain.NumberStatusSuspended},
		{E164: "not-a-number", Provider: "twilio", TenantID: "bad", FlowVersion: 1, Status: domain.NumberStatusActive},
	}}
	r := New(src)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return r, src
}

func TestLookupRegisteredNumber(t *testing.T) {
	r, _ := newTestRegistry(t)

	b, err := r.Lookup("+1 (555) 123-0000")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if b.TenantID != "bistro" || b.FlowVersion != 2 || b.Provider != "twilio" {
		t.Fatalf("unexpected binding: %+v", b)
	}
}

func TestLookupFailures(t *testing.T) {
	r, _ := newTestRegistry(t)

	cases := map[string]string{
		"malformed":    "555-1234",
		"leading zero": "+0123456789",
		"too long":     "+1234567890123456",
		"unregistered": "+15550000000",
		"suspended":    "+15559990000",
		"empty":        "",
	}
	for name, number := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Lookup(number)
			var invalid *domain.InvalidNumberError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidNumberError for %q, got %v", number, err)
			}
		})
	}
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	r, src := newTestRegistry(t)
	if len(r.List()) != 3 {
		t.Fatalf("expected 3 numbers after skipping malformed entry, got %d", len(r.List()))
	}

	src.numbers = []domain.PhoneNumber{
		{E164: "+15551230000", Provider: "twilio", TenantID: "bistro", FlowVersion: 3, Status: domain.NumberStatusActive},
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	b, err := r.Lookup("+15551230000")
	if err != nil || b.FlowVersion != 3 {
		t.Fatalf("expected refreshed binding, got %+v err=%v", b, err)
	}
	if _, err := r.Lookup("+442071234567"); err == nil {
		t.Fatal("expected removed number to be unregistered")
	}
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	r, src := newTestRegistry(t)
	src.err = errors.New("db down")
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected Refresh to return source error")
	}
	if _, err := r.Lookup("+15551230000"); err != nil {
		t.Fatalf("expected previous snapshot to stay live, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].E164 > list[i].E164 {
			t.Fatalf("list not sorted: %v", list)
		}
	}
}

func TestConcurrentLookupDuringRefresh(t *testing.T) {
	r, _ := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := r.Lookup("+15551230000"); err != nil {
					t.Errorf("Lookup failed during refresh: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if err := r.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
	}
	wg.Wait()
}
