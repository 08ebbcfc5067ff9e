package registry

import (
	"context"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"callrouter/internal/domain"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Source supplies the provisioned phone numbers. Bindings are owned by the
// provisioning side; the registry only reads them.
type Source interface {
	PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error)
}

type Binding struct {
	TenantID    string
	FlowVersion int
	Provider    string
}

type snapshot struct {
	byNumber map[string]domain.PhoneNumber
}

// Registry maps E.164 numbers to tenants. Lookups read an immutable snapshot
// and never lock; Refresh builds a new snapshot and swaps it in.
type Registry struct {
	source  Source
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serialises Refresh
}

func New(source Source) *Registry {
	r := &Registry{source: source}
	r.current.Store(&snapshot{byNumber: map[string]domain.PhoneNumber{}})
	return r
}

func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	numbers, err := r.source.PhoneNumbers(ctx)
	if err != nil {
		return err
	}
	next := &snapshot{byNumber: make(map[string]domain.PhoneNumber, len(numbers))}
	skipped := 0
	for _, n := range numbers {
		normalized, err := Normalize(n.E164)
		if err != nil {
			skipped++
			log.Printf("registry skip malformed number=%q err=%v", n.E164, err)
			continue
		}
		n.E164 = normalized
		next.byNumber[normalized] = n
	}
	r.current.Store(next)
	log.Printf("registry refreshed numbers=%d skipped=%d", len(next.byNumber), skipped)
	return nil
}

// Lookup resolves number to its tenant binding. Malformed, unknown and
// non-active numbers all fail with *domain.InvalidNumberError.
func (r *Registry) Lookup(number string) (Binding, error) {
	normalized, err := Normalize(number)
	if err != nil {
		return Binding{}, err
	}
	n, ok := r.current.Load().byNumber[normalized]
	if !ok {
		return Binding{}, &domain.InvalidNumberError{Number: normalized, Reason: "not registered"}
	}
	if n.Status != "" && n.Status != domain.NumberStatusActive {
		return Binding{}, &domain.InvalidNumberError{Number: normalized, Reason: "number " + n.Status}
	}
	return Binding{TenantID: n.TenantID, FlowVersion: n.FlowVersion, Provider: n.Provider}, nil
}

// List returns every known number sorted by E.164 value.
func (r *Registry) List() []domain.PhoneNumber {
	snap := r.current.Load()
	out := make([]domain.PhoneNumber, 0, len(snap.byNumber))
	for _, n := range snap.byNumber {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].E164 < out[j].E164 })
	return out
}

// PhoneNumbers serves the registry snapshot as a number listing.
func (r *Registry) PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error) {
	return r.List(), nil
}

// Normalize strips common formatting characters and validates E.164.
func Normalize(number string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(number))
	if !e164Pattern.MatchString(cleaned) {
		return "", &domain.InvalidNumberError{Number: number, Reason: "not E.164"}
	}
	return cleaned, nil
}
