package handoff

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callrouter/internal/domain"
)

type recordingPersister struct {
	mu    sync.Mutex
	saved []domain.HandoffContext
	err   error
}

func (p *recordingPersister) SaveHandoff(ctx context.Context, h domain.HandoffContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, h)
	return p.err
}

func callerTurn(text string) domain.Turn {
	return domain.Turn{Level: domain.LevelL1, Speaker: "caller", Text: text}
}

func testInput(turns ...domain.Turn) Input {
	return Input{
		HandoffID: "h-1",
		Session: domain.CallSession{
			ID:       "s-1",
			CallID:   "CA1",
			TenantID: "bistro",
			Caller:   "+15550001111",
			Turns:    turns,
		},
		Tenant:     domain.Tenant{ID: "bistro", Timezone: "America/Toronto"},
		Queue:      "host_stand",
		Reason:     domain.TriggerKeyword,
		Intent:     "reservation",
		Confidence: 0.7,
	}
}

func newTestBuilder(t *testing.T, opts Options, p Persister) *Builder {
	t.Helper()
	b, err := NewBuilder(opts, p)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	b.now = func() time.Time { return time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC) }
	return b
}

func TestExtractFields(t *testing.T) {
	fields := ExtractFields([]string{
		"Hi, my name is jane doe",
		"I need a table for four at 7:30 pm",
		"you can reach me at 555-123-4567",
	})
	want := map[string]string{
		"party_size": "4",
		"time":       "7:30 pm",
		"name":       "Jane Doe",
		"phone":      "5551234567",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Fatalf("field %s = %q, want %q (all: %v)", k, fields[k], v, fields)
		}
	}
}

func TestExtractFieldsVariants(t *testing.T) {
	cases := []struct {
		text, key, want string
	}{
		{"we are 6 people", "party_size", "6"},
		{"party of two please", "party_size", "2"},
		{"around 8pm", "time", "8:00 pm"},
		{"tomorrow at 19", "time", "19:00"},
	}
	for _, tc := range cases {
		if got := ExtractFields([]string{tc.text})[tc.key]; got != tc.want {
			t.Fatalf("ExtractFields(%q)[%s] = %q, want %q", tc.text, tc.key, got, tc.want)
		}
	}
	if fields := ExtractFields([]string{"what are your hours"}); len(fields) != 0 {
		t.Fatalf("expected no fields, got %v", fields)
	}
}

func TestBuildBoundsExcerpt(t *testing.T) {
	var turns []domain.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, callerTurn("turn "+string(rune('a'+i))))
	}
	b := newTestBuilder(t, Options{ExcerptTurns: 3, ExcerptMaxChars: 600}, nil)
	h := b.Build(testInput(turns...))

	if len(h.Excerpt) != 3 || !h.Truncated {
		t.Fatalf("expected 3 truncated lines, got %v truncated=%v", h.Excerpt, h.Truncated)
	}
	if h.Excerpt[2] != "caller: turn j" {
		t.Fatalf("expected newest turn last, got %q", h.Excerpt[2])
	}
}

func TestBuildCharacterBudget(t *testing.T) {
	b := newTestBuilder(t, Options{ExcerptTurns: 10, ExcerptMaxChars: 40}, nil)

	h := b.Build(testInput(callerTurn("first short"), callerTurn("second short")))
	if len(h.Excerpt) != 2 || h.Truncated {
		t.Fatalf("expected both lines within budget, got %v truncated=%v", h.Excerpt, h.Truncated)
	}

	long := strings.Repeat("x", 100)
	h = b.Build(testInput(callerTurn("earlier"), callerTurn(long)))
	if len(h.Excerpt) != 1 || !h.Truncated {
		t.Fatalf("expected single truncated line, got %v", h.Excerpt)
	}
	if len(h.Excerpt[0]) != 40 || !strings.HasPrefix(h.Excerpt[0], "...") {
		t.Fatalf("unexpected clipped line %q (len %d)", h.Excerpt[0], len(h.Excerpt[0]))
	}
}

func TestBuildMergesClassifierFieldsAndCaches(t *testing.T) {
	b := newTestBuilder(t, Options{}, nil)
	in := testInput(callerTurn("table for four"), domain.Turn{Speaker: "caller", DTMF: "0"})
	in.Fields = map[string]string{"party_size": "5", "date": "friday", "empty": " "}

	h := b.Build(in)
	if h.Fields["party_size"] != "5" || h.Fields["date"] != "friday" {
		t.Fatalf("classifier fields should win: %v", h.Fields)
	}
	if _, ok := h.Fields["empty"]; ok {
		t.Fatalf("blank classifier field should be dropped: %v", h.Fields)
	}
	if h.Fields["phone"] != "+15550001111" {
		t.Fatalf("expected caller id as phone fallback, got %q", h.Fields["phone"])
	}
	if h.Excerpt[len(h.Excerpt)-1] != "caller: pressed 0" {
		t.Fatalf("expected dtmf line in excerpt: %v", h.Excerpt)
	}
	if h.LocalTime != "Mon Oct 19 18:00 EDT" {
		t.Fatalf("expected tenant-local time, got %q", h.LocalTime)
	}

	cached, ok := b.Get("CA1")
	if !ok || cached.ID != "h-1" {
		t.Fatalf("expected cached handoff, got %+v ok=%v", cached, ok)
	}
}

func TestBuildAsyncPersists(t *testing.T) {
	p := &recordingPersister{}
	b := newTestBuilder(t, Options{}, p)

	h, ok := <-b.BuildAsync(testInput(callerTurn("manager please")))
	if !ok || h.ID != "h-1" {
		t.Fatalf("expected built handoff, got %+v ok=%v", h, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.saved)
		p.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handoff was not persisted")
}

func TestBuildAsyncPersistFailureIsNonFatal(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	b := newTestBuilder(t, Options{}, p)

	done := b.BuildAsync(testInput(callerTurn("allergy question")))
	if _, ok := <-done; !ok {
		t.Fatal("expected handoff even when persistence fails")
	}
	if _, ok := b.Get("CA1"); !ok {
		t.Fatal("expected handoff cached despite persistence failure")
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	b := newTestBuilder(t, Options{StoreSize: 2}, nil)
	for _, id := range []string{"A", "B", "C"} {
		in := testInput()
		in.Session.CallID = id
		b.Build(in)
	}
	if _, ok := b.Get("A"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := b.Get("C"); !ok {
		t.Fatal("expected newest entry present")
	}
}
