package handoff

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"callrouter/internal/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultExcerptTurns    = 6
	defaultExcerptMaxChars = 600
	defaultStoreSize       = 1024
	defaultBuildTimeout    = 5 * time.Second
)

type Persister interface {
	SaveHandoff(ctx context.Context, h domain.HandoffContext) error
}

// Input is everything the builder needs from the routing engine. Session
// must be a private copy; the builder reads it from another goroutine.
type Input struct {
	HandoffID  string
	Session    domain.CallSession
	Tenant     domain.Tenant
	Queue      string
	Reason     domain.TriggerReason
	Intent     string
	Confidence float64
	Fields     map[string]string
}

type Options struct {
	ExcerptTurns    int
	ExcerptMaxChars int
	Timeout         time.Duration
	StoreSize       int
}

// Builder produces bounded handoff summaries. Results are kept in an LRU
// keyed by call id and persisted best-effort.
type Builder struct {
	opts    Options
	store   *lru.Cache[string, domain.HandoffContext]
	persist Persister
	now     func() time.Time
}

func NewBuilder(opts Options, persist Persister) (*Builder, error) {
	if opts.ExcerptTurns <= 0 {
		opts.ExcerptTurns = defaultExcerptTurns
	}
	if opts.ExcerptMaxChars <= 0 {
		opts.ExcerptMaxChars = defaultExcerptMaxChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBuildTimeout
	}
	if opts.StoreSize <= 0 {
		opts.StoreSize = defaultStoreSize
	}
	store, err := lru.New[string, domain.HandoffContext](opts.StoreSize)
	if err != nil {
		return nil, fmt.Errorf("create handoff store: %w", err)
	}
	return &Builder{opts: opts, store: store, persist: persist, now: time.Now}, nil
}

// Build assembles the summary synchronously and caches it.
func (b *Builder) Build(in Input) domain.HandoffContext {
	s := in.Session
	var callerText []string
	for _, t := range s.Turns {
		if t.Speaker == "caller" && t.Text != "" {
			callerText = append(callerText, t.Text)
		}
	}

	fields := ExtractFields(callerText)
	for k, v := range in.Fields {
		if strings.TrimSpace(v) != "" {
			fields[k] = v
		}
	}
	if _, ok := fields["phone"]; !ok && s.Caller != "" {
		fields["phone"] = s.Caller
	}

	excerpt, truncated := b.excerpt(s.Turns)
	created := b.now()
	h := domain.HandoffContext{
		ID:         in.HandoffID,
		CallID:     s.CallID,
		TenantID:   s.TenantID,
		Queue:      in.Queue,
		Reason:     in.Reason,
		Intent:     in.Intent,
		Confidence: in.Confidence,
		Caller:     s.Caller,
		Excerpt:    excerpt,
		Fields:     fields,
		Truncated:  truncated,
		CreatedAt:  created.UTC(),
		LocalTime:  created.In(in.Tenant.Location()).Format("Mon Jan 2 15:04 MST"),
	}
	b.store.Add(s.CallID, h)
	return h
}

// BuildAsync builds and persists the summary on its own goroutine. Errors
// and panics are logged; the caller is never blocked.
func (b *Builder) BuildAsync(in Input) <-chan domain.HandoffContext {
	done := make(chan domain.HandoffContext, 1)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("handoff build panic call=%s: %v", in.Session.CallID, r)
			}
		}()
		h := b.Build(in)
		done <- h

		if b.persist == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
		defer cancel()
		if err := b.persist.SaveHandoff(ctx, h); err != nil {
			log.Printf("handoff persist error call=%s id=%s: %v", h.CallID, h.ID, err)
			return
		}
		log.Printf("handoff built call=%s id=%s reason=%s turns=%d truncated=%v", h.CallID, h.ID, h.Reason, len(h.Excerpt), h.Truncated)
	}()
	return done
}

// Get returns the cached summary for a call.
func (b *Builder) Get(callID string) (domain.HandoffContext, bool) {
	return b.store.Get(callID)
}

// excerpt keeps the newest turns within the turn and character limits.
func (b *Builder) excerpt(turns []domain.Turn) ([]string, bool) {
	var lines []string
	for _, t := range turns {
		text := t.Text
		if text == "" && t.DTMF != "" {
			text = "pressed " + t.DTMF
		}
		if text == "" {
			continue
		}
		speaker := t.Speaker
		if speaker == "" {
			speaker = "caller"
		}
		lines = append(lines, speaker+": "+text)
	}

	truncated := false
	if len(lines) > b.opts.ExcerptTurns {
		lines = lines[len(lines)-b.opts.ExcerptTurns:]
		truncated = true
	}

	budget := b.opts.ExcerptMaxChars
	start := len(lines)
	for start > 0 && len(lines[start-1]) <= budget {
		budget -= len(lines[start-1])
		start--
	}
	if start > 0 {
		truncated = true
	}
	out := append([]string(nil), lines[start:]...)
	if len(out) == 0 && len(lines) > 0 {
		// The newest line alone exceeds the budget: keep its tail.
		out = []string{"..." + tailRunes(lines[len(lines)-1], b.opts.ExcerptMaxChars-3)}
	}
	return out, truncated
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
