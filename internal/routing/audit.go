package routing

import (
	"context"
	"fmt"
	"log"
	"time"

	"callrouter/internal/domain"
	"callrouter/internal/metrics"
)

const (
	auditWriteTimeout = 2 * time.Second
	maxAuditBackoff   = time.Second
	alertTimeout      = 10 * time.Second
)

// AuditWriter persists session state and escalation events with bounded
// retries. Exhausted retries raise an alert; the call carries on.
type AuditWriter struct {
	store       Store
	alerter     Alerter
	metrics     *metrics.Metrics
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration)
}

func NewAuditWriter(store Store, alerter Alerter, m *metrics.Metrics, maxAttempts int, backoff time.Duration) *AuditWriter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &AuditWriter{
		store:       store,
		alerter:     alerter,
		metrics:     m,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (w *AuditWriter) CreateSession(s domain.CallSession) error {
	return w.write("create_session", s.CallID, func(ctx context.Context) error {
		return w.store.CreateSession(ctx, s)
	})
}

func (w *AuditWriter) SaveSession(s domain.CallSession) error {
	return w.write("save_session", s.CallID, func(ctx context.Context) error {
		return w.store.SaveSession(ctx, s)
	})
}

func (w *AuditWriter) AppendEvent(e domain.EscalationEvent) error {
	return w.write("append_event", e.CallID, func(ctx context.Context) error {
		return w.store.AppendEvent(ctx, e)
	})
}

// write runs fn until it succeeds or maxAttempts is reached. Audit writes use
// their own context so a caller hanging up does not abort the record of it.
func (w *AuditWriter) write(op, callID string, fn func(ctx context.Context) error) error {
	var err error
	delay := w.backoff
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		log.Printf("audit write failed op=%s call=%s attempt=%d/%d: %v", op, callID, attempt, w.maxAttempts, err)
		if attempt < w.maxAttempts {
			w.sleep(context.Background(), delay)
			delay *= 2
			if delay > maxAuditBackoff {
				delay = maxAuditBackoff
			}
		}
	}
	if w.metrics != nil {
		w.metrics.AuditFailures.Inc()
	}
	notify(w.alerter, "audit_write_failed",
		fmt.Sprintf("op=%s call=%s attempts=%d err=%v", op, callID, w.maxAttempts, err))
	return fmt.Errorf("audit %s after %d attempts: %w", op, w.maxAttempts, err)
}

// notify delivers an alert on its own goroutine, bounded by alertTimeout.
// Callers on a webhook path never wait for it.
func notify(alerter Alerter, kind, msg string) {
	if alerter == nil {
		log.Printf("alert kind=%s msg=%q", kind, msg)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		alerter.Alert(ctx, kind, msg)
	}()
}
