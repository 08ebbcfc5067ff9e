package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"callrouter/internal/controldoc"
	"callrouter/internal/domain"
	"callrouter/internal/handoff"
	"callrouter/internal/integrations/llm"
	"callrouter/internal/metrics"
	"callrouter/internal/provider"
	"callrouter/internal/registry"

	"github.com/google/uuid"
)

type NumberLookup interface {
	Lookup(number string) (registry.Binding, error)
}

type FlowLoader interface {
	Load(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error)
	Tenant(ctx context.Context, tenantID string) (domain.Tenant, error)
}

type AdapterSet interface {
	Get(name string) (provider.Adapter, error)
	Default() provider.Adapter
}

type Store interface {
	CreateSession(ctx context.Context, s domain.CallSession) error
	SaveSession(ctx context.Context, s domain.CallSession) error
	AppendEvent(ctx context.Context, e domain.EscalationEvent) error
	SessionByCallID(ctx context.Context, callID string) (domain.CallSession, error)
	Events(ctx context.Context, sessionID string) ([]domain.EscalationEvent, error)
	LatestHandoff(ctx context.Context, callID string) (domain.HandoffContext, error)
	HandoffEnqueued(ctx context.Context, id string, at time.Time) error
	RecordClassification(ctx context.Context, r domain.ClassificationRecord) error
}

type Alerter interface {
	Alert(ctx context.Context, kind, message string)
}

type HumanQueue interface {
	EnqueueHandoff(ctx context.Context, h domain.HandoffContext) error
}

type Deps struct {
	Numbers    NumberLookup
	Flows      FlowLoader
	Classifier llm.Classifier
	Adapters   AdapterSet
	Store      Store
	Handoffs   *handoff.Builder
	Queue      HumanQueue
	Alerter    Alerter
	Metrics    *metrics.Metrics
}

type Options struct {
	ClassificationTimeout time.Duration
	BaseURL               string
	MediaStreamURL        string
	WaitPath              string
	FallbackQueue         string
	HoldMessage           string
	AuditMaxAttempts      int
	AuditBackoff          time.Duration
}

type InboundCall struct {
	To     string
	From   string
	CallID string
}

type TurnRequest struct {
	CallID string
	Text   string
	DTMF   string
	// Confidence, when set, is a score already computed upstream (for
	// example by the L2 media orchestrator) and skips the classifier.
	Confidence *float64
	Intent     string
}

// Response is a control document ready to send to the telephony edge.
type Response struct {
	CallID   string
	Level    domain.Level
	Document controldoc.Document
	Rendered provider.Rendered
	Degraded bool
	Fallback bool
}

type CallView struct {
	Session    domain.CallSession
	Events     []domain.EscalationEvent
	Live       bool
	HandoffRef string
}

// Engine owns the table of live calls. Each call is handled by its own
// actor goroutine; the table lock is only held to find or remove an actor.
type Engine struct {
	deps  Deps
	opts  Options
	audit *AuditWriter

	newID func() string
	now   func() time.Time

	mu    sync.Mutex
	calls map[string]*actor
}

func New(deps Deps, opts Options) *Engine {
	if opts.ClassificationTimeout <= 0 {
		opts.ClassificationTimeout = 2 * time.Second
	}
	if opts.FallbackQueue == "" {
		opts.FallbackQueue = "voicemail"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Engine{
		deps:  deps,
		opts:  opts,
		audit: NewAuditWriter(deps.Store, deps.Alerter, deps.Metrics, opts.AuditMaxAttempts, opts.AuditBackoff),
		newID: uuid.NewString,
		now:   time.Now,
		calls: make(map[string]*actor),
	}
}

// Start opens a session for an inbound call and returns the first L1
// document. Numbers that cannot be resolved get the fallback document along
// with the error that caused it.
func (e *Engine) Start(ctx context.Context, call InboundCall) (Response, error) {
	binding, err := e.deps.Numbers.Lookup(call.To)
	if err != nil {
		e.deps.Metrics.InvalidNumbers.Inc()
		e.alert("invalid_number", fmt.Sprintf("to=%s call=%s: %v", call.To, call.CallID, err))
		return e.fallback(call.CallID, ""), err
	}

	flow, err := e.deps.Flows.Load(ctx, binding.TenantID, binding.FlowVersion)
	if err != nil {
		e.alert("configuration_missing", fmt.Sprintf("tenant=%s version=%d call=%s: %v", binding.TenantID, binding.FlowVersion, call.CallID, err))
		return e.fallback(call.CallID, binding.Provider), err
	}
	tenant, err := e.deps.Flows.Tenant(ctx, binding.TenantID)
	if err != nil {
		e.alert("configuration_missing", fmt.Sprintf("tenant=%s call=%s: %v", binding.TenantID, call.CallID, err))
		return e.fallback(call.CallID, binding.Provider), err
	}
	adapter, err := e.deps.Adapters.Get(binding.Provider)
	if err != nil {
		log.Printf("routing unknown provider=%q tenant=%s, using default: %v", binding.Provider, tenant.ID, err)
		adapter = e.deps.Adapters.Default()
	}

	callID := strings.TrimSpace(call.CallID)
	if callID == "" {
		callID = e.newID()
	}

	e.mu.Lock()
	if existing, ok := e.calls[callID]; ok {
		e.mu.Unlock()
		log.Printf("routing duplicate inbound call=%s, replaying current document", callID)
		return existing.replay(ctx)
	}
	session := domain.CallSession{
		ID:          e.newID(),
		CallID:      callID,
		TenantID:    tenant.ID,
		PhoneNumber: call.To,
		Caller:      call.From,
		Provider:    adapter.Name(),
		FlowVersion: flow.Version,
		Level:       domain.LevelL1,
		StartedAt:   e.now().UTC(),
	}
	a := newActor(e, session, flow, tenant, adapter)
	e.calls[callID] = a
	e.mu.Unlock()

	if err := e.audit.CreateSession(session); err != nil {
		log.Printf("routing session create not persisted call=%s: %v", callID, err)
	}
	e.deps.Metrics.CallsStarted.WithLabelValues(tenant.ID, adapter.Name()).Inc()
	e.deps.Metrics.ActiveCalls.Inc()
	log.Printf("routing call started call=%s tenant=%s flow_version=%d provider=%s", callID, tenant.ID, flow.Version, adapter.Name())

	go a.run()
	return a.replay(ctx)
}

// Route feeds one caller turn to the call's actor. Unknown calls get the
// fallback document together with domain.ErrCallNotFound.
func (e *Engine) Route(ctx context.Context, req TurnRequest) (Response, error) {
	a := e.lookup(req.CallID)
	if a == nil {
		log.Printf("routing warning: route for unknown call=%s, sending fallback", req.CallID)
		return e.fallback(req.CallID, ""), domain.ErrCallNotFound
	}
	return a.send(ctx, actorMsg{turn: &req})
}

// Disconnect ends a call: the actor's context is cancelled, which aborts any
// classification in flight, and the final session is returned once stored.
func (e *Engine) Disconnect(ctx context.Context, callID, status string) (domain.CallSession, error) {
	e.mu.Lock()
	a, ok := e.calls[callID]
	if ok {
		delete(e.calls, callID)
	}
	e.mu.Unlock()
	if !ok {
		return domain.CallSession{}, domain.ErrCallNotFound
	}

	log.Printf("routing disconnect call=%s status=%s", callID, status)
	a.cancel()
	select {
	case <-a.done:
		return a.final, nil
	case <-ctx.Done():
		return domain.CallSession{}, ctx.Err()
	}
}

// Snapshot returns the live session of a call, or the stored record once
// the call has ended.
func (e *Engine) Snapshot(ctx context.Context, callID string) (CallView, error) {
	if a := e.lookup(callID); a != nil {
		view, err := a.view(ctx)
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, domain.ErrCallTerminated) {
			return CallView{}, err
		}
	}
	s, err := e.deps.Store.SessionByCallID(ctx, callID)
	if err != nil {
		return CallView{}, err
	}
	events, err := e.deps.Store.Events(ctx, s.ID)
	if err != nil {
		return CallView{}, err
	}
	return CallView{Session: s, Events: events}, nil
}

// Handoff enqueues the call's summary to the human queue, building it now
// if the asynchronous build has not finished.
func (e *Engine) Handoff(ctx context.Context, callID string) (domain.HandoffContext, error) {
	h, ok := e.deps.Handoffs.Get(callID)
	if !ok {
		stored, err := e.deps.Store.LatestHandoff(ctx, callID)
		if err == nil {
			h, ok = stored, true
		}
	}
	if !ok {
		view, err := e.Snapshot(ctx, callID)
		if err != nil {
			return domain.HandoffContext{}, err
		}
		tenant, err := e.deps.Flows.Tenant(ctx, view.Session.TenantID)
		if err != nil {
			return domain.HandoffContext{}, err
		}
		in := handoff.Input{
			HandoffID: view.HandoffRef,
			Session:   view.Session,
			Tenant:    tenant,
			Queue:     e.queueFor(tenant),
		}
		if in.HandoffID == "" {
			in.HandoffID = e.newID()
		}
		if n := len(view.Events); n > 0 {
			in.Reason = view.Events[n-1].Reason
		}
		if intent, conf, ok := lastIntent(view.Session.Turns); ok {
			in.Intent, in.Confidence = intent, conf
		}
		h = e.deps.Handoffs.Build(in)
	}
	if err := e.enqueue(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

func (e *Engine) enqueue(ctx context.Context, h domain.HandoffContext) error {
	if e.deps.Queue == nil {
		return nil
	}
	if err := e.deps.Queue.EnqueueHandoff(ctx, h); err != nil {
		log.Printf("routing handoff enqueue error call=%s: %v", h.CallID, err)
		return err
	}
	if err := e.deps.Store.HandoffEnqueued(ctx, h.ID, e.now().UTC()); err != nil {
		log.Printf("routing handoff enqueue not recorded call=%s id=%s: %v", h.CallID, h.ID, err)
	}
	return nil
}

// SweepIdle closes calls with no webhook traffic for longer than maxIdle.
// They end as abandoned whatever level they reached.
func (e *Engine) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := e.now().Add(-maxIdle)
	var stale []*actor
	e.mu.Lock()
	for id, a := range e.calls {
		if a.idleSince().Before(cutoff) {
			log.Printf("routing idle call closed call=%s idle_since=%s", id, a.idleSince().UTC().Format(time.RFC3339))
			stale = append(stale, a)
			delete(e.calls, id)
		}
	}
	e.mu.Unlock()

	for _, a := range stale {
		a.abandoned.Store(true)
		a.cancel()
	}
	for _, a := range stale {
		select {
		case <-a.done:
		case <-ctx.Done():
			return len(stale)
		}
	}
	return len(stale)
}

// IdleSweeper runs SweepIdle from the refresh schedule.
type IdleSweeper struct {
	Engine  *Engine
	MaxIdle time.Duration
}

func (s IdleSweeper) Refresh(ctx context.Context) error {
	if n := s.Engine.SweepIdle(ctx, s.MaxIdle); n > 0 {
		log.Printf("routing idle sweep closed=%d max_idle=%s", n, s.MaxIdle)
	}
	return nil
}

// ActiveCalls returns the number of calls with a live actor.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *Engine) lookup(callID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

func (e *Engine) queueFor(t domain.Tenant) string {
	if t.HumanQueue != "" {
		return t.HumanQueue
	}
	return e.opts.FallbackQueue
}

func (e *Engine) docConfig() controldoc.Config {
	return controldoc.Config{
		BaseURL:        e.opts.BaseURL,
		MediaStreamURL: e.opts.MediaStreamURL,
		WaitPath:       e.opts.WaitPath,
		HoldMessage:    e.opts.HoldMessage,
		Queue:          e.opts.FallbackQueue,
	}
}

func (e *Engine) fallback(callID, providerName string) Response {
	adapter, err := e.deps.Adapters.Get(providerName)
	if err != nil {
		adapter = e.deps.Adapters.Default()
	}
	doc := controldoc.Fallback(e.docConfig())
	rendered, err := adapter.Render(doc)
	if err != nil {
		log.Printf("routing fallback render error provider=%s: %v", adapter.Name(), err)
	}
	return Response{CallID: callID, Level: domain.LevelL3, Document: doc, Rendered: rendered, Fallback: true}
}

func (e *Engine) alert(kind, msg string) {
	notify(e.deps.Alerter, kind, msg)
}

func lastIntent(turns []domain.Turn) (string, float64, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Intent != "" {
			return turns[i].Intent, turns[i].Confidence, true
		}
	}
	return "", 0, false
}
