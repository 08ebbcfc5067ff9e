package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"callrouter/internal/controldoc"
	"callrouter/internal/domain"
	"callrouter/internal/handoff"
	"callrouter/internal/integrations/llm"
	"callrouter/internal/provider"
)

const historyTurns = 4

type actorMsg struct {
	turn   *TurnRequest
	query  bool
	replay bool
	reply  chan actorReply
}

type actorReply struct {
	resp Response
	view CallView
	err  error
}

// actor owns one call session. Only its run goroutine touches session,
// events or handoffRef.
type actor struct {
	engine  *Engine
	flow    domain.CallFlowVersion
	tenant  domain.Tenant
	adapter provider.Adapter

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan actorMsg
	done   chan struct{}

	session    domain.CallSession
	events     []domain.EscalationEvent
	handoffRef string
	firstTurn  bool

	// lastSeen is the unix nano time of the last webhook for the call.
	lastSeen  atomic.Int64
	// abandoned is set by the idle sweeper before it cancels the call.
	abandoned atomic.Bool

	// final is written before done is closed.
	final domain.CallSession
}

func newActor(e *Engine, s domain.CallSession, flow domain.CallFlowVersion, tenant domain.Tenant, adapter provider.Adapter) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &actor{
		engine:    e,
		flow:      flow,
		tenant:    tenant,
		adapter:   adapter,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan actorMsg),
		done:      make(chan struct{}),
		session:   s,
		firstTurn: true,
	}
	a.touch()
	return a
}

func (a *actor) touch() {
	a.lastSeen.Store(a.engine.now().UnixNano())
}

func (a *actor) idleSince() time.Time {
	return time.Unix(0, a.lastSeen.Load())
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			a.terminate()
			return
		case msg := <-a.inbox:
			if !msg.query {
				a.touch()
			}
			switch {
			case msg.query:
				msg.reply <- actorReply{view: a.snapshot()}
			case msg.replay:
				resp, err := a.render(a.session.Level)
				msg.reply <- actorReply{resp: resp, err: err}
			case msg.turn != nil:
				resp, err := a.process(*msg.turn)
				if a.ctx.Err() != nil {
					log.Printf("routing discard document call=%s level=%s: call terminated", a.session.CallID, resp.Level)
					msg.reply <- actorReply{err: domain.ErrCallTerminated}
					a.terminate()
					return
				}
				msg.reply <- actorReply{resp: resp, err: err}
			}
		}
	}
}

func (a *actor) send(ctx context.Context, msg actorMsg) (Response, error) {
	r, err := a.roundTrip(ctx, msg)
	return r.resp, err
}

func (a *actor) replay(ctx context.Context) (Response, error) {
	return a.send(ctx, actorMsg{replay: true})
}

func (a *actor) view(ctx context.Context) (CallView, error) {
	r, err := a.roundTrip(ctx, actorMsg{query: true})
	return r.view, err
}

func (a *actor) roundTrip(ctx context.Context, msg actorMsg) (actorReply, error) {
	msg.reply = make(chan actorReply, 1)
	select {
	case a.inbox <- msg:
	case <-a.done:
		return actorReply{}, domain.ErrCallTerminated
	case <-ctx.Done():
		return actorReply{}, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r, r.err
	case <-ctx.Done():
		return actorReply{}, ctx.Err()
	}
}

func (a *actor) process(req TurnRequest) (Response, error) {
	s := &a.session
	in := TurnInput{Text: req.Text, DTMF: req.DTMF}

	if s.Level >= domain.LevelL3 {
		a.record(in)
		return a.render(s.Level)
	}

	var fields map[string]string
	switch {
	case req.Confidence != nil:
		in.Intent, in.Confidence, in.Known = req.Intent, *req.Confidence, true
	case s.Level == domain.LevelL1 && a.selectHint(&in):
	case req.Text != "":
		res, ok := a.classify(req.Text)
		if ok {
			in.Intent, in.Confidence, in.Known = res.Intent, res.Confidence, true
			fields = res.Fields
		}
		if a.ctx.Err() != nil {
			return Response{CallID: s.CallID, Level: s.Level}, domain.ErrCallTerminated
		}
	}
	a.record(in)
	a.engine.deps.Metrics.Turns.WithLabelValues(s.Level.String()).Inc()

	d := Evaluate(RuleContext{
		Level:        s.Level,
		AttemptCount: s.AttemptCount,
		Flow:         a.flow,
		Tenant:       a.tenant,
		Input:        in,
	})
	switch {
	case d.Transition:
		a.transition(d, in, fields)
	case d.CountAttempt:
		s.AttemptCount++
		log.Printf("routing retry call=%s level=%s attempt=%d/%d", s.CallID, s.Level, s.AttemptCount, a.maxAttempts())
	}
	if a.ctx.Err() == nil {
		if err := a.engine.audit.SaveSession(s.Clone()); err != nil {
			log.Printf("routing session save not persisted call=%s: %v", s.CallID, err)
		}
	}
	return a.render(s.Level)
}

// selectHint maps a DTMF digit n to the n-th L1 hint with full confidence.
func (a *actor) selectHint(in *TurnInput) bool {
	if in.DTMF == "" || in.DTMF == a.flow.OperatorDigit {
		return false
	}
	n, err := strconv.Atoi(in.DTMF)
	if err != nil || n < 1 || n > len(a.flow.Hints) {
		return false
	}
	in.Intent, in.Confidence, in.Known = a.flow.Hints[n-1], 1.0, true
	return true
}

type classifyResult struct {
	res llm.Result
	err error
}

// classify runs the classifier under the call context with the configured
// deadline. It returns ok=false on timeout, cancellation or error.
func (a *actor) classify(text string) (llm.Result, bool) {
	e := a.engine
	ctx, cancel := context.WithTimeout(a.ctx, e.opts.ClassificationTimeout)
	defer cancel()

	req := llm.Request{
		TenantID: a.session.TenantID,
		CallID:   a.session.CallID,
		Level:    a.session.Level,
		Text:     text,
		Hints:    a.flow.Hints,
		Examples: a.flow.IntentExamples,
		History:  a.history(),
	}
	ch := make(chan classifyResult, 1)
	started := time.Now()
	go func() {
		res, err := e.deps.Classifier.Classify(ctx, req)
		ch <- classifyResult{res, err}
	}()

	var r classifyResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	latency := time.Since(started)
	e.deps.Metrics.ClassificationLatency.WithLabelValues(e.deps.Classifier.Name()).Observe(latency.Seconds())

	status := "ok"
	if r.err != nil {
		status = "error"
		switch {
		case a.ctx.Err() != nil:
			status = "canceled"
		case errors.Is(r.err, context.DeadlineExceeded):
			status = "timeout"
		}
		e.deps.Metrics.ClassificationErrors.WithLabelValues(status).Inc()
		log.Printf("routing classify %s call=%s level=%s: %v", status, a.session.CallID, a.session.Level, r.err)
	}
	a.recordClassification(r.res, status, latency)
	return r.res, r.err == nil
}

// recordClassification keeps a best-effort history of classifier calls.
func (a *actor) recordClassification(res llm.Result, status string, latency time.Duration) {
	e := a.engine
	source := res.Provider
	if source == "" {
		source = e.deps.Classifier.Name()
	}
	rec := domain.ClassificationRecord{
		SessionID:    a.session.ID,
		CallID:       a.session.CallID,
		TenantID:     a.session.TenantID,
		Level:        a.session.Level,
		Intent:       res.Intent,
		Confidence:   res.Confidence,
		Status:       status,
		Provider:     source,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		LatencyMS:    latency.Milliseconds(),
		ClassifiedAt: e.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := e.deps.Store.RecordClassification(ctx, rec); err != nil {
		log.Printf("routing classification not recorded call=%s: %v", a.session.CallID, err)
	}
}

func (a *actor) history() []string {
	var out []string
	for _, t := range a.session.Turns {
		if t.Speaker == "caller" && t.Text != "" {
			out = append(out, t.Text)
		}
	}
	if len(out) > historyTurns {
		out = out[len(out)-historyTurns:]
	}
	return out
}

func (a *actor) record(in TurnInput) {
	a.session.Turns = append(a.session.Turns, domain.Turn{
		Level:      a.session.Level,
		Speaker:    "caller",
		Text:       in.Text,
		DTMF:       in.DTMF,
		Intent:     in.Intent,
		Confidence: in.Confidence,
		At:         a.engine.now().UTC(),
	})
}

func (a *actor) transition(d Decision, in TurnInput, fields map[string]string) {
	s := &a.session
	ev := domain.EscalationEvent{
		ID:        a.engine.newID(),
		SessionID: s.ID,
		CallID:    s.CallID,
		FromLevel: s.Level,
		ToLevel:   d.To,
		Reason:    d.Reason,
		At:        a.engine.now().UTC(),
	}
	s.Level = d.To
	s.AttemptCount = 0
	a.events = append(a.events, ev)

	log.Printf("routing transition call=%s from=%s to=%s reason=%s rule=%s policy=%s",
		s.CallID, ev.FromLevel, ev.ToLevel, ev.Reason, d.Rule, d.Policy)
	a.engine.deps.Metrics.Escalations.WithLabelValues(ev.ToLevel.String(), string(ev.Reason)).Inc()
	if err := a.engine.audit.AppendEvent(ev); err != nil {
		log.Printf("routing event not persisted call=%s event=%s: %v", s.CallID, ev.ID, err)
	}

	if d.To == domain.LevelL3 {
		a.startHandoff(d.Reason, in, fields)
	}
}

func (a *actor) startHandoff(reason domain.TriggerReason, in TurnInput, fields map[string]string) {
	e := a.engine
	a.handoffRef = e.newID()
	if e.deps.Handoffs == nil {
		return
	}
	intent, confidence := in.Intent, in.Confidence
	if intent == "" {
		intent, confidence, _ = lastIntent(a.session.Turns)
	}
	done := e.deps.Handoffs.BuildAsync(handoff.Input{
		HandoffID:  a.handoffRef,
		Session:    a.session.Clone(),
		Tenant:     a.tenant,
		Queue:      e.queueFor(a.tenant),
		Reason:     reason,
		Intent:     intent,
		Confidence: confidence,
		Fields:     fields,
	})
	go func() {
		h, ok := <-done
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.enqueue(ctx, h)
	}()
}

// render builds and renders the document for level. A document needing a
// capability the adapter lacks is replaced by the L1 document.
func (a *actor) render(level domain.Level) (Response, error) {
	e := a.engine
	cfg := e.docConfig()
	cfg.Flow = a.flow
	cfg.TenantID = a.session.TenantID
	cfg.SessionID = a.session.ID
	cfg.CallID = a.session.CallID
	cfg.FirstTurn = a.firstTurn
	cfg.Queue = e.queueFor(a.tenant)
	cfg.HandoffRef = a.handoffRef

	resp := Response{CallID: a.session.CallID, Level: level}
	doc := controldoc.Generate(level, cfg)
	need := provider.Required(doc)
	if !a.adapter.Capabilities().Supports(need) {
		doc = a.degrade(cfg, need)
		resp.Degraded = true
	}
	rendered, err := a.adapter.Render(doc)
	var unsupported *domain.UnsupportedCapabilityError
	if errors.As(err, &unsupported) && doc.Kind != controldoc.KindGather {
		doc = a.degrade(cfg, provider.Required(doc))
		resp.Degraded = true
		rendered, err = a.adapter.Render(doc)
	}
	if err != nil {
		return resp, fmt.Errorf("render %s document for %s: %w", doc.Kind, a.adapter.Name(), err)
	}
	a.firstTurn = false
	resp.Document = doc
	resp.Rendered = rendered
	return resp, nil
}

func (a *actor) degrade(cfg controldoc.Config, missing provider.Capability) controldoc.Document {
	s := &a.session
	s.Degraded = true
	log.Printf("routing degraded-service call=%s provider=%s level=%s missing=%s, sending L1 document",
		s.CallID, a.adapter.Name(), s.Level, missing)
	a.engine.deps.Metrics.DegradedDocuments.WithLabelValues(a.adapter.Name(), missing.String()).Inc()
	return controldoc.Generate(domain.LevelL1, cfg)
}

func (a *actor) maxAttempts() int {
	if a.flow.MaxAttempts > 0 {
		return a.flow.MaxAttempts
	}
	return defaultMaxAttempts
}

func (a *actor) snapshot() CallView {
	return CallView{
		Session:    a.session.Clone(),
		Events:     append([]domain.EscalationEvent(nil), a.events...),
		Live:       true,
		HandoffRef: a.handoffRef,
	}
}

// terminate closes the session with the outcome implied by the level the
// call reached.
func (a *actor) terminate() {
	s := &a.session
	reached := s.Level
	s.Outcome = domain.OutcomeForLevel(reached)
	if a.abandoned.Load() {
		s.Outcome = domain.OutcomeAbandoned
	}
	s.Level = domain.LevelTerminated
	s.EndedAt = a.engine.now().UTC()
	if err := a.engine.audit.SaveSession(s.Clone()); err != nil {
		log.Printf("routing final session not persisted call=%s: %v", s.CallID, err)
	}
	m := a.engine.deps.Metrics
	m.CallsEnded.WithLabelValues(s.TenantID, string(s.Outcome)).Inc()
	m.ActiveCalls.Dec()
	log.Printf("routing call ended call=%s reached=%s outcome=%s turns=%d escalations=%d",
		s.CallID, reached, s.Outcome, len(s.Turns), len(a.events))
	a.final = s.Clone()
}
