package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"callrouter/internal/domain"
	"callrouter/internal/routing"

	"github.com/gin-gonic/gin"
)

type CallRouter interface {
	Start(ctx context.Context, call routing.InboundCall) (routing.Response, error)
	Route(ctx context.Context, req routing.TurnRequest) (routing.Response, error)
	Disconnect(ctx context.Context, callID, status string) (domain.CallSession, error)
	Snapshot(ctx context.Context, callID string) (routing.CallView, error)
	Handoff(ctx context.Context, callID string) (domain.HandoffContext, error)
	ActiveCalls() int
}

// NumberLister serves GET /v1/phone-numbers, either the local registry or
// the provisioning service.
type NumberLister interface {
	PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error)
}

type Options struct {
	PublicBaseURL   string
	TwilioAuthToken string
	VerifySignature bool
	Metrics         http.Handler
}

type Server struct {
	calls   CallRouter
	numbers NumberLister
	opts    Options
}

func NewServer(calls CallRouter, numbers NumberLister, opts Options) *Server {
	return &Server{calls: calls, numbers: numbers, opts: opts}
}

// terminalStatuses are the provider call states that end a call.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	voice := r.Group("/v1/voice")
	if s.opts.VerifySignature {
		voice.Use(verifySignature(s.opts.TwilioAuthToken, s.opts.PublicBaseURL))
	}
	{
		voice.POST("/inbound", s.inbound)
		voice.POST("/route", s.route)
		voice.POST("/status", s.status)
	}

	calls := r.Group("/v1/call")
	{
		calls.GET("/:id", s.getCall)
		calls.POST("/:id/handoff", s.handoff)
	}

	r.GET("/v1/phone-numbers", s.phoneNumbers)
	r.GET("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Printf("http %s %s status=%d dur=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started).Round(time.Millisecond))
	}
}

type inboundRequest struct {
	To     string `json:"to" form:"To"`
	From   string `json:"from" form:"From"`
	CallID string `json:"call_id" form:"CallSid"`
}

type routeRequest struct {
	CallID     string   `json:"call_id" form:"CallSid"`
	SpeechText string   `json:"speech_text" form:"SpeechResult"`
	DTMF       string   `json:"dtmf" form:"Digits"`
	Intent     string   `json:"intent" form:"-"`
	Confidence *float64 `json:"confidence" form:"-"`
}

type statusRequest struct {
	CallID string `json:"call_id" form:"CallSid"`
	Status string `json:"status" form:"CallStatus"`
}

func (s *Server) inbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.calls.Start(c.Request.Context(), routing.InboundCall{To: req.To, From: req.From, CallID: req.CallID})
	if err != nil {
		log.Printf("http inbound to=%s call=%s: %v", req.To, req.CallID, err)
	}
	writeDocument(c, resp, err)
}

func (s *Server) route(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "call_id is required"})
		return
	}
	resp, err := s.calls.Route(c.Request.Context(), routing.TurnRequest{
		CallID:     req.CallID,
		Text:       strings.TrimSpace(req.SpeechText),
		DTMF:       strings.TrimSpace(req.DTMF),
		Intent:     req.Intent,
		Confidence: req.Confidence,
	})
	if errors.Is(err, domain.ErrCallTerminated) {
		c.JSON(http.StatusGone, gin.H{"success": false, "message": err.Error()})
		return
	}
	writeDocument(c, resp, err)
}

func (s *Server) status(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if !terminalStatuses[status] {
		c.JSON(http.StatusOK, gin.H{"success": true, "terminated": false})
		return
	}
	final, err := s.calls.Disconnect(c.Request.Context(), req.CallID, status)
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		c.JSON(http.StatusOK, gin.H{"success": true, "terminated": false})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"terminated": true,
			"outcome":    final.Outcome,
		})
	}
}

func (s *Server) getCall(c *gin.Context) {
	view, err := s.calls.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": viewJSON(view)})
}

func (s *Server) handoff(c *gin.Context) {
	h, err := s.calls.Handoff(c.Request.Context(), c.Param("id"))
	if err != nil {
		callError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h})
}

func (s *Server) phoneNumbers(c *gin.Context) {
	numbers, err := s.numbers.PhoneNumbers(c.Request.Context())
	if err != nil {
		log.Printf("http phone-numbers error: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		return
	}
	if numbers == nil {
		numbers = []domain.PhoneNumber{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": numbers})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_calls": s.calls.ActiveCalls()})
}

// writeDocument sends a control document. Errors that still produced a
// document (fallbacks) are answered with that document so the caller is
// never left in silence.
func writeDocument(c *gin.Context, resp routing.Response, err error) {
	if len(resp.Rendered.Body) == 0 {
		msg := "no control document"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": msg})
		return
	}
	c.Header("X-Call-Level", resp.Level.String())
	if resp.Degraded {
		c.Header("X-Degraded-Service", "true")
	}
	c.Data(http.StatusOK, resp.Rendered.ContentType, resp.Rendered.Body)
}

func callError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrCallNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
}

type turnJSON struct {
	Level      string    `json:"level"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text,omitempty"`
	DTMF       string    `json:"dtmf,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

type eventJSON struct {
	ID        string    `json:"id"`
	FromLevel string    `json:"from_level"`
	ToLevel   string    `json:"to_level"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

func viewJSON(v routing.CallView) gin.H {
	s := v.Session
	turns := make([]turnJSON, 0, len(s.Turns))
	for _, t := range s.Turns {
		turns = append(turns, turnJSON{
			Level:      t.Level.String(),
			Speaker:    t.Speaker,
			Text:       t.Text,
			DTMF:       t.DTMF,
			Intent:     t.Intent,
			Confidence: t.Confidence,
			At:         t.At,
		})
	}
	events := make([]eventJSON, 0, len(v.Events))
	for _, e := range v.Events {
		events = append(events, eventJSON{
			ID:        e.ID,
			FromLevel: e.FromLevel.String(),
			ToLevel:   e.ToLevel.String(),
			Reason:    string(e.Reason),
			At:        e.At,
		})
	}
	out := gin.H{
		"session_id":    s.ID,
		"call_id":       s.CallID,
		"tenant_id":     s.TenantID,
		"phone_number":  s.PhoneNumber,
		"provider":      s.Provider,
		"flow_version":  s.FlowVersion,
		"level":         s.Level.String(),
		"attempt_count": s.AttemptCount,
		"outcome":       s.Outcome,
		"degraded":      s.Degraded,
		"started_at":    s.StartedAt,
		"turns":         turns,
		"events":        events,
		"live":          v.Live,
		"handoff_ref":   v.HandoffRef,
	}
	if !s.EndedAt.IsZero() {
		out["ended_at"] = s.EndedAt
	}
	return out
}
