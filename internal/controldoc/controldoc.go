// Package controldoc maps an escalation level and call configuration to a
// provider-agnostic control document. Generation is pure: equal inputs give
// equal documents.
package controldoc

import (
	"strings"

	"callrouter/internal/domain"
)

type Kind string

const (
	KindGather  Kind = "gather"
	KindStream  Kind = "stream"
	KindEnqueue Kind = "enqueue"
)

const (
	RoutePath      = "/v1/voice/route"
	DefaultTimeout = 3
)

var defaultInputModes = []string{"speech", "dtmf"}

type Gather struct {
	Prompt         string
	ConsentPrompt  string
	Hints          []string
	TimeoutSeconds int
	Input          []string
	ActionURL      string
	RedirectURL    string
}

type Param struct {
	Name  string
	Value string
}

type Stream struct {
	URL        string
	Parameters []Param
}

type Enqueue struct {
	Message    string
	Queue      string
	WaitURL    string
	HandoffRef string
}

// Document is an abstract instruction for the telephony edge. Exactly one of
// Gather, Stream or Enqueue is set, matching Kind.
type Document struct {
	Kind    Kind
	Level   domain.Level
	Gather  *Gather
	Stream  *Stream
	Enqueue *Enqueue
}

// Config carries everything Generate needs besides the level.
type Config struct {
	Flow           domain.CallFlowVersion
	TenantID       string
	SessionID      string
	CallID         string
	FirstTurn      bool
	BaseURL        string
	MediaStreamURL string
	Queue          string
	WaitPath       string
	HoldMessage    string
	HandoffRef     string
}

func Generate(level domain.Level, cfg Config) Document {
	switch level {
	case domain.LevelL2:
		return Document{Kind: KindStream, Level: level, Stream: stream(cfg)}
	case domain.LevelL3:
		return Document{Kind: KindEnqueue, Level: level, Enqueue: enqueue(cfg)}
	default:
		return Document{Kind: KindGather, Level: domain.LevelL1, Gather: gather(cfg)}
	}
}

// Fallback is the generic L3 document used when no tenant configuration can
// be resolved for a call.
func Fallback(cfg Config) Document {
	return Document{
		Kind:  KindEnqueue,
		Level: domain.LevelL3,
		Enqueue: &Enqueue{
			Message: cfg.HoldMessage,
			Queue:   cfg.Queue,
			WaitURL: join(cfg.BaseURL, cfg.WaitPath),
		},
	}
}

func gather(cfg Config) *Gather {
	timeout := cfg.Flow.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gather{
		Prompt:         cfg.Flow.Prompt,
		Hints:          append([]string(nil), cfg.Flow.Hints...),
		TimeoutSeconds: timeout,
		Input:          append([]string(nil), defaultInputModes...),
		ActionURL:      join(cfg.BaseURL, RoutePath),
		RedirectURL:    join(cfg.BaseURL, RoutePath),
	}
	if cfg.FirstTurn {
		g.ConsentPrompt = cfg.Flow.ConsentPrompt
	}
	return g
}

func stream(cfg Config) *Stream {
	return &Stream{
		URL: cfg.MediaStreamURL,
		Parameters: []Param{
			{Name: "tenant", Value: cfg.TenantID},
			{Name: "session", Value: cfg.SessionID},
		},
	}
}

func enqueue(cfg Config) *Enqueue {
	return &Enqueue{
		Message:    cfg.HoldMessage,
		Queue:      cfg.Queue,
		WaitURL:    join(cfg.BaseURL, cfg.WaitPath),
		HandoffRef: cfg.HandoffRef,
	}
}

func join(base, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
