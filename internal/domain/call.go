package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the escalation level handling a call. The zero value is not a
// valid level.
type Level int

const (
	LevelL1 Level = iota + 1
	LevelL2
	LevelL3
	LevelTerminated
)

func (l Level) String() string {
	switch l {
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	case LevelTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L1":
		return LevelL1, nil
	case "L2":
		return LevelL2, nil
	case "L3":
		return LevelL3, nil
	case "TERMINATED":
		return LevelTerminated, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

type TriggerReason string

const (
	TriggerLowConfidence  TriggerReason = "low_confidence"
	TriggerMaxAttempts    TriggerReason = "max_attempts"
	TriggerKeyword        TriggerReason = "keyword"
	TriggerPolicyRequired TriggerReason = "policy_required"
	// TriggerIntentCaptured records the L1 to L2 step on a confident intent.
	TriggerIntentCaptured TriggerReason = "intent_captured"
)

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeContained Outcome = "contained"
	OutcomeEscalated Outcome = "escalated"
	OutcomeAbandoned Outcome = "abandoned"
)

// OutcomeForLevel maps the level a call ended at to its resolved outcome.
func OutcomeForLevel(l Level) Outcome {
	switch l {
	case LevelL3:
		return OutcomeEscalated
	case LevelL2:
		return OutcomeContained
	default:
		return OutcomeAbandoned
	}
}

type Turn struct {
	Level      Level
	Speaker    string // "caller" or "agent"
	Text       string
	DTMF       string
	Intent     string
	Confidence float64
	At         time.Time
}

type CallSession struct {
	ID           string
	CallID       string
	TenantID     string
	PhoneNumber  string
	Caller       string
	Provider     string
	FlowVersion  int
	Level        Level
	AttemptCount int
	Outcome      Outcome
	Degraded     bool
	StartedAt    time.Time
	EndedAt      time.Time
	Turns        []Turn
}

// Clone returns a copy that shares no slices with s.
func (s CallSession) Clone() CallSession {
	out := s
	out.Turns = append([]Turn(nil), s.Turns...)
	return out
}

type EscalationEvent struct {
	ID        string
	SessionID string
	CallID    string
	FromLevel Level
	ToLevel   Level
	Reason    TriggerReason
	At        time.Time
}

type HandoffContext struct {
	ID         string            `json:"id"`
	CallID     string            `json:"call_id"`
	TenantID   string            `json:"tenant_id"`
	Queue      string            `json:"queue"`
	Reason     TriggerReason     `json:"reason"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Caller     string            `json:"caller"`
	Excerpt    []string          `json:"excerpt"`
	Fields     map[string]string `json:"fields,omitempty"`
	Truncated  bool              `json:"truncated"`
	CreatedAt  time.Time         `json:"created_at"`
	LocalTime  string            `json:"local_time"`
}
