package domain

import (
	"strings"
	"time"
)

type Policy struct {
	Name         string   `yaml:"name" json:"name"`
	Phrases      []string `yaml:"phrases" json:"phrases"`
	Intents      []string `yaml:"intents" json:"intents"`
	RequireHuman bool     `yaml:"require_human" json:"require_human"`
}

// Matches reports whether the caller text or classified intent falls under
// the policy. Matching is case-insensitive substring on phrases and exact on
// intents.
func (p Policy) Matches(text, intent string) bool {
	lowered := strings.ToLower(text)
	for _, phrase := range p.Phrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lowered, phrase) {
			return true
		}
	}
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return false
	}
	for _, want := range p.Intents {
		if strings.ToLower(strings.TrimSpace(want)) == intent {
			return true
		}
	}
	return false
}

type Tenant struct {
	ID                 string
	Name               string
	Timezone           string
	DefaultFlowVersion int
	HumanQueue         string
	Policies           []Policy
}

// Location falls back to UTC when the tenant timezone is unset or unknown.
func (t Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RequiresHuman returns the first policy demanding a human for the input.
func (t Tenant) RequiresHuman(text, intent string) (Policy, bool) {
	for _, p := range t.Policies {
		if p.RequireHuman && p.Matches(text, intent) {
			return p, true
		}
	}
	return Policy{}, false
}

const (
	NumberStatusActive    = "active"
	NumberStatusSuspended = "suspended"
	NumberStatusReleased  = "released"
)

type PhoneNumber struct {
	ID          int64  `json:"id"`
	E164        string `json:"e164"`
	Provider    string `json:"provider"`
	TenantID    string `json:"tenant_id"`
	FlowVersion int    `json:"flow_version"`
	Status      string `json:"status"`
}

// CallFlowVersion is an immutable snapshot of a tenant's call flow. Values
// handed out by the flow resolver must not be mutated.
type CallFlowVersion struct {
	TenantID       string
	Version        int
	Prompt         string
	ConsentPrompt  string
	Hints          []string
	TimeoutSeconds int
	T1             float64
	T2             float64
	Keywords       []string
	MaxAttempts    int
	OperatorDigit  string
	IntentExamples map[string][]string
	CreatedAt      time.Time
}

// MatchKeyword returns the first configured keyword trigger found in text.
func (f CallFlowVersion) MatchKeyword(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, kw := range f.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowered, kw) {
			return kw, true
		}
	}
	return "", false
}
