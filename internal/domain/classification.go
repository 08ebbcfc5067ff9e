package domain

import "time"

// ClassificationRecord is one classifier call made for a caller turn.
// Status is "ok", "timeout", "canceled" or "error".
type ClassificationRecord struct {
	ID           int64
	SessionID    string
	CallID       string
	TenantID     string
	Level        Level
	Intent       string
	Confidence   float64
	Status       string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	ClassifiedAt time.Time
}
