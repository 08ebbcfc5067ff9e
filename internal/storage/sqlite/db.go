package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"callrouter/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL DEFAULT '',
		timezone             TEXT NOT NULL DEFAULT 'UTC',
		default_flow_version INTEGER NOT NULL DEFAULT 1,
		human_queue          TEXT NOT NULL DEFAULT '',
		policies_json        TEXT NOT NULL DEFAULT '[]',
		updated_at           DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS phone_numbers (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		e164         TEXT NOT NULL UNIQUE,
		provider     TEXT NOT NULL DEFAULT 'twilio',
		tenant_id    TEXT NOT NULL,
		flow_version INTEGER NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_phone_numbers_tenant ON phone_numbers(tenant_id);

	CREATE TABLE IF NOT EXISTS call_flow_versions (
		tenant_id            TEXT NOT NULL,
		version              INTEGER NOT NULL,
		prompt               TEXT NOT NULL,
		consent_prompt       TEXT DEFAULT '',
		hints_json           TEXT NOT NULL DEFAULT '[]',
		timeout_seconds      INTEGER NOT NULL DEFAULT 3,
		t1                   REAL NOT NULL,
		t2                   REAL NOT NULL,
		keywords_json        TEXT NOT NULL DEFAULT '[]',
		max_attempts         INTEGER NOT NULL DEFAULT 3,
		operator_digit       TEXT DEFAULT '0',
		intent_examples_json TEXT NOT NULL DEFAULT '{}',
		created_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, version)
	);

	CREATE TABLE IF NOT EXISTS call_sessions (
		id            TEXT PRIMARY KEY,
		call_id       TEXT NOT NULL UNIQUE,
		tenant_id     TEXT NOT NULL,
		phone_number  TEXT NOT NULL DEFAULT '',
		caller        TEXT NOT NULL DEFAULT '',
		provider      TEXT NOT NULL DEFAULT '',
		flow_version  INTEGER NOT NULL,
		level         TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		outcome       TEXT NOT NULL DEFAULT '',
		started_at    DATETIME NOT NULL,
		ended_at      DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_started ON call_sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_tenant ON call_sessions(tenant_id);

	CREATE TABLE IF NOT EXISTS escalation_events (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		call_id        TEXT NOT NULL,
		from_level     TEXT NOT NULL,
		to_level       TEXT NOT NULL,
		trigger_reason TEXT NOT NULL,
		created_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escalation_events_session ON escalation_events(session_id);

	CREATE TRIGGER IF NOT EXISTS escalation_events_no_update
	BEFORE UPDATE ON escalation_events
	BEGIN
		SELECT RAISE(ABORT, 'escalation_events is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS escalation_events_no_delete
	BEFORE DELETE ON escalation_events
	BEGIN
		SELECT RAISE(ABORT, 'escalation_events is append-only');
	END;

	CREATE TABLE IF NOT EXISTS handoffs (
		id           TEXT PRIMARY KEY,
		call_id      TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		queue        TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		intent       TEXT NOT NULL DEFAULT '',
		summary_json TEXT NOT NULL,
		created_at   DATETIME NOT NULL,
		enqueued_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_handoffs_call ON handoffs(call_id);

	CREATE TABLE IF NOT EXISTS classification_history (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		call_id       TEXT NOT NULL,
		tenant_id     TEXT NOT NULL DEFAULT '',
		level         TEXT NOT NULL,
		intent        TEXT DEFAULT '',
		confidence    REAL NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		llm_provider  TEXT DEFAULT '',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		classified_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ch_call ON classification_history(call_id);
	CREATE INDEX IF NOT EXISTS idx_ch_date ON classification_history(classified_at);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	// Migration: add degraded column if missing.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('call_sessions') WHERE name = 'degraded'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE call_sessions ADD COLUMN degraded INTEGER NOT NULL DEFAULT 0`)
	}

	return db, nil
}

// --- Tenants ---

func UpsertTenant(db *sql.DB, t domain.Tenant) error {
	policies, err := json.Marshal(t.Policies)
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO tenants (id, name, timezone, default_flow_version, human_queue, policies_json)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   timezone = excluded.timezone,
		   default_flow_version = excluded.default_flow_version,
		   human_queue = excluded.human_queue,
		   policies_json = excluded.policies_json,
		   updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.Name, t.Timezone, t.DefaultFlowVersion, t.HumanQueue, string(policies),
	)
	return err
}

func GetTenant(ctx context.Context, db *sql.DB, id string) (domain.Tenant, error) {
	var t domain.Tenant
	var policies string
	err := db.QueryRowContext(ctx,
		`SELECT id, name, timezone, default_flow_version, human_queue, policies_json
		 FROM tenants WHERE id = ?`,
		id,
	).Scan(&t.ID, &t.Name, &t.Timezone, &t.DefaultFlowVersion, &t.HumanQueue, &policies)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(policies), &t.Policies); err != nil {
		return t, fmt.Errorf("parse policies for tenant %s: %w", id, err)
	}
	return t, nil
}

// --- Phone numbers ---

func UpsertPhoneNumber(db *sql.DB, n domain.PhoneNumber) error {
	status := n.Status
	if status == "" {
		status = domain.NumberStatusActive
	}
	_, err := db.Exec(
		`INSERT INTO phone_numbers (e164, provider, tenant_id, flow_version, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(e164) DO UPDATE SET
		   provider = excluded.provider,
		   tenant_id = excluded.tenant_id,
		   flow_version = excluded.flow_version,
		   status = excluded.status`,
		n.E164, n.Provider, n.TenantID, n.FlowVersion, status,
	)
	return err
}

func ListPhoneNumbers(ctx context.Context, db *sql.DB) ([]domain.PhoneNumber, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, e164, provider, tenant_id, flow_version, status
		 FROM phone_numbers ORDER BY e164`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PhoneNumber
	for rows.Next() {
		var n domain.PhoneNumber
		if err := rows.Scan(&n.ID, &n.E164, &n.Provider, &n.TenantID, &n.FlowVersion, &n.Status); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Call flows ---

// InsertFlowVersion stores a new flow version. Versions are immutable: an
// existing (tenant, version) pair is left untouched and reported as not
// inserted.
func InsertFlowVersion(db *sql.DB, f domain.CallFlowVersion) (bool, error) {
	hints, err := json.Marshal(nonNilStrings(f.Hints))
	if err != nil {
		return false, err
	}
	keywords, err := json.Marshal(nonNilStrings(f.Keywords))
	if err != nil {
		return false, err
	}
	examples := f.IntentExamples
	if examples == nil {
		examples = map[string][]string{}
	}
	examplesJSON, err := json.Marshal(examples)
	if err != nil {
		return false, err
	}
	res, err := db.Exec(
		`INSERT INTO call_flow_versions
		 (tenant_id, version, prompt, consent_prompt, hints_json, timeout_seconds, t1, t2,
		  keywords_json, max_attempts, operator_digit, intent_examples_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, version) DO NOTHING`,
		f.TenantID, f.Version, f.Prompt, f.ConsentPrompt, string(hints), f.TimeoutSeconds,
		f.T1, f.T2, string(keywords), f.MaxAttempts, f.OperatorDigit, string(examplesJSON),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func GetFlowVersion(ctx context.Context, db *sql.DB, tenantID string, version int) (domain.CallFlowVersion, error) {
	var f domain.CallFlowVersion
	var hints, keywords, examples string
	err := db.QueryRowContext(ctx,
		`SELECT tenant_id, version, prompt, consent_prompt, hints_json, timeout_seconds, t1, t2,
		        keywords_json, max_attempts, operator_digit, intent_examples_json, created_at
		 FROM call_flow_versions WHERE tenant_id = ? AND version = ?`,
		tenantID, version,
	).Scan(
		&f.TenantID, &f.Version, &f.Prompt, &f.ConsentPrompt, &hints, &f.TimeoutSeconds,
		&f.T1, &f.T2, &keywords, &f.MaxAttempts, &f.OperatorDigit, &examples, &f.CreatedAt,
	)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(hints), &f.Hints); err != nil {
		return f, fmt.Errorf("parse hints: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &f.Keywords); err != nil {
		return f, fmt.Errorf("parse keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(examples), &f.IntentExamples); err != nil {
		return f, fmt.Errorf("parse intent examples: %w", err)
	}
	return f, nil
}

// --- Call sessions ---

func InsertCallSession(ctx context.Context, db *sql.DB, s domain.CallSession) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO call_sessions
		 (id, call_id, tenant_id, phone_number, caller, provider, flow_version, level, attempt_count, outcome, degraded, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CallID, s.TenantID, s.PhoneNumber, s.Caller, s.Provider, s.FlowVersion,
		s.Level.String(), s.AttemptCount, string(s.Outcome), boolToInt(s.Degraded), s.StartedAt.UTC(),
	)
	return err
}

func UpdateCallSession(ctx context.Context, db *sql.DB, s domain.CallSession) error {
	var endedAt any
	if !s.EndedAt.IsZero() {
		endedAt = s.EndedAt.UTC()
	}
	_, err := db.ExecContext(ctx,
		`UPDATE call_sessions
		 SET level = ?, attempt_count = ?, outcome = ?, degraded = ?, ended_at = ?
		 WHERE id = ?`,
		s.Level.String(), s.AttemptCount, string(s.Outcome), boolToInt(s.Degraded), endedAt, s.ID,
	)
	return err
}

func GetCallSessionByCallID(ctx context.Context, db *sql.DB, callID string) (domain.CallSession, error) {
	var s domain.CallSession
	var level, outcome string
	var degraded int
	var endedAt sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT id, call_id, tenant_id, phone_number, caller, provider, flow_version, level,
		        attempt_count, outcome, degraded, started_at, ended_at
		 FROM call_sessions WHERE call_id = ?`,
		callID,
	).Scan(
		&s.ID, &s.CallID, &s.TenantID, &s.PhoneNumber, &s.Caller, &s.Provider, &s.FlowVersion,
		&level, &s.AttemptCount, &outcome, &degraded, &s.StartedAt, &endedAt,
	)
	if err != nil {
		return s, err
	}
	s.Level, err = domain.ParseLevel(level)
	if err != nil {
		return s, err
	}
	s.Outcome = domain.Outcome(outcome)
	s.Degraded = degraded != 0
	if endedAt.Valid {
		s.EndedAt = endedAt.Time
	}
	return s, nil
}

// --- Escalation events ---

func InsertEscalationEvent(ctx context.Context, db *sql.DB, e domain.EscalationEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO escalation_events (id, session_id, call_id, from_level, to_level, trigger_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.CallID, e.FromLevel.String(), e.ToLevel.String(), string(e.Reason), e.At.UTC(),
	)
	return err
}

func GetEscalationEvents(ctx context.Context, db *sql.DB, sessionID string) ([]domain.EscalationEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, call_id, from_level, to_level, trigger_reason, created_at
		 FROM escalation_events WHERE session_id = ?
		 ORDER BY created_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EscalationEvent
	for rows.Next() {
		var e domain.EscalationEvent
		var from, to, reason string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CallID, &from, &to, &reason, &e.At); err != nil {
			return nil, err
		}
		if e.FromLevel, err = domain.ParseLevel(from); err != nil {
			return nil, err
		}
		if e.ToLevel, err = domain.ParseLevel(to); err != nil {
			return nil, err
		}
		e.Reason = domain.TriggerReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Handoffs ---

func InsertHandoff(ctx context.Context, db *sql.DB, h domain.HandoffContext) error {
	summary, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO handoffs (id, call_id, tenant_id, queue, reason, intent, summary_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		h.ID, h.CallID, h.TenantID, h.Queue, string(h.Reason), h.Intent, string(summary), h.CreatedAt.UTC(),
	)
	return err
}

func MarkHandoffEnqueued(ctx context.Context, db *sql.DB, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE handoffs SET enqueued_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

func GetLatestHandoff(ctx context.Context, db *sql.DB, callID string) (domain.HandoffContext, error) {
	var h domain.HandoffContext
	var summary string
	err := db.QueryRowContext(ctx,
		`SELECT summary_json FROM handoffs WHERE call_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		callID,
	).Scan(&summary)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal([]byte(summary), &h); err != nil {
		return h, fmt.Errorf("parse handoff summary: %w", err)
	}
	return h, nil
}

// --- Classification history ---

func InsertClassification(ctx context.Context, db *sql.DB, r domain.ClassificationRecord) error {
	classifiedAt := r.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO classification_history
		 (session_id, call_id, tenant_id, level, intent, confidence, status, llm_provider, input_tokens, output_tokens, latency_ms, classified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.CallID, r.TenantID, r.Level.String(), r.Intent, r.Confidence, r.Status,
		r.Provider, r.InputTokens, r.OutputTokens, r.LatencyMS, classifiedAt.UTC(),
	)
	return err
}

func GetClassifications(ctx context.Context, db *sql.DB, callID string) ([]domain.ClassificationRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, call_id, tenant_id, level, intent, confidence, status,
		        llm_provider, input_tokens, output_tokens, latency_ms, classified_at
		 FROM classification_history
		 WHERE call_id = ?
		 ORDER BY id`,
		callID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClassificationRecord
	for rows.Next() {
		var r domain.ClassificationRecord
		var level string
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.CallID, &r.TenantID, &level, &r.Intent, &r.Confidence, &r.Status,
			&r.Provider, &r.InputTokens, &r.OutputTokens, &r.LatencyMS, &r.ClassifiedAt,
		); err != nil {
			return nil, err
		}
		if r.Level, err = domain.ParseLevel(level); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Containment stats ---

type ContainmentStats struct {
	TotalCalls  int
	Contained   int
	Escalated   int
	Abandoned   int
	InProgress  int
	Escalations map[domain.TriggerReason]int
}

// ContainmentRate is the share of finished calls resolved at L1 or L2.
func (s ContainmentStats) ContainmentRate() float64 {
	finished := s.Contained + s.Escalated + s.Abandoned
	if finished == 0 {
		return 0
	}
	return float64(s.Contained) / float64(finished)
}

func GetContainmentStats(ctx context.Context, db *sql.DB, since time.Time) (ContainmentStats, error) {
	// Timestamps are stored in UTC and compared as text, so the bound must be too.
	since = since.UTC()
	s := ContainmentStats{Escalations: make(map[domain.TriggerReason]int)}
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'contained' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'escalated' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'abandoned' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = '' THEN 1 ELSE 0 END), 0)
		 FROM call_sessions WHERE started_at >= ?`,
		since,
	).Scan(&s.TotalCalls, &s.Contained, &s.Escalated, &s.Abandoned, &s.InProgress)
	if err != nil {
		return s, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT trigger_reason, COUNT(*) FROM escalation_events
		 WHERE created_at >= ?
		 GROUP BY trigger_reason`,
		since,
	)
	if err != nil {
		return s, nil // non-fatal
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var cnt int
		if err := rows.Scan(&reason, &cnt); err != nil {
			continue
		}
		s.Escalations[domain.TriggerReason(reason)] = cnt
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
