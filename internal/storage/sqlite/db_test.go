package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callrouter/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "callrouter-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitDBAddsDegradedColumn(t *testing.T) {
	db := newTestDB(t)

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('call_sessions') WHERE name = 'degraded'`).Scan(&count); err != nil {
		t.Fatalf("query pragma_table_info failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected degraded column to exist, count=%d", count)
	}
}

func TestTenantRoundTrip(t *testing.T) {
	db := newTestDB(t)
	tenant := domain.Tenant{
		ID:                 "bistro",
		Name:               "Bistro",
		Timezone:           "America/Toronto",
		DefaultFlowVersion: 2,
		HumanQueue:         "host_stand",
		Policies: []domain.Policy{
			{Name: "allergy_uncertainty", Phrases: []string{"allergy", "gluten"}, RequireHuman: true},
		},
	}
	if err := UpsertTenant(db, tenant); err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}
	tenant.HumanQueue = "manager"
	if err := UpsertTenant(db, tenant); err != nil {
		t.Fatalf("UpsertTenant (update) failed: %v", err)
	}

	got, err := GetTenant(context.Background(), db, "bistro")
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if got.HumanQueue != "manager" || got.DefaultFlowVersion != 2 {
		t.Fatalf("unexpected tenant: %+v", got)
	}
	if len(got.Policies) != 1 || got.Policies[0].Name != "allergy_uncertainty" || !got.Policies[0].RequireHuman {
		t.Fatalf("unexpected policies: %+v", got.Policies)
	}
}

func TestFlowVersionsAreImmutable(t *testing.T) {
	db := newTestDB(t)
	flow := domain.CallFlowVersion{
		TenantID:       "bistro",
		Version:        1,
		Prompt:         "Thanks for calling.",
		Hints:          []string{"reservation", "order"},
		TimeoutSeconds: 3,
		T1:             0.6,
		T2:             0.5,
		Keywords:       []string{"manager"},
		MaxAttempts:    3,
		OperatorDigit:  "0",
		IntentExamples: map[string][]string{"reservation": {"book a table"}},
	}
	inserted, err := InsertFlowVersion(db, flow)
	if err != nil || !inserted {
		t.Fatalf("InsertFlowVersion failed: inserted=%v err=%v", inserted, err)
	}

	changed := flow
	changed.Prompt = "Changed prompt"
	inserted, err = InsertFlowVersion(db, changed)
	if err != nil {
		t.Fatalf("InsertFlowVersion (duplicate) failed: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate flow version to be ignored")
	}

	got, err := GetFlowVersion(context.Background(), db, "bistro", 1)
	if err != nil {
		t.Fatalf("GetFlowVersion failed: %v", err)
	}
	if got.Prompt != "Thanks for calling." {
		t.Fatalf("stored flow was rewritten: %q", got.Prompt)
	}
	if len(got.Hints) != 2 || got.Hints[1] != "order" {
		t.Fatalf("unexpected hints: %v", got.Hints)
	}
	if got.IntentExamples["reservation"][0] != "book a table" {
		t.Fatalf("unexpected intent examples: %v", got.IntentExamples)
	}

	if _, err := GetFlowVersion(context.Background(), db, "bistro", 9); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing version, got %v", err)
	}
}

func TestStoreFlowVersionMissingIsConfigurationMissing(t *testing.T) {
	store := NewStore(newTestDB(t))
	_, err := store.FlowVersion(context.Background(), "nobody", 4)
	var missing *domain.ConfigurationMissing
	if !errors.As(err, &missing) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
	if missing.Version != 4 {
		t.Fatalf("unexpected version in error: %d", missing.Version)
	}
}

func TestSessionLifecycleAndEvents(t *testing.T) {
	db := newTestDB(t)
	start := time.Now().UTC().Truncate(time.Second)

	sess := domain.CallSession{
		ID:          "sess-1",
		CallID:      "CA123",
		TenantID:    "bistro",
		PhoneNumber: "+15551230000",
		Provider:    "twilio",
		FlowVersion: 1,
		Level:       domain.LevelL1,
		StartedAt:   start,
	}
	if err := InsertCallSession(context.Background(), db, sess); err != nil {
		t.Fatalf("InsertCallSession failed: %v", err)
	}
	if err := InsertCallSession(context.Background(), db, sess); err == nil {
		t.Fatal("expected duplicate call id to fail")
	}

	ev := domain.EscalationEvent{
		ID:        "ev-1",
		SessionID: "sess-1",
		CallID:    "CA123",
		FromLevel: domain.LevelL1,
		ToLevel:   domain.LevelL3,
		Reason:    domain.TriggerKeyword,
		At:        start.Add(time.Second),
	}
	if err := InsertEscalationEvent(context.Background(), db, ev); err != nil {
		t.Fatalf("InsertEscalationEvent failed: %v", err)
	}

	sess.Level = domain.LevelTerminated
	sess.Outcome = domain.OutcomeEscalated
	sess.Degraded = true
	sess.EndedAt = start.Add(time.Minute)
	if err := UpdateCallSession(context.Background(), db, sess); err != nil {
		t.Fatalf("UpdateCallSession failed: %v", err)
	}

	got, err := GetCallSessionByCallID(context.Background(), db, "CA123")
	if err != nil {
		t.Fatalf("GetCallSessionByCallID failed: %v", err)
	}
	if got.Level != domain.LevelTerminated || got.Outcome != domain.OutcomeEscalated || !got.Degraded {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}

	events, err := GetEscalationEvents(context.Background(), db, "sess-1")
	if err != nil {
		t.Fatalf("GetEscalationEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Reason != domain.TriggerKeyword || events[0].ToLevel != domain.LevelL3 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestEscalationEventsAreAppendOnly(t *testing.T) {
	db := newTestDB(t)
	ev := domain.EscalationEvent{
		ID: "ev-1", SessionID: "s", CallID: "c",
		FromLevel: domain.LevelL1, ToLevel: domain.LevelL2,
		Reason: domain.TriggerLowConfidence, At: time.Now().UTC(),
	}
	if err := InsertEscalationEvent(context.Background(), db, ev); err != nil {
		t.Fatalf("InsertEscalationEvent failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE escalation_events SET to_level = 'L1' WHERE id = 'ev-1'`); err == nil {
		t.Fatal("expected update of escalation event to be rejected")
	}
	if _, err := db.Exec(`DELETE FROM escalation_events WHERE id = 'ev-1'`); err == nil {
		t.Fatal("expected delete of escalation event to be rejected")
	}
}

func TestHandoffPersistence(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	h := domain.HandoffContext{
		ID:        "h-1",
		CallID:    "CA1",
		TenantID:  "bistro",
		Queue:     "host_stand",
		Reason:    domain.TriggerPolicyRequired,
		Intent:    "reservation",
		Excerpt:   []string{"caller: table for four"},
		Fields:    map[string]string{"party_size": "4"},
		CreatedAt: now,
	}
	if err := InsertHandoff(context.Background(), db, h); err != nil {
		t.Fatalf("InsertHandoff failed: %v", err)
	}
	if err := MarkHandoffEnqueued(context.Background(), db, "h-1", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkHandoffEnqueued failed: %v", err)
	}
	got, err := GetLatestHandoff(context.Background(), db, "CA1")
	if err != nil {
		t.Fatalf("GetLatestHandoff failed: %v", err)
	}
	if got.Fields["party_size"] != "4" || got.Queue != "host_stand" {
		t.Fatalf("unexpected handoff: %+v", got)
	}
}

func TestContainmentStats(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)

	outcomes := []domain.Outcome{
		domain.OutcomeContained,
		domain.OutcomeContained,
		domain.OutcomeEscalated,
		domain.OutcomeAbandoned,
		domain.OutcomeNone,
	}
	for i, o := range outcomes {
		s := domain.CallSession{
			ID:          "s" + string(rune('a'+i)),
			CallID:      "c" + string(rune('a'+i)),
			TenantID:    "bistro",
			FlowVersion: 1,
			Level:       domain.LevelL1,
			Outcome:     o,
			StartedAt:   base,
		}
		if err := InsertCallSession(context.Background(), db, s); err != nil {
			t.Fatalf("InsertCallSession failed: %v", err)
		}
	}
	old := domain.CallSession{
		ID: "old", CallID: "old", TenantID: "bistro", FlowVersion: 1,
		Level: domain.LevelL1, Outcome: domain.OutcomeEscalated,
		StartedAt: base.Add(-48 * time.Hour),
	}
	if err := InsertCallSession(context.Background(), db, old); err != nil {
		t.Fatalf("InsertCallSession failed: %v", err)
	}
	if err := InsertEscalationEvent(context.Background(), db, domain.EscalationEvent{
		ID: "e1", SessionID: "sc", CallID: "cc",
		FromLevel: domain.LevelL2, ToLevel: domain.LevelL3,
		Reason: domain.TriggerLowConfidence, At: base,
	}); err != nil {
		t.Fatalf("InsertEscalationEvent failed: %v", err)
	}

	stats, err := GetContainmentStats(context.Background(), db, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetContainmentStats failed: %v", err)
	}
	if stats.TotalCalls != 5 || stats.Contained != 2 || stats.Escalated != 1 || stats.Abandoned != 1 || stats.InProgress != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Escalations[domain.TriggerLowConfidence] != 1 {
		t.Fatalf("unexpected escalation breakdown: %+v", stats.Escalations)
	}
	if rate := stats.ContainmentRate(); rate != 0.5 {
		t.Fatalf("unexpected containment rate: %f", rate)
	}
}

func TestContainmentStatsWindowIsZoneIndependent(t *testing.T) {
	db := newTestDB(t)
	ny := time.FixedZone("EST", -5*60*60)
	now := time.Now().UTC().Truncate(time.Second)

	sessions := []domain.CallSession{
		{ID: "early", CallID: "early", TenantID: "bistro", FlowVersion: 1, Level: domain.LevelL1, StartedAt: now.Add(-3 * time.Hour)},
		{ID: "recent", CallID: "recent", TenantID: "bistro", FlowVersion: 1, Level: domain.LevelL1, StartedAt: now.Add(-10 * time.Minute).In(ny)},
	}
	for _, s := range sessions {
		if err := InsertCallSession(context.Background(), db, s); err != nil {
			t.Fatalf("InsertCallSession failed: %v", err)
		}
	}

	since := now.Add(-time.Hour)
	for _, bound := range []time.Time{since, since.In(ny)} {
		stats, err := GetContainmentStats(context.Background(), db, bound)
		if err != nil {
			t.Fatalf("GetContainmentStats failed: %v", err)
		}
		if stats.TotalCalls != 1 {
			t.Fatalf("since=%s: expected only the recent call, got total=%d", bound, stats.TotalCalls)
		}
	}
}

func TestStoreStopsOnCancelledContext(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := domain.CallSession{ID: "s1", CallID: "CA1", TenantID: "bistro", FlowVersion: 1, Level: domain.LevelL1, StartedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); !errors.Is(err, context.Canceled) {
		t.Fatalf("CreateSession: expected context.Canceled, got %v", err)
	}
	if err := store.AppendEvent(ctx, domain.EscalationEvent{ID: "e1", SessionID: "s1", CallID: "CA1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("AppendEvent: expected context.Canceled, got %v", err)
	}
	if _, err := store.SessionByCallID(ctx, "CA1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("SessionByCallID: expected context.Canceled, got %v", err)
	}

	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession with live context failed: %v", err)
	}
}

func TestApplySeed(t *testing.T) {
	db := newTestDB(t)
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	content := `
tenants:
  - id: bistro
    name: Bistro
    timezone: America/Toronto
    human_queue: host_stand
    policies:
      - name: allergy_uncertainty
        phrases: [allergy, allergic, gluten]
        require_human: true
    flows:
      - version: 1
        prompt: "Thanks for calling Bistro."
        hints: [reservation, order]
        t1: 0.6
        t2: 0.5
        keywords: [manager]
    numbers:
      - e164: "+15551230000"
      - e164: "+15551230001"
        provider: acs
        status: suspended
`
	if err := os.WriteFile(seedPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeedFile(seedPath)
	if err != nil {
		t.Fatalf("LoadSeedFile failed: %v", err)
	}
	if err := ApplySeed(db, seed); err != nil {
		t.Fatalf("ApplySeed failed: %v", err)
	}
	// Applying twice must be harmless.
	if err := ApplySeed(db, seed); err != nil {
		t.Fatalf("ApplySeed (second run) failed: %v", err)
	}

	tenant, err := GetTenant(context.Background(), db, "bistro")
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if tenant.DefaultFlowVersion != 1 {
		t.Fatalf("expected default flow version from first flow, got %d", tenant.DefaultFlowVersion)
	}
	flow, err := GetFlowVersion(context.Background(), db, "bistro", 1)
	if err != nil {
		t.Fatalf("GetFlowVersion failed: %v", err)
	}
	if flow.TimeoutSeconds != 3 || flow.MaxAttempts != 3 || flow.OperatorDigit != "0" {
		t.Fatalf("expected flow defaults, got %+v", flow)
	}

	numbers, err := ListPhoneNumbers(context.Background(), db)
	if err != nil {
		t.Fatalf("ListPhoneNumbers failed: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("expected 2 numbers, got %d", len(numbers))
	}
	if numbers[0].Provider != "twilio" || numbers[0].Status != domain.NumberStatusActive || numbers[0].FlowVersion != 1 {
		t.Fatalf("unexpected first number: %+v", numbers[0])
	}
	if numbers[1].Provider != "acs" || numbers[1].Status != domain.NumberStatusSuspended {
		t.Fatalf("unexpected second number: %+v", numbers[1])
	}
}

func TestStoreLookupsMapMissingRowsToCallNotFound(t *testing.T) {
	store := NewStore(newTestDB(t))
	if _, err := store.SessionByCallID(context.Background(), "CA404"); !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound for session, got %v", err)
	}
	if _, err := store.LatestHandoff(context.Background(), "CA404"); !errors.Is(err, domain.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound for handoff, got %v", err)
	}
}

func TestClassificationHistory(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	records := []domain.ClassificationRecord{
		{SessionID: "s1", CallID: "CA1", TenantID: "bistro", Level: domain.LevelL1, Intent: "reservation", Confidence: 0.82, Status: "ok", Provider: "anthropic", InputTokens: 120, OutputTokens: 14, LatencyMS: 340},
		{SessionID: "s1", CallID: "CA1", TenantID: "bistro", Level: domain.LevelL2, Status: "timeout", Provider: "anthropic", LatencyMS: 2000},
		{SessionID: "s2", CallID: "CA2", TenantID: "bistro", Level: domain.LevelL1, Status: "ok", Provider: "local"},
	}
	for _, r := range records {
		if err := store.RecordClassification(context.Background(), r); err != nil {
			t.Fatalf("RecordClassification failed: %v", err)
		}
	}

	got, err := GetClassifications(context.Background(), db, "CA1")
	if err != nil {
		t.Fatalf("GetClassifications failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Intent != "reservation" || got[0].InputTokens != 120 || got[0].Level != domain.LevelL1 {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if got[1].Status != "timeout" || got[1].Level != domain.LevelL2 || got[1].ClassifiedAt.IsZero() {
		t.Fatalf("unexpected second record: %+v", got[1])
	}
}
