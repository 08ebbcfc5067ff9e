package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callrouter/internal/domain"
)

// Store adapts the package functions to the interfaces consumed by the
// registry, flow resolver and routing engine.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) PhoneNumbers(ctx context.Context) ([]domain.PhoneNumber, error) {
	return ListPhoneNumbers(ctx, s.DB)
}

func (s *Store) FlowVersion(ctx context.Context, tenantID string, version int) (domain.CallFlowVersion, error) {
	f, err := GetFlowVersion(ctx, s.DB, tenantID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return f, &domain.ConfigurationMissing{TenantID: tenantID, Version: version}
	}
	return f, err
}

func (s *Store) Tenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	t, err := GetTenant(ctx, s.DB, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return t, &domain.ConfigurationMissing{TenantID: tenantID}
	}
	return t, err
}

func (s *Store) CreateSession(ctx context.Context, sess domain.CallSession) error {
	return InsertCallSession(ctx, s.DB, sess)
}

func (s *Store) SaveSession(ctx context.Context, sess domain.CallSession) error {
	return UpdateCallSession(ctx, s.DB, sess)
}

func (s *Store) SessionByCallID(ctx context.Context, callID string) (domain.CallSession, error) {
	sess, err := GetCallSessionByCallID(ctx, s.DB, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, domain.ErrCallNotFound
	}
	return sess, err
}

func (s *Store) LatestHandoff(ctx context.Context, callID string) (domain.HandoffContext, error) {
	h, err := GetLatestHandoff(ctx, s.DB, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return h, domain.ErrCallNotFound
	}
	return h, err
}

func (s *Store) AppendEvent(ctx context.Context, e domain.EscalationEvent) error {
	return InsertEscalationEvent(ctx, s.DB, e)
}

func (s *Store) Events(ctx context.Context, sessionID string) ([]domain.EscalationEvent, error) {
	return GetEscalationEvents(ctx, s.DB, sessionID)
}

func (s *Store) RecordClassification(ctx context.Context, r domain.ClassificationRecord) error {
	return InsertClassification(ctx, s.DB, r)
}

func (s *Store) SaveHandoff(ctx context.Context, h domain.HandoffContext) error {
	return InsertHandoff(ctx, s.DB, h)
}

func (s *Store) HandoffEnqueued(ctx context.Context, id string, at time.Time) error {
	return MarkHandoffEnqueued(ctx, s.DB, id, at)
}

func (s *Store) ContainmentStats(ctx context.Context, since time.Time) (ContainmentStats, error) {
	return GetContainmentStats(ctx, s.DB, since)
}
