package actionqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// Manager is the only creation path for action items.
type Manager struct {
	repo   Repository
	now    func() time.Time
	logger zerolog.Logger
}

func NewManager(repo Repository, logger zerolog.Logger) *Manager {
	return &Manager{repo: repo, now: time.Now, logger: logger}
}

func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// UpsertPendingAction returns the pending item for the key, creating it when
// no pending item exists. An existing pending item is returned unchanged.
func (m *Manager) UpsertPendingAction(ctx context.Context, patientID uuid.UUID, actionType ActionType,
	relatedEntityID uuid.UUID, priority risk.Priority, dueAt time.Time) (*Item, bool, error) {
	if patientID == uuid.Nil {
		return nil, false, apperror.Validation("patient_id is required")
	}
	if relatedEntityID == uuid.Nil {
		return nil, false, apperror.Validation("related_entity_id is required")
	}
	if !actionType.Valid() {
		return nil, false, apperror.Validation(fmt.Sprintf("invalid action type: %q", actionType))
	}
	if !priority.Valid() {
		return nil, false, apperror.Validation(fmt.Sprintf("invalid priority: %q", priority))
	}

	item, created, err := m.repo.UpsertPending(ctx, &Item{
		PatientID:       patientID,
		ActionType:      actionType,
		RelatedEntityID: relatedEntityID,
		Priority:        priority,
		DueAt:           dueAt.UTC(),
		Status:          StatusPending,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		m.logger.Info().
			Str("action_id", item.ID.String()).
			Str("patient_id", patientID.String()).
			Str("action_type", string(actionType)).
			Str("related_entity_id", relatedEntityID.String()).
			Str("priority", string(priority)).
			Time("due_at", item.DueAt).
			Msg("action item created")
	}
	return item, created, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	return m.repo.GetByID(ctx, id)
}

func (m *Manager) ListPending(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, 0, apperror.Validation(fmt.Sprintf("invalid priority: %q", f.Priority))
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, apperror.Validation(fmt.Sprintf("invalid action type: %q", f.Type))
	}
	return m.repo.ListPending(ctx, f, limit, offset)
}

func (m *Manager) ListByRelated(ctx context.Context, relatedEntityID uuid.UUID) ([]*Item, error) {
	return m.repo.ListByRelated(ctx, relatedEntityID)
}

// Resolve applies a reviewer outcome to item id. Resolving an item that is
// already in the requested status is a no-op; resolving one that reached a
// different terminal status is a Conflict.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, status Status, by, note string) (*Item, bool, error) {
	if status != StatusCompleted && status != StatusDeclined {
		return nil, false, apperror.Validation(fmt.Sprintf("cannot resolve an action as %q", status))
	}
	item, changed, err := m.repo.Resolve(ctx, id, Resolution{Status: status, By: by, Note: note, At: m.now().UTC()})
	if err != nil {
		return nil, false, err
	}
	if changed {
		m.logger.Info().
			Str("action_id", id.String()).
			Str("action_type", string(item.ActionType)).
			Str("status", string(status)).
			Str("resolved_by", by).
			Msg("action item resolved")
		return item, true, nil
	}
	if err := CheckOutcome(item, status); err != nil {
		return nil, false, err
	}
	return item, false, nil
}

// CheckOutcome returns nil when item already carries want, and a Conflict
// when it was resolved differently.
func CheckOutcome(item *Item, want Status) error {
	if item.Status == want {
		return nil
	}
	if item.Status.Terminal() {
		return apperror.Conflict(
			fmt.Sprintf("action already resolved as %s", item.Status),
			map[string]string{"action_id": item.ID.String(), "status": string(item.Status)},
		)
	}
	return nil
}

// ExpireOverdue moves every pending item past its due time to expired.
func (m *Manager) ExpireOverdue(ctx context.Context) ([]*Item, error) {
	items, err := m.repo.ExpireOverdue(ctx, m.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		m.logger.Warn().
			Str("action_id", it.ID.String()).
			Str("patient_id", it.PatientID.String()).
			Str("action_type", string(it.ActionType)).
			Time("due_at", it.DueAt).
			Msg("action item expired")
	}
	return items, nil
}
