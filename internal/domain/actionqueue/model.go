package actionqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/domain/risk"
)

type ActionType string

const (
	ActionConfirmDiagnosis ActionType = "confirm_diagnosis"
	ActionApproveTreatment ActionType = "approve_treatment"
	ActionReviewEscalation ActionType = "review_escalation"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionConfirmDiagnosis, ActionApproveTreatment, ActionReviewEscalation:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s is a resolved state. Terminal items never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusExpired
}

// Item is a unit of clinician work. At most one pending item exists per
// (PatientID, ActionType, RelatedEntityID).
type Item struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	PatientID       uuid.UUID     `db:"patient_id" json:"patient_id"`
	ActionType      ActionType    `db:"action_type" json:"action_type"`
	Priority        risk.Priority `db:"priority" json:"priority"`
	DueAt           time.Time     `db:"due_at" json:"due_at"`
	Status          Status        `db:"status" json:"status"`
	RelatedEntityID uuid.UUID     `db:"related_entity_id" json:"related_entity_id"`
	ResolvedBy      *string       `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote  *string       `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Key identifies the pending slot an item occupies.
type Key struct {
	PatientID       uuid.UUID
	ActionType      ActionType
	RelatedEntityID uuid.UUID
}

func (i *Item) Key() Key {
	return Key{PatientID: i.PatientID, ActionType: i.ActionType, RelatedEntityID: i.RelatedEntityID}
}

// Filter narrows ListPending. Zero values match everything.
type Filter struct {
	Priority  risk.Priority
	Type      ActionType
	PatientID uuid.UUID
}

func (f Filter) Matches(i *Item) bool {
	if f.Priority != "" && i.Priority != f.Priority {
		return false
	}
	if f.Type != "" && i.ActionType != f.Type {
		return false
	}
	if f.PatientID != uuid.Nil && i.PatientID != f.PatientID {
		return false
	}
	return true
}

// Resolution is a reviewer outcome applied to a pending item.
type Resolution struct {
	Status Status
	By     string
	Note   string
	At     time.Time
}

// EscalationDue is the review window for a review_escalation item.
func EscalationDue(p risk.Priority) time.Duration {
	switch p {
	case risk.PriorityCritical:
		return 4 * time.Hour
	case risk.PriorityHigh:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}
