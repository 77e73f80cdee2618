package risk

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is the risk label produced by the scorer. Priorities are totally
// ordered: LOW < MODERATE < HIGH < CRITICAL.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityModerate Priority = "MODERATE"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityModerate: 2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Rank returns the position of p in the total order, or 0 for an unknown value.
func (p Priority) Rank() int { return priorityRank[p] }

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Elevated reports whether p is HIGH or CRITICAL.
func (p Priority) Elevated() bool { return p.Rank() >= PriorityHigh.Rank() }

func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority: %q", s)
	}
	return p, nil
}

// MonitoringStatus is derived from priority by the detector. It only moves
// from inactive to active automatically; deactivation is a reviewer action.
type MonitoringStatus string

const (
	MonitoringInactive MonitoringStatus = "inactive"
	MonitoringActive   MonitoringStatus = "active"
	MonitoringPaused   MonitoringStatus = "paused"
)

func (s MonitoringStatus) Valid() bool {
	switch s {
	case MonitoringInactive, MonitoringActive, MonitoringPaused:
		return true
	}
	return false
}

// PatientRiskSnapshot is the current risk state of one patient.
type PatientRiskSnapshot struct {
	PatientID        uuid.UUID        `db:"patient_id" json:"patient_id"`
	CurrentPriority  Priority         `db:"current_priority" json:"current_priority"`
	CurrentScore     float64          `db:"current_score" json:"current_score"`
	MonitoringStatus MonitoringStatus `db:"monitoring_status" json:"monitoring_status"`
	LastAssessedAt   time.Time        `db:"last_assessed_at" json:"last_assessed_at"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// HistoryEntry is one accepted recomputation. Entries are never modified.
type HistoryEntry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	AssessedAt       time.Time `db:"assessed_at" json:"assessed_at"`
	Priority         Priority  `db:"priority" json:"priority"`
	Score            float64   `db:"score" json:"score"`
	PreviousPriority *Priority `db:"previous_priority" json:"previous_priority,omitempty"`
	PriorityChanged  bool      `db:"priority_changed" json:"priority_changed"`
	Escalated        bool      `db:"escalated" json:"escalated"`
	Improved         bool      `db:"improved" json:"improved"`
	MarkerValue      *float64  `db:"marker_value" json:"marker_value,omitempty"`
	DamageValue      *float64  `db:"damage_value" json:"damage_value,omitempty"`
	Alerts           []Alert   `db:"alerts" json:"alerts"`
	CorrelationID    string    `db:"correlation_id" json:"correlation_id,omitempty"`
}

// OpensReview reports whether the entry is one a reviewer must see: an
// escalation, or a first-ever assessment that was already elevated.
func (e *HistoryEntry) OpensReview() bool {
	return e.Escalated || (e.PreviousPriority == nil && e.Priority.Elevated())
}

// StalePatient is a reconcile candidate. LastAssessedAt is zero for a
// patient that was never assessed; together with PatientID it is the
// cursor for the next page.
type StalePatient struct {
	PatientID      uuid.UUID
	LastAssessedAt time.Time
}

// Before orders stale patients by last assessment, then by id.
func (s StalePatient) Before(o StalePatient) bool {
	if !s.LastAssessedAt.Equal(o.LastAssessedAt) {
		return s.LastAssessedAt.Before(o.LastAssessedAt)
	}
	return bytes.Compare(s.PatientID[:], o.PatientID[:]) < 0
}

// Alert is a finding raised by the scorer alongside the score.
type Alert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Result is the output of a Scorer.
type Result struct {
	Score    float64  `json:"score"`
	Priority Priority `json:"priority"`
	Alerts   []Alert  `json:"alerts"`
}

// Assessment is the detector input: a scoring result plus the marker
// readings it was computed from.
type Assessment struct {
	PatientID     uuid.UUID
	Result        Result
	MarkerValue   *float64
	DamageValue   *float64
	CorrelationID string
}

// Transition describes what one detector run changed.
type Transition struct {
	Entry    *HistoryEntry
	Previous *HistoryEntry
	Snapshot *PatientRiskSnapshot

	// MonitoringActivated is set when this run moved monitoring from inactive to active.
	MonitoringActivated bool
	// NeedsReview is set on escalation or on a first-ever elevated assessment.
	NeedsReview bool
}
