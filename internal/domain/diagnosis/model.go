package diagnosis

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/domain/risk"
)

// OnsetState is the per-patient position in the diagnosis onset lifecycle.
type OnsetState string

const (
	StateNotAtRisk                OnsetState = "not_at_risk"
	StateAtRisk                   OnsetState = "at_risk"
	StatePendingConfirmation      OnsetState = "pending_confirmation"
	StateConfirmed                OnsetState = "confirmed"
	StateTreatmentPendingApproval OnsetState = "treatment_pending_approval"
	StateTreatmentActive          OnsetState = "treatment_active"
	StateDeclined                 OnsetState = "declined"
)

var transitions = map[OnsetState][]OnsetState{
	StateNotAtRisk:                {StateAtRisk, StatePendingConfirmation},
	StateAtRisk:                   {StateNotAtRisk, StatePendingConfirmation},
	StatePendingConfirmation:      {StateTreatmentPendingApproval, StateDeclined},
	StateConfirmed:                {StateTreatmentPendingApproval},
	StateTreatmentPendingApproval: {StateTreatmentActive, StateConfirmed, StateDeclined},
	StateTreatmentActive:          {},
	StateDeclined:                 {StateNotAtRisk, StateAtRisk, StatePendingConfirmation},
}

// CanTransition reports whether the lifecycle allows from -> to.
// Staying in the same state is always allowed.
func CanTransition(from, to OnsetState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Diagnosed reports whether the patient already carries a confirmed diagnosis.
// Diagnosed patients are not re-detected.
func (s OnsetState) Diagnosed() bool {
	return s == StateConfirmed || s == StateTreatmentPendingApproval || s == StateTreatmentActive
}

type Trigger string

const (
	TriggerThresholdCross   Trigger = "threshold-cross"
	TriggerPersistentMarker Trigger = "persistent-marker"
)

type EventStatus string

const (
	EventPendingConfirmation EventStatus = "pending_confirmation"
	EventConfirmed           EventStatus = "confirmed"
	EventDeclined            EventStatus = "declined"
)

// Event is a detected diagnosis onset. At most one event per patient is open
// (pending confirmation) at a time.
type Event struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	PatientID        uuid.UUID     `db:"patient_id" json:"patient_id"`
	DiagnosisDate    time.Time     `db:"diagnosis_date" json:"diagnosis_date"`
	StageAtDiagnosis string        `db:"stage_at_diagnosis" json:"stage_at_diagnosis"`
	DetectionTrigger Trigger       `db:"detection_trigger" json:"detection_trigger"`
	PreviousStatus   OnsetState    `db:"previous_status" json:"previous_status"`
	MarkerValue      *float64      `db:"marker_value" json:"marker_value,omitempty"`
	DamageValue      *float64      `db:"damage_value" json:"damage_value,omitempty"`
	Priority         risk.Priority `db:"priority" json:"priority"`
	Status           EventStatus   `db:"status" json:"status"`
	Confirmed        bool          `db:"confirmed" json:"confirmed"`
	ConfirmedAt      *time.Time    `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ResolvedBy       *string       `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote   *string       `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

func (e *Event) Open() bool { return e.Status == EventPendingConfirmation }

type ProtocolStatus string

const (
	ProtocolPendingApproval ProtocolStatus = "pending_approval"
	ProtocolApproved        ProtocolStatus = "approved"
	ProtocolActive          ProtocolStatus = "active"
	ProtocolDeclined        ProtocolStatus = "declined"
)

// Protocol is a treatment plan draft tied to a confirmed event.
type Protocol struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	DiagnosisEventID uuid.UUID       `db:"diagnosis_event_id" json:"diagnosis_event_id"`
	PatientID        uuid.UUID       `db:"patient_id" json:"patient_id"`
	Body             json.RawMessage `db:"protocol_body" json:"protocol_body"`
	Status           ProtocolStatus  `db:"status" json:"status"`
	ResolvedBy       *string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote   *string         `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

type StateRecord struct {
	PatientID        uuid.UUID  `json:"patient_id"`
	State            OnsetState `json:"state"`
	DiagnosisEventID *uuid.UUID `json:"diagnosis_event_id,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
