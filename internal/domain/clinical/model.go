package clinical

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Observation codes (LOINC) the engine reads.
const (
	CodeEGFR       = "62238-1"
	CodeUACR       = "9318-7"
	CodePotassium  = "2823-3"
	CodeSystolicBP = "8480-6"
	CodeHbA1c      = "4548-4"
)

// Condition codes (SNOMED CT) that modify risk.
const (
	CondDiabetes     = "44054006"
	CondHypertension = "38341003"
	CondHeartFailure = "84114007"
)

// Source names the clinical table a change originated from.
type Source string

const (
	SourcePatient     Source = "patient"
	SourceObservation Source = "observation"
	SourceCondition   Source = "condition"
	// SourceReconcile marks synthetic events produced by a reconciliation sweep.
	SourceReconcile Source = "reconcile"
	SourceManual    Source = "manual"
)

func (s Source) Valid() bool {
	switch s {
	case SourcePatient, SourceObservation, SourceCondition, SourceReconcile, SourceManual:
		return true
	}
	return false
}

type Patient struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	MRN        string     `db:"mrn" json:"mrn"`
	GivenName  *string    `db:"given_name" json:"given_name,omitempty"`
	FamilyName *string    `db:"family_name" json:"family_name,omitempty"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex        *string    `db:"sex" json:"sex,omitempty"`
	Active     bool       `db:"active" json:"active"`
}

type Observation struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Code        string    `db:"code" json:"code"`
	Display     *string   `db:"display" json:"display,omitempty"`
	Value       *float64  `db:"value" json:"value,omitempty"`
	Unit        *string   `db:"unit" json:"unit,omitempty"`
	Status      string    `db:"status" json:"status"`
	EffectiveAt time.Time `db:"effective_at" json:"effective_at"`
}

type Condition struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	Code           string     `db:"code" json:"code"`
	Display        *string    `db:"display" json:"display,omitempty"`
	ClinicalStatus string     `db:"clinical_status" json:"clinical_status"`
	OnsetAt        *time.Time `db:"onset_at" json:"onset_at,omitempty"`
}

// LabValue is the most recent final result for one observation code.
type LabValue struct {
	Code        string    `json:"code"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	EffectiveAt time.Time `json:"effective_at"`
}

// Snapshot is the immutable clinical input to risk scoring for one patient.
type Snapshot struct {
	PatientID  uuid.UUID           `json:"patient_id"`
	BirthDate  *time.Time          `json:"birth_date,omitempty"`
	Sex        string              `json:"sex,omitempty"`
	Labs       map[string]LabValue `json:"labs"`
	Conditions []string            `json:"conditions"`
	AsOf       time.Time           `json:"as_of"`
}

// Lab returns the latest value for code.
func (s *Snapshot) Lab(code string) (LabValue, bool) {
	v, ok := s.Labs[code]
	return v, ok
}

// LabValuePtr returns the latest value for code, or nil.
func (s *Snapshot) LabValuePtr(code string) *float64 {
	v, ok := s.Labs[code]
	if !ok {
		return nil
	}
	f := v.Value
	return &f
}

func (s *Snapshot) HasCondition(code string) bool {
	for _, c := range s.Conditions {
		if c == code {
			return true
		}
	}
	return false
}

// AgeAt returns whole years of age at t, or -1 when the birth date is unknown.
func (s *Snapshot) AgeAt(t time.Time) int {
	if s.BirthDate == nil {
		return -1
	}
	b := *s.BirthDate
	age := t.Year() - b.Year()
	if t.YearDay() < b.YearDay() {
		age--
	}
	return age
}

// BuildSnapshot folds raw rows into a Snapshot. Only final/amended
// observations with a value count; the most recent per code wins. Only
// active conditions are kept, deduplicated and sorted.
func BuildSnapshot(p *Patient, obs []*Observation, conds []*Condition, asOf time.Time) *Snapshot {
	snap := &Snapshot{
		PatientID: p.ID,
		BirthDate: p.BirthDate,
		Labs:      make(map[string]LabValue),
		AsOf:      asOf,
	}
	if p.Sex != nil {
		snap.Sex = *p.Sex
	}

	for _, o := range obs {
		if o.Value == nil || (o.Status != "final" && o.Status != "amended" && o.Status != "corrected") {
			continue
		}
		cur, ok := snap.Labs[o.Code]
		if ok && !o.EffectiveAt.After(cur.EffectiveAt) {
			continue
		}
		lv := LabValue{Code: o.Code, Value: *o.Value, EffectiveAt: o.EffectiveAt}
		if o.Unit != nil {
			lv.Unit = *o.Unit
		}
		snap.Labs[o.Code] = lv
	}

	seen := make(map[string]bool)
	for _, c := range conds {
		if c.ClinicalStatus != "active" && c.ClinicalStatus != "recurrence" && c.ClinicalStatus != "relapse" {
			continue
		}
		if seen[c.Code] {
			continue
		}
		seen[c.Code] = true
		snap.Conditions = append(snap.Conditions, c.Code)
	}
	sort.Strings(snap.Conditions)
	return snap
}
