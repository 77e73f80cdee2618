package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// Detector records each assessment and classifies the priority transition it
// represents. It owns PatientRiskSnapshot and RiskHistoryEntry writes.
type Detector struct {
	repo   Repository
	now    func() time.Time
	logger zerolog.Logger
}

func NewDetector(repo Repository, logger zerolog.Logger) *Detector {
	return &Detector{repo: repo, now: time.Now, logger: logger}
}

// SetClock overrides the time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// LatestReviewEntry returns the newest entry that opened a review, or nil.
func (d *Detector) LatestReviewEntry(ctx context.Context, patientID uuid.UUID) (*HistoryEntry, error) {
	return d.repo.LatestReviewEntry(ctx, patientID)
}

// Detect appends a history entry and updates the snapshot for a.
func (d *Detector) Detect(ctx context.Context, a Assessment) (*Transition, error) {
	if a.PatientID == uuid.Nil {
		return nil, apperror.Validation("patient_id is required")
	}
	if !a.Result.Priority.Valid() {
		return nil, apperror.Validation("invalid priority: " + string(a.Result.Priority))
	}

	var tr *Transition
	err := d.repo.Apply(ctx, a.PatientID, func(current *PatientRiskSnapshot, last *HistoryEntry) (*HistoryEntry, *PatientRiskSnapshot, error) {
		t := Derive(a, current, last, d.now().UTC())
		tr = t
		return t.Entry, t.Snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	ev := d.logger.Info()
	if !tr.Entry.PriorityChanged {
		ev = d.logger.Debug()
	}
	ev.Str("patient_id", a.PatientID.String()).
		Str("correlation_id", a.CorrelationID).
		Str("priority", string(tr.Entry.Priority)).
		Interface("previous_priority", tr.Entry.PreviousPriority).
		Bool("escalated", tr.Entry.Escalated).
		Bool("improved", tr.Entry.Improved).
		Bool("monitoring_activated", tr.MonitoringActivated).
		Msg("risk assessment recorded")

	return tr, nil
}

// Derive computes the next history entry and snapshot. The previous priority
// comes from the current snapshot; assessedAt is forced strictly after both
// the snapshot and the last history entry so history stays ordered per
// patient even when clocks on different instances disagree.
func Derive(a Assessment, current *PatientRiskSnapshot, last *HistoryEntry, now time.Time) *Transition {
	assessedAt := now.Truncate(time.Microsecond)
	floor := time.Time{}
	if current != nil {
		floor = current.LastAssessedAt
	}
	if last != nil && last.AssessedAt.After(floor) {
		floor = last.AssessedAt
	}
	if !assessedAt.After(floor) {
		assessedAt = floor.Add(time.Microsecond)
	}

	entry := &HistoryEntry{
		ID:            uuid.New(),
		PatientID:     a.PatientID,
		AssessedAt:    assessedAt,
		Priority:      a.Result.Priority,
		Score:         a.Result.Score,
		MarkerValue:   a.MarkerValue,
		DamageValue:   a.DamageValue,
		Alerts:        a.Result.Alerts,
		CorrelationID: a.CorrelationID,
	}
	if entry.Alerts == nil {
		entry.Alerts = []Alert{}
	}

	next := &PatientRiskSnapshot{
		PatientID:        a.PatientID,
		CurrentPriority:  a.Result.Priority,
		CurrentScore:     a.Result.Score,
		MonitoringStatus: MonitoringInactive,
		LastAssessedAt:   assessedAt,
	}

	tr := &Transition{Entry: entry, Previous: last, Snapshot: next}

	if current == nil {
		entry.PriorityChanged = true
		tr.NeedsReview = a.Result.Priority.Elevated()
	} else {
		prev := current.CurrentPriority
		entry.PreviousPriority = &prev
		entry.PriorityChanged = a.Result.Priority != prev
		entry.Escalated = entry.PriorityChanged && a.Result.Priority.Rank() > prev.Rank()
		entry.Improved = entry.PriorityChanged && a.Result.Priority.Rank() < prev.Rank()
		tr.NeedsReview = entry.Escalated
		next.MonitoringStatus = current.MonitoringStatus
		next.CreatedAt = current.CreatedAt
	}

	if a.Result.Priority.Elevated() && next.MonitoringStatus == MonitoringInactive {
		next.MonitoringStatus = MonitoringActive
		tr.MonitoringActivated = true
	}
	return tr
}
