package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Deriver computes the next history entry and snapshot from the current
// snapshot (nil on first assessment) and the latest history entry (nil when
// there is none). It must be a pure function of its inputs.
type Deriver func(current *PatientRiskSnapshot, last *HistoryEntry) (*HistoryEntry, *PatientRiskSnapshot, error)

type Repository interface {
	// Apply runs derive while holding the patient's risk state exclusively,
	// then appends the returned entry and writes the returned snapshot in the
	// same atomic unit.
	Apply(ctx context.Context, patientID uuid.UUID, derive Deriver) error

	GetSnapshot(ctx context.Context, patientID uuid.UUID) (*PatientRiskSnapshot, error)
	ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error)

	// SetMonitoringStatus is the reviewer path for changing monitoring status.
	SetMonitoringStatus(ctx context.Context, patientID uuid.UUID, status MonitoringStatus) (*PatientRiskSnapshot, error)

	// LatestReviewEntry returns the newest history entry that opened a
	// review (see HistoryEntry.OpensReview), or nil when there is none.
	LatestReviewEntry(ctx context.Context, patientID uuid.UUID) (*HistoryEntry, error)

	// ListStale returns patients whose snapshot was last assessed before
	// cutoff, plus known patients that were never assessed, ordered by
	// (LastAssessedAt, PatientID) with never-assessed patients first. When
	// after is set only patients strictly past that key are returned.
	ListStale(ctx context.Context, cutoff time.Time, after *StalePatient, limit int) ([]StalePatient, error)
}
