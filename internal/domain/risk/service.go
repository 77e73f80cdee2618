package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// Submitter enqueues a synthetic change event for a patient.
type Submitter interface {
	Submit(ctx context.Context, patientID uuid.UUID, reason string) error
}

type Service struct {
	repo      Repository
	submitter Submitter
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetSubmitter attaches the engine used by Recompute.
func (s *Service) SetSubmitter(sub Submitter) {
	s.submitter = sub
}

func (s *Service) GetSnapshot(ctx context.Context, patientID uuid.UUID) (*PatientRiskSnapshot, error) {
	return s.repo.GetSnapshot(ctx, patientID)
}

func (s *Service) ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	return s.repo.ListHistory(ctx, patientID, limit, offset)
}

// SetMonitoringStatus is the only way to move a patient back to inactive.
func (s *Service) SetMonitoringStatus(ctx context.Context, patientID uuid.UUID, status MonitoringStatus) (*PatientRiskSnapshot, error) {
	if !status.Valid() {
		return nil, apperror.Validation(fmt.Sprintf("invalid monitoring status: %q", status))
	}
	return s.repo.SetMonitoringStatus(ctx, patientID, status)
}

func (s *Service) Recompute(ctx context.Context, patientID uuid.UUID) error {
	if s.submitter == nil {
		return fmt.Errorf("recompute is not available")
	}
	return s.submitter.Submit(ctx, patientID, "manual recompute")
}
