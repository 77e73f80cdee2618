package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// -- Mock Repository --

type mockRepo struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]*PatientRiskSnapshot
	history   map[uuid.UUID][]*HistoryEntry
	failApply error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		snapshots: make(map[uuid.UUID]*PatientRiskSnapshot),
		history:   make(map[uuid.UUID][]*HistoryEntry),
	}
}

func (m *mockRepo) Apply(_ context.Context, patientID uuid.UUID, derive Deriver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApply != nil {
		return m.failApply
	}
	var last *HistoryEntry
	if h := m.history[patientID]; len(h) > 0 {
		last = h[len(h)-1]
	}
	entry, next, err := derive(m.snapshots[patientID], last)
	if err != nil {
		return err
	}
	m.history[patientID] = append(m.history[patientID], entry)
	m.snapshots[patientID] = next
	return nil
}

func (m *mockRepo) GetSnapshot(_ context.Context, patientID uuid.UUID) (*PatientRiskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[patientID]
	if !ok {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) ListHistory(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[patientID]
	out := make([]*HistoryEntry, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) SetMonitoringStatus(_ context.Context, patientID uuid.UUID, status MonitoringStatus) (*PatientRiskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[patientID]
	if !ok {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	s.MonitoringStatus = status
	cp := *s
	return &cp, nil
}

func (m *mockRepo) LatestReviewEntry(_ context.Context, patientID uuid.UUID) (*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[patientID]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].OpensReview() {
			return h[i], nil
		}
	}
	return nil, nil
}

func (m *mockRepo) ListStale(_ context.Context, cutoff time.Time, after *StalePatient, limit int) ([]StalePatient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StalePatient
	for id, s := range m.snapshots {
		sp := StalePatient{PatientID: id, LastAssessedAt: s.LastAssessedAt}
		if s.LastAssessedAt.Before(cutoff) && (after == nil || after.Before(sp)) {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
