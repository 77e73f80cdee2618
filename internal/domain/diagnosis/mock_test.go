package diagnosis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/db"
)

// -- Mock diagnosis repository --

type mockRepo struct {
	mu        sync.Mutex
	events    map[uuid.UUID]*Event
	protocols map[uuid.UUID]*Protocol
	states    map[uuid.UUID]*StateRecord
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		events:    make(map[uuid.UUID]*Event),
		protocols: make(map[uuid.UUID]*Protocol),
		states:    make(map[uuid.UUID]*StateRecord),
	}
}

func (m *mockRepo) openLocked(pid uuid.UUID) []*Event {
	var out []*Event
	for _, e := range m.events {
		if e.PatientID == pid && e.Open() {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockRepo) CreateIfNoneOpen(_ context.Context, e *Event) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open := m.openLocked(e.PatientID); len(open) > 0 {
		cp := *open[0]
		return &cp, false, nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = EventPendingConfirmation
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	stored := *e
	m.events[e.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *mockRepo) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, apperror.NotFound("diagnosis event", id.String())
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) GetOpenEvent(_ context.Context, pid uuid.UUID) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.openLocked(pid)
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		cp := *open[0]
		return &cp, nil
	}
	return nil, apperror.InvariantViolation("more than one open diagnosis event", nil)
}

func (m *mockRepo) ListEvents(_ context.Context, pid uuid.UUID) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.PatientID == pid {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) ResolveEvent(_ context.Context, id uuid.UUID, status EventStatus, by, note string, at time.Time) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, false, apperror.NotFound("diagnosis event", id.String())
	}
	if !e.Open() {
		cp := *e
		return &cp, false, nil
	}
	e.Status = status
	e.Confirmed = status == EventConfirmed
	if e.Confirmed {
		e.ConfirmedAt = &at
	}
	e.ResolvedBy, e.ResolutionNote = &by, &note
	cp := *e
	return &cp, true, nil
}

func (m *mockRepo) CreateProtocol(_ context.Context, p *Protocol) (*Protocol, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.protocols {
		if existing.DiagnosisEventID == p.DiagnosisEventID && existing.Status != ProtocolDeclined {
			cp := *existing
			return &cp, false, nil
		}
	}
	p.ID = uuid.New()
	p.Status = ProtocolPendingApproval
	stored := *p
	m.protocols[p.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *mockRepo) GetLiveProtocol(_ context.Context, eventID uuid.UUID) (*Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.protocols {
		if p.DiagnosisEventID == eventID && p.Status != ProtocolDeclined {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("treatment protocol", eventID.String())
}

func (m *mockRepo) ListProtocols(_ context.Context, pid uuid.UUID) ([]*Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Protocol
	for _, p := range m.protocols {
		if p.PatientID == pid {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) TransitionProtocol(_ context.Context, id uuid.UUID, from, to ProtocolStatus, by, note string) (*Protocol, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.protocols[id]
	if !ok {
		return nil, false, apperror.NotFound("treatment protocol", id.String())
	}
	if p.Status != from {
		cp := *p
		return &cp, false, nil
	}
	p.Status = to
	p.ResolvedBy, p.ResolutionNote = &by, &note
	cp := *p
	return &cp, true, nil
}

func (m *mockRepo) GetState(_ context.Context, pid uuid.UUID) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.states[pid]; ok {
		cp := *rec
		return &cp, nil
	}
	return &StateRecord{PatientID: pid, State: StateNotAtRisk}, nil
}

func (m *mockRepo) SetState(_ context.Context, pid uuid.UUID, state OnsetState, eventID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[pid]
	if !ok {
		rec = &StateRecord{PatientID: pid}
		m.states[pid] = rec
	}
	rec.State = state
	if eventID != nil {
		id := *eventID
		rec.DiagnosisEventID = &id
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *mockRepo) CompareAndSetState(_ context.Context, pid uuid.UUID, from, to OnsetState, eventID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[pid]
	current := StateNotAtRisk
	if ok {
		current = rec.State
	}
	if current != from {
		return false, nil
	}
	if !ok {
		rec = &StateRecord{PatientID: pid}
		m.states[pid] = rec
	}
	rec.State = to
	if eventID != nil {
		id := *eventID
		rec.DiagnosisEventID = &id
	}
	rec.UpdatedAt = time.Now()
	return true, nil
}

// -- Mock action repository --

type mockActions struct {
	mu    sync.Mutex
	items map[uuid.UUID]*actionqueue.Item
}

func newMockActions() *mockActions {
	return &mockActions{items: make(map[uuid.UUID]*actionqueue.Item)}
}

func (m *mockActions) UpsertPending(_ context.Context, item *actionqueue.Item) (*actionqueue.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.Status == actionqueue.StatusPending && it.Key() == item.Key() {
			cp := *it
			return &cp, false, nil
		}
	}
	item.ID = uuid.New()
	stored := *item
	m.items[item.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *mockActions) GetByID(_ context.Context, id uuid.UUID) (*actionqueue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, apperror.NotFound("action", id.String())
	}
	cp := *it
	return &cp, nil
}

func (m *mockActions) ListPending(_ context.Context, f actionqueue.Filter, _, _ int) ([]*actionqueue.Item, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*actionqueue.Item
	for _, it := range m.items {
		if it.Status == actionqueue.StatusPending && f.Matches(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockActions) ListByRelated(_ context.Context, related uuid.UUID) ([]*actionqueue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*actionqueue.Item
	for _, it := range m.items {
		if it.RelatedEntityID == related {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockActions) Resolve(_ context.Context, id uuid.UUID, r actionqueue.Resolution) (*actionqueue.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, false, apperror.NotFound("action", id.String())
	}
	if it.Status != actionqueue.StatusPending {
		cp := *it
		return &cp, false, nil
	}
	it.Status = r.Status
	cp := *it
	return &cp, true, nil
}

func (m *mockActions) ExpireOverdue(_ context.Context, now time.Time) ([]*actionqueue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*actionqueue.Item
	for _, it := range m.items {
		if it.Status == actionqueue.StatusPending && !it.DueAt.After(now) {
			it.Status = actionqueue.StatusExpired
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockActions) byType(t actionqueue.ActionType) []*actionqueue.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*actionqueue.Item
	for _, it := range m.items {
		if it.ActionType == t {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}

type fixture struct {
	repo    *mockRepo
	actions *mockActions
	mgr     *actionqueue.Manager
	machine *Machine
	review  *ReviewService
}

func newFixture() *fixture {
	f := &fixture{repo: newMockRepo(), actions: newMockActions()}
	f.mgr = actionqueue.NewManager(f.actions, zerolog.Nop())
	f.machine = NewMachine(f.repo, f.mgr, db.NoTx{}, zerolog.Nop())
	f.review = NewReviewService(f.repo, f.mgr, db.NoTx{}, zerolog.Nop())
	return f
}

func ptr(v float64) *float64 { return &v }

func entry(pid uuid.UUID, at time.Time, p risk.Priority, marker, damage *float64) *risk.HistoryEntry {
	return &risk.HistoryEntry{
		ID:          uuid.New(),
		PatientID:   pid,
		AssessedAt:  at,
		Priority:    p,
		MarkerValue: marker,
		DamageValue: damage,
	}
}

func transition(cur, prev *risk.HistoryEntry) *risk.Transition {
	return &risk.Transition{Entry: cur, Previous: prev}
}
