// Package memory is a thread-safe in-process implementation of every
// repository. Conditional writes are atomic under one lock, so it gives the
// same at-most-one guarantees as the PostgreSQL partial unique indexes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/domain/diagnosis"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
)

var (
	_ clinical.Repository    = (*Store)(nil)
	_ risk.Repository        = (*Store)(nil)
	_ actionqueue.Repository = (*Store)(nil)
	_ diagnosis.Repository   = (*Store)(nil)
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	patients     map[uuid.UUID]*clinical.Patient
	observations map[uuid.UUID]*clinical.Observation
	conditions   map[uuid.UUID]*clinical.Condition

	snapshots map[uuid.UUID]*risk.PatientRiskSnapshot
	history   map[uuid.UUID][]*risk.HistoryEntry

	items map[uuid.UUID]*actionqueue.Item

	events    map[uuid.UUID]*diagnosis.Event
	protocols map[uuid.UUID]*diagnosis.Protocol
	states    map[uuid.UUID]*diagnosis.StateRecord
}

func New() *Store {
	return &Store{
		now:          time.Now,
		patients:     make(map[uuid.UUID]*clinical.Patient),
		observations: make(map[uuid.UUID]*clinical.Observation),
		conditions:   make(map[uuid.UUID]*clinical.Condition),
		snapshots:    make(map[uuid.UUID]*risk.PatientRiskSnapshot),
		history:      make(map[uuid.UUID][]*risk.HistoryEntry),
		items:        make(map[uuid.UUID]*actionqueue.Item),
		events:       make(map[uuid.UUID]*diagnosis.Event),
		protocols:    make(map[uuid.UUID]*diagnosis.Protocol),
		states:       make(map[uuid.UUID]*diagnosis.StateRecord),
	}
}

// SetClock overrides the time used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// clinical
// ---------------------------------------------------------------------------

func (s *Store) Assemble(_ context.Context, patientID uuid.UUID) (*clinical.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[patientID]
	if !ok {
		return nil, apperror.NotFound("patient", patientID.String())
	}
	var obs []*clinical.Observation
	for _, o := range s.observations {
		if o.PatientID == patientID {
			obs = append(obs, o)
		}
	}
	var conds []*clinical.Condition
	for _, c := range s.conditions {
		if c.PatientID == patientID {
			conds = append(conds, c)
		}
	}
	return clinical.BuildSnapshot(p, obs, conds, s.now().UTC()), nil
}

func (s *Store) ResolvePatient(_ context.Context, source clinical.Source, entityID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch source {
	case clinical.SourcePatient, clinical.SourceReconcile, clinical.SourceManual:
		return entityID, nil
	case clinical.SourceObservation:
		if o, ok := s.observations[entityID]; ok {
			return o.PatientID, nil
		}
	case clinical.SourceCondition:
		if c, ok := s.conditions[entityID]; ok {
			return c.PatientID, nil
		}
	default:
		return uuid.Nil, apperror.Validation(fmt.Sprintf("unknown change source %q", source))
	}
	return uuid.Nil, apperror.NotFound(string(source), entityID.String())
}

func (s *Store) UpsertPatient(_ context.Context, p *clinical.Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.mu.Lock()
	s.patients[p.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Store) AddObservation(_ context.Context, o *clinical.Observation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = "final"
	}
	cp := *o
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[o.PatientID]; !ok {
		return apperror.Validation("observation references unknown patient " + o.PatientID.String())
	}
	s.observations[o.ID] = &cp
	return nil
}

func (s *Store) AddCondition(_ context.Context, c *clinical.Condition) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ClinicalStatus == "" {
		c.ClinicalStatus = "active"
	}
	cp := *c
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[c.PatientID]; !ok {
		return apperror.Validation("condition references unknown patient " + c.PatientID.String())
	}
	s.conditions[c.ID] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// risk
// ---------------------------------------------------------------------------

func (s *Store) Apply(_ context.Context, patientID uuid.UUID, derive risk.Deriver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *risk.PatientRiskSnapshot
	if snap, ok := s.snapshots[patientID]; ok {
		cp := *snap
		current = &cp
	}
	var last *risk.HistoryEntry
	if h := s.history[patientID]; len(h) > 0 {
		last = cloneEntry(h[len(h)-1])
	}

	entry, next, err := derive(current, last)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	s.history[patientID] = insertByAssessedAt(s.history[patientID], cloneEntry(entry))

	stored := *next
	if current != nil {
		stored.CreatedAt = current.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.snapshots[patientID] = &stored
	next.CreatedAt, next.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, patientID uuid.UUID) (*risk.PatientRiskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[patientID]
	if !ok {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	cp := *snap
	return &cp, nil
}

// ListHistory returns entries newest first.
func (s *Store) ListHistory(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*risk.HistoryEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[patientID]
	total := len(h)
	var out []*risk.HistoryEntry
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEntry(h[i]))
	}
	return out, total, nil
}

func (s *Store) SetMonitoringStatus(_ context.Context, patientID uuid.UUID, status risk.MonitoringStatus) (*risk.PatientRiskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[patientID]
	if !ok {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	snap.MonitoringStatus = status
	snap.UpdatedAt = s.now().UTC()
	cp := *snap
	return &cp, nil
}

func (s *Store) LatestReviewEntry(_ context.Context, patientID uuid.UUID) (*risk.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[patientID]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].OpensReview() {
			return cloneEntry(h[i]), nil
		}
	}
	return nil, nil
}

// ListStale orders never-assessed patients first, then oldest assessment.
func (s *Store) ListStale(_ context.Context, cutoff time.Time, after *risk.StalePatient, limit int) ([]risk.StalePatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []risk.StalePatient
	for id, p := range s.patients {
		if !p.Active {
			continue
		}
		sp := risk.StalePatient{PatientID: id}
		snap, ok := s.snapshots[id]
		if ok {
			if !snap.LastAssessedAt.Before(cutoff) {
				continue
			}
			sp.LastAssessedAt = snap.LastAssessedAt
		}
		if after != nil && !after.Before(sp) {
			continue
		}
		found = append(found, sp)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Before(found[j]) })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func insertByAssessedAt(h []*risk.HistoryEntry, e *risk.HistoryEntry) []*risk.HistoryEntry {
	i := sort.Search(len(h), func(i int) bool { return h[i].AssessedAt.After(e.AssessedAt) })
	h = append(h, nil)
	copy(h[i+1:], h[i:])
	h[i] = e
	return h
}

func cloneEntry(e *risk.HistoryEntry) *risk.HistoryEntry {
	cp := *e
	cp.Alerts = append([]risk.Alert(nil), e.Alerts...)
	return &cp
}

// ---------------------------------------------------------------------------
// action queue
// ---------------------------------------------------------------------------

func (s *Store) UpsertPending(_ context.Context, item *actionqueue.Item) (*actionqueue.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := item.Key()
	for _, it := range s.items {
		if it.Status == actionqueue.StatusPending && it.Key() == key {
			cp := *it
			return &cp, false, nil
		}
	}

	stored := *item
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now().UTC()
	stored.Status = actionqueue.StatusPending
	stored.ResolvedBy, stored.ResolvedAt, stored.ResolutionNote = nil, nil, nil
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.items[stored.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*actionqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, apperror.NotFound("action", id.String())
	}
	cp := *it
	return &cp, nil
}

func (s *Store) ListPending(_ context.Context, f actionqueue.Filter, limit, offset int) ([]*actionqueue.Item, int, error) {
	s.mu.Lock()
	var matched []*actionqueue.Item
	for _, it := range s.items {
		if it.Status == actionqueue.StatusPending && f.Matches(it) {
			cp := *it
			matched = append(matched, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.ID.String() < b.ID.String()
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) ListByRelated(_ context.Context, relatedEntityID uuid.UUID) ([]*actionqueue.Item, error) {
	s.mu.Lock()
	var out []*actionqueue.Item
	for _, it := range s.items {
		if it.RelatedEntityID == relatedEntityID {
			cp := *it
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Resolve(_ context.Context, id uuid.UUID, r actionqueue.Resolution) (*actionqueue.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false, apperror.NotFound("action", id.String())
	}
	if it.Status != actionqueue.StatusPending {
		cp := *it
		return &cp, false, nil
	}
	at := r.At.UTC()
	it.Status = r.Status
	it.ResolvedBy = optString(r.By)
	it.ResolutionNote = optString(r.Note)
	it.ResolvedAt = &at
	it.UpdatedAt = s.now().UTC()
	cp := *it
	return &cp, true, nil
}

func (s *Store) ExpireOverdue(_ context.Context, now time.Time) ([]*actionqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*actionqueue.Item
	for _, it := range s.items {
		if it.Status != actionqueue.StatusPending || it.DueAt.After(now) {
			continue
		}
		at := now
		it.Status = actionqueue.StatusExpired
		it.ResolvedAt = &at
		it.UpdatedAt = s.now().UTC()
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// diagnosis
// ---------------------------------------------------------------------------

func (s *Store) CreateIfNoneOpen(_ context.Context, e *diagnosis.Event) (*diagnosis.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.openEventLocked(e.PatientID)
	if err != nil {
		return nil, false, err
	}
	if open != nil {
		return cloneEvent(open), false, nil
	}

	stored := *e
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now().UTC()
	stored.Status = diagnosis.EventPendingConfirmation
	stored.Confirmed = false
	stored.ConfirmedAt, stored.ResolvedBy, stored.ResolutionNote = nil, nil, nil
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.events[stored.ID] = &stored
	return cloneEvent(&stored), true, nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (*diagnosis.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, apperror.NotFound("diagnosis event", id.String())
	}
	return cloneEvent(e), nil
}

func (s *Store) GetOpenEvent(_ context.Context, patientID uuid.UUID) (*diagnosis.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open, err := s.openEventLocked(patientID)
	if err != nil || open == nil {
		return nil, err
	}
	return cloneEvent(open), nil
}

func (s *Store) openEventLocked(patientID uuid.UUID) (*diagnosis.Event, error) {
	var open []*diagnosis.Event
	for _, e := range s.events {
		if e.PatientID == patientID && e.Open() {
			open = append(open, e)
		}
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return open[0], nil
	default:
		return nil, apperror.InvariantViolation("more than one open diagnosis event", map[string]string{
			"patient_id": patientID.String(),
			"event_a":    open[0].ID.String(),
			"event_b":    open[1].ID.String(),
		})
	}
}

// ListEvents returns events newest diagnosis date first.
func (s *Store) ListEvents(_ context.Context, patientID uuid.UUID) ([]*diagnosis.Event, error) {
	s.mu.Lock()
	var out []*diagnosis.Event
	for _, e := range s.events {
		if e.PatientID == patientID {
			out = append(out, cloneEvent(e))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiagnosisDate.Equal(out[j].DiagnosisDate) {
			return out[i].DiagnosisDate.After(out[j].DiagnosisDate)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ResolveEvent(_ context.Context, id uuid.UUID, status diagnosis.EventStatus, by, note string, at time.Time) (*diagnosis.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, false, apperror.NotFound("diagnosis event", id.String())
	}
	if !e.Open() {
		return cloneEvent(e), false, nil
	}
	e.Status = status
	e.Confirmed = status == diagnosis.EventConfirmed
	if e.Confirmed {
		t := at.UTC()
		e.ConfirmedAt = &t
	}
	e.ResolvedBy = optString(by)
	e.ResolutionNote = optString(note)
	e.UpdatedAt = s.now().UTC()
	return cloneEvent(e), true, nil
}

func (s *Store) CreateProtocol(_ context.Context, p *diagnosis.Protocol) (*diagnosis.Protocol, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live := s.liveProtocolLocked(p.DiagnosisEventID); live != nil {
		return cloneProtocol(live), false, nil
	}
	stored := *p
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now().UTC()
	stored.Body = append(json.RawMessage(nil), p.Body...)
	stored.Status = diagnosis.ProtocolPendingApproval
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.protocols[stored.ID] = &stored
	return cloneProtocol(&stored), true, nil
}

func (s *Store) GetLiveProtocol(_ context.Context, eventID uuid.UUID) (*diagnosis.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.liveProtocolLocked(eventID)
	if live == nil {
		return nil, apperror.NotFound("treatment protocol", eventID.String())
	}
	return cloneProtocol(live), nil
}

func (s *Store) liveProtocolLocked(eventID uuid.UUID) *diagnosis.Protocol {
	for _, p := range s.protocols {
		if p.DiagnosisEventID != eventID {
			continue
		}
		switch p.Status {
		case diagnosis.ProtocolPendingApproval, diagnosis.ProtocolApproved, diagnosis.ProtocolActive:
			return p
		}
	}
	return nil
}

func (s *Store) ListProtocols(_ context.Context, patientID uuid.UUID) ([]*diagnosis.Protocol, error) {
	s.mu.Lock()
	var out []*diagnosis.Protocol
	for _, p := range s.protocols {
		if p.PatientID == patientID {
			out = append(out, cloneProtocol(p))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionProtocol(_ context.Context, id uuid.UUID, from, to diagnosis.ProtocolStatus, by, note string) (*diagnosis.Protocol, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.protocols[id]
	if !ok {
		return nil, false, apperror.NotFound("treatment protocol", id.String())
	}
	if p.Status != from {
		return cloneProtocol(p), false, nil
	}
	p.Status = to
	p.ResolvedBy = optString(by)
	p.ResolutionNote = optString(note)
	p.UpdatedAt = s.now().UTC()
	return cloneProtocol(p), true, nil
}

func (s *Store) GetState(_ context.Context, patientID uuid.UUID) (*diagnosis.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[patientID]
	if !ok {
		return &diagnosis.StateRecord{PatientID: patientID, State: diagnosis.StateNotAtRisk}, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) SetState(_ context.Context, patientID uuid.UUID, state diagnosis.OnsetState, eventID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[patientID]
	if !ok {
		rec = &diagnosis.StateRecord{PatientID: patientID}
		s.states[patientID] = rec
	}
	rec.State = state
	if eventID != nil {
		id := *eventID
		rec.DiagnosisEventID = &id
	}
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CompareAndSetState(_ context.Context, patientID uuid.UUID, from, to diagnosis.OnsetState, eventID *uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[patientID]
	current := diagnosis.StateNotAtRisk
	if ok {
		current = rec.State
	}
	if current != from {
		return false, nil
	}
	if !ok {
		rec = &diagnosis.StateRecord{PatientID: patientID}
		s.states[patientID] = rec
	}
	rec.State = to
	if eventID != nil {
		id := *eventID
		rec.DiagnosisEventID = &id
	}
	rec.UpdatedAt = s.now().UTC()
	return true, nil
}

func cloneEvent(e *diagnosis.Event) *diagnosis.Event {
	cp := *e
	return &cp
}

func cloneProtocol(p *diagnosis.Protocol) *diagnosis.Protocol {
	cp := *p
	cp.Body = append(json.RawMessage(nil), p.Body...)
	return &cp
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
