package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/domain/diagnosis"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore() *Store {
	s := New()
	s.SetClock(func() time.Time { return t0 })
	return s
}

func addPatient(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	p := &clinical.Patient{MRN: "MRN-" + uuid.NewString()[:8], Active: true}
	if err := s.UpsertPatient(context.Background(), p); err != nil {
		t.Fatalf("upsert patient: %v", err)
	}
	return p.ID
}

func TestStore_AssembleAndResolve(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := addPatient(t, s)

	older, newer := 70.0, 55.0
	o1 := &clinical.Observation{PatientID: pid, Code: clinical.CodeEGFR, Value: &older, EffectiveAt: t0.Add(-48 * time.Hour)}
	o2 := &clinical.Observation{PatientID: pid, Code: clinical.CodeEGFR, Value: &newer, EffectiveAt: t0.Add(-time.Hour)}
	for _, o := range []*clinical.Observation{o1, o2} {
		if err := s.AddObservation(ctx, o); err != nil {
			t.Fatalf("add observation: %v", err)
		}
	}

	snap, err := s.Assemble(ctx, pid)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if v := snap.LabValuePtr(clinical.CodeEGFR); v == nil || *v != 55 {
		t.Errorf("expected latest eGFR 55, got %v", v)
	}

	got, err := s.ResolvePatient(ctx, clinical.SourceObservation, o1.ID)
	if err != nil || got != pid {
		t.Errorf("resolve observation: got %v, %v", got, err)
	}
	if _, err := s.ResolvePatient(ctx, clinical.SourceCondition, uuid.New()); !apperror.IsNotFound(err) {
		t.Errorf("expected not found for unknown condition, got %v", err)
	}
	if _, err := s.Assemble(ctx, uuid.New()); !apperror.IsNotFound(err) {
		t.Errorf("expected not found for unknown patient, got %v", err)
	}
}

func TestStore_AddObservationUnknownPatient(t *testing.T) {
	s := newStore()
	v := 40.0
	err := s.AddObservation(context.Background(), &clinical.Observation{PatientID: uuid.New(), Code: clinical.CodeEGFR, Value: &v})
	if err == nil {
		t.Fatal("expected error for unknown patient")
	}
}

func TestStore_ApplyKeepsHistoryOrdered(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()

	for i, at := range []time.Time{t0.Add(2 * time.Minute), t0, t0.Add(time.Minute)} {
		score := float64(i)
		err := s.Apply(ctx, pid, func(cur *risk.PatientRiskSnapshot, last *risk.HistoryEntry) (*risk.HistoryEntry, *risk.PatientRiskSnapshot, error) {
			return &risk.HistoryEntry{ID: uuid.New(), PatientID: pid, AssessedAt: at, Priority: risk.PriorityLow, Score: score},
				&risk.PatientRiskSnapshot{PatientID: pid, CurrentPriority: risk.PriorityLow, LastAssessedAt: at}, nil
		})
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	entries, total, err := s.ListHistory(ctx, pid, 10, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 entries, got %d", total)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].AssessedAt.After(entries[i-1].AssessedAt) {
			t.Errorf("history not newest first at %d", i)
		}
	}

	page, _, _ := s.ListHistory(ctx, pid, 1, 1)
	if len(page) != 1 || !page[0].AssessedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected second page: %+v", page)
	}
}

func TestStore_ApplyPassesLatestState(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()

	var sawCurrent *risk.PatientRiskSnapshot
	for i := 0; i < 2; i++ {
		err := s.Apply(ctx, pid, func(cur *risk.PatientRiskSnapshot, last *risk.HistoryEntry) (*risk.HistoryEntry, *risk.PatientRiskSnapshot, error) {
			sawCurrent = cur
			at := t0.Add(time.Duration(i) * time.Minute)
			return &risk.HistoryEntry{ID: uuid.New(), PatientID: pid, AssessedAt: at, Priority: risk.PriorityHigh},
				&risk.PatientRiskSnapshot{PatientID: pid, CurrentPriority: risk.PriorityHigh, LastAssessedAt: at}, nil
		})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if sawCurrent == nil || sawCurrent.CurrentPriority != risk.PriorityHigh {
		t.Errorf("second derive should see the first snapshot, got %+v", sawCurrent)
	}
}

func TestStore_ListStale(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	never := addPatient(t, s)
	old := addPatient(t, s)
	fresh := addPatient(t, s)
	inactive := &clinical.Patient{MRN: "gone", Active: false}
	_ = s.UpsertPatient(ctx, inactive)

	set := func(pid uuid.UUID, at time.Time) {
		_ = s.Apply(ctx, pid, func(*risk.PatientRiskSnapshot, *risk.HistoryEntry) (*risk.HistoryEntry, *risk.PatientRiskSnapshot, error) {
			return &risk.HistoryEntry{ID: uuid.New(), PatientID: pid, AssessedAt: at, Priority: risk.PriorityLow},
				&risk.PatientRiskSnapshot{PatientID: pid, CurrentPriority: risk.PriorityLow, LastAssessedAt: at}, nil
		})
	}
	set(old, t0.Add(-time.Hour))
	set(fresh, t0)

	got, err := s.ListStale(ctx, t0.Add(-5*time.Minute), nil, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(got) != 2 || got[0].PatientID != never || got[1].PatientID != old {
		t.Errorf("expected [never, old], got %v", got)
	}
	if !got[0].LastAssessedAt.IsZero() || !got[1].LastAssessedAt.Equal(t0.Add(-time.Hour)) {
		t.Errorf("unexpected cursor keys: %+v", got)
	}

	first, _ := s.ListStale(ctx, t0.Add(-5*time.Minute), nil, 1)
	if len(first) != 1 || first[0].PatientID != never {
		t.Fatalf("limit not applied: %v", first)
	}
	rest, _ := s.ListStale(ctx, t0.Add(-5*time.Minute), &first[0], 10)
	if len(rest) != 1 || rest[0].PatientID != old {
		t.Errorf("cursor should resume after never-assessed patient, got %v", rest)
	}
}

func TestStore_LatestReviewEntry(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()

	if e, err := s.LatestReviewEntry(ctx, pid); err != nil || e != nil {
		t.Fatalf("expected nil for unknown patient, got %v, %v", e, err)
	}

	moderate, high := risk.PriorityModerate, risk.PriorityHigh
	entries := []*risk.HistoryEntry{
		{ID: uuid.New(), PatientID: pid, AssessedAt: t0, Priority: risk.PriorityModerate},
		{ID: uuid.New(), PatientID: pid, AssessedAt: t0.Add(time.Minute), Priority: risk.PriorityHigh,
			PreviousPriority: &moderate, PriorityChanged: true, Escalated: true},
		{ID: uuid.New(), PatientID: pid, AssessedAt: t0.Add(2 * time.Minute), Priority: risk.PriorityHigh,
			PreviousPriority: &high},
	}
	for _, e := range entries {
		e := e
		_ = s.Apply(ctx, pid, func(*risk.PatientRiskSnapshot, *risk.HistoryEntry) (*risk.HistoryEntry, *risk.PatientRiskSnapshot, error) {
			return e, &risk.PatientRiskSnapshot{PatientID: pid, CurrentPriority: e.Priority, LastAssessedAt: e.AssessedAt}, nil
		})
	}

	got, err := s.LatestReviewEntry(ctx, pid)
	if err != nil {
		t.Fatalf("latest review entry: %v", err)
	}
	if got == nil || got.ID != entries[1].ID {
		t.Errorf("expected the escalated entry, got %+v", got)
	}
}

func TestStore_UpsertPendingConcurrent(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid, related := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := make(map[uuid.UUID]bool)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it, ok, err := s.UpsertPending(ctx, &actionqueue.Item{
				PatientID: pid, ActionType: actionqueue.ActionReviewEscalation, RelatedEntityID: related,
				Priority: risk.PriorityHigh, DueAt: t0.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[it.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 || len(ids) != 1 {
		t.Errorf("expected exactly one item, created=%d distinct=%d", created, len(ids))
	}
}

func TestStore_ResolveAndReopenSlot(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	item := &actionqueue.Item{
		PatientID: uuid.New(), ActionType: actionqueue.ActionConfirmDiagnosis, RelatedEntityID: uuid.New(),
		Priority: risk.PriorityHigh, DueAt: t0.Add(time.Hour),
	}
	first, _, _ := s.UpsertPending(ctx, item)

	res := actionqueue.Resolution{Status: actionqueue.StatusCompleted, By: "dr-a", At: t0}
	got, changed, err := s.Resolve(ctx, first.ID, res)
	if err != nil || !changed || got.Status != actionqueue.StatusCompleted {
		t.Fatalf("resolve: %+v changed=%v err=%v", got, changed, err)
	}
	_, changed, _ = s.Resolve(ctx, first.ID, actionqueue.Resolution{Status: actionqueue.StatusDeclined, At: t0})
	if changed {
		t.Error("second resolve must not change a terminal item")
	}

	second, created, _ := s.UpsertPending(ctx, &actionqueue.Item{
		PatientID: item.PatientID, ActionType: item.ActionType, RelatedEntityID: item.RelatedEntityID,
		Priority: risk.PriorityHigh, DueAt: t0.Add(time.Hour),
	})
	if !created || second.ID == first.ID {
		t.Error("a resolved item should free its pending slot")
	}
}

func TestStore_ExpireOverdue(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()
	due, _, _ := s.UpsertPending(ctx, &actionqueue.Item{PatientID: pid, ActionType: actionqueue.ActionReviewEscalation,
		RelatedEntityID: uuid.New(), Priority: risk.PriorityCritical, DueAt: t0.Add(-time.Minute)})
	_, _, _ = s.UpsertPending(ctx, &actionqueue.Item{PatientID: pid, ActionType: actionqueue.ActionReviewEscalation,
		RelatedEntityID: uuid.New(), Priority: risk.PriorityLow, DueAt: t0.Add(time.Hour)})

	expired, err := s.ExpireOverdue(ctx, t0)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != due.ID || expired[0].Status != actionqueue.StatusExpired {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	pending, total, _ := s.ListPending(ctx, actionqueue.Filter{PatientID: pid}, 10, 0)
	if total != 1 || len(pending) != 1 {
		t.Errorf("expected one pending item left, got %d", total)
	}
}

func TestStore_ListPendingOrder(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()
	for _, p := range []risk.Priority{risk.PriorityLow, risk.PriorityCritical, risk.PriorityHigh} {
		_, _, _ = s.UpsertPending(ctx, &actionqueue.Item{PatientID: pid, ActionType: actionqueue.ActionReviewEscalation,
			RelatedEntityID: uuid.New(), Priority: p, DueAt: t0.Add(time.Hour)})
	}
	items, _, _ := s.ListPending(ctx, actionqueue.Filter{}, 10, 0)
	want := []risk.Priority{risk.PriorityCritical, risk.PriorityHigh, risk.PriorityLow}
	for i, it := range items {
		if it.Priority != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], it.Priority)
		}
	}
}

func TestStore_CreateIfNoneOpenConcurrent(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateIfNoneOpen(ctx, &diagnosis.Event{PatientID: pid, DiagnosisDate: t0,
				DetectionTrigger: diagnosis.TriggerThresholdCross, Priority: risk.PriorityHigh})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected one event, created %d", created)
	}

	open, err := s.GetOpenEvent(ctx, pid)
	if err != nil || open == nil {
		t.Fatalf("get open: %v %v", open, err)
	}
	if _, changed, _ := s.ResolveEvent(ctx, open.ID, diagnosis.EventDeclined, "dr-a", "no", t0); !changed {
		t.Fatal("expected resolve to change the open event")
	}
	if open, _ := s.GetOpenEvent(ctx, pid); open != nil {
		t.Error("no event should be open after decline")
	}
	if _, ok, _ := s.CreateIfNoneOpen(ctx, &diagnosis.Event{PatientID: pid, DiagnosisDate: t0}); !ok {
		t.Error("a new event should be allowed once the previous one is closed")
	}
}

func TestStore_ProtocolLifecycle(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	eventID, pid := uuid.New(), uuid.New()

	p, created, err := s.CreateProtocol(ctx, &diagnosis.Protocol{DiagnosisEventID: eventID, PatientID: pid, Body: []byte(`{}`)})
	if err != nil || !created {
		t.Fatalf("create protocol: %v created=%v", err, created)
	}
	again, created, _ := s.CreateProtocol(ctx, &diagnosis.Protocol{DiagnosisEventID: eventID, PatientID: pid, Body: []byte(`{}`)})
	if created || again.ID != p.ID {
		t.Error("second create should return the live protocol")
	}

	moved, changed, _ := s.TransitionProtocol(ctx, p.ID, diagnosis.ProtocolPendingApproval, diagnosis.ProtocolActive, "dr-b", "")
	if !changed || moved.Status != diagnosis.ProtocolActive {
		t.Errorf("transition: %+v changed=%v", moved, changed)
	}
	_, changed, _ = s.TransitionProtocol(ctx, p.ID, diagnosis.ProtocolPendingApproval, diagnosis.ProtocolDeclined, "dr-b", "")
	if changed {
		t.Error("transition from a stale status must not apply")
	}
}

func TestStore_StateDefaultsAndKeepsEvent(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	pid, ev := uuid.New(), uuid.New()

	rec, _ := s.GetState(ctx, pid)
	if rec.State != diagnosis.StateNotAtRisk {
		t.Errorf("expected default not_at_risk, got %s", rec.State)
	}
	_ = s.SetState(ctx, pid, diagnosis.StatePendingConfirmation, &ev)
	_ = s.SetState(ctx, pid, diagnosis.StateConfirmed, nil)
	rec, _ = s.GetState(ctx, pid)
	if rec.State != diagnosis.StateConfirmed || rec.DiagnosisEventID == nil || *rec.DiagnosisEventID != ev {
		t.Errorf("unexpected state record: %+v", rec)
	}
}
