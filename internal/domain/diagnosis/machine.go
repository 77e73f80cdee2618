package diagnosis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/db"
)

const DefaultConfirmDue = 48 * time.Hour

// Machine advances the onset lifecycle after each recorded assessment.
type Machine struct {
	repo       Repository
	actions    *actionqueue.Manager
	tx         db.TxRunner
	criteria   Criteria
	confirmDue time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewMachine(repo Repository, actions *actionqueue.Manager, tx db.TxRunner, logger zerolog.Logger) *Machine {
	return &Machine{
		repo:       repo,
		actions:    actions,
		tx:         tx,
		criteria:   DefaultCriteria,
		confirmDue: DefaultConfirmDue,
		now:        time.Now,
		logger:     logger,
	}
}

func (m *Machine) SetCriteria(c Criteria)        { m.criteria = c }
func (m *Machine) SetConfirmDue(d time.Duration) { m.confirmDue = d }
func (m *Machine) SetClock(now func() time.Time) { m.now = now }
func (m *Machine) Criteria() Criteria            { return m.criteria }

// Result reports what one Advance call did.
type Result struct {
	Evaluation    Evaluation
	State         OnsetState
	Event         *Event
	EventCreated  bool
	Action        *actionqueue.Item
	ActionCreated bool
	// Skipped is set for patients that already carry a confirmed diagnosis.
	Skipped bool
}

// Advance evaluates the onset guard over the transition's history entries and
// applies the resulting lifecycle change. Repeated calls for the same
// transition converge on the same stored state.
func (m *Machine) Advance(ctx context.Context, t *risk.Transition) (*Result, error) {
	pid := t.Entry.PatientID

	rec, err := m.repo.GetState(ctx, pid)
	if err != nil {
		return nil, err
	}
	res := &Result{State: rec.State}
	if rec.State.Diagnosed() {
		res.Skipped = true
		return res, nil
	}

	res.Evaluation = m.criteria.Evaluate(t.Entry, t.Previous)

	open, err := m.repo.GetOpenEvent(ctx, pid)
	if err != nil {
		return nil, err
	}
	if open != nil {
		res.Event = open
		res.State = StatePendingConfirmation
		if !res.Evaluation.Met {
			// The open event waits for a reviewer regardless of later readings.
			return res, nil
		}
		// Re-upsert so an expired confirmation item is replaced.
		item, created, err := m.actions.UpsertPendingAction(ctx, pid, actionqueue.ActionConfirmDiagnosis,
			open.ID, t.Entry.Priority, m.now().Add(m.confirmDue))
		if err != nil {
			return nil, err
		}
		res.Action, res.ActionCreated = item, created
		return res, nil
	}

	if res.Evaluation.Met && rec.State == StateDeclined {
		fresh, err := m.beyondDeclined(ctx, rec, t.Entry)
		if err != nil {
			return nil, err
		}
		if !fresh {
			res.Evaluation.Met = false
			res.Evaluation.Reason = "onset previously declined; no worse reading since"
			return res, nil
		}
	}

	if !res.Evaluation.Met {
		target := StateNotAtRisk
		if res.Evaluation.AtRisk {
			target = StateAtRisk
		}
		if rec.State != target && CanTransition(rec.State, target) {
			if err := m.moveState(ctx, pid, rec.State, target, nil); err != nil {
				return nil, err
			}
			m.logger.Info().
				Str("patient_id", pid.String()).
				Str("from", string(rec.State)).
				Str("to", string(target)).
				Msg("onset state changed")
			res.State = target
		}
		return res, nil
	}

	err = m.tx.InTx(ctx, func(ctx context.Context) error {
		ev, created, err := m.repo.CreateIfNoneOpen(ctx, &Event{
			PatientID:        pid,
			DiagnosisDate:    t.Entry.AssessedAt,
			StageAtDiagnosis: res.Evaluation.Stage,
			DetectionTrigger: res.Evaluation.Trigger,
			PreviousStatus:   rec.State,
			MarkerValue:      t.Entry.MarkerValue,
			DamageValue:      t.Entry.DamageValue,
			Priority:         t.Entry.Priority,
		})
		if err != nil {
			return err
		}
		item, itemCreated, err := m.actions.UpsertPendingAction(ctx, pid, actionqueue.ActionConfirmDiagnosis,
			ev.ID, t.Entry.Priority, m.now().Add(m.confirmDue))
		if err != nil {
			return err
		}
		if err := m.moveState(ctx, pid, rec.State, StatePendingConfirmation, &ev.ID); err != nil {
			return err
		}
		res.Event, res.EventCreated = ev, created
		res.Action, res.ActionCreated = item, itemCreated
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.State = StatePendingConfirmation

	if res.EventCreated {
		m.logger.Info().
			Str("patient_id", pid.String()).
			Str("diagnosis_event_id", res.Event.ID.String()).
			Str("trigger", string(res.Evaluation.Trigger)).
			Str("stage", res.Evaluation.Stage).
			Str("correlation_id", t.Entry.CorrelationID).
			Msg("diagnosis onset detected")
	}
	return res, nil
}

// moveState applies from -> to unless another writer moved the patient first.
// Finding the patient already at to (for the same event) counts as done; any
// other state is returned as a transient error so the caller re-evaluates.
func (m *Machine) moveState(ctx context.Context, pid uuid.UUID, from, to OnsetState, eventID *uuid.UUID) error {
	ok, err := m.repo.CompareAndSetState(ctx, pid, from, to, eventID)
	if err != nil || ok {
		return err
	}
	cur, err := m.repo.GetState(ctx, pid)
	if err != nil {
		return err
	}
	if cur.State == to && (eventID == nil || (cur.DiagnosisEventID != nil && *cur.DiagnosisEventID == *eventID)) {
		return nil
	}
	return apperror.TransientStore("onset state changed concurrently",
		fmt.Errorf("patient %s: expected %s, found %s", pid, from, cur.State))
}

// beyondDeclined reports whether e is worse than the reading on the event the
// reviewer declined: a lower marker, or a damage value above both the
// threshold and the declined value.
func (m *Machine) beyondDeclined(ctx context.Context, rec *StateRecord, e *risk.HistoryEntry) (bool, error) {
	if rec.DiagnosisEventID == nil {
		return true, nil
	}
	ev, err := m.repo.GetEvent(ctx, *rec.DiagnosisEventID)
	if err != nil {
		return false, err
	}
	if e.MarkerValue != nil && (ev.MarkerValue == nil || *e.MarkerValue < *ev.MarkerValue) {
		return true, nil
	}
	if m.criteria.damaged(e) && (ev.DamageValue == nil || *e.DamageValue > *ev.DamageValue) {
		return true, nil
	}
	return false, nil
}
