package diagnosis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/db"
)

const DefaultApproveDue = 72 * time.Hour

// Outcome is the result of a reviewer action.
type Outcome struct {
	Action   *actionqueue.Item `json:"action"`
	Event    *Event            `json:"diagnosis_event,omitempty"`
	Protocol *Protocol         `json:"treatment_protocol,omitempty"`
	FollowUp *actionqueue.Item `json:"follow_up_action,omitempty"`
	State    OnsetState        `json:"state,omitempty"`
	// NoOp is set when the action already carried the requested outcome.
	NoOp bool `json:"no_op"`
}

// ReviewService applies clinician decisions to action items and the onset
// lifecycle they belong to.
type ReviewService struct {
	repo       Repository
	actions    *actionqueue.Manager
	tx         db.TxRunner
	criteria   Criteria
	narrator   Narrator
	onCreated  func(ctx context.Context, item *actionqueue.Item)
	approveDue time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func NewReviewService(repo Repository, actions *actionqueue.Manager, tx db.TxRunner, logger zerolog.Logger) *ReviewService {
	return &ReviewService{
		repo:       repo,
		actions:    actions,
		tx:         tx,
		criteria:   DefaultCriteria,
		approveDue: DefaultApproveDue,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *ReviewService) SetCriteria(c Criteria)        { s.criteria = c }
func (s *ReviewService) SetApproveDue(d time.Duration) { s.approveDue = d }
func (s *ReviewService) SetClock(now func() time.Time) { s.now = now }
func (s *ReviewService) SetNarrator(n Narrator)        { s.narrator = n }

// OnActionCreated registers a callback for follow-up items created by a
// reviewer action.
func (s *ReviewService) OnActionCreated(fn func(ctx context.Context, item *actionqueue.Item)) {
	s.onCreated = fn
}

// ConfirmDiagnosis resolves a confirm_diagnosis item. Confirming drafts a
// treatment protocol and queues approve_treatment; declining makes the
// patient eligible for detection again.
func (s *ReviewService) ConfirmDiagnosis(ctx context.Context, actionID uuid.UUID, confirmed bool, by, note string) (*Outcome, error) {
	want := outcomeStatus(confirmed)
	item, done, err := s.precheck(ctx, actionID, actionqueue.ActionConfirmDiagnosis, want)
	if err != nil || done != nil {
		return done, err
	}

	ev, err := s.repo.GetEvent(ctx, item.RelatedEntityID)
	if err != nil {
		return nil, err
	}

	var body []byte
	if confirmed {
		if body, err = s.draftBody(ctx, ev); err != nil {
			return nil, err
		}
	}

	out := &Outcome{}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		resolved, changed, err := s.actions.Resolve(ctx, actionID, want, by, note)
		if err != nil {
			return err
		}
		out.Action = resolved
		if !changed {
			out.NoOp = true
			return nil
		}

		evStatus := EventDeclined
		if confirmed {
			evStatus = EventConfirmed
		}
		event, changed, err := s.repo.ResolveEvent(ctx, ev.ID, evStatus, by, note, s.now().UTC())
		if err != nil {
			return err
		}
		if !changed && event.Status != evStatus {
			return apperror.InvariantViolation("diagnosis event resolved outside its confirmation action", map[string]string{
				"diagnosis_event_id": event.ID.String(),
				"action_id":          actionID.String(),
				"status":             string(event.Status),
			})
		}
		out.Event = event

		if !confirmed {
			out.State = StateDeclined
			return s.repo.SetState(ctx, ev.PatientID, StateDeclined, &ev.ID)
		}

		p, _, err := s.repo.CreateProtocol(ctx, &Protocol{
			DiagnosisEventID: ev.ID,
			PatientID:        ev.PatientID,
			Body:             body,
		})
		if err != nil {
			return err
		}
		out.Protocol = p

		follow, created, err := s.actions.UpsertPendingAction(ctx, ev.PatientID, actionqueue.ActionApproveTreatment,
			p.ID, ev.Priority, s.now().Add(s.approveDue))
		if err != nil {
			return err
		}
		if created {
			out.FollowUp = follow
		}
		out.State = StateTreatmentPendingApproval
		return s.repo.SetState(ctx, ev.PatientID, StateTreatmentPendingApproval, &ev.ID)
	})
	if err != nil {
		return nil, err
	}

	s.logResolution(item, out, by)
	s.notifyFollowUp(ctx, out)
	return out, nil
}

// ApproveTreatment resolves an approve_treatment item. Approval activates the
// protocol; rejection declines it and returns the patient to confirmed.
func (s *ReviewService) ApproveTreatment(ctx context.Context, actionID uuid.UUID, approved bool, by, note string) (*Outcome, error) {
	want := outcomeStatus(approved)
	item, done, err := s.precheck(ctx, actionID, actionqueue.ActionApproveTreatment, want)
	if err != nil || done != nil {
		return done, err
	}

	out := &Outcome{}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		resolved, changed, err := s.actions.Resolve(ctx, actionID, want, by, note)
		if err != nil {
			return err
		}
		out.Action = resolved
		if !changed {
			out.NoOp = true
			return nil
		}

		to, state := ProtocolActive, StateTreatmentActive
		if !approved {
			to, state = ProtocolDeclined, StateConfirmed
		}
		p, changed, err := s.repo.TransitionProtocol(ctx, item.RelatedEntityID, ProtocolPendingApproval, to, by, note)
		if err != nil {
			return err
		}
		if !changed && p.Status != to {
			return apperror.InvariantViolation("treatment protocol changed outside its approval action", map[string]string{
				"treatment_protocol_id": p.ID.String(),
				"action_id":             actionID.String(),
				"status":                string(p.Status),
			})
		}
		out.Protocol = p
		out.State = state
		return s.repo.SetState(ctx, p.PatientID, state, &p.DiagnosisEventID)
	})
	if err != nil {
		return nil, err
	}

	s.logResolution(item, out, by)
	return out, nil
}

// ProposeTreatment drafts a new protocol for a patient whose previous
// protocol was rejected, queues approve_treatment for it and moves the
// patient to treatment_pending_approval. Repeating it while approval is
// pending is a no-op; any state other than confirmed is a Conflict.
func (s *ReviewService) ProposeTreatment(ctx context.Context, patientID uuid.UUID, by string) (*Outcome, error) {
	rec, err := s.repo.GetState(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if rec.State == StateTreatmentPendingApproval && rec.DiagnosisEventID != nil {
		p, err := s.repo.GetLiveProtocol(ctx, *rec.DiagnosisEventID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Protocol: p, State: rec.State, NoOp: true}, nil
	}
	if rec.State != StateConfirmed {
		return nil, apperror.Conflict("treatment can only be proposed after a confirmed diagnosis",
			map[string]string{"patient_id": patientID.String(), "state": string(rec.State)})
	}
	if rec.DiagnosisEventID == nil {
		return nil, apperror.InvariantViolation("confirmed onset state without a diagnosis event",
			map[string]string{"patient_id": patientID.String()})
	}

	ev, err := s.repo.GetEvent(ctx, *rec.DiagnosisEventID)
	if err != nil {
		return nil, err
	}
	body, err := s.draftBody(ctx, ev)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Event: ev, State: StateTreatmentPendingApproval}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		moved, err := s.repo.CompareAndSetState(ctx, patientID, StateConfirmed, StateTreatmentPendingApproval, &ev.ID)
		if err != nil {
			return err
		}
		if !moved {
			return apperror.Conflict("onset state changed while proposing treatment",
				map[string]string{"patient_id": patientID.String()})
		}
		p, _, err := s.repo.CreateProtocol(ctx, &Protocol{
			DiagnosisEventID: ev.ID,
			PatientID:        ev.PatientID,
			Body:             body,
		})
		if err != nil {
			return err
		}
		out.Protocol = p

		follow, created, err := s.actions.UpsertPendingAction(ctx, ev.PatientID, actionqueue.ActionApproveTreatment,
			p.ID, ev.Priority, s.now().Add(s.approveDue))
		if err != nil {
			return err
		}
		out.Action = follow
		if created {
			out.FollowUp = follow
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("diagnosis_event_id", ev.ID.String()).
		Str("treatment_protocol_id", out.Protocol.ID.String()).
		Str("proposed_by", by).
		Msg("treatment re-proposed")
	s.notifyFollowUp(ctx, out)
	return out, nil
}

// DeclineAction declines any pending action with a reason.
func (s *ReviewService) DeclineAction(ctx context.Context, actionID uuid.UUID, reason, by string) (*Outcome, error) {
	if reason == "" {
		return nil, apperror.Validation("reason is required")
	}
	item, err := s.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	switch item.ActionType {
	case actionqueue.ActionConfirmDiagnosis:
		return s.ConfirmDiagnosis(ctx, actionID, false, by, reason)
	case actionqueue.ActionApproveTreatment:
		return s.ApproveTreatment(ctx, actionID, false, by, reason)
	default:
		resolved, changed, err := s.actions.Resolve(ctx, actionID, actionqueue.StatusDeclined, by, reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: resolved, NoOp: !changed}, nil
	}
}

// CompleteAction acknowledges a review_escalation item.
func (s *ReviewService) CompleteAction(ctx context.Context, actionID uuid.UUID, by, note string) (*Outcome, error) {
	item, err := s.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if item.ActionType != actionqueue.ActionReviewEscalation {
		return nil, apperror.Validation(fmt.Sprintf("%s actions are resolved through their own endpoint", item.ActionType))
	}
	resolved, changed, err := s.actions.Resolve(ctx, actionID, actionqueue.StatusCompleted, by, note)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: resolved, NoOp: !changed}, nil
}

func (s *ReviewService) ListEvents(ctx context.Context, patientID uuid.UUID) ([]*Event, error) {
	return s.repo.ListEvents(ctx, patientID)
}

func (s *ReviewService) ListProtocols(ctx context.Context, patientID uuid.UUID) ([]*Protocol, error) {
	return s.repo.ListProtocols(ctx, patientID)
}

func (s *ReviewService) GetState(ctx context.Context, patientID uuid.UUID) (*StateRecord, error) {
	return s.repo.GetState(ctx, patientID)
}

func (s *ReviewService) draftBody(ctx context.Context, ev *Event) ([]byte, error) {
	draft := DraftProtocol(ev, s.criteria, s.now())
	if s.narrator != nil {
		text, err := s.narrator.Narrate(ctx, draft)
		if err != nil {
			s.logger.Warn().Err(err).Str("diagnosis_event_id", ev.ID.String()).Msg("protocol narrative unavailable")
		} else {
			draft.Narrative = text
		}
	}
	body, err := draft.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode protocol: %w", err)
	}
	return body, nil
}

// precheck loads the item and short-circuits resolved items: the same
// outcome is returned as a no-op, a different one as a Conflict.
func (s *ReviewService) precheck(ctx context.Context, id uuid.UUID, typ actionqueue.ActionType, want actionqueue.Status) (*actionqueue.Item, *Outcome, error) {
	item, err := s.actions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if item.ActionType != typ {
		return nil, nil, apperror.Validation(fmt.Sprintf("action %s is a %s action, not %s", id, item.ActionType, typ))
	}
	if item.Status == actionqueue.StatusPending {
		return item, nil, nil
	}
	if err := actionqueue.CheckOutcome(item, want); err != nil {
		return nil, nil, err
	}
	return item, &Outcome{Action: item, NoOp: true}, nil
}

func (s *ReviewService) logResolution(item *actionqueue.Item, out *Outcome, by string) {
	if out.NoOp {
		return
	}
	s.logger.Info().
		Str("action_id", item.ID.String()).
		Str("patient_id", item.PatientID.String()).
		Str("action_type", string(item.ActionType)).
		Str("status", string(out.Action.Status)).
		Str("state", string(out.State)).
		Str("resolved_by", by).
		Msg("review applied")
}

func (s *ReviewService) notifyFollowUp(ctx context.Context, out *Outcome) {
	if out.FollowUp != nil && s.onCreated != nil {
		s.onCreated(ctx, out.FollowUp)
	}
}

func outcomeStatus(accepted bool) actionqueue.Status {
	if accepted {
		return actionqueue.StatusCompleted
	}
	return actionqueue.StatusDeclined
}
