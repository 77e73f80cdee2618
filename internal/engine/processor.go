// Package engine wires change notifications through scoring, transition
// detection, the action queue and the diagnosis onset lifecycle.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/domain/diagnosis"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/changefeed"
	"github.com/ehr/clinwatch/internal/platform/metrics"
	"github.com/ehr/clinwatch/internal/platform/notification"
)

// Notifier accepts notification requests without blocking.
type Notifier interface {
	Dispatch(req notification.Request) notification.Result
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 200 * time.Millisecond

	// ReviewerRole is the target role of every notification the engine sends.
	ReviewerRole = "physician"
)

// Processor handles one change notification end to end. Every step re-reads
// current state from the store, so duplicate and out-of-order deliveries
// converge on the same result.
type Processor struct {
	assembler clinical.Assembler
	scorer    risk.Scorer
	detector  *risk.Detector
	actions   *actionqueue.Manager
	machine   *diagnosis.Machine
	notifier  Notifier

	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger
}

func NewProcessor(assembler clinical.Assembler, scorer risk.Scorer, detector *risk.Detector,
	actions *actionqueue.Manager, machine *diagnosis.Machine, notifier Notifier, logger zerolog.Logger) *Processor {
	return &Processor{
		assembler:   assembler,
		scorer:      scorer,
		detector:    detector,
		actions:     actions,
		machine:     machine,
		notifier:    notifier,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
		sleep:       sleepCtx,
		logger:      logger,
	}
}

// SetRetry configures the bounded per-step retry.
func (p *Processor) SetRetry(maxAttempts int, delay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p.maxAttempts, p.retryDelay = maxAttempts, delay
}

func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Outcome summarises one processed notification.
type Outcome struct {
	PatientID  uuid.UUID
	Transition *risk.Transition
	Escalation *actionqueue.Item
	Onset      *diagnosis.Result
	Dropped    bool
}

// Handle implements changefeed.Handler.
func (p *Processor) Handle(ctx context.Context, msg changefeed.Message) error {
	_, err := p.Process(ctx, msg)
	return err
}

// Submit enqueues a synthetic change for a patient and processes it inline.
func (p *Processor) Submit(ctx context.Context, patientID uuid.UUID, reason string) error {
	return p.Handle(ctx, changefeed.Message{
		EntityID:      patientID,
		PatientID:     patientID,
		Source:        clinical.SourceManual,
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.New().String(),
		Channel:       reason,
	})
}

// Process runs the pipeline for msg and returns what it changed.
func (p *Processor) Process(ctx context.Context, msg changefeed.Message) (*Outcome, error) {
	start := time.Now()
	log := p.logger.With().
		Str("correlation_id", msg.CorrelationID).
		Str("source", string(msg.Source)).
		Str("entity_id", msg.EntityID.String()).
		Logger()

	out, err := p.process(ctx, msg, log)
	outcome := "processed"
	switch {
	case err != nil && apperror.IsInvariant(err):
		outcome = "integrity_alarm"
		metrics.RecordIntegrityAlarm()
		log.Error().Err(err).Str("alarm", "data_integrity").Msg("change event hit an invariant violation")
	case err != nil:
		outcome = "failed"
		log.Error().Err(err).Msg("change event failed; left to reconciliation")
	case out.Dropped:
		outcome = "dropped"
	}
	metrics.RecordChangeEvent(string(msg.Source), outcome, time.Since(start))
	return out, err
}

func (p *Processor) process(ctx context.Context, msg changefeed.Message, log zerolog.Logger) (*Outcome, error) {
	out := &Outcome{PatientID: msg.PatientID}

	if out.PatientID == uuid.Nil {
		err := p.retry(ctx, log, "resolve patient", func() error {
			pid, err := p.assembler.ResolvePatient(ctx, msg.Source, msg.EntityID)
			out.PatientID = pid
			return err
		})
		if apperror.IsNotFound(err) {
			out.Dropped = true
			log.Info().Msg("changed entity no longer exists; nothing to assess")
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
	log = log.With().Str("patient_id", out.PatientID.String()).Logger()

	var snap *clinical.Snapshot
	err := p.retry(ctx, log, "assemble", func() (err error) {
		snap, err = p.assembler.Assemble(ctx, out.PatientID)
		return err
	})
	if apperror.IsNotFound(err) {
		out.Dropped = true
		log.Info().Msg("patient not found; nothing to assess")
		return out, nil
	}
	if err != nil {
		return out, err
	}

	var result *risk.Result
	if err := p.retry(ctx, log, "score", func() (err error) {
		result, err = p.scorer.Score(ctx, snap)
		return err
	}); err != nil {
		return out, err
	}

	assessment := risk.Assessment{
		PatientID:     out.PatientID,
		Result:        *result,
		MarkerValue:   snap.LabValuePtr(clinical.CodeEGFR),
		DamageValue:   snap.LabValuePtr(clinical.CodeUACR),
		CorrelationID: msg.CorrelationID,
	}
	if err := p.retry(ctx, log, "detect", func() (err error) {
		out.Transition, err = p.detector.Detect(ctx, assessment)
		return err
	}); err != nil {
		return out, err
	}
	tr := out.Transition
	metrics.RecordTransition(tr.Entry.Escalated, tr.Entry.Improved, string(tr.Entry.Priority))

	review, err := p.reviewEntry(ctx, log, tr)
	if err != nil {
		return out, err
	}
	if review != nil {
		item, err := p.escalate(ctx, log, review)
		if err != nil {
			return out, err
		}
		out.Escalation = item
	}

	if err := p.retry(ctx, log, "advance onset", func() (err error) {
		out.Onset, err = p.machine.Advance(ctx, tr)
		return err
	}); err != nil {
		return out, err
	}
	p.afterOnset(log, tr, out.Onset)

	log.Info().
		Str("priority", string(tr.Entry.Priority)).
		Bool("escalated", tr.Entry.Escalated).
		Str("onset_state", string(out.Onset.State)).
		Msg("change event processed")
	return out, nil
}

// reviewEntry returns the history entry that still owes a review_escalation.
// On the run that opens a review that is the new entry. Otherwise, while the
// patient sits above LOW, it is the latest entry that opened a review if no
// item was ever queued for it, which happens when the run that recorded the
// entry failed after the detector committed.
func (p *Processor) reviewEntry(ctx context.Context, log zerolog.Logger, tr *risk.Transition) (*risk.HistoryEntry, error) {
	if tr.NeedsReview {
		return tr.Entry, nil
	}
	if tr.Entry.Priority.Rank() <= risk.PriorityLow.Rank() {
		return nil, nil
	}

	var entry *risk.HistoryEntry
	if err := p.retry(ctx, log, "find review entry", func() (err error) {
		entry, err = p.detector.LatestReviewEntry(ctx, tr.Entry.PatientID)
		return err
	}); err != nil || entry == nil {
		return nil, err
	}

	var items []*actionqueue.Item
	if err := p.retry(ctx, log, "check escalation", func() (err error) {
		items, err = p.actions.ListByRelated(ctx, entry.ID)
		return err
	}); err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ActionType == actionqueue.ActionReviewEscalation {
			return nil, nil
		}
	}
	log.Warn().
		Str("history_entry_id", entry.ID.String()).
		Str("priority", string(entry.Priority)).
		Msg("review escalation missing for earlier entry; queueing it now")
	return entry, nil
}

// escalate queues a review_escalation keyed by the history entry and notifies
// the reviewer role when the item is new.
func (p *Processor) escalate(ctx context.Context, log zerolog.Logger, entry *risk.HistoryEntry) (*actionqueue.Item, error) {
	priority := entry.Priority
	due := p.now().Add(actionqueue.EscalationDue(priority))

	var item *actionqueue.Item
	var created bool
	if err := p.retry(ctx, log, "upsert escalation", func() (err error) {
		item, created, err = p.actions.UpsertPendingAction(ctx, entry.PatientID, actionqueue.ActionReviewEscalation,
			entry.ID, priority, due)
		return err
	}); err != nil {
		return nil, err
	}
	metrics.RecordActionUpsert(string(actionqueue.ActionReviewEscalation), created)
	if !created {
		return item, nil
	}

	previous := "none"
	if entry.PreviousPriority != nil {
		previous = string(*entry.PreviousPriority)
	}
	p.notify(notification.Request{
		Template:      notification.TemplateRiskEscalation,
		TargetRole:    ReviewerRole,
		PatientID:     entry.PatientID.String(),
		ActionID:      item.ID.String(),
		Priority:      string(priority),
		CorrelationID: entry.CorrelationID,
		Data: map[string]string{
			"previous_priority": previous,
			"score":             fmt.Sprintf("%.1f", entry.Score),
			"due_at":            item.DueAt.Format(time.RFC3339),
		},
	})
	return item, nil
}

func (p *Processor) afterOnset(log zerolog.Logger, tr *risk.Transition, res *diagnosis.Result) {
	if res.EventCreated {
		metrics.RecordOnsetEvent(string(res.Evaluation.Trigger))
	}
	if res.Action == nil {
		return
	}
	metrics.RecordActionUpsert(string(res.Action.ActionType), res.ActionCreated)
	if !res.ActionCreated {
		return
	}
	p.notify(notification.Request{
		Template:      notification.TemplateConfirmDiagnosis,
		TargetRole:    ReviewerRole,
		PatientID:     res.Action.PatientID.String(),
		ActionID:      res.Action.ID.String(),
		Priority:      string(res.Action.Priority),
		CorrelationID: tr.Entry.CorrelationID,
		Data: map[string]string{
			"trigger": string(res.Event.DetectionTrigger),
			"stage":   res.Event.StageAtDiagnosis,
			"due_at":  res.Action.DueAt.Format(time.RFC3339),
		},
	})
	log.Debug().Str("action_id", res.Action.ID.String()).Msg("confirmation requested")
}

// NotifyFollowUp announces an action created by a reviewer decision.
func (p *Processor) NotifyFollowUp(_ context.Context, item *actionqueue.Item) {
	if item.ActionType != actionqueue.ActionApproveTreatment {
		return
	}
	metrics.RecordActionUpsert(string(item.ActionType), true)
	p.notify(notification.Request{
		Template:   notification.TemplateApproveTreatment,
		TargetRole: ReviewerRole,
		PatientID:  item.PatientID.String(),
		ActionID:   item.ID.String(),
		Priority:   string(item.Priority),
		Data:       map[string]string{"due_at": item.DueAt.Format(time.RFC3339)},
	})
}

func (p *Processor) notify(req notification.Request) {
	if p.notifier == nil {
		return
	}
	if p.notifier.Dispatch(req) == notification.Rejected {
		p.logger.Warn().
			Str("template", req.Template).
			Str("patient_id", req.PatientID).
			Str("correlation_id", req.CorrelationID).
			Msg("notification rejected by dispatcher")
	}
}

// retry runs fn up to maxAttempts times with exponential backoff while it
// fails with a retryable error.
func (p *Processor) retry(ctx context.Context, log zerolog.Logger, step string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = fn(); err == nil || !apperror.Retryable(err) {
			return err
		}
		log.Warn().Err(err).Str("step", step).Int("attempt", attempt).Msg("retryable failure")
		if attempt == p.maxAttempts {
			break
		}
		delay := p.retryDelay * time.Duration(1<<uint(attempt-1))
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", step, p.maxAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
