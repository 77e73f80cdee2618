package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/changefeed"
	"github.com/ehr/clinwatch/internal/platform/metrics"
)

// StaleLister finds patients whose risk snapshot is older than a cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, after *risk.StalePatient, limit int) ([]risk.StalePatient, error)
}

const (
	DefaultStaleness     = 5 * time.Minute
	DefaultReconcileRate = 50
	reconcileBatch       = 200
)

// Reconciler resubmits stale patients as synthetic change events. It runs
// after the listener reconnects and on a fixed interval.
type Reconciler struct {
	stale     StaleLister
	handle    changefeed.Handler
	staleness time.Duration
	limiter   *rate.Limiter
	batch     int
	now       func() time.Time
	logger    zerolog.Logger
}

func NewReconciler(stale StaleLister, handle changefeed.Handler, staleness time.Duration, perSecond int, logger zerolog.Logger) *Reconciler {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if perSecond <= 0 {
		perSecond = DefaultReconcileRate
	}
	return &Reconciler{
		stale:     stale,
		handle:    handle,
		staleness: staleness,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
		batch:     reconcileBatch,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Sweep resubmits every patient last assessed before now minus the staleness
// window. Each patient is submitted at most once per sweep; failures are
// logged and left for the next sweep. It returns the number resubmitted.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleness)
	sweepID := uuid.New().String()
	log := r.logger.With().Str("sweep_id", sweepID).Time("cutoff", cutoff).Logger()

	// Paging walks forward by (last assessed, id). A patient that fails
	// keeps its old key and stays behind the cursor until the next sweep.
	var after *risk.StalePatient
	submitted, failed := 0, 0
	for {
		page, err := r.stale.ListStale(ctx, cutoff, after, r.batch)
		if err != nil {
			metrics.RecordReconcileResubmitted(submitted)
			return submitted, err
		}
		for _, sp := range page {
			if err := r.limiter.Wait(ctx); err != nil {
				metrics.RecordReconcileResubmitted(submitted)
				return submitted, err
			}
			id := sp.PatientID
			msg := changefeed.Message{
				EntityID:      id,
				PatientID:     id,
				Source:        clinical.SourceReconcile,
				OccurredAt:    r.now().UTC(),
				CorrelationID: sweepID + ":" + id.String(),
				Channel:       "reconcile",
			}
			if err := r.handle(ctx, msg); err != nil {
				failed++
				continue
			}
			submitted++
		}
		if len(page) < r.batch {
			break
		}
		last := page[len(page)-1]
		after = &last
	}

	metrics.RecordReconcileResubmitted(submitted)
	if submitted > 0 || failed > 0 {
		log.Info().Int("resubmitted", submitted).Int("failed", failed).Msg("reconciliation sweep finished")
	} else {
		log.Debug().Msg("reconciliation sweep found nothing stale")
	}
	return submitted, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.sweepLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepLogged(ctx)
		}
	}
}

func (r *Reconciler) sweepLogged(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("reconciliation sweep failed")
	}
}
