package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/config"
	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/domain/diagnosis"
	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/engine"
	"github.com/ehr/clinwatch/internal/platform/db"
	"github.com/ehr/clinwatch/internal/platform/notification"
	"github.com/ehr/clinwatch/internal/platform/webhook"
	"github.com/ehr/clinwatch/internal/platform/websocket"
	"github.com/ehr/clinwatch/internal/store/memory"
)

// stores groups the repositories one engine instance runs against.
type stores struct {
	clinical clinical.Assembler
	risk     risk.Repository
	actions  actionqueue.Repository
	dx       diagnosis.Repository
	tx       db.TxRunner
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		clinical: clinical.NewRepo(pool),
		risk:     risk.NewRepo(pool),
		actions:  actionqueue.NewRepo(pool),
		dx:       diagnosis.NewRepo(pool),
		tx:       db.NewTxRunner(pool),
	}
}

func memoryStores(s *memory.Store) stores {
	return stores{clinical: s, risk: s, actions: s, dx: s, tx: db.NoTx{}}
}

// components is the fully wired engine.
type components struct {
	actions    *actionqueue.Manager
	review     *diagnosis.ReviewService
	risk       *risk.Service
	dispatcher *notification.Dispatcher
	hub        *websocket.Hub
	processor  *engine.Processor
	reconciler *engine.Reconciler
	sweeper    *engine.ExpirySweeper
}

func buildComponents(cfg *config.Config, st stores, logger zerolog.Logger) (*components, error) {
	criteria := diagnosis.Criteria{
		Cutoff:          cfg.OnsetCutoff,
		BorderlineUpper: cfg.OnsetBorderline,
		DamageThreshold: cfg.OnsetDamage,
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	hub := websocket.NewHub(logger.With().Str("component", "livefeed").Logger())
	router, err := buildRouter(cfg, hub, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), router,
		cfg.DispatchWorkers, cfg.DispatchBuffer, logger.With().Str("component", "notification").Logger())

	actions := actionqueue.NewManager(st.actions, logger.With().Str("component", "actionqueue").Logger())

	machine := diagnosis.NewMachine(st.dx, actions, st.tx, logger.With().Str("component", "onset").Logger())
	machine.SetCriteria(criteria)
	machine.SetConfirmDue(cfg.ConfirmDiagnosisDue)

	review := diagnosis.NewReviewService(st.dx, actions, st.tx, logger.With().Str("component", "review").Logger())
	review.SetCriteria(criteria)
	review.SetApproveDue(cfg.ApproveTreatmentDue)

	var scorer risk.Scorer = risk.NewThresholdScorer()
	if cfg.ScorerURL != "" {
		scorer = risk.NewHTTPScorer(cfg.ScorerURL)
	}
	detector := risk.NewDetector(st.risk, logger.With().Str("component", "detector").Logger())

	processor := engine.NewProcessor(st.clinical, scorer, detector, actions, machine, dispatcher,
		logger.With().Str("component", "processor").Logger())
	processor.SetRetry(cfg.ProcessMaxAttempts, cfg.ProcessRetryDelay)
	review.OnActionCreated(processor.NotifyFollowUp)

	riskSvc := risk.NewService(st.risk)
	riskSvc.SetSubmitter(processor)

	return &components{
		actions:    actions,
		review:     review,
		risk:       riskSvc,
		dispatcher: dispatcher,
		hub:        hub,
		processor:  processor,
		reconciler: engine.NewReconciler(st.risk, processor.Handle, cfg.ReconcileStaleness, cfg.ReconcileRate,
			logger.With().Str("component", "reconciler").Logger()),
		sweeper: engine.NewExpirySweeper(actions, logger.With().Str("component", "expiry").Logger()),
	}, nil
}

// buildRouter logs every notification and pushes it to the live feed. When a
// webhook is configured, reviewer notifications are also posted to it.
func buildRouter(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) (*notification.Router, error) {
	base := notification.Fanout{
		notification.NewLogDeliverer(logger.With().Str("component", "notification").Logger()),
		notification.NewHubDeliverer(hub),
	}
	router := notification.NewRouter(base)
	if cfg.WebhookURL == "" {
		return router, nil
	}
	var opts []webhook.ClientOption
	if cfg.WebhookSecret != "" {
		opts = append(opts, webhook.WithSecret(cfg.WebhookSecret))
	}
	wh, err := notification.NewWebhookDeliverer(webhook.NewClient(opts...), cfg.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("configure webhook: %w", err)
	}
	return router.Route(engine.ReviewerRole, append(base, wh)), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(stdout).With().Timestamp().Str("service", "clinwatch").Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()
	}
	return logger
}
