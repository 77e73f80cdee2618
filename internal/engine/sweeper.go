package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/domain/actionqueue"
	"github.com/ehr/clinwatch/internal/platform/metrics"
)

const DefaultExpiryInterval = time.Minute

// ExpirySweeper moves overdue pending action items to expired.
type ExpirySweeper struct {
	actions *actionqueue.Manager
	logger  zerolog.Logger
}

func NewExpirySweeper(actions *actionqueue.Manager, logger zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{actions: actions, logger: logger}
}

// Sweep expires overdue items once and returns them.
func (s *ExpirySweeper) Sweep(ctx context.Context) ([]*actionqueue.Item, error) {
	expired, err := s.actions.ExpireOverdue(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordActionsExpired(len(expired))
	if len(expired) > 0 {
		s.logger.Info().Int("expired", len(expired)).Msg("expiry sweep finished")
	}
	return expired, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
