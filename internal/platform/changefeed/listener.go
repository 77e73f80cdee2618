package changefeed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/metrics"
)

// Subscriber is a change-publishing source. Listen blocks until ctx is
// cancelled or the subscription is lost, calling onReady once subscribed and
// deliver for every notification in arrival order.
type Subscriber interface {
	Listen(ctx context.Context, onReady func(), deliver func(Raw)) error
}

// Handler processes one parsed message.
type Handler func(ctx context.Context, msg Message) error

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Listener keeps a Subscriber connected, reconnecting with exponential
// backoff and running a hook after every reconnect.
type Listener struct {
	sub         Subscriber
	handle      Handler
	onReconnect func(ctx context.Context)
	base        time.Duration
	max         time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger

	connected atomic.Bool
}

func NewListener(sub Subscriber, handle Handler, logger zerolog.Logger) *Listener {
	return &Listener{
		sub:    sub,
		handle: handle,
		base:   DefaultBackoffBase,
		max:    DefaultBackoffMax,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: logger,
	}
}

func (l *Listener) SetBackoff(base, max time.Duration) {
	l.base, l.max = base, max
}

// OnReconnect registers fn to run each time the subscription is
// re-established after a loss.
func (l *Listener) OnReconnect(fn func(ctx context.Context)) {
	l.onReconnect = fn
}

// Run blocks until ctx is cancelled. Retries are unbounded.
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	everReady := false

	for {
		ready := false
		err := l.sub.Listen(ctx, func() {
			ready = true
			l.connected.Store(true)
			if everReady {
				metrics.RecordListenerReconnect()
				l.logger.Info().Int("failures", failures).Msg("change feed resubscribed")
				if l.onReconnect != nil {
					go l.onReconnect(ctx)
				}
			} else {
				l.logger.Info().Msg("change feed subscribed")
			}
			everReady = true
			failures = 0
		}, func(raw Raw) {
			l.dispatch(ctx, raw)
		})

		l.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("subscription ended")
		}
		if !ready {
			failures++
		} else {
			failures = 1
		}

		delay := Backoff(l.base, l.max, failures)
		l.logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("change feed subscription lost")
		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// CheckHealth reports whether the subscription is currently established.
func (l *Listener) CheckHealth(context.Context) error {
	if !l.connected.Load() {
		return errors.New("change feed not subscribed")
	}
	return nil
}

func (l *Listener) dispatch(ctx context.Context, raw Raw) {
	msg, err := Parse(raw, l.now())
	if err != nil {
		metrics.RecordChangeEvent("unknown", "malformed", 0)
		l.logger.Warn().Err(err).
			Str("channel", raw.Channel).
			Str("payload", string(raw.Payload)).
			Msg("dropping malformed change notification")
		return
	}
	if err := l.handle(ctx, msg); err != nil {
		// The processor logs details; reconciliation picks the patient up later.
		l.logger.Debug().Err(err).Str("correlation_id", msg.CorrelationID).Msg("change notification not processed")
	}
}

// Backoff returns base * 2^(attempt-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
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
