package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type scriptedSubscriber struct {
	mu       sync.Mutex
	attempts int
	script   []func(ctx context.Context, onReady func(), deliver func(Raw)) error
}

func (s *scriptedSubscriber) Listen(ctx context.Context, onReady func(), deliver func(Raw)) error {
	s.mu.Lock()
	i := s.attempts
	s.attempts++
	s.mu.Unlock()
	if i >= len(s.script) {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.script[i](ctx, onReady, deliver)
}

func failImmediately(context.Context, func(), func(Raw)) error {
	return errors.New("connection refused")
}

func TestListener_BackoffReconnectAndDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entity := uuid.New()
	good := Raw{Channel: "patient_changes", Payload: []byte(`{"entity_id":"` + entity.String() + `","source":"patient"}`)}
	bad := Raw{Channel: "patient_changes", Payload: []byte(`garbage`)}

	sub := &scriptedSubscriber{script: []func(context.Context, func(), func(Raw)) error{
		failImmediately,
		failImmediately,
		func(_ context.Context, onReady func(), deliver func(Raw)) error {
			onReady()
			deliver(good)
			deliver(bad)
			return errors.New("connection reset")
		},
		func(ctx context.Context, onReady func(), deliver func(Raw)) error {
			onReady()
			deliver(good)
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	var mu sync.Mutex
	var handled []Message
	l := NewListener(sub, func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg)
		if len(handled) == 2 {
			cancel()
		}
		return nil
	}, zerolog.Nop())

	var delays []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	reconnected := make(chan struct{}, 4)
	l.OnReconnect(func(context.Context) { reconnected <- struct{}{} })

	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("expected reconnect hook to run")
	}
	if len(reconnected) != 0 {
		t.Error("reconnect hook should run once")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("expected 2 handled messages (malformed dropped), got %d", len(handled))
	}
	for _, m := range handled {
		if m.EntityID != entity || m.CorrelationID == "" {
			t.Errorf("unexpected message %+v", m)
		}
	}
}

func TestListener_StopsWhenCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &scriptedSubscriber{script: []func(context.Context, func(), func(Raw)) error{failImmediately}}
	l := NewListener(sub, func(context.Context, Message) error { return nil }, zerolog.Nop())
	l.SetBackoff(time.Hour, time.Hour)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 5: 16 * time.Second, 6: 30 * time.Second, 50: 30 * time.Second}
	for attempt, want := range cases {
		if got := Backoff(base, max, attempt); got != want {
			t.Errorf("Backoff(%d): expected %v, got %v", attempt, want, got)
		}
	}
}

func TestListener_HealthTracksSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var l *Listener
	checked := make(chan error, 1)
	sub := &scriptedSubscriber{script: []func(context.Context, func(), func(Raw)) error{
		func(ctx context.Context, onReady func(), _ func(Raw)) error {
			onReady()
			checked <- l.CheckHealth(ctx)
			cancel()
			return ctx.Err()
		},
	}}
	l = NewListener(sub, func(context.Context, Message) error { return nil }, zerolog.Nop())

	if err := l.CheckHealth(ctx); err == nil {
		t.Fatal("expected health check to fail before subscribing")
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-checked; err != nil {
		t.Errorf("expected healthy check while subscribed, got %v", err)
	}
	if err := l.CheckHealth(context.Background()); err == nil {
		t.Error("expected health check to fail after the subscription ended")
	}
}
