package changefeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/clinwatch/internal/platform/db"
)

// PGSubscriber receives pg_notify payloads on a dedicated connection.
type PGSubscriber struct {
	databaseURL string
	channels    []string
}

func NewPGSubscriber(databaseURL string, channels []string) *PGSubscriber {
	return &PGSubscriber{databaseURL: databaseURL, channels: channels}
}

func (s *PGSubscriber) Listen(ctx context.Context, onReady func(), deliver func(Raw)) error {
	if len(s.channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	conn, err := db.Connect(ctx, s.databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	for _, ch := range s.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	onReady()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		deliver(Raw{Channel: n.Channel, Payload: []byte(n.Payload)})
	}
}
