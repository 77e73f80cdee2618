package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
)

// ESDBSubscriber follows $all on an EventStoreDB cluster, filtered to the
// configured event type prefixes. It starts from the end of the log; missed
// changes are recovered by reconciliation.
type ESDBSubscriber struct {
	client   *esdb.Client
	prefixes []string
}

func NewESDBSubscriber(connectionString string, prefixes []string) (*ESDBSubscriber, error) {
	settings, err := esdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &ESDBSubscriber{client: client, prefixes: prefixes}, nil
}

func (s *ESDBSubscriber) Close() error {
	return s.client.Close()
}

func (s *ESDBSubscriber) Listen(ctx context.Context, onReady func(), deliver func(Raw)) error {
	opts := esdb.SubscribeToAllOptions{From: esdb.End{}}
	if len(s.prefixes) > 0 {
		opts.Filter = &esdb.SubscriptionFilter{Type: esdb.EventFilterType, Prefixes: s.prefixes}
	}
	sub, err := s.client.SubscribeToAll(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to subscribe to $all: %w", err)
	}
	defer sub.Close()
	onReady()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := sub.Recv()
		if ev.SubscriptionDropped != nil {
			if ev.SubscriptionDropped.Error != nil {
				return ev.SubscriptionDropped.Error
			}
			return errors.New("subscription dropped")
		}
		if ev.EventAppeared == nil || ev.EventAppeared.Event == nil {
			continue
		}
		recorded := ev.EventAppeared.Event
		// Skip system events
		if strings.HasPrefix(recorded.EventType, "$") {
			continue
		}
		deliver(Raw{Channel: recorded.EventType, Payload: recorded.Data})
	}
}
