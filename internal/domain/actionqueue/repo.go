package actionqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// UpsertPending inserts item unless a pending row with the same key
	// exists, in one atomic conditional write. It returns the row now
	// occupying the slot and whether it was created by this call.
	UpsertPending(ctx context.Context, item *Item) (*Item, bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	ListPending(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error)
	ListByRelated(ctx context.Context, relatedEntityID uuid.UUID) ([]*Item, error)

	// Resolve moves a pending item to a terminal status. It reports false
	// without error when the item was no longer pending.
	Resolve(ctx context.Context, id uuid.UUID, r Resolution) (*Item, bool, error)

	// ExpireOverdue marks every pending item with due_at <= now as expired.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*Item, error)
}
