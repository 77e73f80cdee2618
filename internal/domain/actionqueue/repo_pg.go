package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const itemCols = `id, patient_id, action_type, priority, due_at, status, related_entity_id,
	resolved_by, resolved_at, resolution_note, created_at, updated_at`

// The DO UPDATE is a no-op write so that RETURNING yields the existing row;
// xmax = 0 only for a freshly inserted tuple.
func (r *repoPG) UpsertPending(ctx context.Context, item *Item) (*Item, bool, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO action_queue_item (id, patient_id, action_type, priority, due_at, status, related_entity_id)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (patient_id, action_type, related_entity_id) WHERE status = 'pending'
		DO UPDATE SET updated_at = action_queue_item.updated_at
		RETURNING `+itemCols+`, (xmax = 0) AS inserted`,
		item.ID, item.PatientID, item.ActionType, item.Priority, item.DueAt, item.RelatedEntityID,
	)

	var it Item
	var inserted bool
	err := row.Scan(&it.ID, &it.PatientID, &it.ActionType, &it.Priority, &it.DueAt, &it.Status, &it.RelatedEntityID,
		&it.ResolvedBy, &it.ResolvedAt, &it.ResolutionNote, &it.CreatedAt, &it.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, apperror.ClassifyStore("upsert pending action", err)
	}
	return &it, inserted, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM action_queue_item WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("action", id.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get action", err)
	}
	return it, nil
}

func (r *repoPG) ListPending(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	where := []string{"status = 'pending'"}
	var args []interface{}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("action_type = $%d", len(args)))
	}
	if f.PatientID != uuid.Nil {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM action_queue_item WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, apperror.ClassifyStore("count pending actions", err)
	}

	// Most urgent first: priority rank, then due time.
	query := fmt.Sprintf(`SELECT `+itemCols+` FROM action_queue_item WHERE %s
		ORDER BY CASE priority WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MODERATE' THEN 2 ELSE 1 END DESC,
			due_at ASC, id
		LIMIT $%d OFFSET $%d`, clause, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, apperror.ClassifyStore("list pending actions", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, apperror.ClassifyStore("scan pending actions", err)
	}
	return items, total, nil
}

func (r *repoPG) ListByRelated(ctx context.Context, relatedEntityID uuid.UUID) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM action_queue_item WHERE related_entity_id = $1 ORDER BY created_at`, relatedEntityID)
	if err != nil {
		return nil, apperror.ClassifyStore("list related actions", err)
	}
	items, err := collectItems(rows)
	return items, apperror.ClassifyStore("scan related actions", err)
}

func (r *repoPG) Resolve(ctx context.Context, id uuid.UUID, res Resolution) (*Item, bool, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE action_queue_item
		SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+itemCols,
		id, res.Status, nullString(res.By), nullString(res.Note), res.At,
	))
	if err == nil {
		return it, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.ClassifyStore("resolve action", err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *repoPG) ExpireOverdue(ctx context.Context, now time.Time) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE action_queue_item
		SET status = 'expired', resolved_at = $1, updated_at = NOW()
		WHERE status = 'pending' AND due_at <= $1
		RETURNING `+itemCols, now)
	if err != nil {
		return nil, apperror.ClassifyStore("expire overdue actions", err)
	}
	items, err := collectItems(rows)
	return items, apperror.ClassifyStore("scan expired actions", err)
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.PatientID, &it.ActionType, &it.Priority, &it.DueAt, &it.Status, &it.RelatedEntityID,
		&it.ResolvedBy, &it.ResolvedAt, &it.ResolutionNote, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
