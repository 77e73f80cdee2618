package risk

import (
	"context"
	"encoding/json"
	"errors"
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

const snapshotCols = `patient_id, current_priority, current_score, monitoring_status, last_assessed_at, created_at, updated_at`

const historyCols = `id, patient_id, assessed_at, priority, score, previous_priority,
	priority_changed, escalated, improved, marker_value, damage_value, alerts, correlation_id`

func (r *repoPG) Apply(ctx context.Context, patientID uuid.UUID, derive Deriver) error {
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context) error {
		q := r.conn(ctx)

		// The snapshot row does not exist before the first assessment, so a
		// row lock alone cannot serialise two concurrent first runs.
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, patientID); err != nil {
			return err
		}

		current, err := scanSnapshot(q.QueryRow(ctx,
			`SELECT `+snapshotCols+` FROM patient_risk_snapshot WHERE patient_id = $1 FOR UPDATE`, patientID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		last, err := scanHistory(q.QueryRow(ctx,
			`SELECT `+historyCols+` FROM risk_history WHERE patient_id = $1 ORDER BY assessed_at DESC LIMIT 1`, patientID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		entry, next, err := derive(current, last)
		if err != nil {
			return err
		}

		alerts, err := json.Marshal(entry.Alerts)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO risk_history (`+historyCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			entry.ID, entry.PatientID, entry.AssessedAt, entry.Priority, entry.Score, entry.PreviousPriority,
			entry.PriorityChanged, entry.Escalated, entry.Improved, entry.MarkerValue, entry.DamageValue,
			alerts, nullString(entry.CorrelationID),
		); err != nil {
			return err
		}

		return q.QueryRow(ctx, `
			INSERT INTO patient_risk_snapshot (patient_id, current_priority, current_score, monitoring_status, last_assessed_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (patient_id) DO UPDATE SET
				current_priority = EXCLUDED.current_priority,
				current_score = EXCLUDED.current_score,
				monitoring_status = EXCLUDED.monitoring_status,
				last_assessed_at = EXCLUDED.last_assessed_at,
				updated_at = NOW()
			RETURNING created_at, updated_at`,
			next.PatientID, next.CurrentPriority, next.CurrentScore, next.MonitoringStatus, next.LastAssessedAt,
		).Scan(&next.CreatedAt, &next.UpdatedAt)
	})
	return apperror.ClassifyStore("apply risk assessment", err)
}

func (r *repoPG) GetSnapshot(ctx context.Context, patientID uuid.UUID) (*PatientRiskSnapshot, error) {
	s, err := scanSnapshot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM patient_risk_snapshot WHERE patient_id = $1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get risk snapshot", err)
	}
	return s, nil
}

func (r *repoPG) ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM risk_history WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, apperror.ClassifyStore("count risk history", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+historyCols+` FROM risk_history WHERE patient_id = $1 ORDER BY assessed_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, apperror.ClassifyStore("list risk history", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, 0, apperror.ClassifyStore("scan risk history", err)
		}
		entries = append(entries, e)
	}
	return entries, total, apperror.ClassifyStore("list risk history", rows.Err())
}

func (r *repoPG) SetMonitoringStatus(ctx context.Context, patientID uuid.UUID, status MonitoringStatus) (*PatientRiskSnapshot, error) {
	s, err := scanSnapshot(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_risk_snapshot SET monitoring_status = $2, updated_at = NOW()
		WHERE patient_id = $1
		RETURNING `+snapshotCols, patientID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("risk snapshot", patientID.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("set monitoring status", err)
	}
	return s, nil
}

func (r *repoPG) LatestReviewEntry(ctx context.Context, patientID uuid.UUID) (*HistoryEntry, error) {
	e, err := scanHistory(r.conn(ctx).QueryRow(ctx, `
		SELECT `+historyCols+` FROM risk_history
		WHERE patient_id = $1
		  AND (escalated OR (previous_priority IS NULL AND priority IN ('HIGH', 'CRITICAL')))
		ORDER BY assessed_at DESC
		LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get latest review entry", err)
	}
	return e, nil
}

// neverAssessed stands in for a missing snapshot in the stale ordering key,
// so never-assessed patients sort first.
var neverAssessed = time.Time{}

func (r *repoPG) ListStale(ctx context.Context, cutoff time.Time, after *StalePatient, limit int) ([]StalePatient, error) {
	afterAt, afterID := neverAssessed, uuid.Nil
	hasCursor := after != nil
	if hasCursor {
		afterAt, afterID = after.LastAssessedAt, after.PatientID
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, COALESCE(s.last_assessed_at, $2) AS k
		FROM patient p
		LEFT JOIN patient_risk_snapshot s ON s.patient_id = p.id
		WHERE p.active
		  AND (s.patient_id IS NULL OR s.last_assessed_at < $1)
		  AND (NOT $3 OR (COALESCE(s.last_assessed_at, $2), p.id) > ($4, $5))
		ORDER BY k, p.id
		LIMIT $6`, cutoff, neverAssessed, hasCursor, afterAt, afterID, limit)
	if err != nil {
		return nil, apperror.ClassifyStore("list stale patients", err)
	}
	defer rows.Close()

	var out []StalePatient
	for rows.Next() {
		var sp StalePatient
		if err := rows.Scan(&sp.PatientID, &sp.LastAssessedAt); err != nil {
			return nil, apperror.ClassifyStore("scan stale patient", err)
		}
		out = append(out, sp)
	}
	return out, apperror.ClassifyStore("list stale patients", rows.Err())
}

func scanSnapshot(row pgx.Row) (*PatientRiskSnapshot, error) {
	var s PatientRiskSnapshot
	err := row.Scan(&s.PatientID, &s.CurrentPriority, &s.CurrentScore, &s.MonitoringStatus,
		&s.LastAssessedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanHistory(row pgx.Row) (*HistoryEntry, error) {
	var e HistoryEntry
	var alerts []byte
	var correlationID *string
	err := row.Scan(&e.ID, &e.PatientID, &e.AssessedAt, &e.Priority, &e.Score, &e.PreviousPriority,
		&e.PriorityChanged, &e.Escalated, &e.Improved, &e.MarkerValue, &e.DamageValue, &alerts, &correlationID)
	if err != nil {
		return nil, err
	}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &e.Alerts); err != nil {
			return nil, err
		}
	}
	if correlationID != nil {
		e.CorrelationID = *correlationID
	}
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
