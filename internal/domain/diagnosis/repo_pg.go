package diagnosis

import (
	"context"
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

const eventCols = `id, patient_id, diagnosis_date, stage_at_diagnosis, detection_trigger, previous_status,
	marker_value, damage_value, priority, status, confirmed, confirmed_at, resolved_by, resolution_note,
	created_at, updated_at`

const protocolCols = `id, diagnosis_event_id, patient_id, protocol_body, status, resolved_by, resolution_note,
	created_at, updated_at`

func (r *repoPG) CreateIfNoneOpen(ctx context.Context, e *Event) (*Event, bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	created, err := scanEvent(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnosis_event (id, patient_id, diagnosis_date, stage_at_diagnosis, detection_trigger,
			previous_status, marker_value, damage_value, priority, status, confirmed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending_confirmation',FALSE)
		ON CONFLICT (patient_id) WHERE status = 'pending_confirmation' DO NOTHING
		RETURNING `+eventCols,
		e.ID, e.PatientID, e.DiagnosisDate, e.StageAtDiagnosis, e.DetectionTrigger,
		e.PreviousStatus, e.MarkerValue, e.DamageValue, e.Priority,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.ClassifyStore("create diagnosis event", err)
	}

	open, err := r.GetOpenEvent(ctx, e.PatientID)
	if err != nil {
		return nil, false, err
	}
	if open == nil {
		// Closed between the conflict and the read; the caller retries.
		return nil, false, apperror.TransientStore("create diagnosis event", errors.New("open event changed concurrently"))
	}
	return open, false, nil
}

func (r *repoPG) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM diagnosis_event WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("diagnosis event", id.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get diagnosis event", err)
	}
	return e, nil
}

func (r *repoPG) GetOpenEvent(ctx context.Context, patientID uuid.UUID) (*Event, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+eventCols+` FROM diagnosis_event WHERE patient_id = $1 AND status = 'pending_confirmation' LIMIT 2`,
		patientID)
	if err != nil {
		return nil, apperror.ClassifyStore("get open diagnosis event", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, apperror.ClassifyStore("scan open diagnosis event", err)
	}
	switch len(events) {
	case 0:
		return nil, nil
	case 1:
		return events[0], nil
	default:
		return nil, apperror.InvariantViolation("more than one open diagnosis event", map[string]string{
			"patient_id": patientID.String(),
			"event_a":    events[0].ID.String(),
			"event_b":    events[1].ID.String(),
		})
	}
}

func (r *repoPG) ListEvents(ctx context.Context, patientID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+eventCols+` FROM diagnosis_event WHERE patient_id = $1 ORDER BY diagnosis_date DESC, created_at DESC`,
		patientID)
	if err != nil {
		return nil, apperror.ClassifyStore("list diagnosis events", err)
	}
	events, err := collectEvents(rows)
	return events, apperror.ClassifyStore("scan diagnosis events", err)
}

func (r *repoPG) ResolveEvent(ctx context.Context, id uuid.UUID, status EventStatus, by, note string, at time.Time) (*Event, bool, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `
		UPDATE diagnosis_event SET
			status = $2,
			confirmed = ($2 = 'confirmed'),
			confirmed_at = CASE WHEN $2 = 'confirmed' THEN $5::timestamptz ELSE NULL END,
			resolved_by = $3, resolution_note = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_confirmation'
		RETURNING `+eventCols,
		id, status, nullString(by), nullString(note), at,
	))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.ClassifyStore("resolve diagnosis event", err)
	}
	current, err := r.GetEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *repoPG) CreateProtocol(ctx context.Context, p *Protocol) (*Protocol, bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	created, err := scanProtocol(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment_protocol (id, diagnosis_event_id, patient_id, protocol_body, status)
		VALUES ($1,$2,$3,$4,'pending_approval')
		ON CONFLICT (diagnosis_event_id) WHERE status IN ('pending_approval', 'approved', 'active') DO NOTHING
		RETURNING `+protocolCols,
		p.ID, p.DiagnosisEventID, p.PatientID, []byte(p.Body),
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.ClassifyStore("create treatment protocol", err)
	}
	live, err := r.GetLiveProtocol(ctx, p.DiagnosisEventID)
	if err != nil {
		return nil, false, err
	}
	return live, false, nil
}

func (r *repoPG) GetLiveProtocol(ctx context.Context, eventID uuid.UUID) (*Protocol, error) {
	p, err := scanProtocol(r.conn(ctx).QueryRow(ctx, `
		SELECT `+protocolCols+` FROM treatment_protocol
		WHERE diagnosis_event_id = $1 AND status IN ('pending_approval', 'approved', 'active')`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("treatment protocol", eventID.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get treatment protocol", err)
	}
	return p, nil
}

func (r *repoPG) ListProtocols(ctx context.Context, patientID uuid.UUID) ([]*Protocol, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+protocolCols+` FROM treatment_protocol WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, apperror.ClassifyStore("list treatment protocols", err)
	}
	defer rows.Close()

	var out []*Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, apperror.ClassifyStore("scan treatment protocol", err)
		}
		out = append(out, p)
	}
	return out, apperror.ClassifyStore("list treatment protocols", rows.Err())
}

func (r *repoPG) TransitionProtocol(ctx context.Context, id uuid.UUID, from, to ProtocolStatus, by, note string) (*Protocol, bool, error) {
	p, err := scanProtocol(r.conn(ctx).QueryRow(ctx, `
		UPDATE treatment_protocol SET status = $3, resolved_by = $4, resolution_note = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+protocolCols,
		id, from, to, nullString(by), nullString(note),
	))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.ClassifyStore("transition treatment protocol", err)
	}
	current, err := scanProtocol(r.conn(ctx).QueryRow(ctx, `SELECT `+protocolCols+` FROM treatment_protocol WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperror.NotFound("treatment protocol", id.String())
	}
	if err != nil {
		return nil, false, apperror.ClassifyStore("get treatment protocol", err)
	}
	return current, false, nil
}

func (r *repoPG) GetState(ctx context.Context, patientID uuid.UUID) (*StateRecord, error) {
	rec := StateRecord{PatientID: patientID}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT state, diagnosis_event_id, updated_at FROM diagnosis_onset_state WHERE patient_id = $1`, patientID).
		Scan(&rec.State, &rec.DiagnosisEventID, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		rec.State = StateNotAtRisk
		return &rec, nil
	}
	if err != nil {
		return nil, apperror.ClassifyStore("get onset state", err)
	}
	return &rec, nil
}

func (r *repoPG) SetState(ctx context.Context, patientID uuid.UUID, state OnsetState, eventID *uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnosis_onset_state (patient_id, state, diagnosis_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO UPDATE SET
			state = EXCLUDED.state,
			diagnosis_event_id = COALESCE(EXCLUDED.diagnosis_event_id, diagnosis_onset_state.diagnosis_event_id),
			updated_at = NOW()`,
		patientID, state, eventID)
	return apperror.ClassifyStore("set onset state", err)
}

func (r *repoPG) CompareAndSetState(ctx context.Context, patientID uuid.UUID, from, to OnsetState, eventID *uuid.UUID) (bool, error) {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE diagnosis_onset_state SET
			state = $3,
			diagnosis_event_id = COALESCE($4, diagnosis_event_id),
			updated_at = NOW()
		WHERE patient_id = $1 AND state = $2`,
		patientID, from, to, eventID)
	if err != nil {
		return false, apperror.ClassifyStore("compare and set onset state", err)
	}
	if tag.RowsAffected() == 1 || from != StateNotAtRisk {
		return tag.RowsAffected() == 1, nil
	}
	// No row yet: the patient is implicitly not_at_risk.
	tag, err = q.Exec(ctx, `
		INSERT INTO diagnosis_onset_state (patient_id, state, diagnosis_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO NOTHING`,
		patientID, to, eventID)
	if err != nil {
		return false, apperror.ClassifyStore("compare and set onset state", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.PatientID, &e.DiagnosisDate, &e.StageAtDiagnosis, &e.DetectionTrigger, &e.PreviousStatus,
		&e.MarkerValue, &e.DamageValue, &e.Priority, &e.Status, &e.Confirmed, &e.ConfirmedAt, &e.ResolvedBy, &e.ResolutionNote,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanProtocol(row pgx.Row) (*Protocol, error) {
	var p Protocol
	var body []byte
	err := row.Scan(&p.ID, &p.DiagnosisEventID, &p.PatientID, &body, &p.Status, &p.ResolvedBy, &p.ResolutionNote,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Body = body
	return &p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
