package clinical

import (
	"context"
	"errors"
	"fmt"
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
	now  func() time.Time
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, now: time.Now}
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

const patientCols = `id, mrn, given_name, family_name, birth_date, sex, active`

const obsCols = `id, patient_id, code, display, value::float8, unit, status, effective_at`

const condCols = `id, patient_id, code, display, clinical_status, onset_at`

// Codes the snapshot needs; anything else in observation is ignored.
var snapshotCodes = []string{CodeEGFR, CodeUACR, CodePotassium, CodeSystolicBP, CodeHbA1c}

func (r *repoPG) Assemble(ctx context.Context, patientID uuid.UUID) (*Snapshot, error) {
	q := r.conn(ctx)

	var p Patient
	err := q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, patientID).
		Scan(&p.ID, &p.MRN, &p.GivenName, &p.FamilyName, &p.BirthDate, &p.Sex, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("patient", patientID.String())
	}
	if err != nil {
		return nil, apperror.ClassifyStore("load patient", err)
	}

	// Latest final value per code.
	rows, err := q.Query(ctx, `
		SELECT DISTINCT ON (code) `+obsCols+`
		FROM observation
		WHERE patient_id = $1 AND code = ANY($2) AND value IS NOT NULL
		  AND status IN ('final', 'amended', 'corrected')
		ORDER BY code, effective_at DESC`, patientID, snapshotCodes)
	if err != nil {
		return nil, apperror.ClassifyStore("load observations", err)
	}
	obs, err := collectObservations(rows)
	if err != nil {
		return nil, apperror.ClassifyStore("scan observations", err)
	}

	rows, err = q.Query(ctx, `SELECT `+condCols+` FROM condition WHERE patient_id = $1 AND clinical_status IN ('active', 'recurrence', 'relapse')`, patientID)
	if err != nil {
		return nil, apperror.ClassifyStore("load conditions", err)
	}
	conds, err := collectConditions(rows)
	if err != nil {
		return nil, apperror.ClassifyStore("scan conditions", err)
	}

	return BuildSnapshot(&p, obs, conds, r.now().UTC()), nil
}

func (r *repoPG) ResolvePatient(ctx context.Context, source Source, entityID uuid.UUID) (uuid.UUID, error) {
	var query string
	switch source {
	case SourcePatient, SourceReconcile, SourceManual:
		return entityID, nil
	case SourceObservation:
		query = `SELECT patient_id FROM observation WHERE id = $1`
	case SourceCondition:
		query = `SELECT patient_id FROM condition WHERE id = $1`
	default:
		return uuid.Nil, apperror.Validation(fmt.Sprintf("unknown change source %q", source))
	}

	var pid uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, query, entityID).Scan(&pid)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperror.NotFound(string(source), entityID.String())
	}
	if err != nil {
		return uuid.Nil, apperror.ClassifyStore("resolve patient", err)
	}
	return pid, nil
}

func (r *repoPG) UpsertPatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, mrn, given_name, family_name, birth_date, sex, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			mrn=EXCLUDED.mrn, given_name=EXCLUDED.given_name, family_name=EXCLUDED.family_name,
			birth_date=EXCLUDED.birth_date, sex=EXCLUDED.sex, active=EXCLUDED.active, updated_at=NOW()`,
		p.ID, p.MRN, p.GivenName, p.FamilyName, p.BirthDate, p.Sex, p.Active,
	)
	return apperror.ClassifyStore("upsert patient", err)
}

func (r *repoPG) AddObservation(ctx context.Context, o *Observation) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = "final"
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO observation (id, patient_id, code, display, value, unit, status, effective_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.PatientID, o.Code, o.Display, o.Value, o.Unit, o.Status, o.EffectiveAt,
	)
	return apperror.ClassifyStore("insert observation", err)
}

func (r *repoPG) AddCondition(ctx context.Context, c *Condition) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ClinicalStatus == "" {
		c.ClinicalStatus = "active"
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO condition (id, patient_id, code, display, clinical_status, onset_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.PatientID, c.Code, c.Display, c.ClinicalStatus, c.OnsetAt,
	)
	return apperror.ClassifyStore("insert condition", err)
}

func collectObservations(rows pgx.Rows) ([]*Observation, error) {
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.PatientID, &o.Code, &o.Display, &o.Value, &o.Unit, &o.Status, &o.EffectiveAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func collectConditions(rows pgx.Rows) ([]*Condition, error) {
	defer rows.Close()
	var out []*Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Code, &c.Display, &c.ClinicalStatus, &c.OnsetAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
