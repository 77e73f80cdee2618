package clinical

import (
	"context"

	"github.com/google/uuid"
)

// Assembler loads the clinical inputs for risk scoring.
type Assembler interface {
	// Assemble returns the current snapshot for a patient. A patient that does
	// not exist yields an apperror NotFound.
	Assemble(ctx context.Context, patientID uuid.UUID) (*Snapshot, error)
	// ResolvePatient maps a changed entity to the patient it belongs to.
	ResolvePatient(ctx context.Context, source Source, entityID uuid.UUID) (uuid.UUID, error)
}

// Repository gives write access to the clinical source tables. The engine
// never calls it; the simulate command and tests use it to seed data.
type Repository interface {
	Assembler
	UpsertPatient(ctx context.Context, p *Patient) error
	AddObservation(ctx context.Context, o *Observation) error
	AddCondition(ctx context.Context, c *Condition) error
}
