package diagnosis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateIfNoneOpen inserts e unless the patient already has an open
	// event, atomically. It returns the open event and whether it is new.
	CreateIfNoneOpen(ctx context.Context, e *Event) (*Event, bool, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	// GetOpenEvent returns the patient's open event or nil. More than one
	// open event is reported as an invariant violation.
	GetOpenEvent(ctx context.Context, patientID uuid.UUID) (*Event, error)
	ListEvents(ctx context.Context, patientID uuid.UUID) ([]*Event, error)
	// ResolveEvent moves an open event to status. It reports false without
	// error when the event was no longer open.
	ResolveEvent(ctx context.Context, id uuid.UUID, status EventStatus, by, note string, at time.Time) (*Event, bool, error)

	// CreateProtocol inserts p unless the event already has a live protocol,
	// in which case the live one is returned.
	CreateProtocol(ctx context.Context, p *Protocol) (*Protocol, bool, error)
	GetLiveProtocol(ctx context.Context, eventID uuid.UUID) (*Protocol, error)
	ListProtocols(ctx context.Context, patientID uuid.UUID) ([]*Protocol, error)
	// TransitionProtocol moves a protocol from -> to. It reports false
	// without error when the protocol was not in from.
	TransitionProtocol(ctx context.Context, id uuid.UUID, from, to ProtocolStatus, by, note string) (*Protocol, bool, error)

	// GetState returns the onset state, defaulting to not_at_risk.
	GetState(ctx context.Context, patientID uuid.UUID) (*StateRecord, error)
	SetState(ctx context.Context, patientID uuid.UUID, state OnsetState, eventID *uuid.UUID) error
	// CompareAndSetState moves the patient from -> to only while the stored
	// state is still from. A missing row counts as not_at_risk. It reports
	// false without error when the state had moved on.
	CompareAndSetState(ctx context.Context, patientID uuid.UUID, from, to OnsetState, eventID *uuid.UUID) (bool, error)
}
