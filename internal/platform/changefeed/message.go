// Package changefeed subscribes to clinical data change notifications and
// hands parsed messages to a processor.
package changefeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinwatch/internal/domain/clinical"
)

// Raw is an undecoded notification as received from a source.
type Raw struct {
	Channel string
	Payload []byte
}

// Message is a parsed change notification.
type Message struct {
	EntityID uuid.UUID
	// PatientID is set when the publisher knows the owning patient, so
	// deletes still resolve after the row is gone.
	PatientID     uuid.UUID
	Source        clinical.Source
	OccurredAt    time.Time
	CorrelationID string
	Channel       string
}

type payload struct {
	EntityID      string `json:"entity_id"`
	EntityIDAlt   string `json:"entityId"`
	PatientID     string `json:"patient_id"`
	Source        string `json:"source"`
	OccurredAt    string `json:"occurred_at"`
	OccurredAtAlt string `json:"occurredAt"`
	CorrelationID string `json:"correlation_id"`
}

// Parse decodes a notification payload. A missing correlation id is
// generated; a missing occurred_at defaults to now.
func Parse(raw Raw, now time.Time) (Message, error) {
	var p payload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}

	entity := p.EntityID
	if entity == "" {
		entity = p.EntityIDAlt
	}
	entityID, err := uuid.Parse(entity)
	if err != nil {
		return Message{}, fmt.Errorf("invalid entity_id %q: %w", entity, err)
	}

	msg := Message{
		EntityID:      entityID,
		Source:        clinical.Source(p.Source),
		CorrelationID: p.CorrelationID,
		Channel:       raw.Channel,
		OccurredAt:    now.UTC(),
	}
	if !msg.Source.Valid() {
		return Message{}, fmt.Errorf("invalid source %q", p.Source)
	}
	if p.PatientID != "" {
		if msg.PatientID, err = uuid.Parse(p.PatientID); err != nil {
			return Message{}, fmt.Errorf("invalid patient_id %q: %w", p.PatientID, err)
		}
	}

	occurred := p.OccurredAt
	if occurred == "" {
		occurred = p.OccurredAtAlt
	}
	if occurred != "" {
		t, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return Message{}, fmt.Errorf("invalid occurred_at %q: %w", occurred, err)
		}
		msg.OccurredAt = t.UTC()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	return msg, nil
}
