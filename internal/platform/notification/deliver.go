package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/webhook"
	"github.com/ehr/clinwatch/internal/platform/websocket"
)

// Deliverer sends a rendered notification over one channel.
type Deliverer interface {
	Deliver(ctx context.Context, n *Notification) error
}

// LogDeliverer writes notifications to the structured log.
type LogDeliverer struct {
	logger zerolog.Logger
}

func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(_ context.Context, n *Notification) error {
	d.logger.Info().
		Str("notification_id", n.ID).
		Str("template", n.Template).
		Str("target_role", n.TargetRole).
		Str("patient_id", n.PatientID).
		Str("priority", n.Priority).
		Str("correlation_id", n.CorrelationID).
		Str("subject", n.Subject).
		Msg(n.Body)
	return nil
}

// WebhookDeliverer posts notifications as signed JSON events.
type WebhookDeliverer struct {
	client *webhook.Client
	url    string
}

func NewWebhookDeliverer(client *webhook.Client, url string) (*WebhookDeliverer, error) {
	if err := webhook.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("webhook deliverer: %w", err)
	}
	return &WebhookDeliverer{client: client, url: url}, nil
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, n *Notification) error {
	_, err := d.client.Post(ctx, d.url, webhook.Event{
		ID:        n.ID,
		Type:      "notification." + n.Template,
		Timestamp: n.CreatedAt,
		Data:      n,
	})
	return err
}

// Publisher is the live-feed hub.
type Publisher interface {
	Publish(ctx context.Context, ev websocket.Event, topics ...string) int
}

// HubDeliverer pushes notifications to reviewers connected to the live feed,
// on the target role's topic and the patient's topic.
type HubDeliverer struct {
	hub Publisher
}

func NewHubDeliverer(hub Publisher) *HubDeliverer {
	return &HubDeliverer{hub: hub}
}

func (d *HubDeliverer) Deliver(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	d.hub.Publish(ctx, websocket.Event{
		ID:        n.ID,
		Type:      "notification." + n.Template,
		PatientID: n.PatientID,
		ActionID:  n.ActionID,
		Priority:  n.Priority,
		Timestamp: n.CreatedAt,
		Data:      data,
	}, websocket.RoleTopic(n.TargetRole), websocket.PatientTopic(n.PatientID))
	return nil
}

// Fanout delivers to every deliverer in order and joins their errors.
type Fanout []Deliverer

func (f Fanout) Deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router picks a deliverer per target role, falling back to a default.
type Router struct {
	byRole   map[string]Deliverer
	fallback Deliverer
}

func NewRouter(fallback Deliverer) *Router {
	return &Router{byRole: make(map[string]Deliverer), fallback: fallback}
}

// Route sends notifications for role through d.
func (r *Router) Route(role string, d Deliverer) *Router {
	r.byRole[role] = d
	return r
}

func (r *Router) For(role string) Deliverer {
	if d, ok := r.byRole[role]; ok {
		return d
	}
	return r.fallback
}
