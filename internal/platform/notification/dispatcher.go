// Package notification renders clinician notifications from templates and
// delivers them asynchronously, fire-and-forget.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/metrics"
)

// Request asks for one notification to be sent to a clinician role.
type Request struct {
	Template      string            `json:"template"`
	TargetRole    string            `json:"target_role"`
	PatientID     string            `json:"patient_id"`
	ActionID      string            `json:"action_id,omitempty"`
	Priority      string            `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// Notification is a rendered Request.
type Notification struct {
	ID            string    `json:"id"`
	Template      string    `json:"template"`
	TargetRole    string    `json:"target_role"`
	PatientID     string    `json:"patient_id"`
	ActionID      string    `json:"action_id,omitempty"`
	Priority      string    `json:"priority"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

type Result string

const (
	Accepted Result = "accepted"
	Rejected Result = "rejected"
)

const deliverTimeout = 10 * time.Second

// Dispatcher queues notifications in a bounded buffer drained by a fixed
// worker pool. Failed deliveries are logged and dropped.
type Dispatcher struct {
	templates *TemplateEngine
	router    *Router
	logger    zerolog.Logger
	workers   int

	mu     sync.RWMutex
	queue  chan *Notification
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(templates *TemplateEngine, router *Router, workers, buffer int, logger zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{
		templates: templates,
		router:    router,
		logger:    logger,
		workers:   workers,
		queue:     make(chan *Notification, buffer),
	}
}

// Start launches the workers. They run until ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Close stops accepting requests and waits for queued notifications to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dispatch renders req and enqueues it without blocking. It is rejected when
// the template is unknown, the buffer is full, or the dispatcher is closed.
func (d *Dispatcher) Dispatch(req Request) Result {
	data := make(map[string]string, len(req.Data)+3)
	for k, v := range req.Data {
		data[k] = v
	}
	data["patient_id"] = req.PatientID
	data["priority"] = req.Priority
	data["action_id"] = req.ActionID

	subject, body, err := d.templates.Render(req.Template, data)
	if err != nil {
		d.reject(req, "render failed", err)
		return Rejected
	}
	n := &Notification{
		ID:            uuid.New().String(),
		Template:      req.Template,
		TargetRole:    req.TargetRole,
		PatientID:     req.PatientID,
		ActionID:      req.ActionID,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		Subject:       subject,
		Body:          body,
		CreatedAt:     time.Now().UTC(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.reject(req, "dispatcher closed", nil)
		return Rejected
	}
	select {
	case d.queue <- n:
		metrics.RecordNotification(req.Template, string(Accepted))
		return Accepted
	default:
		d.reject(req, "buffer full", nil)
		return Rejected
	}
}

func (d *Dispatcher) reject(req Request, reason string, err error) {
	metrics.RecordNotification(req.Template, string(Rejected))
	d.logger.Warn().Err(err).
		Str("template", req.Template).
		Str("patient_id", req.PatientID).
		Str("correlation_id", req.CorrelationID).
		Str("reason", reason).
		Msg("notification rejected")
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := d.router.For(n.TargetRole).Deliver(ctx, n); err != nil {
		metrics.RecordNotification(n.Template, "failed")
		d.logger.Error().Err(err).
			Str("notification_id", n.ID).
			Str("template", n.Template).
			Str("target_role", n.TargetRole).
			Str("patient_id", n.PatientID).
			Str("correlation_id", n.CorrelationID).
			Msg("notification delivery failed")
		return
	}
	metrics.RecordNotification(n.Template, "delivered")
}
