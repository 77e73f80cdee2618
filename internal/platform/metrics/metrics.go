// Package metrics registers the engine's Prometheus collectors and exposes
// small helpers so callers never touch label vectors directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Engine metrics
	changeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_change_events_total",
			Help: "Change events processed, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	processDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinwatch_process_duration_seconds",
			Help:    "Time to process one change event including retries",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	priorityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_priority_transitions_total",
			Help: "Recorded risk assessments by direction",
		},
		[]string{"direction", "priority"},
	)

	actionUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_action_upserts_total",
			Help: "Pending action upserts by type and result",
		},
		[]string{"action_type", "result"},
	)

	actionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinwatch_actions_expired_total",
			Help: "Action items moved to expired by the sweeper",
		},
	)

	onsetEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_diagnosis_events_total",
			Help: "Diagnosis onset events created, by trigger",
		},
		[]string{"trigger"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinwatch_notifications_total",
			Help: "Notification dispatch results",
		},
		[]string{"template", "result"},
	)

	listenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinwatch_listener_reconnects_total",
			Help: "Change feed subscription reconnects",
		},
	)

	reconcileResubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinwatch_reconcile_resubmitted_total",
			Help: "Patients resubmitted by reconciliation sweeps",
		},
	)

	integrityAlarms = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinwatch_data_integrity_alarms_total",
			Help: "Invariant violations detected while processing",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware records request counts and durations by route template.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func RecordChangeEvent(source, outcome string, d time.Duration) {
	changeEventsTotal.WithLabelValues(source, outcome).Inc()
	processDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordTransition counts an assessment as escalated, improved or unchanged.
func RecordTransition(escalated, improved bool, priority string) {
	direction := "unchanged"
	switch {
	case escalated:
		direction = "escalated"
	case improved:
		direction = "improved"
	}
	priorityTransitions.WithLabelValues(direction, priority).Inc()
}

func RecordActionUpsert(actionType string, created bool) {
	result := "existing"
	if created {
		result = "created"
	}
	actionUpserts.WithLabelValues(actionType, result).Inc()
}

func RecordActionsExpired(n int) {
	actionsExpired.Add(float64(n))
}

func RecordOnsetEvent(trigger string) {
	onsetEvents.WithLabelValues(trigger).Inc()
}

func RecordNotification(template, result string) {
	notificationsTotal.WithLabelValues(template, result).Inc()
}

func RecordListenerReconnect() {
	listenerReconnects.Inc()
}

func RecordReconcileResubmitted(n int) {
	reconcileResubmitted.Add(float64(n))
}

func RecordIntegrityAlarm() {
	integrityAlarms.Inc()
}
