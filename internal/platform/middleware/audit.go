package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/auth"
)

// AuditEntry records who touched which patient or action item through the
// reviewer API.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	PatientID  string
	ActionID   string
	Operation  string
	Path       string
	Method     string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after it has been handled. Reviewer
// decisions (POST/PUT) are logged at info, reads at debug.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.Operation = classify(req.Method, req.URL.Path)
			switch entry.Resource {
			case "patients":
				entry.PatientID = c.Param("id")
			case "actions":
				entry.ActionID = c.Param("id")
			}
			if httpErr, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = httpErr.Code
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			evt := logger.Debug()
			if entry.Method != http.MethodGet && entry.Method != http.MethodHead {
				evt = logger.Info()
			}
			evt.
				Str("type", "reviewer_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("operation", entry.Operation).
				Str("patient_id", entry.PatientID).
				Str("action_id", entry.ActionID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("reviewer_access")

			return err
		}
	}
}

// classify returns the top-level resource and the operation for an
// /api/v1 path: /api/v1/actions/<id>/confirm-diagnosis is ("actions",
// "confirm-diagnosis"); a GET without a sub-resource is "read".
func classify(method, path string) (string, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource := segments[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segments) >= 3 {
		if method == http.MethodGet {
			return resource, "read:" + segments[2]
		}
		return resource, segments[2]
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return resource, "read"
	case http.MethodPut, http.MethodPatch:
		return resource, "update"
	default:
		return resource, strings.ToLower(method)
	}
}
