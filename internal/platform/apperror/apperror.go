// Package apperror defines the error taxonomy shared by the engine, the
// repositories, and the reviewer HTTP API.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

// Error kinds. Match with errors.Is.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrValidation      = errors.New("validation error")
	ErrConflict        = errors.New("conflict")
	ErrTransientStore  = errors.New("transient store error")
	ErrInvariant       = errors.New("invariant violation")
	ErrUpstreamScoring = errors.New("upstream scoring error")
)

// AppError carries an error kind, an optional cause, and the details the HTTP
// layer exposes to a reviewer.
type AppError struct {
	Kind       error             `json:"-"`
	Cause      error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// NotFound creates a not found error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{
		Kind:       ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict reports an attempt to resolve an item that already reached a
// different terminal outcome.
func Conflict(message string, details map[string]string) *AppError {
	return &AppError{
		Kind:       ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
		Details:    details,
	}
}

// TransientStore wraps a store failure that is worth retrying.
func TransientStore(op string, cause error) *AppError {
	return &AppError{
		Kind:       ErrTransientStore,
		Cause:      cause,
		Message:    op,
		Code:       "STORE_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvariantViolation reports corrupted state. Callers log it as a
// data-integrity alarm and never repair it automatically.
func InvariantViolation(message string, details map[string]string) *AppError {
	return &AppError{
		Kind:       ErrInvariant,
		Message:    message,
		Code:       "INVARIANT_VIOLATION",
		HTTPStatus: http.StatusInternalServerError,
		Details:    details,
	}
}

// UpstreamScoring wraps a failure of the risk recomputation service.
func UpstreamScoring(cause error) *AppError {
	return &AppError{
		Kind:       ErrUpstreamScoring,
		Cause:      cause,
		Message:    "risk scoring unavailable",
		Code:       "UPSTREAM_SCORING",
		HTTPStatus: http.StatusBadGateway,
	}
}

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool       { return errors.Is(err, ErrTransientStore) }
func IsInvariant(err error) bool       { return errors.Is(err, ErrInvariant) }
func IsUpstreamScoring(err error) bool { return errors.Is(err, ErrUpstreamScoring) }

// Retryable reports whether processing that failed with err should be
// attempted again.
func Retryable(err error) bool {
	return IsTransient(err) || IsUpstreamScoring(err)
}

// ClassifyStore wraps connection-class and concurrency-class PostgreSQL
// failures as TransientStore. Anything else is returned wrapped with op.
func ClassifyStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	if isTransientPG(err) {
		return TransientStore(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientPG(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// HTTPError converts err into an echo HTTP error carrying the code and
// message a reviewer-facing client can display.
func HTTPError(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return echo.NewHTTPError(appErr.HTTPStatus, map[string]interface{}{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		})
	}
	// Unclassified errors can carry driver or upstream text; the cause stays
	// on the error for the request logger and never reaches the client.
	return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
		"code":    "INTERNAL_ERROR",
		"message": "internal server error",
	}).SetInternal(err)
}
