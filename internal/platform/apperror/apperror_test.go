package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

func TestKinds_MatchWithErrorsIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"not found", NotFound("action", "x"), ErrNotFound},
		{"validation", Validation("bad"), ErrValidation},
		{"conflict", Conflict("already declined", nil), ErrConflict},
		{"transient", TransientStore("load snapshot", errors.New("eof")), ErrTransientStore},
		{"invariant", InvariantViolation("two open events", nil), ErrInvariant},
		{"scoring", UpstreamScoring(errors.New("503")), ErrUpstreamScoring},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.kind) {
				t.Errorf("expected %v to match kind %v", wrapped, tt.kind)
			}
		})
	}
}

func TestTransientStore_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransientStore("append history", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if err.Error() != "append history: connection reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(TransientStore("x", errors.New("y"))) {
		t.Error("transient store errors should be retryable")
	}
	if !Retryable(UpstreamScoring(errors.New("y"))) {
		t.Error("scoring errors should be retryable")
	}
	if Retryable(Conflict("x", nil)) {
		t.Error("conflicts must not be retried")
	}
	if Retryable(errors.New("plain")) {
		t.Error("unclassified errors must not be retried")
	}
}

func TestClassifyStore(t *testing.T) {
	if ClassifyStore("op", nil) != nil {
		t.Error("nil in, nil out")
	}

	serialization := &pgconn.PgError{Code: "40001"}
	if !IsTransient(ClassifyStore("update snapshot", serialization)) {
		t.Error("serialization failure should be transient")
	}

	connLost := &pgconn.PgError{Code: "08006"}
	if !IsTransient(ClassifyStore("update snapshot", connLost)) {
		t.Error("connection failure should be transient")
	}

	unique := &pgconn.PgError{Code: "23505"}
	err := ClassifyStore("insert", unique)
	if IsTransient(err) {
		t.Error("unique violation should not be transient")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("expected original pg error to remain reachable")
	}

	conflict := Conflict("x", nil)
	if ClassifyStore("op", conflict) != error(conflict) {
		t.Error("app errors should pass through unchanged")
	}

	if IsTransient(ClassifyStore("op", context.Canceled)) {
		t.Error("context cancellation is not a store failure")
	}
}

func TestHTTPError(t *testing.T) {
	err := HTTPError(Conflict("action already resolved as declined", map[string]string{"status": "declined"}))
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", he.Code)
	}
	body, ok := he.Message.(map[string]interface{})
	if !ok || body["code"] != "CONFLICT" {
		t.Errorf("unexpected body %#v", he.Message)
	}

	plain := HTTPError(errors.New(`pq: relation "risk_history" does not exist`))
	if !errors.As(plain, &he) || he.Code != http.StatusInternalServerError {
		t.Fatal("expected 500 for unclassified errors")
	}
	body, ok = he.Message.(map[string]interface{})
	if !ok || body["code"] != "INTERNAL_ERROR" || body["message"] != "internal server error" {
		t.Errorf("unexpected body %#v", he.Message)
	}
	if he.Internal == nil || !strings.Contains(he.Internal.Error(), "risk_history") {
		t.Errorf("cause should stay on the internal error, got %v", he.Internal)
	}
}
