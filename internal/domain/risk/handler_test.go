package risk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type recordingSubmitter struct {
	submitted []uuid.UUID
	err       error
}

func (s *recordingSubmitter) Submit(_ context.Context, patientID uuid.UUID, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, patientID)
	return nil
}

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	repo := newMockRepo()
	h := NewHandler(NewService(repo))
	return h, repo, echo.New()
}

func seedPatient(t *testing.T, repo *mockRepo, p Priority) uuid.UUID {
	t.Helper()
	pid := uuid.New()
	if _, err := NewDetector(repo, zerolog.Nop()).Detect(context.Background(), assess(pid, p, 40)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return pid
}

func TestHandler_GetSnapshot(t *testing.T) {
	h, repo, e := newTestHandler()
	pid := seedPatient(t, repo, PriorityHigh)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	if err := h.GetSnapshot(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var snap PatientRiskSnapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.CurrentPriority != PriorityHigh || snap.MonitoringStatus != MonitoringActive {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestHandler_GetSnapshot_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetSnapshot(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetSnapshot_BadID(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := h.GetSnapshot(c); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestHandler_ListHistory(t *testing.T) {
	h, repo, e := newTestHandler()
	pid := seedPatient(t, repo, PriorityLow)
	NewDetector(repo, zerolog.Nop()).Detect(context.Background(), assess(pid, PriorityModerate, 30))

	req := httptest.NewRequest(http.MethodGet, "/?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	if err := h.ListHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []HistoryEntry `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
	if body.Data[0].Priority != PriorityModerate {
		t.Errorf("expected newest first, got %s", body.Data[0].Priority)
	}
}

func TestHandler_SetMonitoringStatus(t *testing.T) {
	h, repo, e := newTestHandler()
	pid := seedPatient(t, repo, PriorityCritical)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"status":"inactive"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	if err := h.SetMonitoringStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ := repo.GetSnapshot(context.Background(), pid)
	if snap.MonitoringStatus != MonitoringInactive {
		t.Errorf("expected inactive after reviewer change, got %s", snap.MonitoringStatus)
	}
}

func TestHandler_SetMonitoringStatus_Invalid(t *testing.T) {
	h, repo, e := newTestHandler()
	pid := seedPatient(t, repo, PriorityLow)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"status":"sleeping"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	err := h.SetMonitoringStatus(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Recompute(t *testing.T) {
	h, _, e := newTestHandler()
	sub := &recordingSubmitter{}
	h.svc.SetSubmitter(sub)
	pid := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	if err := h.Recompute(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != pid {
		t.Errorf("expected one submission for %s, got %v", pid, sub.submitted)
	}
}

func TestService_RecomputeWithoutSubmitter(t *testing.T) {
	svc := NewService(newMockRepo())
	if err := svc.Recompute(context.Background(), uuid.New()); err == nil {
		t.Error("expected error when no submitter is attached")
	}
}
