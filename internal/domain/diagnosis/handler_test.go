package diagnosis

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

	"github.com/ehr/clinwatch/internal/platform/auth"
)

func postJSON(e *echo.Echo, id, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, "dr-handler"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_ConfirmDiagnosis(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	e := echo.New()
	det := detect(t, f, uuid.New())

	c, rec := postJSON(e, det.Action.ID.String(), `{"confirmed": true, "note": "agree"}`)
	if err := h.ConfirmDiagnosis(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out Outcome
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.State != StateTreatmentPendingApproval || out.FollowUp == nil {
		t.Errorf("unexpected outcome %+v", out)
	}
	ev, _ := f.repo.GetEvent(context.Background(), det.Event.ID)
	if ev.ResolvedBy == nil || *ev.ResolvedBy != "dr-handler" {
		t.Errorf("expected reviewer identity to be recorded, got %v", ev.ResolvedBy)
	}
}

func TestHandler_ConfirmDiagnosis_MissingFlag(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	c, _ := postJSON(echo.New(), uuid.New().String(), `{"note": "x"}`)

	err := h.ConfirmDiagnosis(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ConfirmDiagnosis_Conflict(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	e := echo.New()
	det := detect(t, f, uuid.New())

	c, _ := postJSON(e, det.Action.ID.String(), `{"confirmed": false}`)
	if err := h.ConfirmDiagnosis(c); err != nil {
		t.Fatalf("decline: %v", err)
	}
	c, _ = postJSON(e, det.Action.ID.String(), `{"confirmed": true}`)
	err := h.ConfirmDiagnosis(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	msg, _ := he.Message.(map[string]interface{})
	if msg["code"] != "CONFLICT" {
		t.Errorf("expected CONFLICT code, got %v", he.Message)
	}
}

func TestHandler_ApproveTreatment(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	_, conf := confirmed(t, f)

	c, rec := postJSON(echo.New(), conf.FollowUp.ID.String(), `{"approved": true}`)
	if err := h.ApproveTreatment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Outcome
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.State != StateTreatmentActive {
		t.Errorf("expected treatment_active, got %s", out.State)
	}
}

func TestHandler_Decline_RequiresReason(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	det := detect(t, f, uuid.New())

	c, _ := postJSON(echo.New(), det.Action.ID.String(), `{}`)
	err := h.Decline(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Complete_NotFound(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	c, _ := postJSON(echo.New(), uuid.New().String(), "")

	err := h.Complete(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListEvents(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	e := echo.New()
	pid := uuid.New()
	detect(t, f, pid)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(pid.String())

	if err := h.ListEvents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var events []Event
	json.Unmarshal(rec.Body.Bytes(), &events)
	if len(events) != 1 || events[0].Status != EventPendingConfirmation {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestHandler_ListProtocols_Empty(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.ListProtocols(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_ProposeTreatment(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.review)
	e := echo.New()

	pending := detect(t, f, uuid.New())
	c, _ := postJSON(e, pending.Event.PatientID.String(), `{}`)
	err := h.ProposeTreatment(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409 before confirmation, got %v", err)
	}

	det, conf := confirmed(t, f)
	if _, err := f.review.ApproveTreatment(context.Background(), conf.FollowUp.ID, false, "dr-a", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	c, rec := postJSON(e, det.Event.PatientID.String(), `{}`)
	if err := h.ProposeTreatment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var out Outcome
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.State != StateTreatmentPendingApproval || out.FollowUp == nil {
		t.Errorf("unexpected outcome %+v", out)
	}

	c, rec = postJSON(e, det.Event.PatientID.String(), `{}`)
	if err := h.ProposeTreatment(c); err != nil || rec.Code != http.StatusOK {
		t.Errorf("expected 200 on repeat, got %d err=%v", rec.Code, err)
	}
}
