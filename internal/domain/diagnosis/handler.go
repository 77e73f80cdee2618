package diagnosis

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/auth"
)

type Handler struct {
	svc *ReviewService
}

func NewHandler(svc *ReviewService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/patients/:id/diagnosis-events", h.ListEvents)
	readGroup.GET("/patients/:id/treatment-protocols", h.ListProtocols)
	readGroup.GET("/patients/:id/onset-state", h.GetState)
	readGroup.POST("/actions/:id/complete", h.Complete)

	reviewGroup := api.Group("", auth.RequireRole("admin", "physician"))
	reviewGroup.POST("/actions/:id/confirm-diagnosis", h.ConfirmDiagnosis)
	reviewGroup.POST("/actions/:id/approve-treatment", h.ApproveTreatment)
	reviewGroup.POST("/actions/:id/decline", h.Decline)
	reviewGroup.POST("/patients/:id/propose-treatment", h.ProposeTreatment)
}

type confirmRequest struct {
	Confirmed *bool  `json:"confirmed"`
	Note      string `json:"note"`
}

type approveRequest struct {
	Approved *bool  `json:"approved"`
	Note     string `json:"note"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

type completeRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ConfirmDiagnosis(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Confirmed == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "confirmed is required")
	}
	out, err := h.svc.ConfirmDiagnosis(c.Request().Context(), id, *req.Confirmed, reviewer(c), req.Note)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ApproveTreatment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}
	out, err := h.svc.ApproveTreatment(c.Request().Context(), id, *req.Approved, reviewer(c), req.Note)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Decline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req declineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.DeclineAction(c.Request().Context(), id, req.Reason, reviewer(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req completeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	out, err := h.svc.CompleteAction(c.Request().Context(), id, reviewer(c), req.Note)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ProposeTreatment(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	out, err := h.svc.ProposeTreatment(c.Request().Context(), pid, reviewer(c))
	if err != nil {
		return apperror.HTTPError(err)
	}
	status := http.StatusCreated
	if out.NoOp {
		status = http.StatusOK
	}
	return c.JSON(status, out)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	events, err := h.svc.ListEvents(c.Request().Context(), pid)
	if err != nil {
		return apperror.HTTPError(err)
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) ListProtocols(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	protocols, err := h.svc.ListProtocols(c.Request().Context(), pid)
	if err != nil {
		return apperror.HTTPError(err)
	}
	if protocols == nil {
		protocols = []*Protocol{}
	}
	return c.JSON(http.StatusOK, protocols)
}

func (h *Handler) GetState(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	rec, err := h.svc.GetState(c.Request().Context(), pid)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func reviewer(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return "unknown"
}
