package risk

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/auth"
	"github.com/ehr/clinwatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/patients/:id/risk", h.GetSnapshot)
	readGroup.GET("/patients/:id/risk-history", h.ListHistory)

	writeGroup := api.Group("", auth.RequireRole("admin", "physician"))
	writeGroup.PUT("/patients/:id/monitoring-status", h.SetMonitoringStatus)
	writeGroup.POST("/patients/:id/recompute", h.Recompute)
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	snap, err := h.svc.GetSnapshot(c.Request().Context(), id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

type monitoringRequest struct {
	Status MonitoringStatus `json:"status"`
}

func (h *Handler) SetMonitoringStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req monitoringRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := h.svc.SetMonitoringStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Recompute(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	if err := h.svc.Recompute(c.Request().Context(), id); err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "patient_id": id.String()})
}
