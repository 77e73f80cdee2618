package actionqueue

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinwatch/internal/domain/risk"
	"github.com/ehr/clinwatch/internal/platform/apperror"
	"github.com/ehr/clinwatch/internal/platform/auth"
	"github.com/ehr/clinwatch/pkg/pagination"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the read side of the queue. Reviewer outcomes are
// mounted by the diagnosis handler.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/actions", h.ListPending)
	readGroup.GET("/actions/:id", h.GetAction)
}

func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f Filter
	if p := c.QueryParam("priority"); p != "" {
		f.Priority = risk.Priority(strings.ToUpper(p))
	}
	if t := c.QueryParam("type"); t != "" {
		f.Type = ActionType(t)
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}

	items, total, err := h.mgr.ListPending(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	if items == nil {
		items = []*Item{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, item)
}
