package workflow

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	bench := api.Group("", auth.RequireRole(auth.RoleTechnician, auth.RolePathologist, auth.RoleLabManager))
	bench.GET("/assignments/:id", h.GetAssignment)
	bench.GET("/worklist", h.Worklist)
	bench.GET("/worklist.xlsx", h.ExportWorklist)
	bench.POST("/assignments/:id/start", h.StartManual)

	review := api.Group("", auth.RequireRole(auth.RolePathologist, auth.RoleLabManager))
	review.POST("/assignments/:id/verify", h.Verify)
	review.POST("/assignments/:id/reject", h.Reject)
	review.POST("/assignments/:id/release", h.ReleaseAssignment)
	review.POST("/requests/:id/release", h.ReleaseRequest)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) GetAssignment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetAssignment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) StartManual(c echo.Context) error {
	return h.transition(c, h.svc.StartManual)
}

func (h *Handler) Verify(c echo.Context) error {
	return h.transition(c, h.svc.Verify)
}

func (h *Handler) ReleaseAssignment(c echo.Context) error {
	return h.transition(c, h.svc.ReleaseAssignment)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body rejectBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid reject body: %v", err)
	}
	a, err := h.svc.Reject(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ReleaseRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	released, err := h.svc.ReleaseRequest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, released)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*lims.Assignment, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := fn(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func filterFromQuery(c echo.Context) WorklistFilter {
	f := WorklistFilter{Department: c.QueryParam("department")}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, lims.AssignmentStatus(strings.TrimSpace(s)))
		}
	}
	return f
}

func (h *Handler) Worklist(c echo.Context) error {
	rows, err := h.svc.Worklist(c.Request().Context(), filterFromQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) ExportWorklist(c echo.Context) error {
	f := filterFromQuery(c)
	rows, err := h.svc.Worklist(c.Request().Context(), f)
	if err != nil {
		return err
	}
	name := "worklist.xlsx"
	if f.Department != "" {
		name = "worklist-" + f.Department + ".xlsx"
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Response().WriteHeader(http.StatusOK)
	return WriteWorklistXLSX(c.Response(), f.Department, rows)
}
