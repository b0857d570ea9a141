package reconcile

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

// RegisterRoutes mounts the bench and review routes. Instrument callbacks
// authenticate differently and are mounted with RegisterCallback.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	bench := api.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleLabManager))
	bench.POST("/assignments/:id/result", h.EnterManual)
	bench.POST("/results", h.EnterByBarcode)
	bench.GET("/held-results", h.ListHeld)
	bench.POST("/held-results/:id/resolve", h.ResolveHeld)
}

func (h *Handler) RegisterCallback(g *echo.Group) {
	g.POST("/instrument/results", h.Callback, auth.RequireRole(auth.RoleInstrument))
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s %q", name, c.Param(name))
	}
	return id, nil
}

// Callback accepts a single payload or a batch. Held payloads are reported
// per item; the batch itself succeeds.
func (h *Handler) Callback(c echo.Context) error {
	var batch struct {
		Results []Payload `json:"results"`
		Payload
	}
	if err := c.Bind(&batch); err != nil {
		return apperr.Validation("invalid result payload: %v", err)
	}
	if len(batch.Results) == 0 {
		out, err := h.gw.Reconcile(c.Request().Context(), batch.Payload)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}

	type item struct {
		*Outcome
		Error *apperr.Body `json:"error,omitempty"`
	}
	items := make([]item, 0, len(batch.Results))
	for _, p := range batch.Results {
		out, err := h.gw.Reconcile(c.Request().Context(), p)
		it := item{Outcome: out}
		if err != nil {
			body := apperr.ToBody(err)
			it.Error = &body
		}
		items = append(items, it)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": items})
}

func (h *Handler) EnterManual(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in ManualEntry
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid result body: %v", err)
	}
	out, err := h.gw.EnterManual(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// EnterByBarcode takes a bench result keyed like an instrument result.
func (h *Handler) EnterByBarcode(c echo.Context) error {
	var p Payload
	if err := c.Bind(&p); err != nil {
		return apperr.Validation("invalid result body: %v", err)
	}
	out, err := h.gw.EnterByBarcode(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListHeld(c echo.Context) error {
	items, err := h.gw.ListHeld(c.Request().Context(), c.QueryParam("all") != "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) ResolveHeld(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		AssignmentID   uuid.UUID `json:"assignment_id"`
		OverrideReason string    `json:"override_reason"`
	}
	if err := c.Bind(&body); err != nil || body.AssignmentID == uuid.Nil {
		return apperr.Validation("assignment_id is required")
	}
	out, err := h.gw.ResolveHeld(c.Request().Context(), id, body.AssignmentID, body.OverrideReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
