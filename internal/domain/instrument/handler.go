package instrument

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/store"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	bench := api.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleLabManager))
	bench.GET("/equipment", h.ListEquipment)
	bench.GET("/equipment/:id", h.GetEquipment)
	bench.GET("/equipment/:id/status", h.CheckStatus)
	bench.POST("/assignments/:id/equipment", h.Assign)
	bench.POST("/assignments/:id/dispatch", h.Dispatch)
	bench.POST("/assignments/:id/fetch", h.FetchResult)
	bench.GET("/assignments/:id/instrument-logs", h.Logs)

	admin := api.Group("", auth.RequireRole(auth.RoleLabManager))
	admin.POST("/equipment", h.CreateEquipment)
	admin.PUT("/equipment/:id", h.UpdateEquipment)
	admin.PATCH("/equipment/:id/status", h.SetStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

type equipmentBody struct {
	Name              string               `json:"name"`
	Department        string               `json:"department"`
	Endpoint          string               `json:"endpoint"`
	APIKey            string               `json:"api_key"`
	SupportsAutoFetch bool                 `json:"supports_auto_fetch"`
	Status            lims.EquipmentStatus `json:"status"`
}

func (b equipmentBody) equipment(id uuid.UUID) *lims.Equipment {
	return &lims.Equipment{
		ID:                id,
		Name:              b.Name,
		Department:        b.Department,
		Endpoint:          b.Endpoint,
		APIKey:            b.APIKey,
		SupportsAutoFetch: b.SupportsAutoFetch,
		Status:            b.Status,
	}
}

func (h *Handler) CreateEquipment(c echo.Context) error {
	var body equipmentBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid equipment body: %v", err)
	}
	e, err := h.svc.SaveEquipment(c.Request().Context(), body.equipment(uuid.Nil))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) UpdateEquipment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body equipmentBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid equipment body: %v", err)
	}
	e, err := h.svc.SaveEquipment(c.Request().Context(), body.equipment(id))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status lims.EquipmentStatus `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid status body: %v", err)
	}
	e, err := h.svc.SetEquipmentStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEquipment(c echo.Context) error {
	f := store.EquipmentFilter{
		Department: c.QueryParam("department"),
		Status:     lims.EquipmentStatus(c.QueryParam("status")),
		AutoFetch:  c.QueryParam("auto_fetch") == "true",
	}
	items, err := h.svc.ListEquipment(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) GetEquipment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetEquipment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CheckStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.CheckStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// Assign routes an assignment to the equipment named in the body, or
// picks one when the body names none.
func (h *Handler) Assign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		EquipmentID *uuid.UUID `json:"equipment_id"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid body: %v", err)
	}
	var a *lims.Assignment
	if body.EquipmentID == nil {
		a, err = h.svc.AutoAssign(c.Request().Context(), id)
	} else {
		a, err = h.svc.Assign(c.Request().Context(), id, *body.EquipmentID)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Dispatch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Dispatch(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) FetchResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.FetchResult(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if out == nil {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "pending"})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Logs(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Logs(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
