package catalog

import (
	"net/http"

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
	api.GET("/catalog", h.ListCatalog)
	api.GET("/offerings", h.ListOfferings)

	write := api.Group("", auth.RequireRole(auth.RoleLabManager))
	write.PUT("/offerings", h.SaveOffering)
}

func (h *Handler) ListCatalog(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Catalog().Entries())
}

func (h *Handler) ListOfferings(c echo.Context) error {
	items, err := h.svc.ListOfferings(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) SaveOffering(c echo.Context) error {
	var o lims.Offering
	if err := c.Bind(&o); err != nil {
		return apperr.Validation("invalid offering body: %v", err)
	}
	if err := h.svc.SaveOffering(c.Request().Context(), &o); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}
