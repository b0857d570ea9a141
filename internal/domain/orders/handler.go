package orders

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	front := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleTechnician, auth.RoleLabManager))
	front.GET("/patients", h.ListPatients)
	front.GET("/patients/:id", h.GetPatient)
	front.POST("/patients", h.RegisterPatient)
	front.GET("/requests", h.ListRequests)
	front.GET("/requests/:id", h.GetRequest)
	front.POST("/requests", h.CreateRequest)
	front.POST("/requests/:id/accession", h.Accession)
	front.POST("/samples/:id/reject", h.RejectSample)

	manage := api.Group("", auth.RequireRole(auth.RoleLabManager))
	manage.POST("/requests/:id/cancel", h.Cancel)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid patient body: %v", err)
	}
	p, err := h.svc.RegisterPatient(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var in CreateRequestInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	req, err := h.svc.CreateRequest(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, req)
}

// GetRequest accepts either the internal id or the request number.
func (h *Handler) GetRequest(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		d   *RequestDetail
		err error
	)
	if id, perr := uuid.Parse(c.Param("id")); perr == nil {
		d, err = h.svc.GetRequest(ctx, id)
	} else {
		d, err = h.svc.GetRequestByNumber(ctx, c.Param("id"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := store.RequestFilter{Status: lims.RequestStatus(c.QueryParam("status"))}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return apperr.Validation("invalid patient_id")
		}
		f.PatientID = &id
	}
	items, total, err := h.svc.ListRequests(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type accessionBody struct {
	Specimens []SpecimenInput `json:"specimens"`
}

func (h *Handler) Accession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body accessionBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid accession body: %v", err)
	}
	out, err := h.svc.Accession(c.Request().Context(), id, body.Specimens)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body cancelBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid cancel body: %v", err)
	}
	req, err := h.svc.Cancel(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) RejectSample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body cancelBody
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid reject body: %v", err)
	}
	sample, err := h.svc.RejectSample(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sample)
}
