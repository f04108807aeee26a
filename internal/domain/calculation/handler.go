package calculation

import (
	"bytes"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/auth"
	"github.com/ehr/pricing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, finance, billing
	readGroup := api.Group("", auth.RequireRole("admin", "finance", "billing"))
	readGroup.GET("/calculations", h.List)
	readGroup.GET("/calculations/:id", h.Get)
	readGroup.POST("/calculations/preview", h.Preview)

	// Billing endpoints – admin, billing
	billGroup := api.Group("", auth.RequireRole("admin", "billing"))
	billGroup.POST("/calculations", h.Calculate)
	billGroup.POST("/calculations/:id/replace", h.Replace)
	billGroup.POST("/receptions/:id/void", h.VoidReception)

	// Archive – admin, finance
	finGroup := api.Group("", auth.RequireRole("admin", "finance"))
	finGroup.GET("/calculations/export", h.Export)
}

func (h *Handler) Calculate(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	set, err := h.svc.CalculateAndPersist(c.Request().Context(), req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, set)
}

func (h *Handler) Preview(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	historical := c.QueryParam("purpose") == "historical"
	set, err := h.svc.Preview(c.Request().Context(), req, historical)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	calc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, calc)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	if v := c.QueryParam("reception_id"); v != "" {
		receptionID, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid reception_id")
		}
		items, err := h.svc.ListByReception(ctx, receptionID)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, items)
	}

	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id or reception_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Replace(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	calc, err := h.svc.Replace(c.Request().Context(), id, actor)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, calc)
}

func (h *Handler) VoidReception(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.VoidReception(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"voided": n})
}

// Export streams a Parquet archive of calculations with as_of in [from, to).
func (h *Handler) Export(c echo.Context) error {
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from: expected RFC3339")
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to: expected RFC3339")
	}

	var buf bytes.Buffer
	if _, err := h.svc.Export(c.Request().Context(), from, to, &buf); err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="calculations.parquet"`)
	return c.Blob(http.StatusOK, "application/vnd.apache.parquet", buf.Bytes())
}
