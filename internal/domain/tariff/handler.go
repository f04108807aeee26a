package tariff

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

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
	readGroup.GET("/services", h.ListServices)
	readGroup.GET("/services/:id", h.GetService)
	readGroup.GET("/services/:id/price", h.GetBasePrice)
	readGroup.GET("/factor-settings", h.ListFactorSettings)
	readGroup.GET("/factor-settings/:id", h.GetFactorSetting)
	readGroup.GET("/financial-years/:year/status", h.GetYearStatus)

	// Write endpoints – admin, finance
	writeGroup := api.Group("", auth.RequireRole("admin", "finance"))
	writeGroup.POST("/services", h.CreateService)
	writeGroup.POST("/services/:id/components", h.AddComponent)
	writeGroup.DELETE("/service-components/:id", h.DeactivateComponent)
	writeGroup.POST("/factor-settings", h.CreateFactorSetting)
	writeGroup.POST("/financial-years/:year/freeze", h.FreezeYear)
}

// -- Services --

type createServiceRequest struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	CategoryID uuid.UUID `json:"category_id"`
	Hashtagged bool      `json:"hashtagged"`
}

func (h *Handler) CreateService(c echo.Context) error {
	var req createServiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	svc := &MedicalService{Code: req.Code, Name: req.Name, CategoryID: req.CategoryID, Hashtagged: req.Hashtagged}
	if err := h.svc.CreateService(c.Request().Context(), svc); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, svc)
}

func (h *Handler) GetService(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	svc, err := h.svc.GetService(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, svc)
}

func (h *Handler) ListServices(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListServices(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type addComponentRequest struct {
	Kind        ComponentKind   `json:"kind"`
	Coefficient decimal.Decimal `json:"coefficient"`
}

func (h *Handler) AddComponent(c echo.Context) error {
	serviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req addComponentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	comp := &ServiceComponent{ServiceID: serviceID, Kind: req.Kind, Coefficient: req.Coefficient}
	if err := h.svc.AddComponent(c.Request().Context(), comp); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, comp)
}

func (h *Handler) DeactivateComponent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateComponent(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetBasePrice prices a service at ?at= (default now). ?purpose=historical
// allows frozen factors for instants before the freeze.
func (h *Handler) GetBasePrice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	at := time.Now().UTC()
	if v := c.QueryParam("at"); v != "" {
		at, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid at: expected RFC3339")
		}
	}
	purpose := PurposeNewCalculation
	if c.QueryParam("purpose") == PurposeHistorical.String() {
		purpose = PurposeHistorical
	}
	price, err := h.svc.BasePrice(c.Request().Context(), id, at, purpose)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, price)
}

// -- Factor settings --

type createFactorRequest struct {
	Kind          ComponentKind   `json:"kind"`
	Hashtagged    bool            `json:"hashtagged"`
	FinancialYear int             `json:"financial_year"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to"`
	Value         decimal.Decimal `json:"value"`
}

func (h *Handler) CreateFactorSetting(c echo.Context) error {
	var req createFactorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := &FactorSetting{
		Kind:          req.Kind,
		Hashtagged:    req.Hashtagged,
		FinancialYear: req.FinancialYear,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		Value:         req.Value,
	}
	if err := h.svc.CreateFactorSetting(c.Request().Context(), f); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetFactorSetting(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.svc.GetFactorSetting(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListFactorSettings(c echo.Context) error {
	year, err := strconv.Atoi(c.QueryParam("financial_year"))
	if err != nil || year <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "financial_year query parameter is required")
	}
	items, err := h.svc.ListFactorSettings(c.Request().Context(), year)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) FreezeYear(c echo.Context) error {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	status, err := h.svc.FreezeYear(c.Request().Context(), year, actor)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) GetYearStatus(c echo.Context) error {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	status, err := h.svc.YearStatus(c.Request().Context(), year)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, status)
}
