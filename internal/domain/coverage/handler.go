package coverage

import (
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
	readGroup.GET("/insurance-providers", h.ListProviders)
	readGroup.GET("/insurance-plans", h.ListPlans)
	readGroup.GET("/insurance-plans/:id", h.GetPlan)
	readGroup.GET("/insurance-plans/:id/services", h.ListPlanServices)
	readGroup.GET("/insurance-plans/:id/tariffs", h.ListTariffs)
	readGroup.GET("/insurance-plans/:id/coverage", h.ResolveCoverage)
	readGroup.GET("/insurance-tariffs/:id", h.GetTariff)
	readGroup.GET("/patients/:id/insurances", h.ListPatientInsurances)

	// Write endpoints – admin, finance
	writeGroup := api.Group("", auth.RequireRole("admin", "finance"))
	writeGroup.POST("/insurance-providers", h.CreateProvider)
	writeGroup.POST("/insurance-plans", h.CreatePlan)
	writeGroup.POST("/insurance-plans/:id/services", h.CreatePlanService)
	writeGroup.DELETE("/plan-services/:id", h.DeletePlanService)
	writeGroup.POST("/insurance-tariffs", h.CreateTariff)
	writeGroup.DELETE("/insurance-tariffs/:id", h.DeleteTariff)

	// Patient insurance registration – admin, billing
	regGroup := api.Group("", auth.RequireRole("admin", "billing"))
	regGroup.POST("/patients/:id/insurances", h.AddPatientInsurance)
	regGroup.DELETE("/patient-insurances/:id", h.DeactivatePatientInsurance)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Providers and plans --

func (h *Handler) CreateProvider(c echo.Context) error {
	var p InsuranceProvider
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProvider(c.Request().Context(), &p); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListProviders(c echo.Context) error {
	items, err := h.svc.ListProviders(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var p InsurancePlan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePlan(c.Request().Context(), &p); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPlans(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Plan-category overrides --

func (h *Handler) CreatePlanService(c echo.Context) error {
	planID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var ps PlanService
	if err := c.Bind(&ps); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ps.PlanID = planID
	if err := h.svc.CreatePlanService(c.Request().Context(), &ps); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, ps)
}

func (h *Handler) ListPlanServices(c echo.Context) error {
	planID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPlanServices(c.Request().Context(), planID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeletePlanService(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeletePlanService(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Tariffs --

func (h *Handler) CreateTariff(c echo.Context) error {
	var t InsuranceTariff
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateTariff(c.Request().Context(), &t); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTariff(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.GetTariff(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTariffs(c echo.Context) error {
	planID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListTariffs(c.Request().Context(), planID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeleteTariff(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTariff(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ResolveCoverage previews the chain for ?service_id=&category_id=[&type=&at=].
func (h *Handler) ResolveCoverage(c echo.Context) error {
	planID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	serviceID, err := uuid.Parse(c.QueryParam("service_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid service_id")
	}
	categoryID, err := uuid.Parse(c.QueryParam("category_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid category_id")
	}
	insType := TypePrimary
	if v := c.QueryParam("type"); v != "" {
		insType = InsuranceType(v)
		if !insType.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type")
		}
	}
	at := time.Now().UTC()
	if v := c.QueryParam("at"); v != "" {
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid at: expected RFC3339")
		}
	}

	ctx := c.Request().Context()
	plan, err := h.svc.GetPlan(ctx, planID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	res, err := h.svc.Resolve(ctx, Input{
		ServiceID:     serviceID,
		CategoryID:    categoryID,
		Plan:          plan,
		InsuranceType: insType,
		At:            at,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Patient insurances --

func (h *Handler) AddPatientInsurance(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var pi PatientInsurance
	if err := c.Bind(&pi); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pi.PatientID = patientID
	if err := h.svc.AddPatientInsurance(c.Request().Context(), &pi); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, pi)
}

func (h *Handler) ListPatientInsurances(c echo.Context) error {
	patientID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPatientInsurances(c.Request().Context(), patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeactivatePatientInsurance(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeactivatePatientInsurance(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
