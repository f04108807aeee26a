package calculation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/pricing/internal/domain/coverage"
	"github.com/ehr/pricing/internal/domain/rules"
	"github.com/ehr/pricing/internal/domain/tariff"
	"github.com/ehr/pricing/internal/platform/apperr"
)

// ServiceCatalog loads a service with its components.
type ServiceCatalog interface {
	GetService(ctx context.Context, id uuid.UUID) (*tariff.MedicalService, error)
}

// Pricer is satisfied by *tariff.PriceCalculator.
type Pricer interface {
	BasePrice(ctx context.Context, svc *tariff.MedicalService, at time.Time, purpose tariff.Purpose) (*tariff.BasePrice, error)
}

// InsuranceDirectory returns the patient's relationships in force at asOf,
// each with its plan loaded.
type InsuranceDirectory interface {
	GetActivePatientInsurances(ctx context.Context, patientID uuid.UUID, asOf time.Time) ([]*coverage.PatientInsurance, error)
}

// CoverageResolver is satisfied by *coverage.Service.
type CoverageResolver interface {
	Resolve(ctx context.Context, in coverage.Input) (*coverage.Resolution, error)
}

// RuleEvaluator is satisfied by *rules.Engine.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ec *rules.Context) (*rules.Evaluation, error)
}

// PatientDirectory returns the demographics rules condition on.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// Request asks for one calculation per service.
type Request struct {
	PatientID     uuid.UUID       `json:"patient_id"`
	ServiceIDs    []uuid.UUID     `json:"service_ids"`
	AsOf          time.Time       `json:"as_of"`
	Purpose       tariff.Purpose  `json:"-"`
	Type          CalculationType `json:"calculation_type"`
	ReceptionID   *uuid.UUID      `json:"reception_id,omitempty"`
	AppointmentID *uuid.UUID      `json:"appointment_id,omitempty"`
	CreatedBy     string          `json:"-"`
}

// Result is the outcome for one service: a calculation, or the composition
// error that stopped it.
type Result struct {
	ServiceID   uuid.UUID             `json:"service_id"`
	Outcome     Outcome               `json:"outcome"`
	Calculation *InsuranceCalculation `json:"calculation,omitempty"`
	Skipped     []rules.SkippedRule   `json:"skipped_rules,omitempty"`
	Err         error                 `json:"-"`
	Error       *apperr.AppError      `json:"error,omitempty"`
}

// CalculationSet holds one Result per requested service, in request order.
type CalculationSet struct {
	PatientID uuid.UUID `json:"patient_id"`
	AsOf      time.Time `json:"as_of"`
	Results   []Result  `json:"results"`
}

// Failed reports whether any service failed.
func (s *CalculationSet) Failed() bool {
	for _, r := range s.Results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Calculations returns the successful records in request order.
func (s *CalculationSet) Calculations() []*InsuranceCalculation {
	out := make([]*InsuranceCalculation, 0, len(s.Results))
	for _, r := range s.Results {
		if r.Calculation != nil {
			out = append(out, r.Calculation)
		}
	}
	return out
}

// Orchestrator sequences pricing, coverage, rules and composition.
type Orchestrator struct {
	catalog    ServiceCatalog
	pricer     Pricer
	insurances InsuranceDirectory
	coverage   CoverageResolver
	rules      RuleEvaluator
	patients   PatientDirectory
	logger     zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(catalog ServiceCatalog, pricer Pricer, insurances InsuranceDirectory,
	cov CoverageResolver, ev RuleEvaluator, patients PatientDirectory, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		pricer:     pricer,
		insurances: insurances,
		coverage:   cov,
		rules:      ev,
		patients:   patients,
		logger:     logger.With().Str("component", "calculation").Logger(),
		now:        time.Now,
	}
}

// policy is the pair of insurance relationships a batch is priced under.
type policy struct {
	primary       *coverage.PatientInsurance
	supplementary *coverage.PatientInsurance
}

// Calculate prices every service in req. Data integrity errors, rule
// violations and missing records abort the whole batch; composition errors
// are recorded against their service and the batch continues.
func (o *Orchestrator) Calculate(ctx context.Context, req Request) (*CalculationSet, error) {
	patient, err := o.patients.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	insurances, err := o.insurances.GetActivePatientInsurances(ctx, req.PatientID, req.AsOf)
	if err != nil {
		return nil, fmt.Errorf("load patient insurances: %w", err)
	}
	pol := pickPolicy(insurances)

	set := &CalculationSet{PatientID: req.PatientID, AsOf: req.AsOf, Results: make([]Result, 0, len(req.ServiceIDs))}
	for _, serviceID := range req.ServiceIDs {
		res, err := o.calculateService(ctx, req, patient, pol, serviceID)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindComposition {
				return nil, err
			}
			o.logger.Info().Str("patient_id", req.PatientID.String()).Str("service_id", serviceID.String()).
				Str("code", apperr.CodeOf(err)).Msg("service calculation failed")
			var ae *apperr.AppError
			errors.As(err, &ae)
			set.Results = append(set.Results, Result{ServiceID: serviceID, Outcome: OutcomeFailed, Err: err, Error: ae})
			continue
		}
		set.Results = append(set.Results, *res)
	}
	return set, nil
}

// CalculateOne prices a single service. A composition error is returned
// rather than recorded.
func (o *Orchestrator) CalculateOne(ctx context.Context, req Request, serviceID uuid.UUID) (*Result, error) {
	req.ServiceIDs = []uuid.UUID{serviceID}
	set, err := o.Calculate(ctx, req)
	if err != nil {
		return nil, err
	}
	r := set.Results[0]
	if r.Err != nil {
		return nil, r.Err
	}
	return &r, nil
}

func (o *Orchestrator) calculateService(ctx context.Context, req Request, patient *Patient, pol policy, serviceID uuid.UUID) (*Result, error) {
	svc, err := o.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load service %s: %w", serviceID, err)
	}
	base, err := o.pricer.BasePrice(ctx, svc, req.AsOf, req.Purpose)
	if err != nil {
		return nil, fmt.Errorf("price service %s: %w", svc.Code, err)
	}

	var primary, supplementary *coverage.Resolution
	if pol.primary != nil {
		primary, err = o.coverage.Resolve(ctx, coverage.Input{
			ServiceID: svc.ID, CategoryID: svc.CategoryID, Plan: pol.primary.Plan,
			InsuranceType: coverage.TypePrimary, At: req.AsOf,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve primary coverage: %w", err)
		}
	}
	if pol.supplementary != nil {
		supplementary, err = o.coverage.Resolve(ctx, coverage.Input{
			ServiceID: svc.ID, CategoryID: svc.CategoryID, Plan: pol.supplementary.Plan,
			InsuranceType: coverage.TypeSupplementary, At: req.AsOf,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve supplementary coverage: %w", err)
		}
	}

	ec := &rules.Context{
		Filter:           rules.Filter{CategoryID: svc.CategoryID, ServiceID: svc.ID, Hashtagged: svc.Hashtagged},
		At:               req.AsOf,
		PatientAge:       patient.AgeAt(req.AsOf),
		PatientGender:    patient.Gender,
		BaseAmount:       base.Amount,
		HasSupplementary: supplementary != nil && supplementary.Covered,
	}
	if primary != nil {
		planID := primary.PlanID
		ec.PlanID = &planID
		ec.Covered = primary.Covered
		ec.CoveragePercent = primary.Percent()
	}
	ev, err := o.rules.Evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}

	comp, err := Compose(ComposeInput{
		BaseAmount:    base.Amount,
		Primary:       primary,
		Supplementary: supplementary,
		Effects:       ev.Effects,
	})
	if err != nil {
		return nil, fmt.Errorf("compose service %s: %w", svc.Code, err)
	}

	calc := o.record(req, svc.ID, pol, primary, supplementary, comp, ev)
	return &Result{ServiceID: svc.ID, Outcome: calc.Outcome(), Calculation: calc, Skipped: ev.Skipped}, nil
}

func (o *Orchestrator) record(req Request, serviceID uuid.UUID, pol policy, primary, supplementary *coverage.Resolution,
	comp *Composition, ev *rules.Evaluation) *InsuranceCalculation {
	calc := &InsuranceCalculation{
		ID:                 uuid.New(),
		PatientID:          req.PatientID,
		ServiceID:          serviceID,
		CalculationType:    req.Type,
		ServiceAmount:      comp.ServiceAmount,
		AdjustedAmount:     comp.AdjustedAmount,
		CoveragePercent:    comp.CoveragePercent,
		InsurerShare:       comp.InsurerShare,
		SupplementaryShare: comp.SupplementaryShare,
		PatientShare:       comp.PatientShare,
		Copay:              comp.Copay,
		Deductible:         comp.Deductible,
		CoverageOverride:   comp.CoverageOverride,
		Discount:           comp.Discount,
		Penalty:            comp.Penalty,
		Covered:            comp.Covered,
		IsValid:            true,
		ReceptionID:        req.ReceptionID,
		AppointmentID:      req.AppointmentID,
		AppliedRules:       ev.Applied,
		AsOf:               req.AsOf,
		CalculatedAt:       o.now(),
		CreatedBy:          req.CreatedBy,
	}
	if calc.AppliedRules == nil {
		calc.AppliedRules = []rules.AppliedRule{}
	}
	if primary != nil {
		planID, piID := primary.PlanID, pol.primary.ID
		calc.PlanID = &planID
		calc.PatientInsuranceID = &piID
	}
	if supplementary != nil && supplementary.Covered && comp.Covered {
		planID, piID := supplementary.PlanID, pol.supplementary.ID
		calc.SupplementaryPlanID = &planID
		calc.SupplementaryInsuranceID = &piID
	}
	return calc
}

// pickPolicy selects one primary and one supplementary relationship. When a
// patient holds several of a type, the most recently started wins.
func pickPolicy(insurances []*coverage.PatientInsurance) policy {
	sorted := make([]*coverage.PatientInsurance, 0, len(insurances))
	for _, pi := range insurances {
		if pi.Plan != nil {
			sorted = append(sorted, pi)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.After(b.ValidFrom)
		}
		return a.ID.String() < b.ID.String()
	})

	var pol policy
	for _, pi := range sorted {
		switch pi.InsuranceType {
		case coverage.TypePrimary:
			if pol.primary == nil {
				pol.primary = pi
			}
		case coverage.TypeSupplementary:
			if pol.supplementary == nil {
				pol.supplementary = pi
			}
		}
	}
	return pol
}
