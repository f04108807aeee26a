package calculation

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/pricing/internal/platform/apperr"
	"github.com/ehr/pricing/internal/platform/export"
)

// ArchiveRow is the Parquet layout of an archived calculation. Amounts are
// whole units; percents keep two decimals as strings.
type ArchiveRow struct {
	ID                  string `parquet:"id"`
	PatientID           string `parquet:"patient_id"`
	ServiceID           string `parquet:"service_id"`
	PlanID              string `parquet:"plan_id,optional"`
	SupplementaryPlanID string `parquet:"supplementary_plan_id,optional"`
	CalculationType     string `parquet:"calculation_type"`
	Outcome             string `parquet:"outcome"`
	ServiceAmount       int64  `parquet:"service_amount"`
	AdjustedAmount      int64  `parquet:"adjusted_amount"`
	CoveragePercent     string `parquet:"coverage_percent"`
	InsurerShare        int64  `parquet:"insurer_share"`
	SupplementaryShare  int64  `parquet:"supplementary_share"`
	PatientShare        int64  `parquet:"patient_share"`
	Deductible          int64  `parquet:"deductible"`
	Discount            int64  `parquet:"discount"`
	Penalty             int64  `parquet:"penalty"`
	ReceptionID         string `parquet:"reception_id,optional"`
	AppointmentID       string `parquet:"appointment_id,optional"`
	RuleCount           int32  `parquet:"rule_count"`
	AsOf                int64  `parquet:"as_of_ms"`
	CalculatedAt        int64  `parquet:"calculated_at_ms"`
}

func archiveRow(c *InsuranceCalculation) ArchiveRow {
	row := ArchiveRow{
		ID:                  c.ID.String(),
		PatientID:           c.PatientID.String(),
		ServiceID:           c.ServiceID.String(),
		PlanID:              idString(c.PlanID),
		SupplementaryPlanID: idString(c.SupplementaryPlanID),
		CalculationType:     string(c.CalculationType),
		Outcome:             string(c.Outcome()),
		ServiceAmount:       c.ServiceAmount.IntPart(),
		AdjustedAmount:      c.AdjustedAmount.IntPart(),
		CoveragePercent:     c.CoveragePercent.StringFixed(2),
		InsurerShare:        c.InsurerShare.IntPart(),
		SupplementaryShare:  c.SupplementaryShare.IntPart(),
		PatientShare:        c.PatientShare.IntPart(),
		Discount:            c.Discount.IntPart(),
		Penalty:             c.Penalty.IntPart(),
		ReceptionID:         idString(c.ReceptionID),
		AppointmentID:       idString(c.AppointmentID),
		RuleCount:           int32(len(c.AppliedRules)),
		AsOf:                c.AsOf.UnixMilli(),
		CalculatedAt:        c.CalculatedAt.UnixMilli(),
	}
	if c.Deductible != nil {
		row.Deductible = c.Deductible.IntPart()
	}
	return row
}

func idString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// ExportSummary reports what an archive contains.
type ExportSummary struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Rows         int             `json:"rows"`
	InsurerTotal decimal.Decimal `json:"insurer_total"`
	PatientTotal decimal.Decimal `json:"patient_total"`
}

// Export writes the live calculations with as_of in [from, to) to w as Parquet.
func (s *Service) Export(ctx context.Context, from, to time.Time, w io.Writer) (*ExportSummary, error) {
	if !to.After(from) {
		return nil, apperr.Validation("export range end must be after its start")
	}
	calcs, err := s.repo.ListBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list calculations: %w", err)
	}

	pw := export.NewWriter[ArchiveRow](w)
	sum := &ExportSummary{From: from, To: to, InsurerTotal: decimal.Zero, PatientTotal: decimal.Zero}
	for _, c := range calcs {
		if err := pw.Write(archiveRow(c)); err != nil {
			return nil, err
		}
		sum.InsurerTotal = sum.InsurerTotal.Add(c.InsurerShare).Add(c.SupplementaryShare)
		sum.PatientTotal = sum.PatientTotal.Add(c.PatientShare)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	sum.Rows = pw.Count()
	s.logger.Info().Time("from", from).Time("to", to).Int("rows", sum.Rows).Msg("calculations exported")
	return sum, nil
}
