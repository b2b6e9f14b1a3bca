package service

import (
	"context"
	"time"

	"tariffmeter/internal/domain"
)

// defaultMaxDays caps a daily breakdown response.
const defaultMaxDays = 30

// Breakdown is a per-day consumption listing with its range summary.
type Breakdown struct {
	Rows    []domain.DailyRow        `json:"rows"`
	Summary domain.ConsumptionTotals `json:"summary"`
}

// ConsumptionTotals sums stored low/high tariff energy over an inclusive
// date range. An empty deviceID spans all devices.
func (s *EnergyService) ConsumptionTotals(ctx context.Context, deviceID, startDate, endDate string) (*domain.ConsumptionTotals, error) {
	if err := validateRange(startDate, endDate); err != nil {
		return nil, err
	}
	return s.store.ConsumptionTotals(ctx, deviceID, startDate, endDate)
}

// DailyBreakdown lists per-day rows for a date range, at most maxDays rows
// (default 30), plus the summary over the returned rows.
func (s *EnergyService) DailyBreakdown(ctx context.Context, deviceID, startDate, endDate string, maxDays int) (*Breakdown, error) {
	if err := validateRange(startDate, endDate); err != nil {
		return nil, err
	}
	if maxDays <= 0 {
		maxDays = defaultMaxDays
	}

	rows, err := s.store.DailyRows(ctx, deviceID, startDate, endDate, maxDays)
	if err != nil {
		return nil, err
	}

	out := &Breakdown{Rows: rows}
	for _, r := range rows {
		out.Summary.TotalLowKwh += r.LowTariffKwh
		out.Summary.TotalHighKwh += r.HighTariffKwh
	}
	return out, nil
}

func validateRange(startDate, endDate string) error {
	if startDate == "" {
		return &ValidationError{Field: "start_date", Msg: "required"}
	}
	if endDate == "" {
		return &ValidationError{Field: "end_date", Msg: "required"}
	}
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return &ValidationError{Field: "start_date", Msg: "expected " + dateLayout}
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return &ValidationError{Field: "end_date", Msg: "expected " + dateLayout}
	}
	if end.Before(start) {
		return &ValidationError{Field: "end_date", Msg: "before start_date"}
	}
	return nil
}
