package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// reportPrefix namespaces exported breakdowns in the report store.
const reportPrefix = "breakdowns/"

// ExportBreakdown renders a daily breakdown to JSON, uploads it to the
// configured report store and returns a time-limited download URL.
func (s *EnergyService) ExportBreakdown(ctx context.Context, reports ReportStore, deviceID, startDate, endDate string) (string, error) {
	bd, err := s.DailyBreakdown(ctx, deviceID, startDate, endDate, 0)
	if err != nil {
		return "", err
	}

	report := struct {
		GeneratedAt time.Time `json:"generated_at"`
		DeviceID    string    `json:"device_id,omitempty"`
		StartDate   string    `json:"start_date"`
		EndDate     string    `json:"end_date"`
		*Breakdown
	}{
		GeneratedAt: s.now().UTC(),
		DeviceID:    deviceID,
		StartDate:   startDate,
		EndDate:     endDate,
		Breakdown:   bd,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s_%s", reportPrefix, startDate, endDate)
	if deviceID != "" {
		key += "_" + deviceID
	}
	key += ".json"

	return reports.UploadReport(ctx, key, data, "application/json")
}

// ListExports returns the keys of previously exported breakdown reports.
func (s *EnergyService) ListExports(ctx context.Context, reports ReportStore) ([]string, error) {
	return reports.ListReports(ctx, reportPrefix)
}
