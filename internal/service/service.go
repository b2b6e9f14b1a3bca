package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tariffmeter/internal/config"
	"tariffmeter/internal/domain"
	"tariffmeter/internal/remote"
	"tariffmeter/internal/repository"
)

// Store is the persistence gateway the engine depends on, implemented by
// repository.Repos. Watermarks and buckets are partitioned by device id;
// the engine is the only writer of bucket timestamps.
type Store interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	MaxWatermark(ctx context.Context, deviceID string) (int64, bool, error)
	GetBucket(ctx context.Context, date, deviceID string) (*domain.DailyBucket, error)
	InsertBucket(ctx context.Context, b *domain.DailyBucket) error
	UpdateBucket(ctx context.Context, id int64, lowKwh, highKwh float64, lastProcessedTs int64) error
	ConsumptionTotals(ctx context.Context, deviceID, startDate, endDate string) (*domain.ConsumptionTotals, error)
	DailyRows(ctx context.Context, deviceID, startDate, endDate string, limit int) ([]domain.DailyRow, error)
}

// LogFetcher is the remote side of the pipeline, implemented by remote.Client.
type LogFetcher interface {
	FetchLogs(ctx context.Context, deviceID string, q remote.LogQuery) (*remote.LogResult, error)
}

// ReportStore holds exported breakdown reports, implemented by cloud.S3Client.
type ReportStore interface {
	UploadReport(ctx context.Context, key string, data []byte, contentType string) (string, error)
	ListReports(ctx context.Context, prefix string) ([]string, error)
}

// ValidationError means the caller supplied a missing or malformed argument.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg) }

type Services struct {
	Repos  *repository.Repos
	Energy *EnergyService
}

func New(db *sqlx.DB) (*Services, error) {
	loc, err := time.LoadLocation(config.ReferenceTZ())
	if err != nil {
		return nil, fmt.Errorf("load reference timezone: %w", err)
	}
	repos := repository.New(db)
	client := remote.New(config.TelemetryBaseURL(), config.TelemetryClientID(), config.TelemetrySecret())

	return &Services{
		Repos:  repos,
		Energy: NewEnergyService(repos, client, loc, config.EnergyEventCode()),
	}, nil
}
