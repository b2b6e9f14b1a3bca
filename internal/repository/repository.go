package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tariffmeter/internal/domain"
)

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

func (r *Repos) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var out []domain.Device
	err := r.db.SelectContext(ctx, &out, `SELECT id, name FROM devices ORDER BY id`)
	if err != nil {
		return nil, &PersistenceError{Op: "list devices", Err: err}
	}
	return out, nil
}

// MaxWatermark returns the highest last_processed_ts across a device's daily
// buckets. ok is false when the device has no buckets yet.
func (r *Repos) MaxWatermark(ctx context.Context, deviceID string) (int64, bool, error) {
	var wm sql.NullInt64
	err := r.db.GetContext(ctx, &wm,
		`SELECT MAX(last_processed_ts) FROM daily_energy WHERE device_id = $1`, deviceID)
	if err != nil {
		return 0, false, &PersistenceError{Op: "read watermark", Err: err}
	}
	if !wm.Valid {
		return 0, false, nil
	}
	return wm.Int64, true, nil
}

func (r *Repos) GetBucket(ctx context.Context, date, deviceID string) (*domain.DailyBucket, error) {
	var b domain.DailyBucket
	err := r.db.GetContext(ctx, &b,
		`SELECT id, date, device_id, low_tariff_kwh, high_tariff_kwh, last_processed_ts, created_at, updated_at
		 FROM daily_energy WHERE date = $1 AND device_id = $2`, date, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get bucket", Err: err}
	}
	return &b, nil
}

func (r *Repos) InsertBucket(ctx context.Context, b *domain.DailyBucket) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO daily_energy (date, device_id, low_tariff_kwh, high_tariff_kwh, last_processed_ts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.Date, b.DeviceID, b.LowTariffKwh, b.HighTariffKwh, b.LastProcessedTs, now)
	if err != nil {
		return &PersistenceError{Op: "insert bucket", Err: err}
	}
	return nil
}

func (r *Repos) UpdateBucket(ctx context.Context, id int64, lowKwh, highKwh float64, lastProcessedTs int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE daily_energy
		 SET low_tariff_kwh = $1, high_tariff_kwh = $2, last_processed_ts = $3, updated_at = $4
		 WHERE id = $5`,
		lowKwh, highKwh, lastProcessedTs, time.Now().UTC(), id)
	if err != nil {
		return &PersistenceError{Op: "update bucket", Err: err}
	}
	return nil
}

// ConsumptionTotals sums low/high kWh over an inclusive date range. An empty
// deviceID sums across all devices.
func (r *Repos) ConsumptionTotals(ctx context.Context, deviceID, startDate, endDate string) (*domain.ConsumptionTotals, error) {
	var t domain.ConsumptionTotals
	var err error
	if deviceID == "" {
		err = r.db.GetContext(ctx, &t,
			`SELECT COALESCE(SUM(low_tariff_kwh), 0) AS total_low_kwh,
			        COALESCE(SUM(high_tariff_kwh), 0) AS total_high_kwh
			 FROM daily_energy WHERE date BETWEEN $1 AND $2`, startDate, endDate)
	} else {
		err = r.db.GetContext(ctx, &t,
			`SELECT COALESCE(SUM(low_tariff_kwh), 0) AS total_low_kwh,
			        COALESCE(SUM(high_tariff_kwh), 0) AS total_high_kwh
			 FROM daily_energy WHERE date BETWEEN $1 AND $2 AND device_id = $3`,
			startDate, endDate, deviceID)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "consumption totals", Err: err}
	}
	return &t, nil
}

// DailyRows lists per-day rows for a date range in ascending date order,
// capped at limit. An empty deviceID returns rows for all devices.
func (r *Repos) DailyRows(ctx context.Context, deviceID, startDate, endDate string, limit int) ([]domain.DailyRow, error) {
	var out []domain.DailyRow
	var err error
	if deviceID == "" {
		err = r.db.SelectContext(ctx, &out,
			`SELECT date, device_id, low_tariff_kwh, high_tariff_kwh
			 FROM daily_energy WHERE date BETWEEN $1 AND $2
			 ORDER BY date, device_id LIMIT $3`, startDate, endDate, limit)
	} else {
		err = r.db.SelectContext(ctx, &out,
			`SELECT date, device_id, low_tariff_kwh, high_tariff_kwh
			 FROM daily_energy WHERE date BETWEEN $1 AND $2 AND device_id = $3
			 ORDER BY date LIMIT $4`, startDate, endDate, deviceID, limit)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "daily rows", Err: err}
	}
	return out, nil
}
