package domain

import "time"

// Device is a registered energy meter known to the poller. Device management
// (registration, household assignment) lives outside this service.
type Device struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// RawLogEntry is a single event-log record as returned by the telemetry API.
// EventTime may be reported in seconds or milliseconds; Value is a numeric
// string in milli-units (milli-kWh for energy increment events).
type RawLogEntry struct {
	Code      string `json:"code"`
	EventTime int64  `json:"event_time"`
	Value     string `json:"value"`
}

// NormalizedReading is a RawLogEntry after unit correction: Instant is UTC
// with millisecond precision, EnergyKwh is Value/1000. Transient, never stored.
type NormalizedReading struct {
	Instant   time.Time
	EnergyKwh float64
}

// DailyBucket accumulates tariff-classified energy for one device on one
// calendar day in the reference timezone. Uniquely keyed by (Date, DeviceID).
// Totals only ever grow by additive merge; LastProcessedTs is non-decreasing
// across successive writes for the same key.
type DailyBucket struct {
	ID              int64     `db:"id" json:"id"`
	Date            string    `db:"date" json:"date"`
	DeviceID        string    `db:"device_id" json:"device_id"`
	LowTariffKwh    float64   `db:"low_tariff_kwh" json:"low_tariff_kwh"`
	HighTariffKwh   float64   `db:"high_tariff_kwh" json:"high_tariff_kwh"`
	LastProcessedTs int64     `db:"last_processed_ts" json:"last_processed_ts"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// DailyRow is one row of a consumption breakdown query.
type DailyRow struct {
	Date          string  `db:"date" json:"date"`
	DeviceID      string  `db:"device_id" json:"device_id"`
	LowTariffKwh  float64 `db:"low_tariff_kwh" json:"low_tariff_kwh"`
	HighTariffKwh float64 `db:"high_tariff_kwh" json:"high_tariff_kwh"`
}

// ConsumptionTotals sums a date range across one device or all devices.
type ConsumptionTotals struct {
	TotalLowKwh  float64 `db:"total_low_kwh" json:"total_low_kwh"`
	TotalHighKwh float64 `db:"total_high_kwh" json:"total_high_kwh"`
}
