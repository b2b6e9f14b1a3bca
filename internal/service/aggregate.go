package service

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"tariffmeter/internal/domain"
	"tariffmeter/internal/remote"
	"tariffmeter/internal/tariff"
)

// Run statuses returned by ProcessEnergyLogs.
const (
	StatusNoNewLogs = "no new logs"
	StatusCompleted = "completed"
)

const (
	// defaultLookbackDays bounds the first run of a device with no watermark.
	defaultLookbackDays = 7
	// msThreshold separates second-resolution event times from millisecond
	// ones: anything below is seconds.
	msThreshold = int64(1e12)
	// minValidYear guards against corrupt timestamps from the meter.
	minValidYear = 2020

	dateLayout = "2006-01-02"

	// eventTypeDataPoint is the remote log type carrying data-point reports.
	eventTypeDataPoint = "7"
)

// EnergyService folds remote meter logs into per-day, per-device tariff
// aggregates. Safe to run concurrently across devices; the caller must
// serialize runs for the same device.
type EnergyService struct {
	store     Store
	fetcher   LogFetcher
	classify  *tariff.Classifier
	loc       *time.Location
	eventCode string
	now       func() time.Time
}

func NewEnergyService(store Store, fetcher LogFetcher, loc *time.Location, eventCode string) *EnergyService {
	return &EnergyService{
		store:     store,
		fetcher:   fetcher,
		classify:  tariff.NewClassifier(loc),
		loc:       loc,
		eventCode: eventCode,
		now:       time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *EnergyService) WithClock(now func() time.Time) *EnergyService {
	s.now = now
	return s
}

// RunResult summarizes one engine invocation. Status is StatusNoNewLogs when
// the window held no matching entries and nothing was written.
type RunResult struct {
	DeviceID     string  `json:"device_id"`
	Status       string  `json:"status"`
	DaysTouched  int     `json:"days_touched"`
	AddedLowKwh  float64 `json:"added_low_kwh"`
	AddedHighKwh float64 `json:"added_high_kwh"`
	SkippedStale int     `json:"skipped_stale"`
	SkippedBadTs int     `json:"skipped_bad_ts"`
	FetchedPages int     `json:"fetched_pages"`
}

// dayAccum collects one day's delta before it is merged into storage. MaxTs
// is that day's watermark contribution: a late log for one day must not
// inflate another day's watermark.
type dayAccum struct {
	lowKwh  float64
	highKwh float64
	maxTs   int64
}

// ProcessEnergyLogs fetches, classifies and merges a device's energy logs.
//
// forceStart overrides the watermark-derived window start and disables the
// stale-entry filter: a positive value is the window start in epoch ms, zero
// reprocesses the default lookback window from scratch. Re-adding energy
// already counted for a day is possible in forced mode; normal runs are
// idempotent.
func (s *EnergyService) ProcessEnergyLogs(ctx context.Context, deviceID string, forceStart *int64) (*RunResult, error) {
	now := s.now()
	res := &RunResult{DeviceID: deviceID}

	windowStart, watermark, forced := s.resolveStart(ctx, deviceID, forceStart, now)

	fetched, err := s.fetcher.FetchLogs(ctx, deviceID, remote.LogQuery{
		Start:     windowStart,
		End:       now.UnixMilli(),
		EventType: eventTypeDataPoint,
	})
	if err != nil {
		return nil, err
	}
	res.FetchedPages = fetched.PageCount

	buckets := make(map[string]*dayAccum)
	for _, entry := range fetched.Entries {
		if entry.Code != s.eventCode {
			continue
		}

		ts := normalizeEventTime(entry.EventTime)
		if !forced && ts <= watermark {
			res.SkippedStale++
			continue
		}

		instant := time.UnixMilli(ts).UTC()
		if year := instant.Year(); year < minValidYear || year > now.Year()+1 {
			res.SkippedBadTs++
			log.Warn().
				Str("device_id", deviceID).
				Int64("event_time", entry.EventTime).
				Int("year", year).
				Msg("skipping entry with implausible timestamp")
			continue
		}

		milli, err := strconv.ParseFloat(entry.Value, 64)
		if err != nil {
			return nil, &remote.RemoteError{DeviceID: deviceID, Body: entry.Value, Err: err}
		}
		reading := domain.NormalizedReading{Instant: instant, EnergyKwh: milli / 1000}

		day := reading.Instant.In(s.loc).Format(dateLayout)
		acc := buckets[day]
		if acc == nil {
			acc = &dayAccum{}
			buckets[day] = acc
		}
		switch s.classify.Classify(reading.Instant) {
		case tariff.Low:
			acc.lowKwh += reading.EnergyKwh
		default:
			acc.highKwh += reading.EnergyKwh
		}
		if ts > acc.maxTs {
			acc.maxTs = ts
		}
	}

	if len(buckets) == 0 {
		res.Status = StatusNoNewLogs
		return res, nil
	}

	// Ascending date order keeps bucket creation deterministic.
	days := make([]string, 0, len(buckets))
	for day := range buckets {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		acc := buckets[day]
		if err := s.mergeBucket(ctx, deviceID, day, acc); err != nil {
			return nil, err
		}
		res.DaysTouched++
		res.AddedLowKwh += acc.lowKwh
		res.AddedHighKwh += acc.highKwh
	}

	res.Status = StatusCompleted
	log.Info().
		Str("device_id", deviceID).
		Int("days", res.DaysTouched).
		Float64("low_kwh", res.AddedLowKwh).
		Float64("high_kwh", res.AddedHighKwh).
		Int("skipped_stale", res.SkippedStale).
		Msg("energy log run completed")
	return res, nil
}

// resolveStart picks the fetch window start. A persistence failure while
// reading the watermark downgrades to a first run: the refetch it causes is
// safe because merge is bounded by the stale filter on the next normal run.
func (s *EnergyService) resolveStart(ctx context.Context, deviceID string, forceStart *int64, now time.Time) (start, watermark int64, forced bool) {
	lookback := now.AddDate(0, 0, -defaultLookbackDays).UnixMilli()

	if forceStart != nil {
		if *forceStart > 0 {
			return *forceStart, 0, true
		}
		return lookback, 0, true
	}

	wm, ok, err := s.store.MaxWatermark(ctx, deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("watermark read failed, assuming first run")
		return lookback, 0, false
	}
	if !ok {
		return lookback, 0, false
	}
	return wm, wm, false
}

// mergeBucket adds a day's delta to the stored bucket, creating it on first
// sight. The stored timestamp is replaced by this run's per-day maximum, not
// a running max: the stale filter already guarantees no entry at or below
// the previous watermark was counted again.
func (s *EnergyService) mergeBucket(ctx context.Context, deviceID, day string, acc *dayAccum) error {
	existing, err := s.store.GetBucket(ctx, day, deviceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.store.InsertBucket(ctx, &domain.DailyBucket{
			Date:            day,
			DeviceID:        deviceID,
			LowTariffKwh:    acc.lowKwh,
			HighTariffKwh:   acc.highKwh,
			LastProcessedTs: acc.maxTs,
		})
	}
	return s.store.UpdateBucket(ctx, existing.ID,
		existing.LowTariffKwh+acc.lowKwh,
		existing.HighTariffKwh+acc.highKwh,
		acc.maxTs)
}

// normalizeEventTime lifts second-resolution event times to milliseconds.
func normalizeEventTime(ts int64) int64 {
	if ts < msThreshold {
		return ts * 1000
	}
	return ts
}
