package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tariffmeter/internal/domain"
	"tariffmeter/internal/remote"
	"tariffmeter/internal/repository"
)

// fakeStore is an in-memory persistence gateway.
type fakeStore struct {
	buckets      map[string]*domain.DailyBucket
	nextID       int64
	writeOrder   []string
	watermarkErr error
	insertErrOn  string // date whose insert fails
	devices      []domain.Device
	totals       domain.ConsumptionTotals
	rows         []domain.DailyRow
	lastLimit    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]*domain.DailyBucket{}}
}

func key(date, deviceID string) string { return date + "|" + deviceID }

func (f *fakeStore) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return f.devices, nil
}

func (f *fakeStore) MaxWatermark(ctx context.Context, deviceID string) (int64, bool, error) {
	if f.watermarkErr != nil {
		return 0, false, f.watermarkErr
	}
	var max int64
	found := false
	for _, b := range f.buckets {
		if b.DeviceID == deviceID {
			found = true
			if b.LastProcessedTs > max {
				max = b.LastProcessedTs
			}
		}
	}
	return max, found, nil
}

func (f *fakeStore) GetBucket(ctx context.Context, date, deviceID string) (*domain.DailyBucket, error) {
	b, ok := f.buckets[key(date, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) InsertBucket(ctx context.Context, b *domain.DailyBucket) error {
	if f.insertErrOn != "" && b.Date == f.insertErrOn {
		return &repository.PersistenceError{Op: "insert bucket", Err: errors.New("boom")}
	}
	f.nextID++
	cp := *b
	cp.ID = f.nextID
	f.buckets[key(b.Date, b.DeviceID)] = &cp
	f.writeOrder = append(f.writeOrder, b.Date)
	return nil
}

func (f *fakeStore) UpdateBucket(ctx context.Context, id int64, lowKwh, highKwh float64, lastProcessedTs int64) error {
	for _, b := range f.buckets {
		if b.ID == id {
			b.LowTariffKwh = lowKwh
			b.HighTariffKwh = highKwh
			b.LastProcessedTs = lastProcessedTs
			f.writeOrder = append(f.writeOrder, b.Date)
			return nil
		}
	}
	return &repository.PersistenceError{Op: "update bucket", Err: errors.New("no such id")}
}

func (f *fakeStore) ConsumptionTotals(ctx context.Context, deviceID, startDate, endDate string) (*domain.ConsumptionTotals, error) {
	t := f.totals
	return &t, nil
}

func (f *fakeStore) DailyRows(ctx context.Context, deviceID, startDate, endDate string, limit int) ([]domain.DailyRow, error) {
	f.lastLimit = limit
	return f.rows, nil
}

// fakeFetcher returns a fixed entry set regardless of the requested window,
// like a remote API that serves boundary duplicates.
type fakeFetcher struct {
	entries   []domain.RawLogEntry
	err       error
	calls     int
	lastQuery remote.LogQuery
}

func (f *fakeFetcher) FetchLogs(ctx context.Context, deviceID string, q remote.LogQuery) (*remote.LogResult, error) {
	f.calls++
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return &remote.LogResult{Entries: f.entries, PageCount: 1, Stopped: remote.StopExhausted}, nil
}

func refLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Bratislava")
	require.NoError(t, err)
	return loc
}

func msAt(loc *time.Location, y int, m time.Month, d, h, min int) int64 {
	return time.Date(y, m, d, h, min, 0, 0, loc).UnixMilli()
}

func newTestService(store Store, fetcher LogFetcher, loc *time.Location, now time.Time) *EnergyService {
	return NewEnergyService(store, fetcher, loc, "add_ele").
		WithClock(func() time.Time { return now })
}

func TestProcessEmptyWindow(t *testing.T) {
	loc := refLoc(t)
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	svc := newTestService(store, fetcher, loc, time.Date(2024, 1, 12, 12, 0, 0, 0, loc))

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusNoNewLogs, res.Status)
	assert.Empty(t, store.buckets, "empty window must not write")
	assert.Empty(t, store.writeOrder)
}

func TestProcessEndToEndAndIdempotence(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	// Saturday 23:30 local and the following Wednesday 14:00 local, both in
	// low-tariff windows (weekend and midday).
	satTs := msAt(loc, 2024, time.January, 6, 23, 30)
	wedTs := msAt(loc, 2024, time.January, 10, 14, 0)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: satTs, Value: "500"},
		{Code: "add_ele", EventTime: wedTs, Value: "300"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.DaysTouched)

	sat, err := store.GetBucket(context.Background(), "2024-01-06", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, sat)
	assert.InDelta(t, 0.5, sat.LowTariffKwh, 1e-9)
	assert.Zero(t, sat.HighTariffKwh)
	assert.Equal(t, satTs, sat.LastProcessedTs)

	wed, err := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, wed)
	assert.InDelta(t, 0.3, wed.LowTariffKwh, 1e-9)
	assert.Zero(t, wed.HighTariffKwh)
	assert.Equal(t, wedTs, wed.LastProcessedTs)

	// Second run sees the same remote data; the watermark filter must drop
	// every entry and leave both buckets untouched.
	res2, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoNewLogs, res2.Status)
	assert.Equal(t, 2, res2.SkippedStale)

	sat2, _ := store.GetBucket(context.Background(), "2024-01-06", "dev-1")
	wed2, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	assert.Equal(t, sat.LowTariffKwh, sat2.LowTariffKwh)
	assert.Equal(t, wed.LowTariffKwh, wed2.LowTariffKwh)
	assert.Equal(t, wed.LastProcessedTs, wed2.LastProcessedTs)
}

func TestProcessClassifiesHighTariff(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	// Wednesday 10:00 local is outside every low window.
	ts := msAt(loc, 2024, time.January, 10, 10, 0)
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: ts, Value: "1000"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	b, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	require.NotNil(t, b)
	assert.Zero(t, b.LowTariffKwh)
	assert.InDelta(t, 1.0, b.HighTariffKwh, 1e-9)
}

func TestUnitCorrectionEquivalence(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, loc)

	// The same instant reported in seconds and in milliseconds.
	secEntry := domain.RawLogEntry{Code: "add_ele", EventTime: 1700000000, Value: "250"}
	msEntry := domain.RawLogEntry{Code: "add_ele", EventTime: 1700000000000, Value: "250"}

	run := func(entry domain.RawLogEntry) *fakeStore {
		store := newFakeStore()
		svc := newTestService(store, &fakeFetcher{entries: []domain.RawLogEntry{entry}}, loc, now)
		_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
		require.NoError(t, err)
		return store
	}

	fromSec := run(secEntry)
	fromMs := run(msEntry)

	require.Len(t, fromSec.buckets, 1)
	require.Len(t, fromMs.buckets, 1)
	for k, b := range fromSec.buckets {
		other, ok := fromMs.buckets[k]
		require.True(t, ok, "second- and millisecond-resolution entries landed in different days")
		assert.Equal(t, b.LowTariffKwh, other.LowTariffKwh)
		assert.Equal(t, b.HighTariffKwh, other.HighTariffKwh)
		assert.Equal(t, b.LastProcessedTs, other.LastProcessedTs)
	}
}

func TestCorruptTimestampGuard(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	goodTs := msAt(loc, 2024, time.January, 10, 14, 0)
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: 12345, Value: "900"},         // 1970 after seconds lift
		{Code: "add_ele", EventTime: 4070908800000, Value: "900"}, // year 2099
		{Code: "add_ele", EventTime: goodTs, Value: "100"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.SkippedBadTs)

	require.Len(t, store.buckets, 1)
	b, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	require.NotNil(t, b)
	assert.InDelta(t, 0.1, b.LowTariffKwh, 1e-9)
	assert.Equal(t, goodTs, b.LastProcessedTs, "corrupt entries must not move the watermark")
}

func TestWatermarkMonotonicity(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)
	day10 := func(h, m int) int64 { return msAt(loc, 2024, time.January, 10, h, m) }

	store := newFakeStore()
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: day10(9, 0), Value: "100"},
	}}
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	first, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")

	// A later run contributes newer readings for the same day.
	fetcher.entries = append(fetcher.entries,
		domain.RawLogEntry{Code: "add_ele", EventTime: day10(11, 0), Value: "200"})
	_, err = svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	second, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	assert.GreaterOrEqual(t, second.LastProcessedTs, first.LastProcessedTs)
	assert.Equal(t, day10(11, 0), second.LastProcessedTs)
	assert.InDelta(t, 0.3, second.HighTariffKwh, 1e-9, "delta must merge additively")
}

func TestAdditivityOrderIndependence(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	setA := []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 9, 0), Value: "100"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 14, 0), Value: "200"},
	}
	setB := []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 10, 0), Value: "300"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 23, 0), Value: "400"},
	}

	// Forced-start runs keep the watermark out of the picture so merge order
	// is the only variable.
	start := msAt(loc, 2024, time.January, 9, 0, 0)
	run := func(sets ...[]domain.RawLogEntry) *domain.DailyBucket {
		store := newFakeStore()
		fetcher := &fakeFetcher{}
		svc := newTestService(store, fetcher, loc, now)
		for _, set := range sets {
			fetcher.entries = set
			s := start
			_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", &s)
			require.NoError(t, err)
		}
		b, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
		require.NotNil(t, b)
		return b
	}

	ab := run(setA, setB)
	ba := run(setB, setA)

	assert.InDelta(t, ab.LowTariffKwh, ba.LowTariffKwh, 1e-9)
	assert.InDelta(t, ab.HighTariffKwh, ba.HighTariffKwh, 1e-9)
}

func TestForcedReprocessDoubleCounts(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)
	ts := msAt(loc, 2024, time.January, 10, 14, 0)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: ts, Value: "500"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	// Forced reprocess bypasses the stale filter by design; energy already
	// counted for the day is added again.
	zero := int64(0)
	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", &zero)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	b, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	assert.InDelta(t, 1.0, b.LowTariffKwh, 1e-9)
}

func TestWatermarkReadFailureAssumesFirstRun(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	store := newFakeStore()
	store.watermarkErr = &repository.PersistenceError{Op: "read watermark", Err: errors.New("connection refused")}
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 14, 0), Value: "100"},
	}}
	svc := newTestService(store, fetcher, loc, now)

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err, "watermark read failure is downgraded, not fatal")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, now.AddDate(0, 0, -7).UnixMilli(), fetcher.lastQuery.Start,
		"failed watermark read falls back to the default lookback")
}

func TestStaleBoundaryEntryFiltered(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)
	ts := msAt(loc, 2024, time.January, 10, 14, 0)

	store := newFakeStore()
	store.nextID = 1
	store.buckets[key("2024-01-10", "dev-1")] = &domain.DailyBucket{
		ID: 1, Date: "2024-01-10", DeviceID: "dev-1",
		LowTariffKwh: 0.5, LastProcessedTs: ts,
	}

	// The remote returns the boundary entry again plus one newer entry.
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: ts, Value: "500"},
		{Code: "add_ele", EventTime: ts + 60_000, Value: "100"},
	}}
	svc := newTestService(store, fetcher, loc, now)

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedStale)

	b, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	assert.InDelta(t, 0.6, b.LowTariffKwh, 1e-9)
	assert.Equal(t, ts+60_000, b.LastProcessedTs)
}

func TestEventCodeFilter(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)
	ts := msAt(loc, 2024, time.January, 10, 14, 0)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "switch_1", EventTime: ts, Value: "1"},
		{Code: "cur_power", EventTime: ts, Value: "2300"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	res, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNoNewLogs, res.Status)
	assert.Empty(t, store.buckets)
}

func TestPerDayWatermarks(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	day9 := msAt(loc, 2024, time.January, 9, 23, 30)
	day10 := msAt(loc, 2024, time.January, 10, 8, 0)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: day10, Value: "100"},
		{Code: "add_ele", EventTime: day9, Value: "100"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)

	b9, _ := store.GetBucket(context.Background(), "2024-01-09", "dev-1")
	b10, _ := store.GetBucket(context.Background(), "2024-01-10", "dev-1")
	require.NotNil(t, b9)
	require.NotNil(t, b10)
	assert.Equal(t, day9, b9.LastProcessedTs, "a day's watermark is its own max, not the global one")
	assert.Equal(t, day10, b10.LastProcessedTs)
}

func TestBucketsMergedInDateOrder(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 11, 9, 0), Value: "100"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 9, 9, 0), Value: "100"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 9, 0), Value: "100"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-09", "2024-01-10", "2024-01-11"}, store.writeOrder)
}

func TestUpsertErrorAbortsRun(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 9, 9, 0), Value: "100"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 9, 0), Value: "100"},
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 11, 9, 0), Value: "100"},
	}}
	store := newFakeStore()
	store.insertErrOn = "2024-01-10"
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.Error(t, err)

	var perr *repository.PersistenceError
	assert.ErrorAs(t, err, &perr)

	// The first bucket committed before the failure stays durable; the rest
	// of the run is aborted.
	assert.Len(t, store.buckets, 1)
	b, _ := store.GetBucket(context.Background(), "2024-01-09", "dev-1")
	assert.NotNil(t, b)
}

func TestRemoteFetchErrorIsFatal(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	fetcher := &fakeFetcher{err: &remote.RemoteError{DeviceID: "dev-1", Page: 1, Body: "server busy"}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.Error(t, err)

	var rerr *remote.RemoteError
	assert.ErrorAs(t, err, &rerr)
	assert.Empty(t, store.buckets)
}

func TestUnparseableValueIsRemoteError(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: msAt(loc, 2024, time.January, 10, 14, 0), Value: "not-a-number"},
	}}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", nil)
	require.Error(t, err)

	var rerr *remote.RemoteError
	assert.ErrorAs(t, err, &rerr)
	assert.NotContains(t, err.Error(), "page", "a bad value is not a page failure")
	assert.Empty(t, store.buckets)
}

func TestForcedStartWindowPassedToFetcher(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)

	fetcher := &fakeFetcher{}
	store := newFakeStore()
	svc := newTestService(store, fetcher, loc, now)

	forced := msAt(loc, 2024, time.January, 1, 0, 0)
	_, err := svc.ProcessEnergyLogs(context.Background(), "dev-1", &forced)
	require.NoError(t, err)
	assert.Equal(t, forced, fetcher.lastQuery.Start)
	assert.Equal(t, now.UnixMilli(), fetcher.lastQuery.End)
}

func TestConcurrentDevicesAreIndependent(t *testing.T) {
	loc := refLoc(t)
	now := time.Date(2024, 1, 12, 12, 0, 0, 0, loc)
	ts := msAt(loc, 2024, time.January, 10, 14, 0)

	store := newFakeStore()
	fetcher := &fakeFetcher{entries: []domain.RawLogEntry{
		{Code: "add_ele", EventTime: ts, Value: "500"},
	}}
	svc := newTestService(store, fetcher, loc, now)

	for i := 0; i < 3; i++ {
		_, err := svc.ProcessEnergyLogs(context.Background(), fmt.Sprintf("dev-%d", i), nil)
		require.NoError(t, err)
	}

	// Each device gets its own bucket for the same day.
	assert.Len(t, store.buckets, 3)
	for i := 0; i < 3; i++ {
		b, _ := store.GetBucket(context.Background(), "2024-01-10", fmt.Sprintf("dev-%d", i))
		require.NotNil(t, b)
		assert.InDelta(t, 0.5, b.LowTariffKwh, 1e-9)
	}
}
