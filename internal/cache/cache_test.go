package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockflow/internal/calendar"
	"stockflow/models"
)

// fakeStore is an in-memory Store keyed by symbol.
type fakeStore struct {
	bars      map[string][]models.Bar
	queryErr  error
	upsertErr error

	deletes []calendar.Date
	upserts [][]models.Bar
}

func newFakeStore() *fakeStore {
	return &fakeStore{bars: make(map[string][]models.Bar)}
}

func (s *fakeStore) QueryRange(_ context.Context, symbol string, _ models.Timeframe, start, end calendar.Date) ([]models.Bar, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []models.Bar
	for _, b := range s.bars[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	models.SortBars(out)
	return out, nil
}

func (s *fakeStore) UpsertBatch(_ context.Context, bars []models.Bar) error {
	s.upserts = append(s.upserts, bars)
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, b := range bars {
		s.bars[b.Symbol] = models.MergeBars(s.bars[b.Symbol], []models.Bar{b})
	}
	return nil
}

func (s *fakeStore) DeleteOnOrAfter(_ context.Context, symbol string, _ models.Timeframe, day calendar.Date) error {
	s.deletes = append(s.deletes, day)
	var kept []models.Bar
	for _, b := range s.bars[symbol] {
		if b.Date.Before(day) {
			kept = append(kept, b)
		}
	}
	s.bars[symbol] = kept
	return nil
}

// fakeFeed replays canned responses and records what was asked of it.
type fakeFeed struct {
	response map[string][]models.Bar
	err      error

	calls   int
	symbols []string
}

func (f *fakeFeed) GetBars(_ context.Context, symbols []string, _ models.Timeframe, _, _ calendar.Date) (map[string][]models.Bar, error) {
	f.calls++
	f.symbols = symbols
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func bar(symbol, date string, close float64) models.Bar {
	c := decimal.NewFromFloat(close)
	return models.Bar{
		Symbol: symbol, Date: calendar.MustParse(date),
		Open: c, High: c, Low: c, Close: c,
		Volume: 1000, Timeframe: models.Day,
	}
}

// tradingBars builds one bar per trading day in [start, end].
func tradingBars(symbol, start, end string) []models.Bar {
	var out []models.Bar
	d := calendar.MustParse(start)
	last := calendar.MustParse(end)
	for !d.After(last) {
		if calendar.IsTradingDay(d) {
			out = append(out, bar(symbol, d.String(), 100))
		}
		d = d.Add(1)
	}
	return out
}

func defaultOptions() Options {
	return Options{StartToleranceDays: 5, EndToleranceDays: 3, UpsertBatchSize: 500}
}

func newTestCoordinator(store Store, feed Feed, at time.Time) *Coordinator {
	c := NewCoordinator(store, feed, defaultOptions())
	c.now = func() time.Time { return at }
	return c
}

// Saturday noon ET, well after the last requested date in most scenarios.
var weekendNow = time.Date(2024, 4, 6, 17, 0, 0, 0, time.UTC)

func TestFullCacheHit(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-01", "2024-03-31")
	feed := &fakeFeed{}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-15"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}

	if feed.calls != 0 {
		t.Errorf("upstream called %d times, want 0", feed.calls)
	}
	if !res.ServedFromCache {
		t.Error("ServedFromCache = false, want true")
	}
	bars := res.Series[0].Bars
	if len(bars) == 0 {
		t.Fatal("empty series on full cache hit")
	}
	if bars[0].Date.Before(calendar.MustParse("2024-01-15")) ||
		bars[len(bars)-1].Date.After(calendar.MustParse("2024-03-01")) {
		t.Errorf("series escapes requested range: %s..%s", bars[0].Date, bars[len(bars)-1].Date)
	}
}

func TestAbsentTriggersFetch(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": tradingBars("AAPL", "2024-01-02", "2024-03-01"),
	}}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}

	if feed.calls != 1 {
		t.Fatalf("upstream called %d times, want 1", feed.calls)
	}
	if res.ServedFromCache {
		t.Error("ServedFromCache = true after an upstream fetch")
	}
	if len(res.Series[0].Bars) == 0 {
		t.Error("series empty after fetch")
	}
	if len(store.upserts) == 0 {
		t.Error("fetched bars were not persisted")
	}
}

func TestPartialRangeBackfill(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-02-01", "2024-03-28")
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": tradingBars("AAPL", "2024-01-02", "2024-03-28"),
	}}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-03-28"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}

	if feed.calls != 1 {
		t.Fatalf("start-tolerance breach did not trigger a fetch")
	}
	bars := res.Series[0].Bars
	if bars[0].Date.String() != "2024-01-02" {
		t.Errorf("merged series starts at %s, want 2024-01-02", bars[0].Date)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Date.Before(bars[i].Date) {
			t.Fatalf("series not strictly ascending at %d", i)
		}
	}
}

func TestForcedRefresh(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-01", "2024-03-31")
	refreshed := bar("AAPL", "2024-03-01", 250) // corrected value from upstream
	feed := &fakeFeed{response: map[string][]models.Bar{"AAPL": {refreshed}}}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-15"), calendar.MustParse("2024-03-01"), models.Day, true)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}

	if len(store.deletes) != 1 {
		t.Fatalf("expected one invalidation delete, got %d", len(store.deletes))
	}
	if feed.calls != 1 {
		t.Fatalf("forced refresh must always fetch, calls = %d", feed.calls)
	}
	// Fetched data wins the overlapping date.
	for _, b := range res.Series[0].Bars {
		if b.Date.Equal(refreshed.Date) && !b.Close.Equal(refreshed.Close) {
			t.Errorf("refreshed bar lost the merge: close = %s", b.Close)
		}
	}
}

func TestUpstreamFailureDegradesToCache(t *testing.T) {
	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-02-01", "2024-02-15")
	feed := &fakeFeed{err: errors.New("connection reset")}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("upstream failure must not fail the request: %v", err)
	}

	if len(res.Series[0].Bars) == 0 {
		t.Fatal("cached bars discarded on upstream failure")
	}
	if !res.ServedFromCache {
		t.Error("ServedFromCache = false when upstream fetched nothing")
	}
}

func TestStoreReadErrorTreatedAsAbsent(t *testing.T) {
	store := newFakeStore()
	store.queryErr = errors.New("timeout")
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": tradingBars("AAPL", "2024-01-02", "2024-03-01"),
	}}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("store read error must not fail the request: %v", err)
	}
	if feed.calls != 1 {
		t.Error("unreadable symbol was not marked for fetch")
	}
	if len(res.Series[0].Bars) == 0 {
		t.Error("fetch result missing despite store failure")
	}
}

func TestEmptyEverywhereYieldsEmptySeries(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{response: map[string][]models.Bar{}}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"NOPE"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("unknown symbol must not error: %v", err)
	}
	if len(res.Series) != 1 || res.Series[0].Symbol != "NOPE" {
		t.Fatalf("unexpected series: %+v", res.Series)
	}
	if len(res.Series[0].Bars) != 0 {
		t.Errorf("series should be empty, got %d bars", len(res.Series[0].Bars))
	}
}

func TestEndToleranceBoundary(t *testing.T) {
	// Last cached bar exactly 3 calendar days before the requested end is
	// complete; one more day is partial.
	cases := []struct {
		end       string
		wantFetch bool
	}{
		{"2024-03-04", false}, // Friday bar, Monday end: 3 days
		{"2024-03-05", true},  // 4 days
	}
	for _, tc := range cases {
		store := newFakeStore()
		store.bars["AAPL"] = tradingBars("AAPL", "2024-01-02", "2024-03-01")
		feed := &fakeFeed{response: map[string][]models.Bar{}}

		c := newTestCoordinator(store, feed, weekendNow)
		_, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
			calendar.MustParse("2024-01-02"), calendar.MustParse(tc.end), models.Day, false)
		if err != nil {
			t.Fatalf("FetchAndCache failed: %v", err)
		}
		gotFetch := feed.calls > 0
		if gotFetch != tc.wantFetch {
			t.Errorf("end %s: fetch = %v, want %v", tc.end, gotFetch, tc.wantFetch)
		}
	}
}

func TestTodayRequiredAfterClose(t *testing.T) {
	// Wednesday 2024-03-06 16:30 ET: session closed today, so today's bar
	// is mandatory for a range reaching today.
	afterClose := time.Date(2024, 3, 6, 21, 30, 0, 0, time.UTC)

	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-02", "2024-03-05")
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": {bar("AAPL", "2024-03-06", 101)},
	}}

	c := newTestCoordinator(store, feed, afterClose)
	_, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-06"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}
	if feed.calls != 1 {
		t.Error("missing today's bar after close did not trigger a fetch")
	}

	// With today's bar cached, the same request is a hit.
	store.bars["AAPL"] = append(store.bars["AAPL"], bar("AAPL", "2024-03-06", 101))
	feed.calls = 0
	_, err = c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-06"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}
	if feed.calls != 0 {
		t.Error("cached today's bar still triggered a fetch")
	}
}

func TestTodayRequiredDuringSession(t *testing.T) {
	// Wednesday 2024-03-06 10:00 ET: session in progress, so a range
	// reaching today needs today's still-moving bar even though yesterday's
	// cache is otherwise complete.
	midSession := time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-02", "2024-03-05")
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": {bar("AAPL", "2024-03-06", 102)},
	}}

	c := newTestCoordinator(store, feed, midSession)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-06"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}
	if feed.calls != 1 {
		t.Error("stale last bar during the session did not trigger a fetch")
	}
	bars := res.Series[0].Bars
	if bars[len(bars)-1].Date.String() != "2024-03-06" {
		t.Errorf("series missing today's bar, ends at %s", bars[len(bars)-1].Date)
	}
}

func TestTodayNotRequiredForHistoricalRange(t *testing.T) {
	// Market open now, but the requested range ends long before today.
	marketOpen := time.Date(2024, 8, 28, 15, 0, 0, 0, time.UTC) // 11:00 ET Wednesday

	store := newFakeStore()
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-02", "2024-03-01")
	feed := &fakeFeed{}

	c := newTestCoordinator(store, feed, marketOpen)
	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}
	if feed.calls != 0 {
		t.Error("historical range demanded today's bar")
	}
	if !res.ServedFromCache {
		t.Error("historical hit not served from cache")
	}
}

func TestUpsertChunkingSurvivesBatchFailure(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("payload too large")
	feed := &fakeFeed{response: map[string][]models.Bar{
		"AAPL": tradingBars("AAPL", "2024-01-02", "2024-01-12"),
	}}

	opts := defaultOptions()
	opts.UpsertBatchSize = 3
	c := NewCoordinator(store, feed, opts)
	c.now = func() time.Time { return weekendNow }

	res, err := c.FetchAndCache(context.Background(), []string{"AAPL"},
		calendar.MustParse("2024-01-01"), calendar.MustParse("2024-01-12"), models.Day, false)
	if err != nil {
		t.Fatalf("persist failures must not fail the request: %v", err)
	}

	// 9 trading days at chunk size 3: all chunks attempted despite errors.
	if len(store.upserts) != 3 {
		t.Errorf("upsert attempts = %d, want 3", len(store.upserts))
	}
	for i, chunk := range store.upserts {
		if len(chunk) > 3 {
			t.Errorf("chunk %d size = %d, exceeds limit", i, len(chunk))
		}
	}
	// Fetched bars still reach the caller even though persistence failed.
	if len(res.Series[0].Bars) == 0 {
		t.Error("in-memory bars lost with failed persistence")
	}
}

func TestResultSortedBySymbol(t *testing.T) {
	store := newFakeStore()
	store.bars["MSFT"] = tradingBars("MSFT", "2024-01-02", "2024-03-01")
	store.bars["AAPL"] = tradingBars("AAPL", "2024-01-02", "2024-03-01")
	feed := &fakeFeed{}

	c := newTestCoordinator(store, feed, weekendNow)
	res, err := c.FetchAndCache(context.Background(), []string{"msft", "aapl", "AAPL"},
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-01"), models.Day, false)
	if err != nil {
		t.Fatalf("FetchAndCache failed: %v", err)
	}
	if len(res.Series) != 2 {
		t.Fatalf("series count = %d, want 2 after dedupe", len(res.Series))
	}
	if res.Series[0].Symbol != "AAPL" || res.Series[1].Symbol != "MSFT" {
		t.Errorf("series not sorted: %s, %s", res.Series[0].Symbol, res.Series[1].Symbol)
	}
}

func TestChunkBars(t *testing.T) {
	bars := tradingBars("AAPL", "2024-01-02", "2024-01-12") // 9 trading days
	chunks := chunkBars(bars, 4)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 4 || len(chunks[1]) != 4 || len(chunks[2]) != 1 {
		t.Errorf("chunk sizes wrong: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if chunkBars(nil, 4) != nil {
		t.Error("chunking nil should be nil")
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := normalizeSymbols([]string{" aapl", "AAPL", "msft ", ""})
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("normalizeSymbols = %v", got)
	}
}
