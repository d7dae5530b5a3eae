// Package cache reconciles the persistent bar store against the upstream
// feed. For each requested symbol it decides whether the cached series
// covers the requested range, fetches what is missing in one batched
// upstream call, persists the result, and returns a merged series per
// symbol. Degraded service beats empty service: upstream and store
// failures are logged and absorbed, never escalated into an empty result
// while cached data exists.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/internal/metrics"
	"stockflow/logger"
	"stockflow/models"
)

// Store is the persistence contract the coordinator requires.
type Store interface {
	QueryRange(ctx context.Context, symbol string, tf models.Timeframe, start, end calendar.Date) ([]models.Bar, error)
	UpsertBatch(ctx context.Context, bars []models.Bar) error
	DeleteOnOrAfter(ctx context.Context, symbol string, tf models.Timeframe, day calendar.Date) error
}

// Feed is the upstream market-data contract.
type Feed interface {
	GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end calendar.Date) (map[string][]models.Bar, error)
}

// Options carries the tunable staleness thresholds. The defaults encode a
// product trade-off between staleness and upstream call volume, not a
// correctness requirement, which is why they are configurable.
type Options struct {
	// StartToleranceDays is how far the first cached bar may trail the
	// requested start before the range counts as incomplete.
	StartToleranceDays int
	// EndToleranceDays is the weekend/holiday slack allowed between the
	// last cached bar and the requested end. It collapses to zero whenever
	// today's bar is mandatory.
	EndToleranceDays int
	// UpsertBatchSize bounds how many rows go into one store write.
	UpsertBatchSize int
}

// OptionsFromConfig maps the cache configuration section onto Options.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		StartToleranceDays: cfg.StartToleranceDays,
		EndToleranceDays:   cfg.EndToleranceDays,
		UpsertBatchSize:    cfg.UpsertBatchSize,
	}
}

// Result is the outcome of one FetchAndCache call.
type Result struct {
	// Series holds one merged, ascending, deduplicated series per requested
	// symbol, sorted by symbol. A symbol unknown to both the store and the
	// feed appears with an empty series.
	Series []models.SymbolSeries
	// ServedFromCache is true when no upstream data was fetched at all.
	ServedFromCache bool
}

type verdict int

const (
	verdictAbsent verdict = iota
	verdictPartial
	verdictComplete
)

func (v verdict) String() string {
	switch v {
	case verdictAbsent:
		return "absent"
	case verdictPartial:
		return "partial"
	default:
		return "complete"
	}
}

// Coordinator owns the cache-or-fetch decision. Construct one at startup
// and share it across request handlers; it holds no per-request state.
type Coordinator struct {
	store Store
	feed  Feed
	opts  Options
	now   func() time.Time
	log   *logger.Log
}

// NewCoordinator wires a coordinator to its store and feed.
func NewCoordinator(store Store, feed Feed, opts Options) *Coordinator {
	if opts.UpsertBatchSize <= 0 {
		opts.UpsertBatchSize = 500
	}
	return &Coordinator{
		store: store,
		feed:  feed,
		opts:  opts,
		now:   time.Now,
		log:   logger.GetLogger(),
	}
}

// FetchAndCache returns a merged bar series per symbol for [start, end],
// consulting the upstream feed only for symbols whose cached range is
// absent or incomplete. With forceRefresh, today's cached rows are deleted
// first and every symbol is re-fetched regardless of coverage.
func (c *Coordinator) FetchAndCache(ctx context.Context, symbols []string, start, end calendar.Date, tf models.Timeframe, forceRefresh bool) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now()
	today := calendar.MarketDate(now)
	// Today's bar is mandatory only while the session is open or after it
	// closed today, and only when the requested range reaches today.
	requiresToday := !end.Before(today) &&
		(calendar.IsMarketOpen(now) || calendar.IsAfterClose(now))

	log := c.log.WithComponent("cache").WithFields(logger.Fields{
		"op_id":    uuid.New().String(),
		"start":    start.String(),
		"end":      end.String(),
		"force":    forceRefresh,
		"requires": requiresToday,
	})

	symbols = normalizeSymbols(symbols)

	cachedBySymbol := make(map[string][]models.Bar, len(symbols))
	var toFetch []string

	for _, symbol := range symbols {
		if forceRefresh {
			// Drop today's rows so a stale intraday bar cannot survive the
			// refresh; older history is about to be overwritten by upsert.
			if err := c.store.DeleteOnOrAfter(ctx, symbol, tf, today); err != nil {
				metrics.RecordStoreError()
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).
					Warn("forced-refresh invalidation failed")
			}
		}

		cached, err := c.store.QueryRange(ctx, symbol, tf, start, end)
		if err != nil {
			// A failed read is indistinguishable from an empty cache; the
			// feed will repopulate it.
			metrics.RecordStoreError()
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).
				Warn("store read failed, treating symbol as uncached")
			cached = nil
		}
		cachedBySymbol[symbol] = cached

		if forceRefresh {
			toFetch = append(toFetch, symbol)
			metrics.RecordCacheMiss()
			continue
		}

		v := c.classify(cached, start, end, today, requiresToday)
		log.WithFields(logger.Fields{
			"symbol":  symbol,
			"cached":  len(cached),
			"verdict": v.String(),
		}).Debug("classified cached range")

		if v == verdictComplete {
			metrics.RecordCacheHit()
		} else {
			metrics.RecordCacheMiss()
			toFetch = append(toFetch, symbol)
		}
	}

	servedFromCache := true
	if len(toFetch) > 0 {
		fetched := c.fetch(ctx, log, toFetch, tf, start, end)
		for symbol, bars := range fetched {
			if len(bars) == 0 {
				continue
			}
			servedFromCache = false
			c.persist(ctx, log, bars)
			cachedBySymbol[symbol] = models.MergeBars(cachedBySymbol[symbol], bars)
		}
	}

	result := &Result{
		Series:          make([]models.SymbolSeries, 0, len(symbols)),
		ServedFromCache: servedFromCache,
	}
	for _, symbol := range symbols {
		bars := cachedBySymbol[symbol]
		if bars == nil {
			bars = []models.Bar{}
		}
		result.Series = append(result.Series, models.SymbolSeries{Symbol: symbol, Bars: bars})
	}
	sort.Slice(result.Series, func(i, j int) bool {
		return result.Series[i].Symbol < result.Series[j].Symbol
	})

	log.WithFields(logger.Fields{
		"symbols":    len(symbols),
		"fetched":    len(toFetch),
		"cache_only": servedFromCache,
	}).Info("fetch and cache completed")

	return result, nil
}

// classify grades the cached series against the requested range.
func (c *Coordinator) classify(cached []models.Bar, start, end, today calendar.Date, requiresToday bool) verdict {
	if len(cached) == 0 {
		return verdictAbsent
	}

	first := cached[0].Date
	last := cached[len(cached)-1].Date

	if requiresToday && !last.Equal(today) {
		return verdictPartial
	}

	if start.DaysUntil(first) > c.opts.StartToleranceDays {
		return verdictPartial
	}

	endTolerance := c.opts.EndToleranceDays
	if requiresToday {
		endTolerance = 0
	}
	if last.DaysUntil(end) > endTolerance {
		return verdictPartial
	}

	return verdictComplete
}

// fetch performs the single batched upstream call. Failures degrade to
// cache-only service for this request.
func (c *Coordinator) fetch(ctx context.Context, log *logger.Entry, symbols []string, tf models.Timeframe, start, end calendar.Date) map[string][]models.Bar {
	metrics.RecordUpstreamCall()

	fetched, err := c.feed.GetBars(ctx, symbols, tf, start, end)
	if err != nil {
		metrics.RecordFeedError()
		log.WithError(err).WithFields(logger.Fields{"symbols": strings.Join(symbols, ",")}).
			Error("upstream fetch failed, serving cached data only")
		return nil
	}

	total := 0
	for _, bars := range fetched {
		total += len(bars)
	}
	metrics.RecordBarsFetched(total)

	log.WithFields(logger.Fields{"symbols": len(symbols), "bars": total}).
		Debug("upstream fetch completed")
	return fetched
}

// persist writes fetched bars in bounded chunks. A failed chunk is logged
// and skipped so the remaining chunks still get their chance; the next
// request simply re-detects the gap.
func (c *Coordinator) persist(ctx context.Context, log *logger.Entry, bars []models.Bar) {
	for _, chunk := range chunkBars(bars, c.opts.UpsertBatchSize) {
		if err := c.store.UpsertBatch(ctx, chunk); err != nil {
			metrics.RecordStoreError()
			log.WithError(err).WithFields(logger.Fields{
				"symbol": chunk[0].Symbol,
				"rows":   len(chunk),
			}).Error("upsert batch failed, continuing with next batch")
			continue
		}
		metrics.RecordBarsPersisted(len(chunk))
	}
}

// chunkBars splits bars into slices of at most size elements.
func chunkBars(bars []models.Bar, size int) [][]models.Bar {
	if len(bars) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]models.Bar{bars}
	}
	chunks := make([][]models.Bar, 0, (len(bars)+size-1)/size)
	for start := 0; start < len(bars); start += size {
		end := start + size
		if end > len(bars) {
			end = len(bars)
		}
		chunks = append(chunks, bars[start:end])
	}
	return chunks
}

// normalizeSymbols upper-cases and deduplicates the requested tickers,
// preserving first-seen order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
