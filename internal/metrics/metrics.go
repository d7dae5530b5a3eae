// Package metrics keeps cheap in-process counters for cache behaviour and
// optionally publishes them to CloudWatch on an interval.
package metrics

import "sync/atomic"

var (
	cacheHits     int64
	cacheMisses   int64
	upstreamCalls int64
	barsFetched   int64
	barsPersisted int64
	storeErrors   int64
	feedErrors    int64
)

// RecordCacheHit counts a symbol served entirely from the store.
func RecordCacheHit() { atomic.AddInt64(&cacheHits, 1) }

// RecordCacheMiss counts a symbol that needed the upstream feed.
func RecordCacheMiss() { atomic.AddInt64(&cacheMisses, 1) }

// RecordUpstreamCall counts one paginated call sequence to the feed.
func RecordUpstreamCall() { atomic.AddInt64(&upstreamCalls, 1) }

// RecordBarsFetched adds to the number of bars received from the feed.
func RecordBarsFetched(n int) { atomic.AddInt64(&barsFetched, int64(n)) }

// RecordBarsPersisted adds to the number of bars written to the store.
func RecordBarsPersisted(n int) { atomic.AddInt64(&barsPersisted, int64(n)) }

// RecordStoreError counts a failed store read or write.
func RecordStoreError() { atomic.AddInt64(&storeErrors, 1) }

// RecordFeedError counts a failed upstream fetch.
func RecordFeedError() { atomic.AddInt64(&feedErrors, 1) }

// Counters is a point-in-time copy of all counters.
type Counters struct {
	CacheHits     int64
	CacheMisses   int64
	UpstreamCalls int64
	BarsFetched   int64
	BarsPersisted int64
	StoreErrors   int64
	FeedErrors    int64
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	return Counters{
		CacheHits:     atomic.LoadInt64(&cacheHits),
		CacheMisses:   atomic.LoadInt64(&cacheMisses),
		UpstreamCalls: atomic.LoadInt64(&upstreamCalls),
		BarsFetched:   atomic.LoadInt64(&barsFetched),
		BarsPersisted: atomic.LoadInt64(&barsPersisted),
		StoreErrors:   atomic.LoadInt64(&storeErrors),
		FeedErrors:    atomic.LoadInt64(&feedErrors),
	}
}

// Reset zeroes all counters. Intended for tests.
func Reset() {
	atomic.StoreInt64(&cacheHits, 0)
	atomic.StoreInt64(&cacheMisses, 0)
	atomic.StoreInt64(&upstreamCalls, 0)
	atomic.StoreInt64(&barsFetched, 0)
	atomic.StoreInt64(&barsPersisted, 0)
	atomic.StoreInt64(&storeErrors, 0)
	atomic.StoreInt64(&feedErrors, 0)
}
