package metrics

import "testing"

func TestCountersAccumulate(t *testing.T) {
	Reset()

	RecordCacheHit()
	RecordCacheHit()
	RecordCacheMiss()
	RecordUpstreamCall()
	RecordBarsFetched(42)
	RecordBarsPersisted(40)
	RecordStoreError()
	RecordFeedError()

	snap := Snapshot()
	if snap.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", snap.CacheHits)
	}
	if snap.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", snap.CacheMisses)
	}
	if snap.BarsFetched != 42 {
		t.Errorf("BarsFetched = %d, want 42", snap.BarsFetched)
	}
	if snap.BarsPersisted != 40 {
		t.Errorf("BarsPersisted = %d, want 40", snap.BarsPersisted)
	}
	if snap.StoreErrors != 1 || snap.FeedErrors != 1 {
		t.Errorf("error counters wrong: %+v", snap)
	}
}

func TestReset(t *testing.T) {
	RecordCacheHit()
	Reset()
	if snap := Snapshot(); snap != (Counters{}) {
		t.Errorf("counters not zeroed: %+v", snap)
	}
}
