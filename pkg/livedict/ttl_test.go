package livedict

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTLExpiration(t *testing.T) {
	s := newTestStore(t)

	var expired atomic.Int32
	var gotKey, gotValue string
	var mu sync.Mutex
	s.RegisterCallback(EventExpire, func(key string, value []byte) error {
		expired.Add(1)
		mu.Lock()
		gotKey, gotValue = key, string(value)
		mu.Unlock()
		return nil
	})

	if err := s.Set("temp", []byte("expire-me"), WithTTL(150*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}

	if v, err := s.Get("temp"); err != nil || string(v) != "expire-me" {
		t.Fatalf("expected value immediately after set: %q, %v", v, err)
	}

	time.Sleep(400 * time.Millisecond)

	if _, err := s.Get("temp"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after ttl, got %v", err)
	}
	if n := expired.Load(); n != 1 {
		t.Fatalf("expire hook fired %d times, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotKey != "temp" || gotValue != "expire-me" {
		t.Fatalf("expire hook observed (%q, %q)", gotKey, gotValue)
	}
}

func TestNeverExpire(t *testing.T) {
	s := newTestStore(t, WithDefaultTTL(50*time.Millisecond))

	if err := s.Set("pinned", []byte("v"), NoExpire()); err != nil {
		t.Fatalf("set: %v", err)
	}
	// The sentinel entry must never reach the heap.
	s.mu.Lock()
	for _, it := range s.heap {
		if it.key == "pinned" {
			s.mu.Unlock()
			t.Fatal("never-expire entry was scheduled on the heap")
		}
	}
	s.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	if v, err := s.Get("pinned"); err != nil || string(v) != "v" {
		t.Fatalf("never-expire entry was removed: %q, %v", v, err)
	}
}

func TestDefaultTTLApplies(t *testing.T) {
	s := newTestStore(t, WithDefaultTTL(100*time.Millisecond))
	if err := s.Set("short", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := s.Get("short"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("default ttl not applied, got %v", err)
	}
}

func TestOverwriteInvalidatesStaleExpiry(t *testing.T) {
	s := newTestStore(t)

	var expired atomic.Int32
	var lastValue atomic.Value
	s.RegisterCallback(EventExpire, func(_ string, value []byte) error {
		expired.Add(1)
		lastValue.Store(string(value))
		return nil
	})

	if err := s.Set("hot", []byte("first"), WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("hot", []byte("second"), WithTTL(300*time.Millisecond)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	// Past the first deadline the entry must still be alive: that heap item
	// is stale.
	time.Sleep(180 * time.Millisecond)
	if v, err := s.Get("hot"); err != nil || string(v) != "second" {
		t.Fatalf("entry expired on stale deadline: %q, %v", v, err)
	}
	if n := expired.Load(); n != 0 {
		t.Fatalf("expire fired early, count=%d", n)
	}

	time.Sleep(400 * time.Millisecond)
	if n := expired.Load(); n != 1 {
		t.Fatalf("expire fired %d times, want exactly 1", n)
	}
	if v := lastValue.Load(); v != "second" {
		t.Fatalf("expire observed %v, want second generation value", v)
	}
}

func TestDeleteCancelsExpiry(t *testing.T) {
	s := newTestStore(t)
	var expired atomic.Int32
	s.RegisterCallback(EventExpire, func(string, []byte) error {
		expired.Add(1)
		return nil
	})

	_ = s.Set("gone", []byte("v"), WithTTL(100*time.Millisecond))
	_ = s.Delete("gone")

	time.Sleep(300 * time.Millisecond)
	if n := expired.Load(); n != 0 {
		t.Fatalf("expire fired for a deleted key, count=%d", n)
	}
}

func TestSoonerWriteWakesMonitor(t *testing.T) {
	s := newTestStore(t)

	// Park the monitor on a distant deadline first.
	_ = s.Set("far", []byte("v"), WithTTL(time.Hour))

	var expired atomic.Int32
	s.RegisterCallback(EventExpire, func(string, []byte) error {
		expired.Add(1)
		return nil
	})
	_ = s.Set("near", []byte("v"), WithTTL(100*time.Millisecond))

	time.Sleep(400 * time.Millisecond)
	if n := expired.Load(); n != 1 {
		t.Fatalf("monitor missed the sooner deadline, expired=%d", n)
	}
}

func TestLazyEvictionOnGet(t *testing.T) {
	// Stop the monitor so only the read path can evict.
	s := New()
	s.Stop()

	var expired atomic.Int32
	s.RegisterCallback(EventExpire, func(string, []byte) error {
		expired.Add(1)
		return nil
	})

	now := time.Now().Add(-time.Second).UnixNano()
	s.mu.Lock()
	_ = s.putLocked(DefaultBucket, "old", []byte("v"), now, nil, nil)
	s.mu.Unlock()

	if _, err := s.Get("old"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected lazy eviction, got %v", err)
	}
	if n := expired.Load(); n != 1 {
		t.Fatalf("lazy eviction fired expire hook %d times, want 1", n)
	}
	if n := s.Count(); n != 0 {
		t.Fatalf("expired entry still counted: %d", n)
	}
}

func TestHeapCompaction(t *testing.T) {
	s := newTestStore(t, WithCompaction(0.3, 8))

	// Short-TTL overwrites of one key drive the observed stale ratio up;
	// long-TTL overwrites of another leave stale items parked far in the
	// future that only a rebuild can remove.
	for i := 0; i < 200; i++ {
		if err := s.Set("churn", []byte("v"), WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("set churn: %v", err)
		}
	}
	for i := 0; i < 200; i++ {
		if err := s.Set("hot", []byte("v"), WithTTL(time.Hour)); err != nil {
			t.Fatalf("set hot: %v", err)
		}
	}
	time.Sleep(400 * time.Millisecond)

	s.mu.Lock()
	heapLen := s.heap.Len()
	s.mu.Unlock()
	if heapLen > 8 {
		t.Fatalf("heap not compacted, %d items remain", heapLen)
	}
	if v, err := s.Get("hot"); err != nil || string(v) != "v" {
		t.Fatalf("live entry lost in compaction: %q, %v", v, err)
	}
}
