package livedict

import (
	"sync"
	"testing"
	"time"
)

func TestLockMutualExclusion(t *testing.T) {
	s := newTestStore(t)

	if !s.Lock("counter", time.Second) {
		t.Fatal("first lock should succeed immediately")
	}

	start := time.Now()
	if s.Lock("counter", 200*time.Millisecond) {
		t.Fatal("second lock should time out while held")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("second lock returned after %v, want ~200ms", elapsed)
	}

	s.Unlock("counter")
	if !s.Lock("counter", time.Second) {
		t.Fatal("lock should succeed after unlock")
	}
	s.Unlock("counter")
}

func TestLockHandoffBeforeTimeout(t *testing.T) {
	s := newTestStore(t)

	if !s.Lock("k", time.Second) {
		t.Fatal("initial lock failed")
	}

	acquired := make(chan bool)
	go func() {
		acquired <- s.Lock("k", 2*time.Second)
	}()

	time.Sleep(100 * time.Millisecond)
	s.Unlock("k")

	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("waiter should acquire after unlock")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire promptly after unlock")
	}
	s.Unlock("k")
}

func TestUnlockUnheldIsNoop(t *testing.T) {
	s := newTestStore(t)
	// Neither of these may panic or deadlock.
	s.Unlock("never-locked")

	s.Lock("k", time.Second)
	s.Unlock("k")
	s.Unlock("k")
}

func TestLockReclaimed(t *testing.T) {
	s := newTestStore(t)
	s.Lock("ephemeral", time.Second)
	s.Unlock("ephemeral")

	s.locks.mu.Lock()
	_, exists := s.locks.locks["ephemeral"]
	s.locks.mu.Unlock()
	if exists {
		t.Fatal("released lock was not reclaimed")
	}
}

func TestLockZeroTimeoutIsTryLock(t *testing.T) {
	s := newTestStore(t)
	if !s.Lock("k", 0) {
		t.Fatal("trylock on free key should succeed")
	}
	if s.Lock("k", 0) {
		t.Fatal("trylock on held key should fail immediately")
	}
	s.Unlock("k")
}

func TestLockIndependentKeys(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if !s.Lock(key, time.Second) {
				t.Errorf("lock %q should not contend", key)
				return
			}
			time.Sleep(50 * time.Millisecond)
			s.Unlock(key)
		}(key)
	}
	wg.Wait()
}
