package livedict

import (
	"container/heap"
	"time"

	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/internal/telemetry"
)

// monitor is the expiry scheduler loop. It sleeps until the soonest known
// deadline, wakes early when a write schedules a sooner one, sweeps every
// due entry, and exits only on Stop.
func (s *Store) monitor() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		next := s.sweep()

		var timerC <-chan time.Time
		if next != noExpiry {
			d := time.Until(time.Unix(0, next))
			if d < 0 {
				d = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timerC:
		}
	}
}

// sweep pops every due heap item, evicts the genuinely-expired entries
// under the lock, then fires their expire hooks with the lock released. It
// returns the next deadline, or noExpiry when the heap is empty. The whole
// body sits behind a fault barrier: a panic is logged and the monitor
// carries on at the next wake.
func (s *Store) sweep() (next int64) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("expiry sweep panicked", zap.Any("panic", p))
			next = noExpiry
		}
	}()

	now := time.Now().UnixNano()
	var dead []*entry

	s.mu.Lock()
	for s.heap.Len() > 0 && s.heap[0].at <= now {
		it := heap.Pop(&s.heap).(heapItem)
		s.popped++
		e := s.buckets[it.bucket][it.key]
		if e == nil || e.generation != it.generation {
			s.stale++
			telemetry.StaleHeapItems.Inc()
			continue
		}
		s.removeLocked(it.bucket, it.key)
		dead = append(dead, e)
	}
	s.maybeCompactLocked()
	next = noExpiry
	if s.heap.Len() > 0 {
		next = s.heap[0].at
	}
	s.mu.Unlock()

	for _, e := range dead {
		s.fireExpire(e)
	}
	return next
}

// fireExpire delivers the expire event for an entry already removed from
// the map: a racing Get sees either the live entry or absent, never a value
// whose expire hook has fired.
func (s *Store) fireExpire(e *entry) {
	telemetry.ExpiredEntries.Inc()
	s.hooks.fire(EventExpire, e.key, s.openQuiet(e.ciphertext), e.onExpire)
}

// maybeCompactLocked rebuilds the heap from the live map when the stale
// fraction observed across pops crosses the configured ratio. Repeated
// overwrites of a hot key otherwise grow the heap without bound. Caller
// holds s.mu.
func (s *Store) maybeCompactLocked() {
	const window = 32
	if s.cfg.compactRatio <= 0 || s.popped < window || s.heap.Len() < s.cfg.compactFloor {
		return
	}
	if float64(s.stale)/float64(s.popped) <= s.cfg.compactRatio {
		return
	}

	rebuilt := make(expiryHeap, 0, s.total)
	for bucket, b := range s.buckets {
		for key, e := range b {
			if e.expireAt != noExpiry {
				rebuilt = append(rebuilt, heapItem{
					at:         e.expireAt,
					generation: e.generation,
					bucket:     bucket,
					key:        key,
				})
			}
		}
	}
	heap.Init(&rebuilt)

	dropped := s.heap.Len() - rebuilt.Len()
	s.heap = rebuilt
	s.popped, s.stale = 0, 0
	telemetry.HeapCompactions.Inc()
	s.log.Debug("compacted expiry heap", zap.Int("dropped", dropped), zap.Int("live", rebuilt.Len()))
}
