// Package livedict is an in-process, encrypted, TTL-governed key-value
// store. The in-memory map is authoritative; backends are best-effort
// mirrors. Values are sealed through a pluggable Cipher, expiry runs on a
// min-heap drained by a dedicated monitor goroutine, and user callbacks
// execute inside a sandbox that isolates the store from their faults and
// latency.
package livedict

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hemanshu03/livedict/internal/telemetry"
)

// Store composes the entry map, expiry scheduler, hook sandbox, key locks
// and cipher behind the public surface. All methods are safe for concurrent
// use. Stop must be called before process shutdown.
type Store struct {
	cfg config
	log *zap.Logger

	// mu guards buckets, heap, total, gen and the stale-pop counters as one
	// unit; the monitor and every caller share it.
	mu      sync.Mutex
	buckets map[string]map[string]*entry
	heap    expiryHeap
	total   int
	gen     uint64
	popped  uint64
	stale   uint64

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	hooks   *hookRegistry
	sandbox *sandbox
	locks   *lockManager
	flight  singleflight.Group
}

// New builds a Store and starts its expiry monitor.
func New(opts ...Option) *Store {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Store{
		cfg:     cfg,
		log:     cfg.logger,
		buckets: make(map[string]map[string]*entry),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.sandbox = newSandbox(cfg.hookWorkers, cfg.hookTimeout, cfg.logger)
	s.hooks = newHookRegistry(s.sandbox)
	s.locks = newLockManager(cfg.logger)
	go s.monitor()
	return s
}

// Set encrypts value and stores it under key. Overwrites bump the entry's
// generation, which invalidates any expiry already scheduled for the old
// version. The write is mirrored to the call's backend when Persist is
// given; mirror failures are swallowed.
func (s *Store) Set(key string, value []byte, opts ...CallOption) error {
	if key == "" {
		return ErrEmptyKey
	}
	co := s.callOpts(opts)

	blob, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", key, err)
	}
	expireAt := deadline(co.ttl)

	s.mu.Lock()
	err = s.putLocked(co.bucket, key, blob, expireAt, co.onAccess, co.onExpire)
	s.mu.Unlock()
	if err != nil {
		telemetry.StoreOps.WithLabelValues("set", "rejected").Inc()
		return err
	}
	telemetry.StoreOps.WithLabelValues("set", "ok").Inc()

	if co.persist && co.backend != nil {
		s.mirror("set", co.backend, func(ctx context.Context) error {
			return co.backend.Set(ctx, Record{
				Bucket:   co.bucket,
				Key:      key,
				Value:    blob,
				ExpireAt: unixSeconds(expireAt),
			})
		})
	}

	s.hooks.fire(EventSet, key, value, nil)
	return nil
}

// putLocked creates or overwrites the entry and schedules its expiry.
// Caller holds s.mu.
func (s *Store) putLocked(bucket, key string, blob []byte, expireAt int64, onAccess, onExpire HookFunc) error {
	b := s.buckets[bucket]
	e := b[key]
	if e == nil {
		if s.cfg.maxTotalKeys > 0 && s.total >= s.cfg.maxTotalKeys {
			return fmt.Errorf("%w: store holds %d keys", ErrCapacityExceeded, s.total)
		}
		if s.cfg.maxKeysPerBucket > 0 && len(b) >= s.cfg.maxKeysPerBucket {
			return fmt.Errorf("%w: bucket %q holds %d keys", ErrCapacityExceeded, bucket, len(b))
		}
		if b == nil {
			b = make(map[string]*entry)
			s.buckets[bucket] = b
		}
		e = &entry{bucket: bucket, key: key}
		b[key] = e
		s.total++
	}

	s.gen++
	e.generation = s.gen
	e.ciphertext = blob
	e.expireAt = expireAt
	e.onAccess = onAccess
	e.onExpire = onExpire

	if expireAt != noExpiry {
		heap.Push(&s.heap, heapItem{at: expireAt, generation: e.generation, bucket: bucket, key: key})
		// Wake the monitor only when this write became the soonest deadline.
		if s.heap[0].generation == e.generation {
			s.signalWake()
		}
	}
	return nil
}

// Get returns the decrypted value for key. A lazily-discovered expired entry
// is evicted and treated as absent. On a miss with a backend supplied the
// store attempts rehydration before giving up.
func (s *Store) Get(key string, opts ...CallOption) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	co := s.callOpts(opts)

	now := time.Now().UnixNano()
	var lazy *entry

	s.mu.Lock()
	e := s.buckets[co.bucket][key]
	if e != nil && e.expired(now) {
		s.removeLocked(co.bucket, key)
		lazy = e
		e = nil
	}
	var blob []byte
	var entryHook HookFunc
	if e != nil {
		blob = e.ciphertext
		entryHook = e.onAccess
	}
	s.mu.Unlock()

	if lazy != nil {
		s.fireExpire(lazy)
	}

	if blob == nil {
		if co.backend == nil {
			telemetry.StoreOps.WithLabelValues("get", "miss").Inc()
			return nil, ErrKeyNotFound
		}
		var ok bool
		blob, ok = s.rehydrate(co, key)
		if !ok {
			telemetry.StoreOps.WithLabelValues("get", "miss").Inc()
			return nil, ErrKeyNotFound
		}
	}

	value, err := s.open(blob)
	if err != nil {
		telemetry.StoreOps.WithLabelValues("get", "decrypt_error").Inc()
		return nil, fmt.Errorf("decrypt %q: %w", key, err)
	}
	telemetry.StoreOps.WithLabelValues("get", "hit").Inc()

	s.hooks.fire(EventAccess, key, value, entryHook)
	return value, nil
}

// rehydrate pulls (bucket, key) from the backend, concurrent misses
// deduplicated through singleflight, and re-inserts the record with its
// remaining lifetime. Backend errors are swallowed: the miss stands.
func (s *Store) rehydrate(co callOpts, key string) ([]byte, bool) {
	flightKey := co.bucket + "\x00" + key
	v, err, _ := s.flight.Do(flightKey, func() (interface{}, error) {
		rec, ok, err := co.backend.Get(context.Background(), co.bucket, key)
		if err != nil {
			telemetry.BackendErrors.WithLabelValues("get").Inc()
			s.log.Warn("backend read failed",
				zap.String("bucket", co.bucket), zap.String("key", key), zap.Error(err))
			return nil, ErrKeyNotFound
		}
		if !ok || rec.Expired(time.Now()) {
			return nil, ErrKeyNotFound
		}

		expireAt := noExpiry
		if rec.ExpireAt > 0 {
			expireAt = int64(rec.ExpireAt * float64(time.Second))
		}
		s.mu.Lock()
		if live := s.buckets[co.bucket][key]; live != nil {
			// A writer beat the rehydration; its value wins.
			blob := live.ciphertext
			s.mu.Unlock()
			return blob, nil
		}
		// Capacity rejection only skips the cache fill, the value is still
		// served.
		_ = s.putLocked(co.bucket, key, rec.Value, expireAt, nil, nil)
		s.mu.Unlock()
		telemetry.Rehydrations.Inc()
		return rec.Value, nil
	})
	if err != nil {
		return nil, false
	}
	return v.([]byte), true
}

// Delete removes key from the store. Deleting an absent key is a no-op.
// With Persist and a backend, the mirror row is deleted best-effort too.
func (s *Store) Delete(key string, opts ...CallOption) error {
	if key == "" {
		return ErrEmptyKey
	}
	co := s.callOpts(opts)

	s.mu.Lock()
	removed := s.removeLocked(co.bucket, key)
	s.mu.Unlock()

	outcome := "noop"
	if removed != nil {
		outcome = "ok"
	}
	telemetry.StoreOps.WithLabelValues("delete", outcome).Inc()

	if co.persist && co.backend != nil {
		s.mirror("delete", co.backend, func(ctx context.Context) error {
			return co.backend.Delete(ctx, co.bucket, key)
		})
	}
	return nil
}

// Keys lists the live keys of the call's bucket. Entries already past their
// deadline are skipped; the monitor removes them.
func (s *Store) Keys(opts ...CallOption) []string {
	co := s.callOpts(opts)
	now := time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[co.bucket]
	keys := make([]string, 0, len(b))
	for k, e := range b {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Items returns every live (key, value) of the bucket via repeated Get
// calls: access hooks fire per key, exactly as individual Gets would.
func (s *Store) Items(opts ...CallOption) (map[string][]byte, error) {
	items := make(map[string][]byte)
	for _, k := range s.Keys(opts...) {
		v, err := s.Get(k, opts...)
		if err == nil {
			items[k] = v
			continue
		}
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		return items, err
	}
	return items, nil
}

// Count returns the number of live entries in the call's bucket.
func (s *Store) Count(opts ...CallOption) int {
	co := s.callOpts(opts)
	now := time.Now().UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.buckets[co.bucket] {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// RegisterCallback registers a synchronous callback for kind and returns
// its registration id.
func (s *Store) RegisterCallback(kind EventKind, fn HookFunc, opts ...HookOption) string {
	return s.hooks.register(kind, fn, nil, opts)
}

// RegisterAsyncCallback registers a callback that hands back a completion
// channel; completion is observed under the same timeout and fault
// contract as synchronous callbacks.
func (s *Store) RegisterAsyncCallback(kind EventKind, fn AsyncHookFunc, opts ...HookOption) string {
	return s.hooks.register(kind, nil, fn, opts)
}

// UnregisterCallback permanently removes a registration.
func (s *Store) UnregisterCallback(id string) bool { return s.hooks.unregister(id) }

// SetCallbackEnabled toggles a registration without removing it; disabled
// registrations are skipped in firing order.
func (s *Store) SetCallbackEnabled(id string, enabled bool) bool {
	return s.hooks.setEnabled(id, enabled)
}

// Lock acquires the opt-in per-key mutex, independent of the store's
// internal lock. It spans whatever get/set sequence the caller wants to
// make a critical section.
func (s *Store) Lock(key string, timeout time.Duration) bool {
	return s.locks.Lock(key, timeout)
}

// Unlock releases the per-key mutex.
func (s *Store) Unlock(key string) { s.locks.Unlock(key) }

// Stop terminates the monitor and the callback workers. The join is
// bounded: a monitor or worker stuck inside invoked code is logged and
// abandoned, not killed. Stop is idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.done:
		case <-time.After(s.cfg.joinTimeout):
			s.log.Warn("expiry monitor did not stop before deadline",
				zap.Duration("timeout", s.cfg.joinTimeout))
		}
		s.sandbox.close(s.cfg.joinTimeout)
	})
}

// removeLocked drops the entry from the map. Any heap item still scheduled
// for it turns stale and is discarded on pop. Caller holds s.mu.
func (s *Store) removeLocked(bucket, key string) *entry {
	b := s.buckets[bucket]
	e := b[key]
	if e == nil {
		return nil
	}
	delete(b, key)
	if len(b) == 0 {
		delete(s.buckets, bucket)
	}
	s.total--
	return e
}

func (s *Store) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// mirror runs one best-effort backend call: the error is counted and
// logged, never returned.
func (s *Store) mirror(op string, _ Backend, call func(ctx context.Context) error) {
	if err := call(context.Background()); err != nil {
		telemetry.BackendErrors.WithLabelValues(op).Inc()
		s.log.Warn("backend mirror failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) seal(value []byte) ([]byte, error) {
	if s.cfg.cipher == nil {
		return append([]byte(nil), value...), nil
	}
	return s.cfg.cipher.Encrypt(value)
}

func (s *Store) open(blob []byte) ([]byte, error) {
	if s.cfg.cipher == nil {
		return append([]byte(nil), blob...), nil
	}
	return s.cfg.cipher.Decrypt(blob)
}

// openQuiet decrypts for hook delivery; when decryption fails the opaque
// blob is passed through so the expire hook still observes the last known
// value.
func (s *Store) openQuiet(blob []byte) []byte {
	v, err := s.open(blob)
	if err != nil {
		return blob
	}
	return v
}

func deadline(ttl time.Duration) int64 {
	if ttl < 0 {
		return noExpiry
	}
	return time.Now().Add(ttl).UnixNano()
}

func unixSeconds(expireAt int64) float64 {
	if expireAt == noExpiry {
		return 0
	}
	return float64(expireAt) / float64(time.Second)
}
