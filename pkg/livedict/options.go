package livedict

import (
	"time"

	"go.uber.org/zap"
)

type config struct {
	cipher           Cipher
	logger           *zap.Logger
	defaultTTL       time.Duration
	maxKeysPerBucket int
	maxTotalKeys     int
	hookWorkers      int
	hookTimeout      time.Duration
	compactRatio     float64
	compactFloor     int
	joinTimeout      time.Duration
}

func defaultConfig() config {
	return config{
		logger:       zap.NewNop(),
		defaultTTL:   NeverExpire,
		hookWorkers:  4,
		hookTimeout:  5 * time.Second,
		compactRatio: 0.5,
		compactFloor: 64,
		joinTimeout:  5 * time.Second,
	}
}

// Option configures a Store at construction time.
type Option func(*config)

// WithCipher sets the cipher used for every value. A nil cipher stores
// values as plaintext.
func WithCipher(c Cipher) Option { return func(cfg *config) { cfg.cipher = c } }

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithDefaultTTL sets the TTL applied when a Set names none.
// Defaults to NeverExpire.
func WithDefaultTTL(d time.Duration) Option { return func(cfg *config) { cfg.defaultTTL = d } }

// WithCapacity bounds the store. Zero means unlimited.
func WithCapacity(maxKeysPerBucket, maxTotalKeys int) Option {
	return func(cfg *config) {
		cfg.maxKeysPerBucket = maxKeysPerBucket
		cfg.maxTotalKeys = maxTotalKeys
	}
}

// WithHookWorkers sets the size of the callback worker pool.
func WithHookWorkers(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.hookWorkers = n
		}
	}
}

// WithHookTimeout sets the default bound on how long a triggering call
// waits for a callback. Individual registrations may override it.
func WithHookTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.hookTimeout = d
		}
	}
}

// WithCompaction tunes the heap rebuild trigger: when the fraction of stale
// items seen across pops exceeds ratio and the heap holds at least floor
// items, the heap is rebuilt from the live map.
func WithCompaction(ratio float64, floor int) Option {
	return func(cfg *config) {
		cfg.compactRatio = ratio
		if floor > 0 {
			cfg.compactFloor = floor
		}
	}
}

type callOpts struct {
	bucket   string
	ttl      time.Duration
	ttlSet   bool
	persist  bool
	backend  Backend
	onAccess HookFunc
	onExpire HookFunc
}

// CallOption adjusts a single Set/Get/Delete/Keys/Items call.
type CallOption func(*callOpts)

// WithBucket routes the call to a named bucket instead of DefaultBucket.
func WithBucket(bucket string) CallOption {
	return func(o *callOpts) {
		if bucket != "" {
			o.bucket = bucket
		}
	}
}

// WithTTL sets the entry's TTL. Pass NeverExpire to disable auto-expiry.
func WithTTL(d time.Duration) CallOption {
	return func(o *callOpts) {
		o.ttl = d
		o.ttlSet = true
	}
}

// NoExpire is shorthand for WithTTL(NeverExpire).
func NoExpire() CallOption { return WithTTL(NeverExpire) }

// WithBackend supplies the mirror target for this call: Set/Delete mirror to
// it when Persist is also given, Get rehydrates from it on a miss.
func WithBackend(b Backend) CallOption { return func(o *callOpts) { o.backend = b } }

// Persist mirrors the write (or delete) to the call's backend. Mirror
// failures are logged and swallowed.
func Persist() CallOption { return func(o *callOpts) { o.persist = true } }

// WithOnAccess attaches an access hook to the entry being set.
func WithOnAccess(fn HookFunc) CallOption { return func(o *callOpts) { o.onAccess = fn } }

// WithOnExpire attaches an expire hook to the entry being set.
func WithOnExpire(fn HookFunc) CallOption { return func(o *callOpts) { o.onExpire = fn } }

func (s *Store) callOpts(opts []CallOption) callOpts {
	co := callOpts{bucket: DefaultBucket, ttl: s.cfg.defaultTTL}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}
