package livedict

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/internal/telemetry"
)

// EventKind names a hook trigger point.
type EventKind int

const (
	EventSet EventKind = iota
	EventAccess
	EventExpire
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventAccess:
		return "access"
	case EventExpire:
		return "expire"
	}
	return "unknown"
}

// HookFunc is a synchronous callback. A non-nil return is treated as a
// callback fault: logged, never propagated to the triggering operation.
type HookFunc func(key string, value []byte) error

// AsyncHookFunc starts work and hands back a completion channel. The channel
// is observed under the same timeout and fault contract as HookFunc; a nil
// channel counts as immediate success.
type AsyncHookFunc func(key string, value []byte) <-chan error

// HookOption adjusts one callback registration.
type HookOption func(*registration)

// WithHookKey scopes the registration to a single key.
func WithHookKey(key string) HookOption { return func(r *registration) { r.key = key } }

// WithTimeout overrides the store-wide callback timeout for this
// registration.
func WithTimeout(d time.Duration) HookOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}

type registration struct {
	id      string
	kind    EventKind
	fn      HookFunc
	asyncFn AsyncHookFunc
	key     string
	timeout time.Duration
	enabled bool
}

// hookRegistry holds registrations in registration order.
type hookRegistry struct {
	mu   sync.RWMutex
	regs []*registration
	byID map[string]*registration
	sb   *sandbox
}

func newHookRegistry(sb *sandbox) *hookRegistry {
	return &hookRegistry{byID: make(map[string]*registration), sb: sb}
}

func (r *hookRegistry) register(kind EventKind, fn HookFunc, asyncFn AsyncHookFunc, opts []HookOption) string {
	reg := &registration{
		id:      uuid.NewString(),
		kind:    kind,
		fn:      fn,
		asyncFn: asyncFn,
		enabled: true,
	}
	for _, opt := range opts {
		opt(reg)
	}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.byID[reg.id] = reg
	r.mu.Unlock()
	return reg.id
}

func (r *hookRegistry) unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, reg := range r.regs {
		if reg.id == id {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			break
		}
	}
	return true
}

func (r *hookRegistry) setEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	reg.enabled = enabled
	return true
}

// fire runs every matching registration in registration order, then the
// entry-scoped hook, each through the sandbox. Callers must not hold the
// store lock.
func (r *hookRegistry) fire(kind EventKind, key string, value []byte, entryHook HookFunc) {
	var targets []*registration
	r.mu.RLock()
	for _, reg := range r.regs {
		if reg.kind == kind && reg.enabled && (reg.key == "" || reg.key == key) {
			targets = append(targets, reg)
		}
	}
	r.mu.RUnlock()

	for _, reg := range targets {
		r.sb.invoke(kind, reg, key, value)
	}
	if entryHook != nil {
		r.sb.invoke(kind, &registration{fn: entryHook, enabled: true}, key, value)
	}
}

// sandbox runs callbacks on a worker pool bound to one store instance. The
// caller waits for completion up to the registration's timeout; the worker
// is not preempted when the caller stops waiting, it keeps running in the
// background until the callback returns.
type sandbox struct {
	log            *zap.Logger
	tasks          chan func()
	quit           chan struct{}
	wg             sync.WaitGroup
	defaultTimeout time.Duration
}

func newSandbox(workers int, defaultTimeout time.Duration, log *zap.Logger) *sandbox {
	sb := &sandbox{
		log:            log,
		tasks:          make(chan func(), 128),
		quit:           make(chan struct{}),
		defaultTimeout: defaultTimeout,
	}
	for i := 0; i < workers; i++ {
		sb.wg.Add(1)
		go sb.worker()
	}
	return sb
}

func (sb *sandbox) worker() {
	defer sb.wg.Done()
	for {
		select {
		case fn := <-sb.tasks:
			fn()
		case <-sb.quit:
			return
		}
	}
}

func (sb *sandbox) invoke(kind EventKind, reg *registration, key string, value []byte) {
	timeout := reg.timeout
	if timeout <= 0 {
		timeout = sb.defaultTimeout
	}

	done := make(chan error, 1)
	run := func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("callback panic: %v", p)
			}
		}()
		if reg.asyncFn != nil {
			ch := reg.asyncFn(key, value)
			if ch == nil {
				done <- nil
				return
			}
			done <- <-ch
			return
		}
		done <- reg.fn(key, value)
	}

	// Overflow onto a fresh goroutine when every worker is busy (or the
	// pool already shut down) so a slow callback cannot stall unrelated
	// events.
	select {
	case <-sb.quit:
		go run()
	default:
		select {
		case sb.tasks <- run:
		default:
			go run()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			telemetry.HookOutcomes.WithLabelValues(kind.String(), "fault").Inc()
			sb.log.Warn("callback failed",
				zap.String("event", kind.String()),
				zap.String("callback", reg.id),
				zap.String("key", key),
				zap.Error(err))
		}
	case <-timer.C:
		telemetry.HookOutcomes.WithLabelValues(kind.String(), "timeout").Inc()
		sb.log.Warn("callback timed out, abandoning wait",
			zap.String("event", kind.String()),
			zap.String("callback", reg.id),
			zap.String("key", key),
			zap.Duration("timeout", timeout))
	}
}

// close stops the workers and waits up to timeout for them to drain. A
// worker stuck inside a user callback is abandoned, not killed.
func (sb *sandbox) close(timeout time.Duration) {
	close(sb.quit)
	idle := make(chan struct{})
	go func() {
		sb.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(timeout):
		sb.log.Warn("callback workers did not drain before deadline", zap.Duration("timeout", timeout))
	}
}
