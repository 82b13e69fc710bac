package livedict

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// keyLock is a channel mutex shared by everyone contending on one key.
// refs counts the holder plus waiters; the lock is reclaimed at zero.
type keyLock struct {
	ch   chan struct{}
	refs int
}

type lockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	log   *zap.Logger
}

func newLockManager(log *zap.Logger) *lockManager {
	return &lockManager{locks: make(map[string]*keyLock), log: log}
}

// Lock acquires the per-key mutex, waiting at most timeout. It reports
// whether the lock was acquired; contention never raises.
func (m *lockManager) Lock(key string, timeout time.Duration) bool {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	if timeout <= 0 {
		select {
		case kl.ch <- struct{}{}:
			return true
		default:
			m.release(key, kl)
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case kl.ch <- struct{}{}:
		return true
	case <-timer.C:
		m.release(key, kl)
		return false
	}
}

// Unlock releases the per-key mutex. Unlocking a key that is not held is a
// warning, not an error.
func (m *lockManager) Unlock(key string) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("unlock of unknown key", zap.String("key", key))
		return
	}
	select {
	case <-kl.ch:
		m.release(key, kl)
	default:
		m.log.Warn("unlock of key that is not held", zap.String("key", key))
	}
}

func (m *lockManager) release(key string, kl *keyLock) {
	m.mu.Lock()
	kl.refs--
	if kl.refs <= 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
