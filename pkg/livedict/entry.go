package livedict

import "time"

// NeverExpire is the TTL sentinel for entries that must not auto-expire.
const NeverExpire = time.Duration(-1)

// DefaultBucket is used when a call names no bucket.
const DefaultBucket = "default"

// noExpiry is the internal expireAt sentinel. Entries carrying it are never
// pushed onto the expiry heap.
const noExpiry = int64(-1)

type entry struct {
	bucket     string
	key        string
	ciphertext []byte
	expireAt   int64 // unix nanos, or noExpiry
	generation uint64

	onAccess HookFunc
	onExpire HookFunc
}

func (e *entry) expired(now int64) bool {
	return e.expireAt != noExpiry && e.expireAt <= now
}
