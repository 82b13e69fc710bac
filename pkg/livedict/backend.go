package livedict

import (
	"context"
	"time"
)

// Record is the logical row shape every backend persists. ExpireAt is unix
// seconds; values <= 0 mean no expiry.
type Record struct {
	Bucket   string  `json:"bucket"`
	Key      string  `json:"key"`
	Value    []byte  `json:"value"`
	ExpireAt float64 `json:"expire_at"`
}

// Expired reports whether the record's deadline has passed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpireAt > 0 && r.ExpireAt <= float64(now.UnixNano())/float64(time.Second)
}

// Backend is an external mirror target. Every call the store makes into a
// backend is best-effort: errors are logged and swallowed, never surfaced
// from the triggering Set/Get/Delete.
type Backend interface {
	// Set mirrors one encrypted record.
	Set(ctx context.Context, rec Record) error

	// Get returns the record for (bucket, key), or ok=false when absent.
	// Implementations may apply a tolerant fallback and serve the most
	// recent non-expired record under the same key from another bucket.
	Get(ctx context.Context, bucket, key string) (Record, bool, error)

	// Delete removes the record; deleting an absent record is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// Keys lists the keys stored under bucket.
	Keys(ctx context.Context, bucket string) ([]string, error)

	// Cleanup removes expired records and returns how many were dropped.
	Cleanup(ctx context.Context) (int, error)
}

// Cipher encrypts values before they reach the store map or a backend.
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}
