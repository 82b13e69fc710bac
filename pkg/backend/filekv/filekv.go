// Package filekv is a file-based livedict backend: one snappy-compressed
// JSON record per (bucket, key), written atomically.
package filekv

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

const recordExt = ".rec"

// Backend stores records under dir/<bucket>/<key>.rec with bucket and key
// names encoded to stay path-safe.
type Backend struct {
	dir string
	log *zap.Logger
}

// New creates the root directory if needed.
func New(dir string, log *zap.Logger) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filekv: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{dir: dir, log: log}, nil
}

func encodeName(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func decodeName(s string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	return string(raw), err
}

func (b *Backend) path(bucket, key string) string {
	return filepath.Join(b.dir, encodeName(bucket), encodeName(key)+recordExt)
}

func (b *Backend) Set(_ context.Context, rec livedict.Record) error {
	path := b.path(rec.Bucket, rec.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filekv: %w", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filekv: encode record: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(snappy.Encode(nil, raw))); err != nil {
		return fmt.Errorf("filekv: write record: %w", err)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, bucket, key string) (livedict.Record, bool, error) {
	rec, ok, err := b.readRecord(b.path(bucket, key))
	if err != nil {
		return livedict.Record{}, false, err
	}
	if ok && !rec.Expired(time.Now()) {
		return rec, true, nil
	}
	// Tolerant fallback: the most recently written non-expired record under
	// the same key in any other bucket.
	return b.fallback(bucket, key)
}

func (b *Backend) fallback(bucket, key string) (livedict.Record, bool, error) {
	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		return livedict.Record{}, false, fmt.Errorf("filekv: %w", err)
	}
	var (
		best      livedict.Record
		bestTime  time.Time
		found     bool
		encBucket = encodeName(bucket)
		fileName  = encodeName(key) + recordExt
	)
	now := time.Now()
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == encBucket {
			continue
		}
		path := filepath.Join(b.dir, d.Name(), fileName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		rec, ok, err := b.readRecord(path)
		if err != nil || !ok || rec.Expired(now) {
			continue
		}
		if !found || info.ModTime().After(bestTime) {
			best, bestTime, found = rec, info.ModTime(), true
		}
	}
	return best, found, nil
}

func (b *Backend) readRecord(path string) (livedict.Record, bool, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return livedict.Record{}, false, nil
		}
		return livedict.Record{}, false, fmt.Errorf("filekv: %w", err)
	}
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return livedict.Record{}, false, fmt.Errorf("filekv: corrupt record %s: %w", path, err)
	}
	var rec livedict.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return livedict.Record{}, false, fmt.Errorf("filekv: corrupt record %s: %w", path, err)
	}
	return rec, true, nil
}

func (b *Backend) Delete(_ context.Context, bucket, key string) error {
	err := os.Remove(b.path(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filekv: %w", err)
	}
	return nil
}

func (b *Backend) Keys(_ context.Context, bucket string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, encodeName(bucket)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filekv: %w", err)
	}
	now := time.Now()
	keys := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if filepath.Ext(name) != recordExt {
			continue
		}
		rec, ok, err := b.readRecord(filepath.Join(b.dir, encodeName(bucket), name))
		if err != nil || !ok || rec.Expired(now) {
			continue
		}
		key, err := decodeName(name[:len(name)-len(recordExt)])
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Cleanup removes every expired record file and prunes empty bucket
// directories.
func (b *Backend) Cleanup(_ context.Context) (int, error) {
	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("filekv: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		bucketDir := filepath.Join(b.dir, d.Name())
		files, err := os.ReadDir(bucketDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			path := filepath.Join(bucketDir, f.Name())
			rec, ok, err := b.readRecord(path)
			if err != nil || !ok {
				continue
			}
			if rec.Expired(now) && os.Remove(path) == nil {
				removed++
			}
		}
		// Best effort: drop the directory once it is empty.
		_ = os.Remove(bucketDir)
	}
	if removed > 0 {
		b.log.Debug("cleaned expired records", zap.Int("removed", removed))
	}
	return removed, nil
}
