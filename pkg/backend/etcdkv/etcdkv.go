// Package etcdkv is a remote livedict backend on etcd. Finite expiries map
// onto etcd leases, so Cleanup has nothing to do: the server drops expired
// keys itself.
package etcdkv

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

const defaultPrefix = "/livedict/"

// Backend stores records under <prefix><bucket>/<key> with path-escaped
// segments.
type Backend struct {
	cli    *clientv3.Client
	prefix string
	log    *zap.Logger
}

// New dials the etcd cluster.
func New(endpoints []string, log *zap.Logger) (*Backend, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdkv: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{cli: cli, prefix: defaultPrefix, log: log}, nil
}

func (b *Backend) Close() error { return b.cli.Close() }

func (b *Backend) path(bucket, key string) string {
	return b.prefix + url.PathEscape(bucket) + "/" + url.PathEscape(key)
}

func (b *Backend) Set(ctx context.Context, rec livedict.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("etcdkv: encode record: %w", err)
	}

	var opts []clientv3.OpOption
	if rec.ExpireAt > 0 {
		remaining := rec.ExpireAt - float64(time.Now().UnixNano())/float64(time.Second)
		ttl := int64(math.Ceil(remaining))
		if ttl < 1 {
			ttl = 1
		}
		lease, err := b.cli.Grant(ctx, ttl)
		if err != nil {
			return fmt.Errorf("etcdkv: grant lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := b.cli.Put(ctx, b.path(rec.Bucket, rec.Key), string(raw), opts...); err != nil {
		return fmt.Errorf("etcdkv: put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, bucket, key string) (livedict.Record, bool, error) {
	resp, err := b.cli.Get(ctx, b.path(bucket, key))
	if err != nil {
		return livedict.Record{}, false, fmt.Errorf("etcdkv: get: %w", err)
	}
	if len(resp.Kvs) > 0 {
		if rec, ok := decodeRecord(resp.Kvs[0].Value); ok && !rec.Expired(time.Now()) {
			return rec, true, nil
		}
	}
	return b.fallback(ctx, bucket, key)
}

// fallback scans the whole prefix for the same key under another bucket and
// returns the most recently modified live record.
func (b *Backend) fallback(ctx context.Context, bucket, key string) (livedict.Record, bool, error) {
	resp, err := b.cli.Get(ctx, b.prefix, clientv3.WithPrefix())
	if err != nil {
		return livedict.Record{}, false, fmt.Errorf("etcdkv: scan: %w", err)
	}
	suffix := "/" + url.PathEscape(key)
	skip := b.path(bucket, key)
	now := time.Now()

	var (
		best    livedict.Record
		bestRev int64
		found   bool
	)
	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		if k == skip || !strings.HasSuffix(k, suffix) {
			continue
		}
		rec, ok := decodeRecord(kv.Value)
		if !ok || rec.Expired(now) {
			continue
		}
		if !found || kv.ModRevision > bestRev {
			best, bestRev, found = rec, kv.ModRevision, true
		}
	}
	return best, found, nil
}

func decodeRecord(raw []byte) (livedict.Record, bool) {
	var rec livedict.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return livedict.Record{}, false
	}
	return rec, true
}

func (b *Backend) Delete(ctx context.Context, bucket, key string) error {
	if _, err := b.cli.Delete(ctx, b.path(bucket, key)); err != nil {
		return fmt.Errorf("etcdkv: delete: %w", err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context, bucket string) ([]string, error) {
	prefix := b.prefix + url.PathEscape(bucket) + "/"
	resp, err := b.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcdkv: keys: %w", err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		escaped := strings.TrimPrefix(string(kv.Key), prefix)
		key, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Cleanup is a no-op: leases expire server-side.
func (b *Backend) Cleanup(context.Context) (int, error) { return 0, nil }
