package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"capa-platform/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// cacheClient is the subset of *redis.Client used by CachedReader.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedReader serves Get from Redis before falling back to next.
// Records never change once written, so entries are never invalidated;
// the TTL only bounds memory.
type CachedReader struct {
	next Reader
	rdb  cacheClient
	ttl  time.Duration
}

func NewCachedReader(next Reader, rdb cacheClient, ttl time.Duration) *CachedReader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedReader{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(id string) string { return "capa:audit:record:" + id }

func (c *CachedReader) List(ctx context.Context, f Filter, p PageRequest) ([]Record, int, error) {
	return c.next.List(ctx, f, p)
}

func (c *CachedReader) Get(ctx context.Context, id string) (Record, error) {
	key := cacheKey(id)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec Record
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			return rec, nil
		}
		logger.From(ctx).Warn("audit cache entry unreadable", "key", key)
	case !errors.Is(err, redis.Nil):
		// Redis trouble degrades to a direct read.
		logger.From(ctx).Warn("audit cache get failed", "key", key, "err", err)
	}

	rec, err := c.next.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if b, err := json.Marshal(rec); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			logger.From(ctx).Warn("audit cache set failed", "key", key, "err", err)
		}
	}
	return rec, nil
}
