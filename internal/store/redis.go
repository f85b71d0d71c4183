package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisKeyPrefix namespaces snapshot keys in a shared Redis instance.
const redisKeyPrefix = "discovery:"

// RedisAPI is the subset of redis.Cmdable the backend uses.
type RedisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend stores zstd-compressed snapshots in Redis.
// A zero TTL stores keys without expiry.
type RedisBackend struct {
	rdb RedisAPI
	ttl time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(rdb RedisAPI, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

// OpenRedis parses a redis:// URL (or a bare host:port), connects, and pings
// the server. The returned client must be closed by the caller.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		// The parse error may quote the raw URL, credentials included.
		opt = &redis.Options{Addr: stripUserinfo(url)}
		log.Warn().Str("addr", opt.Addr).Msg("Failed to parse Redis URL, using it as an address")
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return rdb, nil
}

// stripUserinfo drops everything before the last '@' of the authority, so an
// address is safe to log.
func stripUserinfo(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		scheme, rest = "", raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	if scheme == "" {
		return rest
	}
	return scheme + "://" + rest
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return decompress(data)
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	payload, err := compress(value)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}
