package state

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "tiergate:doc:"
	redisOpTimeout = 500 * time.Millisecond
)

// RedisBackend stores each document as a plain string value under
// "tiergate:doc:<name>". Operations carry a short timeout so a slow or dead
// server degrades to "document absent" instead of stalling requests.
type RedisBackend struct {
	client *redis.Client
}

// RedisOptions are the connection parameters from the environment surface.
// URL is parsed first; the remaining fields override what it carries.
type RedisOptions struct {
	URL      string
	Username string
	Password string
	DB       int
	TLS      bool
}

// NewRedisBackend builds the client and verifies connectivity with a bounded
// ping. A failed ping is not fatal: the backend is still returned so it can
// recover later, with ok=false telling the caller the handshake missed.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, bool, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, false, fmt.Errorf("state: parse redis url: %w", err)
	}
	if opts.Username != "" {
		parsed.Username = opts.Username
	}
	if opts.Password != "" {
		parsed.Password = opts.Password
	}
	if opts.DB != 0 {
		parsed.DB = opts.DB
	}
	if opts.TLS && parsed.TLSConfig == nil {
		parsed.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cli := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok := cli.Ping(pingCtx).Err() == nil
	return &RedisBackend{client: cli}, ok, nil
}

// NewRedisBackendFromClient wraps an existing client; the caller owns its
// lifecycle. Used by tests with miniredis.
func NewRedisBackendFromClient(cli *redis.Client) *RedisBackend {
	return &RedisBackend{client: cli}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, doc string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := b.client.Get(ctx, redisKeyPrefix+doc).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state: redis GET %s: %w", doc, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, doc string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := b.client.Set(ctx, redisKeyPrefix+doc, raw, 0).Err(); err != nil {
		return fmt.Errorf("state: redis SET %s: %w", doc, err)
	}
	return nil
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
