// Package kv is the typed façade over the shared Redis store. All state
// that outlives a single request lives here: the endpoint cache, quota
// counters, request buffers, the dedup index, the active-slug set, and
// the circuit-breaker keys. Every compound mutation runs as a server-side
// Lua script so that concurrent gateway processes cannot interleave.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Everything below is shared across gateway processes.
const (
	endpointPrefix  = "ep:"
	quotaSlugPrefix = "quota:"
	quotaUserPrefix = "quota:user:"
	bufferPrefix    = "buf:"
	activeSetKey    = "buf:active"
	dedupPrefix     = "dedup:"
)

// Store wraps a Redis client plus the cache TTLs. It is a cheap handle:
// copy it freely, the underlying client is shared and goroutine-safe.
type Store struct {
	rdb         *redis.Client
	EndpointTTL time.Duration
	QuotaTTL    time.Duration
}

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	EndpointTTL time.Duration
	QuotaTTL    time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	return &Store{
		rdb:         rdb,
		EndpointTTL: opts.EndpointTTL,
		QuotaTTL:    opts.QuotaTTL,
	}, nil
}

// NewWithClient builds a Store around an existing client. Used by tests
// that run against miniredis.
func NewWithClient(rdb *redis.Client, endpointTTL, quotaTTL time.Duration) *Store {
	return &Store{rdb: rdb, EndpointTTL: endpointTTL, QuotaTTL: quotaTTL}
}

// Close shuts down the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
