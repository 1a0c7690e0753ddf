// Package redis provides a [kv.Store] backed by a Redis-compatible server
// via github.com/redis/go-redis. Select it for durable session persistence;
// the in-memory store remains the default when no Redis address is
// configured.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wallbounce/wallbounce/pkg/kv"
)

// Compile-time check that *Store satisfies [kv.Store].
var _ kv.Store = (*Store)(nil)

// Config holds connection settings for the Redis backend.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database. Default 0.
	DB int

	// DialTimeout bounds the initial connection. Default 5s.
	DialTimeout time.Duration
}

// Store is a Redis-backed key-value store.
type Store struct {
	client *goredis.Client
}

// New creates a Store and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("kv redis: addr must not be empty")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv redis: ping %q: %w", cfg.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv redis: get %q: %w", key, err)
	}
	return val, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv redis: set %q: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv redis: delete %q: %w", key, err)
	}
	return nil
}

// SetAdd implements kv.Store.
func (s *Store) SetAdd(ctx context.Context, setKey, member string) error {
	if err := s.client.SAdd(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("kv redis: sadd %q: %w", setKey, err)
	}
	return nil
}

// SetMembers implements kv.Store.
func (s *Store) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("kv redis: smembers %q: %w", setKey, err)
	}
	return members, nil
}

// SetRemove implements kv.Store.
func (s *Store) SetRemove(ctx context.Context, setKey, member string) error {
	if err := s.client.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("kv redis: srem %q: %w", setKey, err)
	}
	return nil
}

// Ping implements kv.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv redis: ping: %w", err)
	}
	return nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
