package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/lfslock/internal/errors"
)

const defaultRedisOpTimeout = 2 * time.Second

// RedisStore keeps keys in Redis under a prefix.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix namespaces every key, typically by repository.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects to addr/db and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	s := NewRedisStore(client, opts...)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Ping(cctx).Err(); err != nil {
		_ = client.Close()
		return nil, s.wrap(err)
	}
	return s, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("redis", s.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return errors.ErrCanceled
	}
	return err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err)
	}
	return data, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.wrap(s.client.Set(cctx, s.key(key), value, 0).Err())
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.wrap(s.client.Del(cctx, s.key(key)).Err())
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
