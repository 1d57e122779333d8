package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"blobgate/pkg/core"
	"blobgate/pkg/storage"
	"blobgate/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedStore decorates a storage.Store with a Redis existence cache.
// Payloads are never cached; only "this hash is stored" markers are.
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

type Config struct {
	RedisURL string // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// fail fast
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newWithClient(backend, client, cfg.TTL), nil
}

func newWithClient(backend storage.Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     ttl,
		logger:  slog.Default().With("component", "object-cache"),
	}
}

func (s *CachedStore) cacheKey(hash types.Hash) string {
	return "blobgate:obj:" + hash.String()
}

// Has consults Redis first. A Redis failure degrades to the backend.
func (s *CachedStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.cacheKey(hash)

	// 1. Redis
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.logger.Warn("redis exists failed, falling back", "error", err)
	} else if val > 0 {
		return true, nil
	}

	// 2. Miss
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. Fill asynchronously; the caller's ctx may already be done
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

func (s *CachedStore) Put(ctx context.Context, obj core.Object) error {
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, obj); err != nil {
		return err
	}

	// only after the backend accepted it
	if err := s.client.Set(ctx, s.cacheKey(obj.ID()), "1", s.ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", "error", err)
	}
	return nil
}

func (s *CachedStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	return s.backend.Get(ctx, hash)
}

func (s *CachedStore) Close() error {
	return s.client.Close()
}
