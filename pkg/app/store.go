package app

import (
	"context"
	"fmt"
	"log/slog"

	"blobgate/pkg/config"
	"blobgate/pkg/storage"
	"blobgate/pkg/storage/cache"
	"blobgate/pkg/storage/compress"
	"blobgate/pkg/storage/disk"
	"blobgate/pkg/storage/minio"
	"blobgate/pkg/storage/s3"
)

// initStore builds the object store stack: backend, then compression.
func initStore(ctx context.Context, cfg config.Storage) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Type {
	case "disk", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage path not set")
		}
		store, err = disk.NewAdapter(cfg.Path)
	case "s3":
		store, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	case "minio":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("minio: bucket is required")
		}
		store, err = minio.NewAdapter(ctx, minio.Config{
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			Secure:          cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init %s storage: %w", cfg.Type, err)
	}

	codec, err := compress.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if codec != compress.None {
		store = compress.NewStore(store, codec)
	}
	return store, nil
}

// withCache puts the redis read-through cache in front of store when a URL
// is configured. The returned closer is nil when no cache was added.
func withCache(store storage.Store, cfg config.Redis) (storage.Store, func() error, error) {
	if cfg.URL == "" {
		return store, nil, nil
	}
	cached, err := cache.NewCachedStore(store, cache.Config{RedisURL: cfg.URL, TTL: cfg.TTL})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("object cache enabled", "ttl", cfg.TTL)
	return cached, cached.Close, nil
}
