package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"blobgate/pkg/core"
	"blobgate/pkg/storage"
	"blobgate/pkg/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Adapter stores objects in a MinIO (or any S3-compatible) bucket through
// the native minio client.
type Adapter struct {
	client *minio.Client
	bucket string
	prefix string
}

type Config struct {
	Endpoint        string // host:port, no scheme
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
}

// NewAdapter connects and makes sure the bucket exists.
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	// 1. Client; Secure picks https
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	// 2. Bucket, created on first use
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client, e.g. one pointed at a test container.
func NewWithClient(client *minio.Client, bucket, prefix string) *Adapter {
	return &Adapter{client: client, bucket: bucket, prefix: prefix}
}

// key uses the same two-character sharding as the disk and s3 stores.
func (s *Adapter) key(hash types.Hash) string {
	h := hash.String()
	if len(h) >= 2 {
		h = h[:2] + "/" + h[2:]
	}
	return path.Join(s.prefix, h)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	// 1. Content addressed: an existing key already holds these bytes
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// 2. Upload with a known size, so minio sends a single PUT
	data := obj.Bytes()
	_, err = s.client.PutObject(ctx, s.bucket, s.key(obj.ID()), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("minio put failed: %w", err)
	}
	return nil
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(hash), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("minio get failed: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key now rather than on Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("minio get failed: %w", err)
	}
	return obj, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(hash), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}
