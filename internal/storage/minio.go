package storage

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const audioContentType = "audio/wav"

const (
	// MinPartSize is the smallest multipart part S3 accepts.
	MinPartSize uint64 = 5 << 20
	// DefaultPartSize bounds the buffer PutObject allocates for each upload
	// of unknown length.
	DefaultPartSize uint64 = 16 << 20
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips bucket location lookups when set.
	Region string
	// PartSize is the multipart buffer per upload. Zero selects
	// DefaultPartSize; smaller values are raised to MinPartSize.
	PartSize uint64
}

// MinioStore keeps objects in an S3 compatible bucket.
type MinioStore struct {
	cli      *minio.Client
	bucket   string
	partSize uint64

	mu          sync.Mutex
	bucketReady bool
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("storage: minio endpoint and bucket are required")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{cli: cli, bucket: cfg.Bucket, partSize: normalizePartSize(cfg.PartSize)}, nil
}

func normalizePartSize(size uint64) uint64 {
	switch {
	case size == 0:
		return DefaultPartSize
	case size < MinPartSize:
		return MinPartSize
	default:
		return size
	}
}

func (m *MinioStore) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: audioContentType,
		PartSize:    m.partSize,
	}
}

func (m *MinioStore) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}
	exists, err := m.cli.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.cli.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	m.bucketReady = true
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if err := m.ensureBucket(ctx); err != nil {
		return 0, err
	}
	info, err := m.cli.PutObject(ctx, m.bucket, key, r, -1, m.putOptions())
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (m *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ValidateKey(key); err != nil {
		return nil, 0, err
	}
	obj, err := m.cli.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return obj, st.Size, nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := m.cli.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
