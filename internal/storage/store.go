// Package storage keeps generated audio in durable blob storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/smallbiznis/voxa/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrNotFound   = errors.New("object_not_found")
	ErrInvalidKey = errors.New("invalid_object_key")
)

// Store reads and writes whole objects by key.
type Store interface {
	// Put stores everything read from r under key and returns the byte count.
	// The object becomes visible only after r is fully consumed.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Exists(ctx context.Context, key string) (bool, error)
}

var Module = fx.Module("storage",
	fx.Provide(New),
)

func New(cfg config.Config, log *zap.Logger) (Store, error) {
	log = log.Named("storage")
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", config.StorageDriverLocal:
		log.Info("using local audio storage", zap.String("dir", cfg.Storage.LocalDir))
		return NewLocalStore(cfg.Storage.LocalDir)
	case config.StorageDriverMinio:
		log.Info("using minio audio storage",
			zap.String("endpoint", cfg.Storage.MinioEndpoint),
			zap.String("bucket", cfg.Storage.MinioBucket),
		)
		return NewMinioStore(MinioConfig{
			Endpoint:  cfg.Storage.MinioEndpoint,
			AccessKey: cfg.Storage.MinioAccessKey,
			SecretKey: cfg.Storage.MinioSecretKey,
			Bucket:    cfg.Storage.MinioBucket,
			UseSSL:    cfg.Storage.MinioUseSSL,
			Region:    cfg.Storage.MinioRegion,
			PartSize:  cfg.Storage.MinioPartSize,
		})
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Storage.Driver)
	}
}

// ValidateKey accepts flat object names only.
func ValidateKey(key string) error {
	if key == "" || key == "." || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return ErrInvalidKey
	}
	return nil
}
