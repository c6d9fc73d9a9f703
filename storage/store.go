package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agridoctor/agridoctor/config"
)

var (
	ErrUnsupportedImage = errors.New("only jpg, jpeg, png and gif images are accepted")
	ErrImageTooLarge    = errors.New("image exceeds the upload size limit")
	// ErrStagingExpired means a staged upload was reclaimed before the record referencing it committed.
	ErrStagingExpired = errors.New("staged upload expired before it was attached")
)

// ImageStore persists disease images under flat generated keys.
type ImageStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Remove deletes key. A key that does not exist is not an error.
	Remove(ctx context.Context, key string) error
	// PublicPath is the value stored on a disease and served to clients.
	PublicPath(key string) string
	// KeyOf reverses PublicPath. It reports false for paths this store did not produce.
	KeyOf(path string) (string, bool)
	Name() string
}

var keyPattern = regexp.MustCompile(`^[a-z0-9-]{8,64}\.(jpg|jpeg|png|gif)$`)

// NewKey returns a fresh key carrying the lower-cased extension of filename.
func NewKey(filename string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(filename))
}

func validKey(key string) bool {
	return keyPattern.MatchString(key)
}

// New builds the store selected by cfg.StorageBackend.
func New(ctx context.Context, cfg config.AppConfig) (ImageStore, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return NewLocalStore(cfg.UploadDir, cfg.UploadURLPrefix)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL, cfg.MinIOPublicBase)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
}
