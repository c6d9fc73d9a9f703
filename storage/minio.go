package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore keeps images in an S3 compatible bucket.
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinIOStore connects to endpoint ("host:port") and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, publicBase string) (*MinIOStore, error) {
	c, err := minio.New(endpoint, &minio.Options{Creds: credentials.NewStaticV4(accessKey, secretKey, ""), Secure: useSSL})
	if err != nil {
		return nil, err
	}

	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	if publicBase == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicBase = scheme + "://" + endpoint
	}
	return &MinIOStore{client: c, bucket: bucket, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

func (m *MinIOStore) Name() string { return "minio" }

func (m *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *MinIOStore) Remove(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

func (m *MinIOStore) PublicPath(key string) string {
	u, err := url.Parse(m.publicBase)
	if err != nil {
		return m.publicBase + "/" + m.bucket + "/" + key
	}
	u.Path = path.Join(u.Path, m.bucket, key)
	return u.String()
}

func (m *MinIOStore) KeyOf(p string) (string, bool) {
	key, ok := strings.CutPrefix(p, strings.TrimSuffix(m.PublicPath("x"), "x"))
	if !ok || !validKey(key) {
		return "", false
	}
	return key, true
}
