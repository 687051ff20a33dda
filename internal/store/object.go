package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/complytrack/ledgerlink/internal/config"
)

// ObjectBackend persists records in an S3-compatible bucket, one object per record.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectBackend initializes the object storage backed record store.
func NewObjectBackend(cfg config.ObjectConfig) (*ObjectBackend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)

	if endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("object store: access key and secret key are required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}

	return &ObjectBackend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *ObjectBackend) objectKey(name string) string {
	if s.prefix == "" {
		return name + ".json"
	}
	return s.prefix + "/" + name + ".json"
}

// Load reads the object backing the named record.
func (s *ObjectBackend) Load(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store: get %s: %w", name, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("object store: read %s: %w", name, err)
	}
	return data, nil
}

// Save uploads the record content.
func (s *ObjectBackend) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put %s: %w", name, err)
	}
	return nil
}

// Delete removes the record object. Missing objects are not an error.
func (s *ObjectBackend) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(name), minio.RemoveObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("object store: remove %s: %w", name, err)
	}
	return nil
}

// Close is a no-op; the minio client holds no persistent connections.
func (s *ObjectBackend) Close() error { return nil }
