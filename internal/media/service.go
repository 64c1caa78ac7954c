// Package media stores personnel thumbnails in S3-compatible object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBucket = "studioops-media"

// Service wraps a MinIO client. A nil *Service is valid and means object
// storage is not configured; every method no-ops or errors accordingly.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to an S3-compatible endpoint and ensures the media bucket
// exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	if bucket == "" {
		bucket = defaultBucket
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// UploadThumbnail stores a thumbnail under thumbnails/<recordID><ext> and
// returns the object key.
func (s *Service) UploadThumbnail(ctx context.Context, recordID, filename, contentType string, body io.Reader, size int64) (string, error) {
	if s == nil {
		return "", fmt.Errorf("object storage not configured")
	}

	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
	default:
		return "", fmt.Errorf("unsupported thumbnail type %q", ext)
	}

	key := "thumbnails/" + recordID + ext
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload thumbnail %s: %w", key, err)
	}
	return key, nil
}

// ThumbnailURL returns a presigned GET URL for an object key.
func (s *Service) ThumbnailURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("object storage not configured")
	}
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// DeleteThumbnail removes an object. Missing objects are not an error.
func (s *Service) DeleteThumbnail(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete thumbnail %s: %w", key, err)
	}
	return nil
}
