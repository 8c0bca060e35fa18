// Package snapshot uploads relay database snapshots to S3-compatible storage
// and issues pre-signed download URLs. When no bucket is configured the
// NoopUploader keeps snapshots local-only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// CurrentKey names the object holding the most recent snapshot.
const CurrentKey = "relay/snapshot/current.db"

// ArchiveKey names the object a snapshot taken at t is archived under.
func ArchiveKey(t time.Time) string {
	return path.Join("relay/snapshot/archive", t.UTC().Format("20060102T150405Z")+".db")
}

// Uploader uploads snapshots and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores the snapshot file at filePath under objectKey.
	Upload(ctx context.Context, objectKey, filePath string) error

	// PresignedURL returns a pre-signed URL for downloading objectKey.
	// Returns ErrNotConfigured when S3 is not configured.
	PresignedURL(ctx context.Context, objectKey string) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClient struct {
	client *minio.Client
}

func (w *minioClient) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClient) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
	now       func() time.Time
}

// Upload uploads the snapshot file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, objectKey, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, objectKey, filePath); err != nil {
		return fmt.Errorf("upload snapshot %s: %w", objectKey, err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for a snapshot object.
func (u *S3Uploader) PresignedURL(ctx context.Context, objectKey string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), u.now().Add(u.urlExpiry), nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (NoopUploader) Upload(context.Context, string, string) error { return nil }

// PresignedURL returns ErrNotConfigured.
func (NoopUploader) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when no bucket is configured and an
// S3Uploader otherwise. SSL defaults to on.
func NewUploader(cfg config.SnapshotConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpiry)
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Uploader{
		client:    &minioClient{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: expiry,
		now:       time.Now,
	}, nil
}
