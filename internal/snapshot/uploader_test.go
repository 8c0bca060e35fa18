package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/config"
)

type fakeS3 struct {
	puts       []string
	putErr     error
	presignErr error
	lastBucket string
	lastPath   string
	lastExpiry time.Duration
}

func (f *fakeS3) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	f.lastBucket = bucket
	f.lastPath = filePath
	f.puts = append(f.puts, objectName)
	return f.putErr
}

func (f *fakeS3) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	f.lastExpiry = expiry
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?sig=abc")
}

func newTestUploader(f *fakeS3, now time.Time) *S3Uploader {
	return &S3Uploader{client: f, bucket: "backups", urlExpiry: 10 * time.Minute, now: func() time.Time { return now }}
}

func TestNoopUploader(t *testing.T) {
	var u Uploader = NoopUploader{}
	if err := u.Upload(context.Background(), CurrentKey, "/tmp/x.db"); err != nil {
		t.Errorf("Upload() = %v, want nil", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), CurrentKey); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("PresignedURL() = %v, want ErrNotConfigured", err)
	}
}

func TestNewUploader(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(NoopUploader); !ok {
		t.Errorf("expected NoopUploader for empty bucket, got %T", u)
	}

	u, err = NewUploader(config.SnapshotConfig{
		Bucket:    "backups",
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "backups" {
		t.Errorf("bucket = %q, want backups", s3u.bucket)
	}
	if s3u.urlExpiry != 15*time.Minute {
		t.Errorf("urlExpiry = %v, want default 15m", s3u.urlExpiry)
	}
}

func TestS3Uploader_Upload(t *testing.T) {
	f := &fakeS3{}
	u := newTestUploader(f, time.Now())

	if err := u.Upload(context.Background(), CurrentKey, "/data/snap.db"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if f.lastBucket != "backups" || f.lastPath != "/data/snap.db" {
		t.Errorf("uploaded %s from %s", f.lastBucket, f.lastPath)
	}
	if len(f.puts) != 1 || f.puts[0] != CurrentKey {
		t.Errorf("puts = %v, want [%s]", f.puts, CurrentKey)
	}
}

func TestS3Uploader_UploadError(t *testing.T) {
	f := &fakeS3{putErr: errors.New("access denied")}
	err := newTestUploader(f, time.Now()).Upload(context.Background(), CurrentKey, "/data/snap.db")
	if err == nil || !errors.Is(err, f.putErr) {
		t.Errorf("Upload() = %v, want wrapped access denied", err)
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeS3{}
	u := newTestUploader(f, now)

	got, expiry, err := u.PresignedURL(context.Background(), CurrentKey)
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if got != "https://s3.example.com/backups/"+CurrentKey+"?sig=abc" {
		t.Errorf("url = %q", got)
	}
	if !expiry.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("expiry = %v, want %v", expiry, now.Add(10*time.Minute))
	}
	if f.lastExpiry != 10*time.Minute {
		t.Errorf("requested expiry = %v", f.lastExpiry)
	}

	f.presignErr = errors.New("boom")
	if _, _, err := u.PresignedURL(context.Background(), CurrentKey); err == nil {
		t.Error("PresignedURL() expected error")
	}
}

func TestArchiveKey(t *testing.T) {
	got := ArchiveKey(time.Date(2026, 10, 17, 8, 30, 5, 0, time.FixedZone("X", 3600)))
	if want := "relay/snapshot/archive/20261017T073005Z.db"; got != want {
		t.Errorf("ArchiveKey() = %q, want %q", got, want)
	}
}
