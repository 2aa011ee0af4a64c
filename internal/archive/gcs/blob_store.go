// Package gcs writes archived snapshots to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/render-proxy/internal/archive"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// CheckBucket fails fast when the bucket is missing or unreadable.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %q attributes: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads one snapshot and returns a gs:// URI. meta becomes
// custom object metadata, and its capture time also lands in the object's
// CustomTime so bucket lifecycle rules can age snapshots out.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, meta map[string]string, r io.Reader) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	writer.ObjectAttrs = snapshotAttrs(writer.ObjectAttrs, objectPath, contentType, meta)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload snapshot %q: %w (close writer: %v)", objectPath, err, closeErr)
		}
		return "", fmt.Errorf("upload snapshot %q: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish snapshot %q: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

func snapshotAttrs(attrs storage.ObjectAttrs, objectPath, contentType string, meta map[string]string) storage.ObjectAttrs {
	if contentType != "" {
		attrs.ContentType = contentType
	}
	attrs.ContentDisposition = fmt.Sprintf("inline; filename=%q", path.Base(objectPath))
	attrs.CacheControl = "private, no-store"
	if len(meta) > 0 {
		attrs.Metadata = maps.Clone(meta)
	}
	if captured, err := time.Parse(time.RFC3339Nano, meta[archive.MetaCapturedAt]); err == nil {
		attrs.CustomTime = captured.UTC()
	}
	return attrs
}
