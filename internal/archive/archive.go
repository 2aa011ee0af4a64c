// Package archive persists raw rendered documents for later inspection.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/render-proxy/internal/hash/sha256"
	"github.com/JakeFAU/render-proxy/internal/metrics"
)

// BlobStore writes one object and returns its URI. Stores keep meta
// alongside the body in whatever form their backend supports.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, meta map[string]string, r io.Reader) (string, error)
}

// Metadata keys attached to every archived object.
const (
	MetaRequestID    = "request-id"
	MetaRequestedURL = "requested-url"
	MetaResolvedURL  = "resolved-url"
	MetaCapturedAt   = "captured-at"
)

// Snapshot is one rendered document before rewriting.
type Snapshot struct {
	RequestID    string
	RequestedURL string
	ResolvedURL  string
	Markup       string
	CapturedAt   time.Time
}

// Archiver names snapshots and hands them to a BlobStore.
type Archiver struct {
	store  BlobStore
	prefix string
	hasher *sha256.Hasher
}

// New builds an Archiver writing under prefix.
func New(store BlobStore, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		hasher: sha256.New(),
	}, nil
}

// Save writes the snapshot and returns the object URI.
func (a *Archiver) Save(ctx context.Context, snap Snapshot) (string, error) {
	snap.CapturedAt = capturedAt(snap)
	uri, err := a.store.PutObject(ctx, a.ObjectPath(snap), "text/html; charset=utf-8", Metadata(snap), strings.NewReader(snap.Markup))
	metrics.ObserveArchiveWrite(err)
	if err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	return uri, nil
}

// ObjectPath returns prefix/site/yyyy/mm/dd/<digest>.html for the snapshot.
func (a *Archiver) ObjectPath(snap Snapshot) string {
	captured := capturedAt(snap)
	site := metrics.SanitizeSite(snap.ResolvedURL)
	name := a.hasher.Key(snap.ResolvedURL, snap.RequestID, captured.Format(time.RFC3339Nano)) + ".html"
	return path.Join(a.prefix, site, captured.Format("2006/01/02"), name)
}

// Metadata describes where the snapshot came from. Empty fields are left out.
func Metadata(snap Snapshot) map[string]string {
	meta := map[string]string{MetaCapturedAt: capturedAt(snap).Format(time.RFC3339Nano)}
	for key, value := range map[string]string{
		MetaRequestID:    snap.RequestID,
		MetaRequestedURL: snap.RequestedURL,
		MetaResolvedURL:  snap.ResolvedURL,
	} {
		if value != "" {
			meta[key] = value
		}
	}
	return meta
}

func capturedAt(snap Snapshot) time.Time {
	if snap.CapturedAt.IsZero() {
		return time.Now().UTC()
	}
	return snap.CapturedAt.UTC()
}
