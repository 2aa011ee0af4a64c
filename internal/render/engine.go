// Package render drives headless browser sessions under a concurrency gate.
// Engines plug in through the Launcher, Browser and Tab interfaces; the
// Manager owns slot accounting, navigation timeouts, the post-navigation
// guard check and cleanup.
package render

import (
	"context"
	"errors"
	"mime"
	"strings"
)

// Launcher starts a browser engine instance.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a running engine instance that can open isolated tabs.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}

// Tab is one browsing context. Close must be safe to call after a failed
// Navigate.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Document(ctx context.Context) (string, error)
	Close() error
}

// Render errors. Callers match them with errors.Is.
var (
	ErrNavigationFailed   = errors.New("navigation failed")
	ErrNavigationTimeout  = errors.New("navigation timed out")
	ErrResolvedURLBlocked = errors.New("resolved url blocked")
	ErrQueueFull          = errors.New("render queue full")
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrCanceled           = errors.New("render canceled")
	ErrClosed             = errors.New("render manager closed")
)

// Outcome is the product of a successful render.
type Outcome struct {
	Markup      string
	ResolvedURL string
}

// ContentTypeScript reads the main document's MIME type in the page.
const ContentTypeScript = `document.contentType`

// HTMLContentType reports whether a main document of this MIME type can be
// rewritten. Engines fail navigation for anything else.
func HTMLContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
