package webfetch

import (
	"context"
	"log/slog"
)

// Fetcher is the contract the classifier consumes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// minUsefulBytes is the smallest body the classifier can do anything with.
// Script-rendered ATS pages typically return a shell well under this over
// plain HTTP.
const minUsefulBytes = 512

// Chain tries the primary fetcher first and falls back to the secondary
// when the primary fails or returns a body too small to classify.
type Chain struct {
	Primary   Fetcher
	Secondary Fetcher // nil disables the fallback
	Logger    *slog.Logger
}

// Fetch implements Fetcher.
func (c *Chain) Fetch(ctx context.Context, url string) (string, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	body, err := c.Primary.Fetch(ctx, url)
	if err == nil && len(body) >= minUsefulBytes {
		return body, nil
	}
	if c.Secondary == nil {
		return body, err
	}

	if err != nil {
		log.Debug("webfetch: primary fetch failed, trying browser", "url", url, "error", err)
	} else {
		log.Debug("webfetch: primary body too small, trying browser", "url", url, "bytes", len(body))
	}
	return c.Secondary.Fetch(ctx, url)
}
