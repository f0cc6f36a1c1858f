// Package webfetch retrieves the markup of external apply pages for
// classification.
//
// Two fetchers implement the same contract: a plain HTTP fetcher and a
// rod-driven headless browser fetcher for script-rendered ATS pages that
// return an empty shell over plain HTTP. Chain composes them.
package webfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the HTTP fetcher.
type Config struct {
	Timeout   time.Duration // per-request timeout. Default: 30s.
	MaxBytes  int64         // response body cap. Default: 2MB.
	UserAgent string        // sent with every request.
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobbot-no/1.0"
	}
}

// HTTPFetcher retrieves pages over plain HTTP.
type HTTPFetcher struct {
	client *http.Client
	config Config
}

// NewHTTP creates an HTTPFetcher with a redirect cap.
func NewHTTP(cfg Config) *HTTPFetcher {
	cfg.defaults()
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves url and returns the body as a string.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("webfetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfetch: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("webfetch: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("webfetch: read body: %w", err)
	}
	return string(body), nil
}
