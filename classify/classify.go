package classify

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/SmmShaman/jobbot-no/markup"
)

// Fetcher retrieves the markup of an externally linked page.
// Implemented by webfetch; classification only needs the body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Classifier classifies postings using the rule lists in rules.go, the
// domain cache, and a best-effort fetch of external apply pages.
type Classifier struct {
	cache   *DomainCache
	fetcher Fetcher
	logger  *slog.Logger
}

// New creates a Classifier. fetcher may be nil, in which case cache misses
// on external domains classify as Unknown without a network call.
func New(cache *DomainCache, fetcher Fetcher, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cache: cache, fetcher: fetcher, logger: logger}
}

// Classify returns the form type for one posting given its URL and scraped
// markup.
//
// Returns ErrNotAPosting for search/listing URLs. All other failures degrade
// to Unknown — classification is best-effort and re-run on a later rescan.
func (c *Classifier) Classify(ctx context.Context, postingURL, postingHTML string) (Result, error) {
	if IsSearchURL(postingURL) {
		return Result{}, ErrNotAPosting
	}

	u, err := url.Parse(postingURL)
	if err != nil {
		return Result{}, ErrNotAPosting
	}

	doc, err := markup.Parse(postingHTML)
	if err != nil {
		c.logger.Warn("classify: posting parse failed", "url", postingURL, "error", err)
		return Result{FormType: Unknown}, nil
	}

	d := classifyPosting(u, doc)
	if !d.resolve {
		return d.result, nil
	}
	return c.resolveExternal(ctx, postingURL, d.result.ExternalURL), nil
}

// resolveExternal picks between external_form and external_registration for
// an external apply URL: cache first, then a live fetch classified by the
// external rule list. The fetch and the cache upsert are not transactional;
// two concurrent scans of the same unknown domain both fetch and both
// upsert, which converges because the upsert is last-write-wins.
func (c *Classifier) resolveExternal(ctx context.Context, postingURL, externalURL string) Result {
	res := Result{FormType: Unknown, ExternalURL: externalURL}

	domain := domainOf(externalURL)
	if domain == "" {
		return res
	}

	if entry, err := c.cache.Get(ctx, domain); err != nil {
		c.logger.Warn("classify: cache read failed", "domain", domain, "error", err)
	} else if entry != nil {
		if entry.FormType == ExternalRegistration {
			res.FormType = ExternalRegistration
		} else {
			res.FormType = ExternalForm
		}
		return res
	}

	if c.fetcher == nil {
		return res
	}

	body, err := c.fetcher.Fetch(ctx, externalURL)
	if err != nil {
		c.logger.Warn("classify: external fetch failed", "url", externalURL, "error", err)
		return res
	}
	doc, err := markup.Parse(body)
	if err != nil {
		c.logger.Warn("classify: external parse failed", "url", externalURL, "error", err)
		return res
	}

	t := classifyExternal(doc)
	if t == Unknown {
		return res
	}
	res.FormType = t

	if err := c.cache.Put(ctx, domain, t, MethodAuto, postingURL); err != nil {
		c.logger.Warn("classify: cache write failed", "domain", domain, "error", err)
	}
	return res
}

// domainOf extracts the registrable host of a URL, lowercased, without port.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
