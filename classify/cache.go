package classify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Detection methods for cache entries.
const (
	MethodManual = "manual" // seeded by an operator
	MethodAuto   = "auto"   // inferred from a fetched page
)

// DomainEntry is one cached classification, at most one row per domain.
type DomainEntry struct {
	Domain     string
	FormType   FormType
	Method     string
	SampleURLs []string
	CreatedAt  int64 // milliseconds since epoch
	UpdatedAt  int64
}

// Schema creates the domain_classifications table.
const Schema = `
CREATE TABLE IF NOT EXISTS domain_classifications (
	domain      TEXT PRIMARY KEY,
	form_type   TEXT NOT NULL,
	method      TEXT NOT NULL DEFAULT 'auto',
	sample_urls TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);`

// maxSampleURLs bounds the per-domain sample list.
const maxSampleURLs = 5

// DomainCache reads and writes cached per-domain classifications.
// The table is a pure cache: safe to truncate, rows converge because the
// upsert is last-write-wins over a value that should not change.
type DomainCache struct {
	db *sql.DB
}

// NewDomainCache wraps an already-opened database.
func NewDomainCache(db *sql.DB) *DomainCache {
	return &DomainCache{db: db}
}

// Init creates the cache table.
func (c *DomainCache) Init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, Schema)
	return err
}

// Get returns the entry for domain, or nil when the domain is unknown.
func (c *DomainCache) Get(ctx context.Context, domain string) (*DomainEntry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT domain, form_type, method, sample_urls, created_at, updated_at
		FROM domain_classifications WHERE domain = ?`, domain)

	var e DomainEntry
	var samples string
	err := row.Scan(&e.Domain, &e.FormType, &e.Method, &samples, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(samples), &e.SampleURLs); err != nil {
		e.SampleURLs = nil
	}
	return &e, nil
}

// Put upserts an entry, last-write-wins. sampleURL, when non-empty, is
// appended to the existing sample list (bounded, deduplicated).
func (c *DomainCache) Put(ctx context.Context, domain string, t FormType, method, sampleURL string) error {
	if !t.Valid() || t == Unknown {
		return fmt.Errorf("classify: refusing to cache form type %q for %s", t, domain)
	}

	samples := []string{}
	if prev, err := c.Get(ctx, domain); err == nil && prev != nil {
		samples = prev.SampleURLs
	}
	if sampleURL != "" && !contains(samples, sampleURL) {
		samples = append(samples, sampleURL)
		if len(samples) > maxSampleURLs {
			samples = samples[len(samples)-maxSampleURLs:]
		}
	}
	raw, _ := json.Marshal(samples)

	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO domain_classifications (domain, form_type, method, sample_urls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			form_type = excluded.form_type,
			method = excluded.method,
			sample_urls = excluded.sample_urls,
			updated_at = excluded.updated_at`,
		domain, string(t), method, string(raw), now, now,
	)
	return err
}

// seedFile is the YAML shape for operator-maintained domain seeds.
type seedFile struct {
	Domains []struct {
		Domain   string `yaml:"domain"`
		FormType string `yaml:"form_type"`
	} `yaml:"domains"`
}

// SeedFromFile loads manually curated domain classifications from a YAML
// file. Seeded entries use MethodManual and overwrite auto-detected rows —
// an operator's judgement beats a heuristic.
func (c *DomainCache) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("classify: read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("classify: parse seed file: %w", err)
	}

	n := 0
	for _, d := range f.Domains {
		t := FormType(d.FormType)
		if !t.Valid() || t == Unknown {
			return n, fmt.Errorf("classify: seed %s: invalid form type %q", d.Domain, d.FormType)
		}
		if err := c.Put(ctx, d.Domain, t, MethodManual, ""); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
