// Package jobstore persists job postings.
//
// A posting is created when first scraped and never deleted automatically;
// its form type and canonical apply URL are re-written whenever the
// classifier re-evaluates it. The description is stored as sanitized
// markdown so the cover-letter generator downstream works from readable
// text instead of raw markup.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/SmmShaman/jobbot-no/classify"
	"github.com/SmmShaman/jobbot-no/markup"
)

// Posting is one scraped job posting. ID is the board's canonical numeric
// identifier (finnkode).
type Posting struct {
	ID                string
	SourceSite        string
	Title             string
	Company           string
	URL               string // the URL the posting was scraped from
	CanonicalApplyURL string // empty until classification resolves it
	FormType          classify.FormType
	DescriptionMD     string
	CreatedAt         int64 // milliseconds since epoch
	UpdatedAt         int64
}

// Schema creates the job_postings table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_postings (
	id                  TEXT PRIMARY KEY,
	source_site         TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	company             TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL,
	canonical_apply_url TEXT NOT NULL DEFAULT '',
	form_type           TEXT NOT NULL DEFAULT 'unknown',
	description_md      TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);`

// Store reads and writes postings.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an already-opened database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Init creates the job_postings table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Upsert inserts a posting or refreshes its scraped fields. descriptionHTML
// is converted to markdown before storage; a conversion failure keeps the
// previous description rather than failing the scrape.
func (s *Store) Upsert(ctx context.Context, p *Posting, descriptionHTML string) error {
	if p.ID == "" {
		return fmt.Errorf("jobstore: posting needs an ID")
	}
	if p.FormType == "" {
		p.FormType = classify.Unknown
	}

	if descriptionHTML != "" {
		md, err := markup.ToMarkdown(descriptionHTML)
		if err != nil {
			s.logger.Warn("jobstore: description conversion failed", "job", p.ID, "error", err)
		} else {
			p.DescriptionMD = md
		}
	}

	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_postings (id, source_site, title, company, url,
			canonical_apply_url, form_type, description_md, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_site = excluded.source_site,
			title = excluded.title,
			company = excluded.company,
			url = excluded.url,
			description_md = CASE WHEN excluded.description_md != ''
				THEN excluded.description_md ELSE job_postings.description_md END,
			updated_at = excluded.updated_at`,
		p.ID, p.SourceSite, p.Title, p.Company, p.URL,
		p.CanonicalApplyURL, string(p.FormType), p.DescriptionMD, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobstore: upsert: %w", err)
	}
	return nil
}

// Get retrieves a posting by ID, or nil.
func (s *Store) Get(ctx context.Context, id string) (*Posting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_site, title, company, url, canonical_apply_url,
			form_type, description_md, created_at, updated_at
		FROM job_postings WHERE id = ?`, id)

	var p Posting
	var formType string
	err := row.Scan(&p.ID, &p.SourceSite, &p.Title, &p.Company, &p.URL,
		&p.CanonicalApplyURL, &formType, &p.DescriptionMD, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FormType = classify.FormType(formType)
	return &p, nil
}

// SetClassification records the classifier's verdict for a posting.
func (s *Store) SetClassification(ctx context.Context, id string, res classify.Result) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_postings SET form_type = ?, canonical_apply_url = ?, updated_at = ?
		WHERE id = ?`,
		string(res.FormType), res.ExternalURL, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("jobstore: set classification: %w", err)
	}
	return nil
}
