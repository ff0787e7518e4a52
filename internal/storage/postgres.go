package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/khabarhub/ingest/internal/category"
	"github.com/khabarhub/ingest/internal/news"
)

// Store persists articles and source state in PostgreSQL. The UNIQUE
// constraint on news.url is the single synchronization primitive between
// concurrent writers: Insert treats a conflict as "already exists", never as
// an error.
type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS news (
		id VARCHAR(36) PRIMARY KEY,
		source VARCHAR(100) NOT NULL,
		title VARCHAR(500) NOT NULL,
		body_html TEXT NOT NULL,
		summary TEXT,
		url VARCHAR(1000) NOT NULL,
		published_at VARCHAR(100),
		published_time TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		image_url VARCHAR(1000),
		category VARCHAR(50) NOT NULL DEFAULT 'other',
		raw_category VARCHAR(200),
		language VARCHAR(10),
		is_breaking BOOLEAN NOT NULL DEFAULT FALSE,
		priority INTEGER NOT NULL DEFAULT 3,
		CONSTRAINT uq_news_url UNIQUE (url)
	);

	CREATE INDEX IF NOT EXISTS idx_news_source ON news(source);
	CREATE INDEX IF NOT EXISTS idx_news_category ON news(category);
	CREATE INDEX IF NOT EXISTS idx_news_created_at ON news(created_at);

	CREATE TABLE IF NOT EXISTS news_sources (
		name VARCHAR(100) PRIMARY KEY,
		interval_minutes INTEGER NOT NULL DEFAULT 5,
		last_run_at TIMESTAMPTZ,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ExistsURL is the cheap pre-filter used before fetching an article page.
// Insert remains the authoritative dedup guard.
func (s *Store) ExistsURL(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM news WHERE url = $1", url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert stores the article. It returns false when the url is already
// present; a concurrent writer winning the race surfaces the same way.
func (s *Store) Insert(ctx context.Context, a *news.Article) (bool, error) {
	var published sql.NullTime
	if !a.Published.IsZero() {
		published = sql.NullTime{Time: a.Published, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO news (
			id, source, title, body_html, summary, url,
			published_at, published_time, created_at, image_url,
			category, raw_category, language, is_breaking, priority
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (url) DO NOTHING`,
		a.ID, a.Source, a.Title, a.BodyHTML, nullString(a.Summary), a.URL,
		nullString(a.PublishedAt), published, a.CreatedAt, nullString(a.ImageURL),
		string(a.Category), nullString(a.RawCategory), a.Language, a.IsBreaking, a.Priority,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetByURL returns the stored article, or nil when none exists.
func (s *Store) GetByURL(ctx context.Context, url string) (*news.Article, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM news WHERE url = $1", url)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListFilter narrows ListRecent results. Empty fields match everything.
type ListFilter struct {
	Source   string
	Category string
}

// ListRecent returns the newest articles matching the filter, plus the total
// match count for pagination.
func (s *Store) ListRecent(ctx context.Context, filter ListFilter, limit, offset int) ([]*news.Article, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where += fmt.Sprintf(" AND category = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM news"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := selectColumns + " FROM news" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*news.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// EnsureSource registers a configured source, keeping an existing row (and
// its externally toggled enabled flag) untouched.
func (s *Store) EnsureSource(ctx context.Context, name string, interval time.Duration, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO news_sources (name, interval_minutes, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`,
		name, int(interval.Minutes()), enabled)
	return err
}

// SourceEnabled re-reads the enabled flag so a source can be toggled without
// a restart. Unknown sources count as enabled.
func (s *Store) SourceEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, "SELECT enabled FROM news_sources WHERE name = $1", name).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// TouchSource stamps the end of a poll cycle.
func (s *Store) TouchSource(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE news_sources SET last_run_at = NOW() WHERE name = $1", name)
	return err
}

// PurgeOlderThan deletes articles older than the retention window and
// returns how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM news WHERE created_at < NOW() - ($1 * INTERVAL '1 day')", days)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, source, title, body_html, summary, url,
	published_at, published_time, created_at, image_url,
	category, raw_category, language, is_breaking, priority`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row scanner) (*news.Article, error) {
	var (
		a           news.Article
		summary     sql.NullString
		publishedAt sql.NullString
		published   sql.NullTime
		imageURL    sql.NullString
		rawCategory sql.NullString
		cat         string
	)
	err := row.Scan(
		&a.ID, &a.Source, &a.Title, &a.BodyHTML, &summary, &a.URL,
		&publishedAt, &published, &a.CreatedAt, &imageURL,
		&cat, &rawCategory, &a.Language, &a.IsBreaking, &a.Priority,
	)
	if err != nil {
		return nil, err
	}
	a.Summary = summary.String
	a.PublishedAt = publishedAt.String
	if published.Valid {
		a.Published = published.Time
	}
	a.ImageURL = imageURL.String
	a.Category = category.Category(cat)
	a.RawCategory = rawCategory.String
	return &a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
