// Package news holds the canonical Article record and the assembly step that
// turns extracted fragments into a validated Article.
package news

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khabarhub/ingest/internal/category"
	"github.com/khabarhub/ingest/internal/extract"
)

// DefaultPriority is the pass-through ranking hint assigned when no
// collaborator provides one.
const DefaultPriority = 3

// Article is the unit of persistence. URL, Source and CreatedAt are
// immutable once assembled; URL is the global dedup fingerprint.
type Article struct {
	ID          string
	Source      string
	Title       string
	BodyHTML    string
	Summary     string
	URL         string
	PublishedAt string    // source's raw date string, always preserved
	Published   time.Time // parsed form, zero when no known layout matched
	CreatedAt   time.Time
	ImageURL    string
	Category    category.Category
	RawCategory string

	// Pass-through hints, not computed by the ingestion core.
	Language   string
	IsBreaking bool
	Priority   int
}

// Known date layouts across the sources. RSS dates are usually RFC1123-ish;
// scraped pages carry ISO or bare date forms.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2 Jan 2006 15:04:05",
	"02/01/2006 15:04:05",
}

// ParsePublished tries the known layouts against a raw date string. The raw
// string is kept regardless of the outcome; callers never drop it.
func ParsePublished(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidationError reports why an article cannot be persisted. The worker
// logs it and skips the article.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid article: %s %s", e.Field, e.Reason)
}

// Assembler composes extracted fragments into Articles for one source.
type Assembler struct {
	source   string
	language string
	now      func() time.Time
}

func NewAssembler(source, language string) *Assembler {
	return &Assembler{source: source, language: language, now: time.Now}
}

// Assemble validates and builds the canonical Article. The listing item
// supplies the url and the fallback title/summary/date; the extracted
// content supplies the body. imageURL is the storage handle resolved
// earlier, empty when no image survived.
func (a *Assembler) Assemble(item extract.ListingItem, content *extract.ArticleContent, cat category.Category, rawCategory, imageURL string) (*Article, error) {
	u, err := url.Parse(item.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &ValidationError{Field: "url", Reason: fmt.Sprintf("%q is not absolute", item.URL)}
	}

	title := strings.TrimSpace(content.Title)
	if title == "" {
		title = strings.TrimSpace(item.Title)
	}
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "empty"}
	}

	body := strings.TrimSpace(content.BodyHTML)
	if body == "" {
		return nil, &ValidationError{Field: "body_html", Reason: "empty"}
	}

	summary := strings.TrimSpace(content.Summary)
	if summary == "" {
		summary = strings.TrimSpace(item.Summary)
	}

	if !category.Valid(cat) {
		cat = category.Other
	}

	art := &Article{
		ID:          uuid.NewString(),
		Source:      a.source,
		Title:       title,
		BodyHTML:    body,
		Summary:     summary,
		URL:         item.URL,
		PublishedAt: strings.TrimSpace(item.PublishedAt),
		CreatedAt:   a.now().UTC(),
		ImageURL:    imageURL,
		Category:    cat,
		RawCategory: strings.TrimSpace(rawCategory),
		Language:    a.language,
		Priority:    DefaultPriority,
	}

	if t, ok := ParsePublished(art.PublishedAt); ok {
		art.Published = t
	}

	return art, nil
}
