package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mmcdole/gofeed"

	"github.com/khabarhub/ingest/internal/config"
	"github.com/khabarhub/ingest/internal/extract"
	"github.com/khabarhub/ingest/internal/ratelimit"
)

// Fetcher is the rate-limited retrieval dependency of a runner.
type Fetcher interface {
	Fetch(ctx context.Context, url string, class ratelimit.Class) ([]byte, error)
}

// ListingStrategy discovers candidate article entries for one source. RSS
// sources and scraping sources differ only here; the runner is shared.
type ListingStrategy interface {
	Listing(ctx context.Context) ([]extract.ListingItem, error)
}

// ArticleStrategy retrieves and extracts one article. It returns the
// extracted content plus the raw page bytes (used for image resolution).
type ArticleStrategy interface {
	Extract(ctx context.Context, item extract.ListingItem) (*extract.ArticleContent, []byte, error)
}

// RSSListing reads a source's feed through the rate-limited fetcher.
type RSSListing struct {
	feedURL string
	fetcher Fetcher
	parser  *gofeed.Parser
}

func NewRSSListing(feedURL string, fetcher Fetcher) *RSSListing {
	return &RSSListing{feedURL: feedURL, fetcher: fetcher, parser: gofeed.NewParser()}
}

func (l *RSSListing) Listing(ctx context.Context) ([]extract.ListingItem, error) {
	data, err := l.fetcher.Fetch(ctx, l.feedURL, ratelimit.ClassListing)
	if err != nil {
		return nil, err
	}

	feed, err := l.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", l.feedURL, err)
	}

	items := make([]extract.ListingItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		canonical, err := extract.CanonicalURL(l.feedURL, entry.Link)
		if err != nil {
			continue
		}

		item := extract.ListingItem{
			URL:         canonical,
			Title:       entry.Title,
			PublishedAt: entry.Published,
			Summary:     entry.Description,
		}
		if len(entry.Categories) > 0 {
			item.RawCategory = entry.Categories[0]
		}
		if entry.Image != nil {
			item.ImageURL = entry.Image.URL
		}
		if item.ImageURL == "" {
			for _, enc := range entry.Enclosures {
				if enc.URL != "" {
					item.ImageURL = enc.URL
					break
				}
			}
		}

		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("feed %s: %w", l.feedURL, extract.ErrNoContent)
	}
	return items, nil
}

// HTMLListing scrapes a source's index page using configured rules.
type HTMLListing struct {
	listingURL string
	fetcher    Fetcher
	rules      config.ListingRules
}

func NewHTMLListing(listingURL string, fetcher Fetcher, rules config.ListingRules) *HTMLListing {
	return &HTMLListing{listingURL: listingURL, fetcher: fetcher, rules: rules}
}

func (l *HTMLListing) Listing(ctx context.Context) ([]extract.ListingItem, error) {
	data, err := l.fetcher.Fetch(ctx, l.listingURL, ratelimit.ClassListing)
	if err != nil {
		return nil, err
	}
	return extract.Listing(l.listingURL, data, l.rules)
}

// HTMLArticle fetches the article page and runs selector-based extraction
// with the source's fallback list.
type HTMLArticle struct {
	fetcher   Fetcher
	selectors []string
}

func NewHTMLArticle(fetcher Fetcher, selectors []string) *HTMLArticle {
	return &HTMLArticle{fetcher: fetcher, selectors: selectors}
}

func (s *HTMLArticle) Extract(ctx context.Context, item extract.ListingItem) (*extract.ArticleContent, []byte, error) {
	page, err := s.fetcher.Fetch(ctx, item.URL, ratelimit.ClassArticle)
	if err != nil {
		return nil, nil, err
	}
	content, err := extract.Article(page, s.selectors)
	if err != nil {
		return nil, nil, err
	}
	return content, page, nil
}
