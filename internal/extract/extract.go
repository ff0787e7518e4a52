// Package extract turns raw markup into listing entries and article content.
// Everything here is a pure function of the input bytes: no network, no
// shared state.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/khabarhub/ingest/internal/config"
)

var ErrNoContent = errors.New("no content extracted")

// ListingItem is one entry discovered on a listing page or feed.
// PublishedAt is the source's raw date string; parsing happens at assembly.
type ListingItem struct {
	URL         string
	Title       string
	PublishedAt string
	RawCategory string
	Summary     string
	ImageURL    string
}

// ArticleContent is the best-effort result of extracting one article page.
type ArticleContent struct {
	Title       string
	BodyHTML    string
	Summary     string
	RawCategory string
}

// Primary semantic containers tried before any per-source selector.
var primarySelectors = []string{
	"article",
	"[itemprop='articleBody']",
}

// Generic fallbacks tried after the per-source list.
var genericSelectors = []string{
	".item-text",
	".news-text",
	".article-body",
	".news-body",
	".content",
}

// Class substrings that mark share widgets, ads and related-news blocks.
var junkClassFragments = []string{
	"advertisement",
	"share",
	"social",
	"related",
	"short-link",
	"item-nav",
	"news-nav",
}

// Body markers of interstitial or not-found pages served with HTTP 200.
var interstitialMarkers = []string{
	"در حال انتقال",
	"Transferring to the website",
	"صفحهٔ درخواستی شما یافت نشد",
	"چنین صفحه‌ای موجود نیست",
}

// trackingParams are stripped during URL canonicalization. utm_* is matched
// by prefix.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"yclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"refresh": true,
}

// CanonicalURL resolves href against base and normalizes it into the dedup
// fingerprint form: absolute, no fragment, tracking parameters removed,
// scheme and host lowercased.
func CanonicalURL(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty url")
	}

	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		u = b.ResolveReference(u)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", href)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Listing extracts the ordered entries of an HTML listing page. Entries
// whose link cannot be canonicalized are dropped.
func Listing(baseURL string, rawHTML []byte, rules config.ListingRules) ([]ListingItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	var items []ListingItem
	doc.Find(rules.Item).Each(func(_ int, s *goquery.Selection) {
		link := s
		if rules.Link != "" {
			link = s.Find(rules.Link).First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		canonical, err := CanonicalURL(baseURL, href)
		if err != nil {
			return
		}

		item := ListingItem{URL: canonical}

		if rules.Title != "" {
			item.Title = strings.TrimSpace(s.Find(rules.Title).First().Text())
		}
		if item.Title == "" {
			item.Title = strings.TrimSpace(link.Text())
		}
		if rules.Date != "" {
			dateSel := s.Find(rules.Date).First()
			if dt, ok := dateSel.Attr("datetime"); ok {
				item.PublishedAt = strings.TrimSpace(dt)
			} else {
				item.PublishedAt = strings.TrimSpace(dateSel.Text())
			}
		}
		if rules.Category != "" {
			item.RawCategory = strings.TrimSpace(s.Find(rules.Category).First().Text())
		}

		items = append(items, item)
	})

	if len(items) == 0 {
		return nil, fmt.Errorf("listing %s: %w", baseURL, ErrNoContent)
	}
	return items, nil
}

// Article extracts title, body, summary and raw category from an article
// page. The body container is chosen by trying the primary semantic
// selectors, then the per-source fallbacks, then the generic ones; the first
// selection with non-empty text wins. Script/style/iframe elements and
// share/ad/related blocks are stripped; image tags and paragraph structure
// are left untouched.
func Article(rawHTML []byte, sourceSelectors []string) (*ArticleContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	pageText := doc.Text()
	for _, marker := range interstitialMarkers {
		if strings.Contains(pageText, marker) {
			return nil, fmt.Errorf("interstitial page: %w", ErrNoContent)
		}
	}

	var body *goquery.Selection
	selectors := make([]string, 0, len(primarySelectors)+len(sourceSelectors)+len(genericSelectors))
	selectors = append(selectors, primarySelectors...)
	selectors = append(selectors, sourceSelectors...)
	selectors = append(selectors, genericSelectors...)
	for _, sel := range selectors {
		candidate := doc.Find(sel).First()
		if candidate.Length() == 0 {
			continue
		}
		scrub(candidate)
		if strings.TrimSpace(candidate.Text()) != "" {
			body = candidate
			break
		}
	}
	if body == nil {
		return nil, ErrNoContent
	}

	bodyHTML, err := goquery.OuterHtml(body)
	if err != nil {
		return nil, err
	}

	content := &ArticleContent{BodyHTML: bodyHTML}

	if h1 := doc.Find("h1").First(); h1.Length() > 0 {
		content.Title = strings.TrimSpace(h1.Text())
	}
	if content.Title == "" {
		content.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if desc, ok := doc.Find("meta[name='description']").First().Attr("content"); ok {
		content.Summary = strings.TrimSpace(desc)
	}
	if content.Summary == "" {
		if p := body.Find("p").First(); p.Length() > 0 {
			content.Summary = truncate(strings.TrimSpace(p.Text()), 500)
		}
	}

	if section, ok := doc.Find("meta[property='article:section']").First().Attr("content"); ok {
		content.RawCategory = strings.TrimSpace(section)
	}

	return content, nil
}

// scrub removes elements that are never part of the article body.
func scrub(sel *goquery.Selection) {
	sel.Find("script, style, iframe").Remove()
	sel.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		class = strings.ToLower(class)
		for _, junk := range junkClassFragments {
			if strings.Contains(class, junk) {
				s.Remove()
				return
			}
		}
		for _, token := range strings.Fields(class) {
			if token == "ad" || token == "ads" {
				s.Remove()
				return
			}
		}
	})
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
