// Package images resolves one representative image per article: find a
// candidate reference, download it, push it to object storage. Every failure
// here is non-fatal; the article is persisted without an image.
package images

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/khabarhub/ingest/internal/metrics"
	"github.com/khabarhub/ingest/internal/ratelimit"
)

// MinDimension rejects images that declare a width or height below this,
// which filters thumbnails and tracking pixels when dimensions are known.
const MinDimension = 200

type Fetcher interface {
	Fetch(ctx context.Context, url string, class ratelimit.Class) ([]byte, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Path fragments that mark non-content imagery.
var skipFragments = []string{
	"logo", "icon", "avatar", "sprite", "banner", "advert", "placeholder",
}

var contentImageSelectors = strings.Join([]string{
	"article img",
	"[itemprop='articleBody'] img",
	".article-body img",
	".news-body img",
	".item-text img",
	".content img",
	"figure img",
}, ", ")

type Resolver struct {
	source   string
	fetcher  Fetcher
	uploader Uploader
	log      *slog.Logger
	now      func() time.Time
}

func NewResolver(source string, fetcher Fetcher, uploader Uploader, log *slog.Logger) *Resolver {
	return &Resolver{
		source:   source,
		fetcher:  fetcher,
		uploader: uploader,
		log:      log,
		now:      time.Now,
	}
}

// Resolve finds, downloads and stores at most one image for the article at
// articleURL. It returns the storage handle, or "" when no image survived.
func (r *Resolver) Resolve(ctx context.Context, articleHTML []byte, articleURL string) string {
	candidate := FindCandidate(articleHTML, articleURL)
	if candidate == "" {
		return ""
	}
	return r.fetchAndStore(ctx, candidate, articleURL)
}

// ResolveURL stores the image at a known reference, e.g. one carried by a
// feed entry, applying the same exclusion and validation rules.
func (r *Resolver) ResolveURL(ctx context.Context, imageURL, articleURL string) string {
	candidate := resolveImageURL(articleURL, imageURL)
	if candidate == "" {
		return ""
	}
	return r.fetchAndStore(ctx, candidate, articleURL)
}

func (r *Resolver) fetchAndStore(ctx context.Context, candidate, articleURL string) string {
	data, err := r.fetcher.Fetch(ctx, candidate, ratelimit.ClassArticle)
	if err != nil {
		r.log.Warn("image download failed", "source", r.source, "image_url", candidate, "error", err)
		return ""
	}

	ext, contentType, ok := sniffImage(data)
	if !ok {
		r.log.Warn("image rejected, not a supported format", "source", r.source, "image_url", candidate)
		return ""
	}

	key := r.objectKey(articleURL, ext)
	handle, err := r.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		r.log.Warn("image upload failed", "source", r.source, "image_url", candidate, "error", err)
		return ""
	}

	metrics.Global.IncrementImagesStored()
	r.log.Debug("image stored", "source", r.source, "key", key)
	return handle
}

// objectKey builds news-images/{source}/{yyyy}/{mm}/{dd}/{md5(url)[:12]}{ext}.
func (r *Resolver) objectKey(articleURL, ext string) string {
	sum := md5.Sum([]byte(articleURL))
	hash := hex.EncodeToString(sum[:])[:12]
	now := r.now().UTC()
	return "news-images/" + r.source + "/" + now.Format("2006/01/02") + "/" + hash + ext
}

// FindCandidate locates the representative image reference: og:image first,
// then the first large non-iconographic image inside the content region.
func FindCandidate(articleHTML []byte, baseURL string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(articleHTML))
	if err != nil {
		return ""
	}

	if og, ok := doc.Find("meta[property='og:image']").First().Attr("content"); ok {
		if resolved := resolveImageURL(baseURL, og); resolved != "" {
			return resolved
		}
	}

	var found string
	doc.Find(contentImageSelectors).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, ok := s.Attr("src")
		if !ok || src == "" {
			src, _ = s.Attr("data-src")
		}
		if src == "" {
			return true
		}
		if tooSmall(s) {
			return true
		}
		if resolved := resolveImageURL(baseURL, src); resolved != "" {
			found = resolved
			return false
		}
		return true
	})
	return found
}

// tooSmall reports whether declared dimensions fall below the threshold.
// Images without declared dimensions pass; actual pixel data is not decoded.
func tooSmall(s *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v, ok := s.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil && n < MinDimension {
				return true
			}
		}
	}
	return false
}

func resolveImageURL(base, src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}

	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return ""
		}
		u = b.ResolveReference(u)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	if skipPath(u.Path) {
		return ""
	}
	return u.String()
}

// skipPath filters logo/icon/avatar/ad style paths.
func skipPath(path string) bool {
	lower := strings.ToLower(path)
	for _, fragment := range skipFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	for _, segment := range strings.Split(lower, "/") {
		if segment == "ad" || segment == "ads" ||
			strings.HasPrefix(segment, "ad-") || strings.HasPrefix(segment, "ad_") {
			return true
		}
	}
	return false
}

// sniffImage validates magic bytes and picks the extension and content type.
func sniffImage(data []byte) (ext, contentType string, ok bool) {
	if len(data) < 4 {
		return "", "", false
	}
	switch {
	case bytes.HasPrefix(data, []byte{0xff, 0xd8}):
		return ".jpg", "image/jpeg", true
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return ".png", "image/png", true
	case bytes.HasPrefix(data, []byte("GIF8")) || bytes.HasPrefix(data, []byte("GIF9")):
		return ".gif", "image/gif", true
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return ".webp", "image/webp", true
	}
	return "", "", false
}
