package images

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/khabarhub/ingest/internal/ratelimit"
)

type fakeFetcher struct {
	data map[string][]byte
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ ratelimit.Class) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[url], nil
}

type fakeUploader struct {
	keys        []string
	contentType string
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, key string, _ []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.contentType = contentType
	return "https://storage.local/news-images-bucket/" + key, nil
}

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestFindCandidatePrefersOgImage(t *testing.T) {
	html := `<html><head>
	<meta property="og:image" content="/img/lead.jpg">
	</head><body>
	<article><img src="/img/body.jpg"></article>
	</body></html>`

	got := FindCandidate([]byte(html), "https://news.example.com/fa/news/1")
	if got != "https://news.example.com/img/lead.jpg" {
		t.Errorf("candidate = %q, want og:image", got)
	}
}

func TestFindCandidateFallsBackToContentImage(t *testing.T) {
	html := `<html><body><article>
	<img src="/static/logo.png">
	<img src="/img/tiny.jpg" width="50" height="50">
	<img src="/img/photo-large.jpg" width="800">
	</article></body></html>`

	got := FindCandidate([]byte(html), "https://news.example.com/fa/news/1")
	if got != "https://news.example.com/img/photo-large.jpg" {
		t.Errorf("candidate = %q, want the first large non-logo image", got)
	}
}

func TestFindCandidateSkipsAdPaths(t *testing.T) {
	html := `<html><body><article>
	<img src="/ads/creative.jpg">
	<img src="/ad/banner2.jpg">
	</article></body></html>`

	if got := FindCandidate([]byte(html), "https://news.example.com/x"); got != "" {
		t.Errorf("candidate = %q, want none", got)
	}
}

func TestFindCandidateNone(t *testing.T) {
	if got := FindCandidate([]byte("<html><body><p>text only</p></body></html>"), "https://e.com"); got != "" {
		t.Errorf("candidate = %q, want none", got)
	}
}

func TestResolveUploadsWithDatedKey(t *testing.T) {
	html := `<html><head><meta property="og:image" content="https://cdn.example.com/img/lead.jpg"></head><body></body></html>`
	fetcher := &fakeFetcher{data: map[string][]byte{
		"https://cdn.example.com/img/lead.jpg": jpegBytes,
	}}
	uploader := &fakeUploader{}

	r := NewResolver("irna", fetcher, uploader, slog.Default())
	r.now = func() time.Time { return time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC) }

	handle := r.Resolve(context.Background(), []byte(html), "https://news.example.com/fa/news/1")
	if handle == "" {
		t.Fatal("expected a storage handle")
	}
	if len(uploader.keys) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploader.keys))
	}
	key := uploader.keys[0]
	if !strings.HasPrefix(key, "news-images/irna/2025/06/02/") || !strings.HasSuffix(key, ".jpg") {
		t.Errorf("key = %q, want news-images/irna/2025/06/02/<hash>.jpg", key)
	}
	if uploader.contentType != "image/jpeg" {
		t.Errorf("content type = %q, want image/jpeg", uploader.contentType)
	}
}

func TestResolveNonFatalOnDownloadFailure(t *testing.T) {
	html := `<html><head><meta property="og:image" content="https://cdn.example.com/img/lead.jpg"></head></html>`
	r := NewResolver("irna", &fakeFetcher{err: fmt.Errorf("boom")}, &fakeUploader{}, slog.Default())

	if handle := r.Resolve(context.Background(), []byte(html), "https://news.example.com/1"); handle != "" {
		t.Errorf("handle = %q, want empty on download failure", handle)
	}
}

func TestResolveNonFatalOnUploadFailure(t *testing.T) {
	html := `<html><head><meta property="og:image" content="https://cdn.example.com/img/lead.jpg"></head></html>`
	fetcher := &fakeFetcher{data: map[string][]byte{
		"https://cdn.example.com/img/lead.jpg": jpegBytes,
	}}
	r := NewResolver("irna", fetcher, &fakeUploader{err: fmt.Errorf("storage down")}, slog.Default())

	if handle := r.Resolve(context.Background(), []byte(html), "https://news.example.com/1"); handle != "" {
		t.Errorf("handle = %q, want empty on upload failure", handle)
	}
}

func TestResolveRejectsNonImageBytes(t *testing.T) {
	html := `<html><head><meta property="og:image" content="https://cdn.example.com/img/lead.jpg"></head></html>`
	fetcher := &fakeFetcher{data: map[string][]byte{
		"https://cdn.example.com/img/lead.jpg": []byte("<html>not found page</html>"),
	}}
	uploader := &fakeUploader{}
	r := NewResolver("irna", fetcher, uploader, slog.Default())

	if handle := r.Resolve(context.Background(), []byte(html), "https://news.example.com/1"); handle != "" {
		t.Errorf("handle = %q, want empty for non-image payload", handle)
	}
	if len(uploader.keys) != 0 {
		t.Error("non-image payload must not be uploaded")
	}
}

func TestSniffImage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		ext  string
		ok   bool
	}{
		{"jpeg", jpegBytes, ".jpg", true},
		{"png", []byte("\x89PNG\r\n\x1a\n"), ".png", true},
		{"gif", []byte("GIF89a...."), ".gif", true},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), ".webp", true},
		{"html", []byte("<html>"), "", false},
		{"short", []byte{0xff}, "", false},
	}
	for _, tc := range cases {
		ext, _, ok := sniffImage(tc.data)
		if ok != tc.ok || ext != tc.ext {
			t.Errorf("%s: sniffImage = (%q, %v), want (%q, %v)", tc.name, ext, ok, tc.ext, tc.ok)
		}
	}
}
