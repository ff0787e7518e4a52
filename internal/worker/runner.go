// Package worker drives the per-source ingestion loop: fetch the listing,
// diff out known URLs, process each new article, sleep, repeat. Runners are
// fully independent; nothing here is shared between sources except the
// persistent store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khabarhub/ingest/internal/category"
	"github.com/khabarhub/ingest/internal/config"
	"github.com/khabarhub/ingest/internal/extract"
	"github.com/khabarhub/ingest/internal/metrics"
	"github.com/khabarhub/ingest/internal/news"
)

// seenTTL bounds the in-memory url cache; the store remains authoritative.
const seenTTL = 24 * time.Hour

// ArticleStore is the persistence collaborator. Insert must guarantee
// at-most-once per url via a uniqueness constraint.
type ArticleStore interface {
	ExistsURL(ctx context.Context, url string) (bool, error)
	Insert(ctx context.Context, a *news.Article) (bool, error)
	SourceEnabled(ctx context.Context, name string) (bool, error)
	TouchSource(ctx context.Context, name string) error
}

// ImageResolver resolves and stores at most one image per article; an empty
// handle means the article carries no image.
type ImageResolver interface {
	Resolve(ctx context.Context, articleHTML []byte, articleURL string) string
	ResolveURL(ctx context.Context, imageURL, articleURL string) string
}

// Runner polls a single source. One source's failures or congestion never
// affect another: each runner owns its limiter, fetcher and strategies.
type Runner struct {
	source     config.Source
	listing    ListingStrategy
	article    ArticleStrategy
	store      ArticleStore
	images     ImageResolver
	categories *category.Normalizer
	assembler  *news.Assembler
	seen       *seenCache
	log        *slog.Logger

	shutdown chan struct{}
	stopOnce sync.Once
}

func New(source config.Source, listing ListingStrategy, article ArticleStrategy, store ArticleStore, images ImageResolver, categories *category.Normalizer, log *slog.Logger) *Runner {
	return &Runner{
		source:     source,
		listing:    listing,
		article:    article,
		store:      store,
		images:     images,
		categories: categories,
		assembler:  news.NewAssembler(source.Name, source.Language),
		seen:       newSeenCache(seenTTL),
		log:        log.With("source", source.Name),
		shutdown:   make(chan struct{}),
	}
}

// Stop requests a graceful shutdown: the runner finishes the in-flight
// article and exits at the next suspension point. Cancelling the Run context
// is the hard stop that severs in-flight work.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.shutdown) })
}

func (r *Runner) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-r.shutdown:
		return true
	default:
		return false
	}
}

// Run executes the poll loop until Stop is called or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("worker started", "type", r.source.Type,
		"poll_interval", time.Duration(r.source.PollInterval).String())

	for {
		start := time.Now()
		r.poll(ctx)

		if r.stopping(ctx) {
			r.log.Info("worker stopped")
			return
		}

		wait := time.Duration(r.source.PollInterval) - time.Since(start)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			r.log.Info("worker stopped")
			return
		case <-r.shutdown:
			r.log.Info("worker stopped")
			return
		case <-time.After(wait):
		}
	}
}

// poll runs one cycle unless the source is disabled. Disabled sources keep
// looping so an external re-enable takes effect without a restart.
func (r *Runner) poll(ctx context.Context) {
	enabled, err := r.store.SourceEnabled(ctx, r.source.Name)
	if err != nil {
		r.log.Warn("could not read source state, assuming enabled", "error", err)
		enabled = true
	}
	if !enabled {
		r.log.Debug("source disabled, skipping cycle")
		return
	}
	r.cycle(ctx)
}

func (r *Runner) cycle(ctx context.Context) {
	start := time.Now()
	r.seen.prune()

	items, err := r.listing.Listing(ctx)
	if err != nil {
		// A failed listing ends the cycle; the next scheduled cycle retries.
		r.log.Error("listing fetch failed, ending cycle", "error", err)
		metrics.Global.SetError(err.Error())
		return
	}

	fresh := r.diff(ctx, items)
	r.log.Info("cycle listing diffed", "listed", len(items), "new", len(fresh))

	var saved, existing, failed int
	for _, item := range fresh {
		if r.stopping(ctx) {
			r.log.Info("shutdown requested, ending cycle early")
			return
		}
		switch r.process(ctx, item) {
		case outcomeSaved:
			saved++
		case outcomeExists:
			existing++
		case outcomeFailed:
			failed++
		}
	}

	if err := r.store.TouchSource(ctx, r.source.Name); err != nil {
		r.log.Warn("could not stamp source run", "error", err)
	}

	metrics.Global.RecordCycle(time.Since(start))
	r.log.Info("cycle completed",
		"saved", saved, "already_existing", existing, "failed", failed,
		"duration", time.Since(start).String())
}

// diff returns the listing entries not yet known, in listing order.
// Duplicates within one listing collapse to their first occurrence.
func (r *Runner) diff(ctx context.Context, items []extract.ListingItem) []extract.ListingItem {
	var fresh []extract.ListingItem
	inCycle := make(map[string]bool, len(items))

	for _, item := range items {
		if item.URL == "" || inCycle[item.URL] {
			continue
		}
		inCycle[item.URL] = true

		if r.seen.Has(item.URL) {
			metrics.Global.IncrementSkippedExisting()
			continue
		}
		exists, err := r.store.ExistsURL(ctx, item.URL)
		if err != nil {
			// Pre-filter only: on a store hiccup let Insert decide later.
			r.log.Warn("existence check failed", "url", item.URL, "error", err)
		} else if exists {
			r.seen.Add(item.URL)
			metrics.Global.IncrementSkippedExisting()
			continue
		}
		fresh = append(fresh, item)
	}
	return fresh
}

type outcome int

const (
	outcomeSaved outcome = iota
	outcomeExists
	outcomeFailed
)

// process handles one article end to end. Every failure is terminal for this
// article only: it is logged and the cycle moves on.
func (r *Runner) process(ctx context.Context, item extract.ListingItem) outcome {
	content, page, err := r.article.Extract(ctx, item)
	if err != nil {
		if errors.Is(err, extract.ErrNoContent) {
			r.log.Warn("extraction failed, article skipped", "url", item.URL, "error", err)
		} else {
			r.log.Warn("article fetch failed, skipped", "url", item.URL, "error", err)
		}
		metrics.Global.IncrementFailed()
		return outcomeFailed
	}

	rawCategory := content.RawCategory
	if rawCategory == "" {
		rawCategory = item.RawCategory
	}
	cat := r.categories.Normalize(r.source.Name, rawCategory)

	imageURL := r.images.Resolve(ctx, page, item.URL)
	if imageURL == "" && item.ImageURL != "" {
		imageURL = r.images.ResolveURL(ctx, item.ImageURL, item.URL)
	}

	article, err := r.assembler.Assemble(item, content, cat, rawCategory, imageURL)
	if err != nil {
		r.log.Warn("validation failed, article skipped", "url", item.URL, "error", err)
		metrics.Global.IncrementFailed()
		return outcomeFailed
	}

	inserted, err := r.store.Insert(ctx, article)
	if err != nil {
		r.log.Error("insert failed, article skipped", "url", item.URL, "error", err)
		metrics.Global.IncrementFailed()
		return outcomeFailed
	}
	r.seen.Add(item.URL)

	if !inserted {
		// Another cycle or process won the race; success-no-op.
		r.log.Debug("article already stored", "url", item.URL)
		metrics.Global.IncrementSkippedExisting()
		return outcomeExists
	}

	metrics.Global.IncrementProcessed()
	r.log.Info("article saved", "url", item.URL, "category", string(cat),
		"has_image", article.ImageURL != "")
	return outcomeSaved
}
