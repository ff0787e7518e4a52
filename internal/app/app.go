// Package app wires configuration, storage and the per-source workers into a
// running ingestion process and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/khabarhub/ingest/internal/category"
	"github.com/khabarhub/ingest/internal/config"
	"github.com/khabarhub/ingest/internal/fetch"
	"github.com/khabarhub/ingest/internal/images"
	"github.com/khabarhub/ingest/internal/logger"
	"github.com/khabarhub/ingest/internal/ratelimit"
	"github.com/khabarhub/ingest/internal/storage"
	"github.com/khabarhub/ingest/internal/worker"
)

// Run starts one worker per configured source and blocks until SIGINT or
// SIGTERM. Shutdown is two-phased: workers get a soft stop and a grace
// period to finish the in-flight article, then the shared context is
// cancelled.
func Run() error {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sources, err := config.LoadSources(cfg.SourcesPath, cfg)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}

	table, err := category.LoadTable(cfg.CategoriesPath)
	if err != nil {
		return fmt.Errorf("loading category table: %w", err)
	}
	normalizer := category.NewNormalizer(table, logger.Logger)

	store, err := storage.New(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects, err := storage.NewObjectStore(ctx, cfg.S3Endpoint,
		cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL, cfg.S3Bucket)
	if err != nil {
		return fmt.Errorf("connecting to object storage: %w", err)
	}

	var wg sync.WaitGroup
	var runners []*worker.Runner

	for _, src := range sources {
		if err := store.EnsureSource(ctx, src.Name, time.Duration(src.PollInterval), src.Enabled); err != nil {
			return fmt.Errorf("registering source %s: %w", src.Name, err)
		}

		r, err := buildRunner(cfg, src, store, objects, normalizer)
		if err != nil {
			return err
		}
		runners = append(runners, r)

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}
	logger.Info("ingestion started", "sources", len(sources))

	if cfg.RetentionDays > 0 {
		go janitor(ctx, store, cfg.RetentionDays)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutdown signal received", "signal", s.String())

	for _, r := range runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("grace period elapsed, cancelling in-flight work")
		cancel()
		<-done
	}
	cancel()

	logger.Info("ingestion stopped")
	return nil
}

func buildRunner(cfg *config.Config, src config.Source, store *storage.Store,
	objects *storage.ObjectStore, normalizer *category.Normalizer) (*worker.Runner, error) {

	log := logger.With("source", src.Name)
	limiter := ratelimit.New(src.Name, src.MaxRequestsPerMinute, time.Duration(src.DelayBetweenRequests))
	client := fetch.New(src.Name, limiter, cfg.RequestTimeout, src.MaxRetries, src.Headers, log)

	var listing worker.ListingStrategy
	switch src.Type {
	case "rss":
		listing = worker.NewRSSListing(src.FeedURL, client)
	case "html":
		listing = worker.NewHTMLListing(src.ListingURL, client, src.Listing)
	default:
		return nil, fmt.Errorf("source %s: unknown type %q", src.Name, src.Type)
	}

	article := worker.NewHTMLArticle(client, src.ArticleSelectors)
	resolver := images.NewResolver(src.Name, client, objects, log)

	return worker.New(src, listing, article, store, resolver, normalizer, log), nil
}

// janitor purges articles past the retention window once a day.
func janitor(ctx context.Context, store *storage.Store, days int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeOlderThan(ctx, days)
			if err != nil {
				logger.Error("retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("retention purge completed", "deleted", n, "retention_days", days)
			}
		}
	}
}
