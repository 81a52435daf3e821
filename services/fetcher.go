package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"restaurant-recommender/metrics"
	"restaurant-recommender/models"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

// ErrMissingIdentity is returned for candidates without a name or place ID
var ErrMissingIdentity = errors.New("restaurant has no name or place id")

// ReviewScraper loads reviews for one place
type ReviewScraper interface {
	ScrapeReviews(ctx context.Context, placeID string, max int) ([]models.Review, error)
}

// FetcherOptions tunes the fetch coordinator
type FetcherOptions struct {
	Concurrency int           // worker count, 3 when unset
	MaxReviews  int           // per-restaurant scrape cap, 80 when unset
	CacheWindow time.Duration // stored reviews younger than this are reused, 30 days when unset
}

// Fetcher gathers reviews for a batch of restaurants, from the store when
// fresh and from the scraper otherwise.
type Fetcher struct {
	store   storage.RestaurantStorage
	scraper ReviewScraper
	opts    FetcherOptions
	logger  *utils.Logger
}

// NewFetcher creates a new Fetcher
func NewFetcher(store storage.RestaurantStorage, scraper ReviewScraper, opts FetcherOptions, logger *utils.Logger) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxReviews <= 0 {
		opts.MaxReviews = 80
	}
	if opts.CacheWindow <= 0 {
		opts.CacheWindow = 30 * 24 * time.Hour
	}
	return &Fetcher{store: store, scraper: scraper, opts: opts, logger: logger.With("component", "fetcher")}
}

// FetchBatch fetches every restaurant on a bounded worker pool and blocks
// until all of them finish. Output follows input order; restaurants that
// failed or produced no reviews are left out.
func (f *Fetcher) FetchBatch(ctx context.Context, restaurants []models.Restaurant) []models.ReviewBatch {
	start := time.Now()
	results := make([]*models.ReviewBatch, len(restaurants))

	p := pool.New().WithMaxGoroutines(f.opts.Concurrency)
	for i, r := range restaurants {
		i, r := i, r
		p.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					metrics.ReviewFetchTotal.WithLabelValues("failed").Inc()
					f.logger.Error("Fetch for '%s' panicked: %v", r.Name, rec)
				}
			}()
			batch, err := f.FetchSingle(ctx, r)
			if err != nil {
				f.logger.Warn("Fetch for '%s' failed: %v", r.Name, err)
				return
			}
			results[i] = &batch
		})
	}
	p.Wait()

	var out []models.ReviewBatch
	for _, b := range results {
		if b != nil && len(b.Reviews) > 0 {
			out = append(out, *b)
		}
	}
	f.logger.Info("Fetched reviews for %d/%d restaurants in %v", len(out), len(restaurants), time.Since(start).Round(time.Millisecond))
	return out
}

// FetchSingle upserts the restaurant, returns fresh stored reviews when
// available and scrapes otherwise. A successful scrape replaces the stored
// set; an empty or failed one leaves it untouched.
func (f *Fetcher) FetchSingle(ctx context.Context, r models.Restaurant) (models.ReviewBatch, error) {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.PlaceID) == "" {
		return models.ReviewBatch{}, ErrMissingIdentity
	}
	log := f.logger.With("place_id", r.PlaceID)
	batch := models.ReviewBatch{Restaurant: r}

	if err := f.store.UpsertRestaurant(ctx, r); err != nil {
		log.Warn("Upsert failed, continuing without persistence: %v", err)
	}

	cached, fresh, err := f.store.GetFreshReviews(ctx, r.PlaceID, f.opts.CacheWindow)
	if err != nil {
		log.Warn("Review cache lookup failed: %v", err)
	}
	if fresh {
		metrics.ReviewFetchTotal.WithLabelValues("cache").Inc()
		log.Debug("Using %d cached reviews for '%s'", len(cached), r.Name)
		batch.Reviews = cached
		return batch, nil
	}

	if err := ctx.Err(); err != nil {
		return batch, err
	}

	scraped, err := f.scraper.ScrapeReviews(ctx, r.PlaceID, f.opts.MaxReviews)
	if err != nil {
		metrics.ReviewFetchTotal.WithLabelValues("failed").Inc()
		metrics.CollaboratorFailures.WithLabelValues("scraper").Inc()
		return batch, fmt.Errorf("scrape reviews: %w", err)
	}
	if len(scraped) > f.opts.MaxReviews {
		scraped = scraped[:f.opts.MaxReviews]
	}
	if len(scraped) == 0 {
		metrics.ReviewFetchTotal.WithLabelValues("empty").Inc()
		log.Info("No reviews found for '%s'", r.Name)
		return batch, nil
	}

	metrics.ReviewFetchTotal.WithLabelValues("scrape").Inc()
	if err := f.store.ReplaceReviews(ctx, r.PlaceID, scraped); err != nil {
		log.Warn("Storing reviews failed, continuing in memory: %v", err)
	}
	batch.Reviews = scraped
	return batch, nil
}
