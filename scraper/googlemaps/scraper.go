package googlemaps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"restaurant-recommender/config"
	"restaurant-recommender/models"
	"restaurant-recommender/services"
	"restaurant-recommender/utils"

	"github.com/chromedp/chromedp"
)

const (
	reviewButtonSelector = `button[aria-label*='評論'], button[aria-label*='review']`
	reviewItemSelector   = `div[data-review-id]`
)

// scrolls the review pane to the bottom and reports how many reviews are loaded
const scrollJS = `
(function() {
	var el = document.querySelector('div.m6QErb.DxyBCb.kA9KIf.dS8AEf.XiKgde');
	if (el) { el.scrollTo(0, el.scrollHeight); }
	return document.querySelectorAll('div[data-review-id]').length;
})()
`

const extractJS = `
(function() {
	var out = [];
	document.querySelectorAll('div[data-review-id]').forEach(function(el) {
		var textEl = el.querySelector("span.wiI7pd, span[jsname='bN97Pc']");
		if (!textEl) return;
		var starsEl = el.querySelector("span[aria-label*='星'], span[aria-label*='star']");
		out.push({
			text: textEl.innerText || '',
			stars: starsEl ? (starsEl.getAttribute('aria-label') || '') : ''
		});
	});
	return out;
})()
`

// ErrNoReviewPane is returned when the place page has no reviews button
var ErrNoReviewPane = errors.New("review pane not found")

// Scraper loads Google Maps reviews with a headless browser
type Scraper struct {
	cfg         config.ScraperConfig
	logger      *utils.Logger
	rateLimiter *utils.RateLimiter
	cleaner     *services.DataCleaner
}

// NewScraper creates a new Scraper
func NewScraper(cfg config.ScraperConfig, logger *utils.Logger) *Scraper {
	log := logger.With("component", "scraper")
	return &Scraper{
		cfg:         cfg,
		logger:      log,
		rateLimiter: utils.NewRateLimiter(cfg.RateLimitDelay),
		cleaner:     services.NewDataCleaner(log),
	}
}

// PlaceURL is the page that lists a place's reviews
func PlaceURL(placeID string) string {
	return fmt.Sprintf("https://www.google.com/maps/place/?q=place_id:%s", placeID)
}

// newContext creates a fresh browser bound to parent, so cancelling parent closes it
func (s *Scraper) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("lang", "zh-TW"),
		chromedp.Flag("log-level", "3"), // suppress Chrome logs
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		chromedp.WindowSize(1280, 800),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	cancel := func() {
		cancelCtx()
		cancelAlloc()
	}
	return ctx, cancel
}

// ScrapeReviews opens the place page, expands the review pane, scrolls for a
// bounded time and returns up to max deduplicated reviews.
func (s *Scraper) ScrapeReviews(ctx context.Context, placeID string, max int) ([]models.Review, error) {
	if strings.TrimSpace(placeID) == "" {
		return nil, errors.New("empty place id")
	}
	if max <= 0 {
		max = s.cfg.MaxReviews
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []models.RawReview
	err := utils.RetryWithBackoff(ctx, s.cfg.MaxRetries, time.Second, func(ctx context.Context) error {
		var err error
		raw, err = s.scrapeOnce(ctx, placeID, max)
		if errors.Is(err, ErrNoReviewPane) {
			// the page loaded but has no reviews; retrying will not help
			return nil
		}
		return err
	}, s.logger)
	if err != nil {
		return nil, err
	}

	reviews := s.cleaner.CleanReviews(raw, max)
	s.logger.Info("Scraped %d reviews for %s", len(reviews), placeID)
	return reviews, nil
}

func (s *Scraper) scrapeOnce(ctx context.Context, placeID string, max int) ([]models.RawReview, error) {
	bctx, cancel := s.newContext(ctx)
	defer cancel()

	bctx, cancelTimeout := context.WithTimeout(bctx, s.cfg.Timeout)
	defer cancelTimeout()

	err := chromedp.Run(bctx,
		chromedp.Navigate(PlaceURL(placeID)),
		chromedp.Sleep(2*time.Second), // give JS time to render
	)
	if err != nil {
		return nil, fmt.Errorf("navigate failed: %w", err)
	}

	if err := s.openReviewPane(bctx); err != nil {
		return nil, err
	}

	s.scroll(bctx, max)

	type reviewData struct {
		Text  string `json:"text"`
		Stars string `json:"stars"`
	}
	var items []reviewData
	if err := chromedp.Run(bctx, chromedp.Evaluate(extractJS, &items)); err != nil {
		return nil, fmt.Errorf("review extraction failed: %w", err)
	}

	raw := make([]models.RawReview, 0, len(items))
	for _, it := range items {
		raw = append(raw, models.RawReview{Text: it.Text, StarsLabel: it.Stars})
	}
	return raw, nil
}

func (s *Scraper) openReviewPane(ctx context.Context) error {
	clickCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := chromedp.Run(clickCtx,
		chromedp.Click(reviewButtonSelector, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.WaitVisible(reviewItemSelector, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Review pane did not open: %v", err)
		return ErrNoReviewPane
	}
	return nil
}

// scroll keeps loading reviews until max are present or the scroll budget is spent
func (s *Scraper) scroll(ctx context.Context, max int) {
	deadline := time.Now().Add(s.cfg.ScrollDuration)
	for time.Now().Before(deadline) {
		var loaded int
		if err := chromedp.Run(ctx, chromedp.Evaluate(scrollJS, &loaded)); err != nil {
			s.logger.Debug("Scroll step failed: %v", err)
			return
		}
		if loaded >= max {
			return
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(500*time.Millisecond)); err != nil {
			return
		}
	}
}
