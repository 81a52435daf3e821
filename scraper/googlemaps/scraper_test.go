package googlemaps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-recommender/config"
	"restaurant-recommender/utils"
)

func testConfig() config.ScraperConfig {
	return config.ScraperConfig{
		MaxReviews:     80,
		ScrollDuration: time.Second,
		Timeout:        5 * time.Second,
		RateLimitDelay: time.Second,
		MaxRetries:     1,
		Headless:       true,
	}
}

func TestPlaceURL(t *testing.T) {
	assert.Equal(t, "https://www.google.com/maps/place/?q=place_id:ChIJ123", PlaceURL("ChIJ123"))
}

func TestScrapeReviews_RejectsEmptyPlaceID(t *testing.T) {
	s := NewScraper(testConfig(), utils.NopLogger())
	_, err := s.ScrapeReviews(context.Background(), "  ", 10)
	require.Error(t, err)
}

func TestScrapeReviews_CancelledContext(t *testing.T) {
	s := NewScraper(testConfig(), utils.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ScrapeReviews(ctx, "ChIJ123", 10)
	require.Error(t, err)
}
