package storage

import (
	"context"
	"errors"
	"time"

	"restaurant-recommender/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// RestaurantStorage persists restaurant base fields and their review sets
type RestaurantStorage interface {
	// UpsertRestaurant inserts or updates base fields keyed by PlaceID. Latest write wins.
	UpsertRestaurant(ctx context.Context, r models.Restaurant) error
	// GetFreshReviews returns the stored reviews for placeID when they were
	// written no longer than maxAge ago. fresh is false when there is nothing
	// usable (no record, no reviews, or too old).
	GetFreshReviews(ctx context.Context, placeID string, maxAge time.Duration) (reviews []models.Review, fresh bool, err error)
	// ReplaceReviews atomically swaps the whole review set of placeID and
	// stamps the write time. The restaurant must have been upserted first.
	ReplaceReviews(ctx context.Context, placeID string, reviews []models.Review) error
}

// RecommendationStorage persists completed searches
type RecommendationStorage interface {
	RecordRecommendation(ctx context.Context, rec *models.Recommendation) error
	// GetRecommendation returns the latest recommendation recorded under queryKey
	GetRecommendation(ctx context.Context, queryKey string) (*models.Recommendation, error)
}

// Store is the full persistence surface
type Store interface {
	RestaurantStorage
	RecommendationStorage
	Close() error
}

// Option configures a store
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects the reference clock used for freshness checks and timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// isFresh reports whether writtenAt lies within maxAge of now
func isFresh(writtenAt, now time.Time, maxAge time.Duration) bool {
	if writtenAt.IsZero() {
		return false
	}
	return now.Sub(writtenAt) <= maxAge
}

func topPlaceIDs(rec *models.Recommendation) []string {
	if len(rec.TopPlaceIDs) > 0 {
		return rec.TopPlaceIDs
	}
	ids := make([]string, 0, len(rec.Results))
	for _, r := range rec.Results {
		ids = append(ids, r.PlaceID)
	}
	return ids
}
