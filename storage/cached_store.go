package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"restaurant-recommender/cache"
	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

const reviewNamespace = "reviews"

type cachedReviews struct {
	WrittenAt time.Time       `json:"written_at"`
	Reviews   []models.Review `json:"reviews"`
}

// CachedStore puts a key/value tier in front of review reads.
// Writes go to the inner store first, then to the cache.
type CachedStore struct {
	Store
	cache  cache.Client
	ttl    time.Duration
	now    func() time.Time
	logger *utils.Logger
}

// NewCachedStore wraps inner. ttl bounds how long entries stay in the cache tier.
func NewCachedStore(inner Store, c cache.Client, ttl time.Duration, logger *utils.Logger, opts ...Option) *CachedStore {
	o := buildOptions(opts)
	return &CachedStore{Store: inner, cache: c, ttl: ttl, now: o.now, logger: logger}
}

func (s *CachedStore) GetFreshReviews(ctx context.Context, placeID string, maxAge time.Duration) ([]models.Review, bool, error) {
	raw, err := s.cache.Get(ctx, cache.Key(reviewNamespace, placeID))
	switch {
	case err == nil:
		var entry cachedReviews
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil {
			s.logger.Warn("Dropping corrupt cache entry for %s: %v", placeID, jsonErr)
			_ = s.cache.Delete(ctx, cache.Key(reviewNamespace, placeID))
			break
		}
		if len(entry.Reviews) > 0 && isFresh(entry.WrittenAt, s.now(), maxAge) {
			return entry.Reviews, true, nil
		}
	case !errors.Is(err, cache.ErrCacheMiss):
		s.logger.Warn("Review cache read failed for %s: %v", placeID, err)
	}
	return s.Store.GetFreshReviews(ctx, placeID, maxAge)
}

func (s *CachedStore) ReplaceReviews(ctx context.Context, placeID string, reviews []models.Review) error {
	if err := s.Store.ReplaceReviews(ctx, placeID, reviews); err != nil {
		return err
	}
	payload, err := json.Marshal(cachedReviews{WrittenAt: s.now(), Reviews: reviews})
	if err != nil {
		s.logger.Warn("Cannot encode reviews for cache %s: %v", placeID, err)
		return nil
	}
	if err := s.cache.Set(ctx, cache.Key(reviewNamespace, placeID), payload, s.ttl); err != nil {
		s.logger.Warn("Review cache write failed for %s: %v", placeID, err)
	}
	return nil
}

func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
