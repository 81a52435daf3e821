package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"restaurant-recommender/models"
)

type memoryRestaurant struct {
	restaurant       models.Restaurant
	reviews          []models.Review
	reviewsUpdatedAt time.Time
}

// MemoryStore keeps everything in process. Used for the "memory" driver and in tests.
type MemoryStore struct {
	mu              sync.RWMutex
	restaurants     map[string]*memoryRestaurant
	recommendations []models.Recommendation
	now             func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{restaurants: make(map[string]*memoryRestaurant), now: o.now}
}

// UpsertRestaurant inserts or updates the base fields of r keyed by PlaceID
func (m *MemoryStore) UpsertRestaurant(_ context.Context, r models.Restaurant) error {
	if strings.TrimSpace(r.PlaceID) == "" {
		return fmt.Errorf("upsert restaurant: empty place id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.restaurants[r.PlaceID]; ok {
		existing.restaurant = r
		return nil
	}
	m.restaurants[r.PlaceID] = &memoryRestaurant{restaurant: r}
	return nil
}

// GetFreshReviews returns the stored reviews of placeID if they were written within maxAge
func (m *MemoryStore) GetFreshReviews(_ context.Context, placeID string, maxAge time.Duration) ([]models.Review, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.restaurants[placeID]
	if !ok || len(entry.reviews) == 0 || !isFresh(entry.reviewsUpdatedAt, m.now(), maxAge) {
		return nil, false, nil
	}
	return append([]models.Review(nil), entry.reviews...), true, nil
}

// ReplaceReviews swaps the whole review set of placeID and stamps the write time
func (m *MemoryStore) ReplaceReviews(_ context.Context, placeID string, reviews []models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.restaurants[placeID]
	if !ok {
		return fmt.Errorf("replace reviews %s: %w", placeID, ErrNotFound)
	}
	entry.reviews = append([]models.Review(nil), reviews...)
	entry.reviewsUpdatedAt = m.now()
	return nil
}

// SetReviewsUpdatedAt overrides the write stamp of a review set
func (m *MemoryStore) SetReviewsUpdatedAt(placeID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.restaurants[placeID]; ok {
		entry.reviewsUpdatedAt = at
	}
}

// Restaurant returns the stored base fields for placeID
func (m *MemoryStore) Restaurant(placeID string) (models.Restaurant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.restaurants[placeID]
	if !ok {
		return models.Restaurant{}, false
	}
	return entry.restaurant, true
}

// RecordRecommendation fills in a missing ID, timestamp and key, then stores a copy of rec
func (m *MemoryStore) RecordRecommendation(_ context.Context, rec *models.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if rec.QueryKey == "" {
		rec.QueryKey = rec.Query.Key()
	}
	rec.TopPlaceIDs = topPlaceIDs(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recommendations = append(m.recommendations, *rec)
	return nil
}

// GetRecommendation returns the latest recommendation recorded under queryKey
func (m *MemoryStore) GetRecommendation(_ context.Context, queryKey string) (*models.Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Recommendation
	for i := range m.recommendations {
		r := &m.recommendations[i]
		if r.QueryKey != queryKey {
			continue
		}
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
