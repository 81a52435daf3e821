package storage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-recommender/cache"
	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

const window = 30 * 24 * time.Hour

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func stars(v float64) *float64 { return &v }

func sampleRestaurant(id string) models.Restaurant {
	return models.Restaurant{
		PlaceID:     id,
		Name:        "老四川 " + id,
		Address:     "台北市信義區",
		Rating:      4.3,
		RatingCount: 120,
		MapURL:      "https://www.google.com/maps/place/?q=place_id:" + id,
	}
}

func newSQLiteStore(t *testing.T, clock *fakeClock) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	s, err := NewSQLStore(context.Background(), "sqlite", path, utils.NopLogger(), WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// runs the same freshness assertions against every Store implementation
func assertFreshnessWindow(t *testing.T, store Store, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	r := sampleRestaurant("p1")
	require.NoError(t, store.UpsertRestaurant(ctx, r))

	_, fresh, err := store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	assert.False(t, fresh, "no reviews written yet")

	reviews := []models.Review{{Text: "湯頭很濃", Stars: stars(5)}, {Text: "服務普通"}}
	require.NoError(t, store.ReplaceReviews(ctx, "p1", reviews))

	clock.advance(29 * 24 * time.Hour)
	got, fresh, err := store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	require.True(t, fresh, "29 days old must be reused")
	require.Len(t, got, 2)
	assert.Equal(t, "湯頭很濃", got[0].Text)
	require.NotNil(t, got[0].Stars)
	assert.InDelta(t, 5.0, *got[0].Stars, 1e-9)
	assert.Nil(t, got[1].Stars)

	clock.advance(2 * 24 * time.Hour)
	_, fresh, err = store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	assert.False(t, fresh, "31 days old must trigger a refresh")
}

func TestMemoryStore_FreshnessWindow(t *testing.T) {
	clock := newClock()
	assertFreshnessWindow(t, NewMemoryStore(WithClock(clock.now)), clock)
}

func TestSQLStore_FreshnessWindow(t *testing.T) {
	clock := newClock()
	assertFreshnessWindow(t, newSQLiteStore(t, clock), clock)
}

func TestCachedStore_FreshnessWindow(t *testing.T) {
	clock := newClock()
	inner := NewMemoryStore(WithClock(clock.now))
	store := NewCachedStore(inner, cache.NewMemoryClient(clock.now), 0, utils.NopLogger(), WithClock(clock.now))
	assertFreshnessWindow(t, store, clock)
}

func TestMemoryStore_ExactWindowBoundaryIsFresh(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore(WithClock(clock.now))
	require.NoError(t, store.UpsertRestaurant(ctx, sampleRestaurant("p1")))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "ok"}}))

	clock.advance(window)
	_, fresh, err := store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSQLStore_ReplaceReviewsIsWholesale(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newSQLiteStore(t, clock)

	require.NoError(t, store.UpsertRestaurant(ctx, sampleRestaurant("p1")))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "a"}, {Text: "b"}, {Text: "c"}}))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "d"}}))

	got, fresh, err := store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	require.True(t, fresh)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Text)
}

func TestSQLStore_ReplaceReviewsRequiresRestaurant(t *testing.T) {
	store := newSQLiteStore(t, newClock())
	err := store.ReplaceReviews(context.Background(), "ghost", []models.Review{{Text: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpsertLatestWins(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, newClock())

	r := sampleRestaurant("p1")
	require.NoError(t, store.UpsertRestaurant(ctx, r))
	r.Name = "新名字"
	r.Rating = 4.9
	require.NoError(t, store.UpsertRestaurant(ctx, r))

	var (
		name   string
		rating float64
		count  int
	)
	require.NoError(t, store.db.QueryRow(`SELECT name, rating FROM restaurants WHERE place_id = 'p1'`).Scan(&name, &rating))
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM restaurants`).Scan(&count))
	assert.Equal(t, "新名字", name)
	assert.InDelta(t, 4.9, rating, 1e-9)
	assert.Equal(t, 1, count)
}

func sampleRecommendation() *models.Recommendation {
	q := models.Query{
		Text:        "想在信義區吃火鍋",
		Location:    "信義區",
		Category:    "火鍋",
		Preferences: models.Preferences{Strong: []string{"no_beef"}, Weak: []string{"安靜"}},
	}
	results := []models.ScoredRestaurant{
		{Restaurant: sampleRestaurant("a"), Reason: "r1", Score: 0.9, MatchScore: 0.8, PositiveRate: 1},
		{Restaurant: sampleRestaurant("b"), Reason: "r2", Score: 0.7},
		{Restaurant: sampleRestaurant("c"), Reason: "r3", Score: 0.5},
	}
	return &models.Recommendation{
		QueryKey:    q.Key(),
		Query:       q,
		TopPlaceIDs: []string{"a", "b", "c"},
		Results:     results,
	}
}

func TestSQLStore_RecommendationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, newClock())

	rec := sampleRecommendation()
	require.NoError(t, store.RecordRecommendation(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	got, err := store.GetRecommendation(ctx, rec.QueryKey)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Query, got.Query)
	assert.Equal(t, []string{"a", "b", "c"}, got.TopPlaceIDs)
	assert.Equal(t, rec.Results, got.Results)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestSQLStore_GetRecommendationReturnsLatest(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newSQLiteStore(t, clock)

	first := sampleRecommendation()
	require.NoError(t, store.RecordRecommendation(ctx, first))
	clock.advance(time.Minute)
	second := sampleRecommendation()
	second.TopPlaceIDs = []string{"c"}
	require.NoError(t, store.RecordRecommendation(ctx, second))

	got, err := store.GetRecommendation(ctx, first.QueryKey)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = store.GetRecommendation(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RecommendationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := sampleRecommendation()
	require.NoError(t, store.RecordRecommendation(ctx, rec))

	got, err := store.GetRecommendation(ctx, rec.Query.Key())
	require.NoError(t, err)
	assert.Equal(t, rec.TopPlaceIDs, got.TopPlaceIDs)
	assert.Equal(t, rec.Results, got.Results)
}

func TestCachedStore_ServesFromCacheAfterWrite(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	inner := NewMemoryStore(WithClock(clock.now))
	store := NewCachedStore(inner, cache.NewMemoryClient(clock.now), window, utils.NopLogger(), WithClock(clock.now))

	require.NoError(t, store.UpsertRestaurant(ctx, sampleRestaurant("p1")))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "cached"}}))

	// make the inner copy stale; the cache entry is still within the window
	inner.SetReviewsUpdatedAt("p1", clock.t.Add(-40*24*time.Hour))

	got, fresh, err := store.GetFreshReviews(ctx, "p1", window)
	require.NoError(t, err)
	require.True(t, fresh)
	assert.Equal(t, "cached", got[0].Text)
}

func TestCSVWriter_WriteRanked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "ranked.csv")
	w := NewCSVWriter(path, utils.NopLogger())
	rec := sampleRecommendation()

	require.NoError(t, w.WriteRanked(rec.Query, rec.Results))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "rank", rows[0][0])
	assert.Equal(t, []string{"1", "a"}, rows[1][:2])
	assert.Equal(t, "信義區", rows[1][11])
}
