package services

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-recommender/models"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

// ---------- preferences ----------

func TestClassifyPreferences(t *testing.T) {
	prefs := ClassifyPreferences([]string{"我不吃牛", "不能吃辣", "吃素", "Halal", "不吃豬肉", "安靜", "適合約會", "安靜", "不吃牛肉"})

	assert.Equal(t, []string{NoBeef, NoSpicy, Vegetarian, Halal, NoPork}, prefs.Strong)
	assert.Equal(t, []string{"安靜", "適合約會"}, prefs.Weak)
}

func TestClassifyPreferences_WeakIsLowercased(t *testing.T) {
	prefs := ClassifyPreferences([]string{"  CP值高 ", ""})
	assert.Empty(t, prefs.Strong)
	assert.Equal(t, []string{"cp值高"}, prefs.Weak)
}

func TestMergePreferences_Union(t *testing.T) {
	held := models.Preferences{Strong: []string{NoBeef}, Weak: []string{"安靜"}}
	incoming := models.Preferences{Strong: []string{NoBeef, Halal}, Weak: []string{"安靜", "寬敞"}}

	merged := MergePreferences(held, incoming)
	assert.Equal(t, []string{NoBeef, Halal}, merged.Strong)
	assert.Equal(t, []string{"安靜", "寬敞"}, merged.Weak)
	assert.Equal(t, []string{NoBeef}, held.Strong, "held must not be mutated")
}

func names(rs []models.Restaurant) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Name)
	}
	return out
}

func TestApplyStrongFilters(t *testing.T) {
	candidates := []models.Restaurant{
		{PlaceID: "1", Name: "老王牛肉麵"},
		{PlaceID: "2", Name: "麻辣鍋本舖"},
		{PlaceID: "3", Name: "清真小館"},
		{PlaceID: "4", Name: "蔬食火鍋"},
		{PlaceID: "5", Name: "豬排專賣"},
	}

	got, fellBack := ApplyStrongFilters(candidates, []string{NoBeef, NoSpicy})
	assert.False(t, fellBack)
	assert.Equal(t, []string{"清真小館", "蔬食火鍋", "豬排專賣"}, names(got))

	got, _ = ApplyStrongFilters(candidates, []string{Vegetarian})
	assert.Equal(t, []string{"蔬食火鍋"}, names(got))

	got, _ = ApplyStrongFilters(candidates, []string{Halal})
	assert.Equal(t, []string{"清真小館"}, names(got))

	got, _ = ApplyStrongFilters(candidates, []string{NoPork})
	assert.NotContains(t, names(got), "豬排專賣")
}

func TestApplyStrongFilters_FallsBackWhenEmpty(t *testing.T) {
	candidates := []models.Restaurant{
		{PlaceID: "1", Name: "和牛燒肉"},
		{PlaceID: "2", Name: "牛排館"},
	}
	got, fellBack := ApplyStrongFilters(candidates, []string{NoBeef})
	assert.True(t, fellBack)
	assert.Equal(t, candidates, got)
}

// ---------- cleaner ----------

func TestCleanCandidates(t *testing.T) {
	c := NewDataCleaner(utils.NopLogger())
	got := c.CleanCandidates([]models.Restaurant{
		{PlaceID: "a", Name: " 好店 ", Rating: 4.5},
		{PlaceID: "", Name: "沒有 ID"},
		{PlaceID: "b", Name: ""},
		{PlaceID: "a", Name: "重複"},
		{PlaceID: "c", Name: "怪分數", Rating: 7, RatingCount: -3},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "好店", got[0].Name)
	assert.Equal(t, MapURL("a"), got[0].MapURL)
	assert.Equal(t, 0.0, got[1].Rating)
	assert.Equal(t, 0, got[1].RatingCount)
}

func TestCleanReviews(t *testing.T) {
	c := NewDataCleaner(utils.NopLogger())
	got := c.CleanReviews([]models.RawReview{
		{Text: "好吃", StarsLabel: "5 顆星"},
		{Text: "好吃 ", StarsLabel: "1 顆星"},
		{Text: "  "},
		{Text: "普通", StarsLabel: "4.5 stars"},
		{Text: "超出上限"},
	}, 2)

	require.Len(t, got, 2)
	require.NotNil(t, got[0].Stars)
	assert.Equal(t, 5.0, *got[0].Stars)
	assert.Equal(t, "普通", got[1].Text)
	assert.Equal(t, 4.5, *got[1].Stars)
	assert.Nil(t, ParseStars("沒有星"))
}

// ---------- ranker ----------

func TestRanker_KeywordBonusOrdersBAboveA(t *testing.T) {
	a := models.ScoredRestaurant{
		Restaurant:   models.Restaurant{PlaceID: "A", Name: "A", Rating: 4.0},
		MatchScore:   0.8,
		PositiveRate: 0.5,
		Summary:      "東西好吃",
	}
	b := models.ScoredRestaurant{
		Restaurant:   models.Restaurant{PlaceID: "B", Name: "B", Rating: 4.0},
		MatchScore:   0.75,
		PositiveRate: 0.6,
		Summary:      "環境很安靜",
	}
	r := NewRanker(DefaultWeights(), utils.NopLogger())

	ranked := r.Rank([]models.ScoredRestaurant{a, b}, []string{"安靜"})

	require.Len(t, ranked, 2)
	assert.Equal(t, "B", ranked[0].PlaceID)
	assert.InDelta(t, 0.775, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.74, ranked[1].Score, 1e-9)
}

func TestRanker_BonusBeatsPlaceIDTieBreak(t *testing.T) {
	base := func(id, summary string) models.ScoredRestaurant {
		return models.ScoredRestaurant{
			Restaurant:   models.Restaurant{PlaceID: id, Name: id, Rating: 5},
			MatchScore:   0.9,
			PositiveRate: 0.8,
			Summary:      summary,
		}
	}
	r := NewRanker(DefaultWeights(), utils.NopLogger())

	ranked := r.Rank([]models.ScoredRestaurant{base("A", "份量很大"), base("B", "很安靜的小店")}, []string{"安靜"})

	require.Len(t, ranked, 2)
	assert.Equal(t, "B", ranked[0].PlaceID)
	assert.Equal(t, "A", ranked[1].PlaceID)
	assert.InDelta(t, 0.94, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.89, ranked[1].Score, 1e-9)
}

func TestRanker_TieBreakAndFailure(t *testing.T) {
	r := NewRanker(DefaultWeights(), utils.NopLogger())
	in := []models.ScoredRestaurant{
		{Restaurant: models.Restaurant{PlaceID: "z"}, MatchScore: 0.5},
		{Restaurant: models.Restaurant{PlaceID: "bad"}, MatchScore: math.NaN()},
		{Restaurant: models.Restaurant{PlaceID: "a"}, MatchScore: 0.5},
	}

	ranked := r.Rank(in, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"a", "z", "bad"}, []string{ranked[0].PlaceID, ranked[1].PlaceID, ranked[2].PlaceID})
	assert.Equal(t, 0.0, ranked[2].Score)
	assert.Equal(t, "z", in[0].PlaceID, "input order untouched")
}

func TestTop(t *testing.T) {
	ranked := []models.ScoredRestaurant{{}, {}, {}, {}}
	assert.Len(t, Top(ranked, 3), 3)
	assert.Len(t, Top(ranked[:2], 3), 2)
	assert.Empty(t, Top(nil, 3))
}

// ---------- fetcher ----------

type fakeScraper struct {
	mu       sync.Mutex
	reviews  map[string][]models.Review
	fail     map[string]bool
	calls    map[string]int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{
		reviews: map[string][]models.Review{},
		fail:    map[string]bool{},
		calls:   map[string]int{},
	}
}

func (f *fakeScraper) ScrapeReviews(ctx context.Context, placeID string, max int) ([]models.Review, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[placeID]++
	if placeID == "panic" {
		panic("scraper exploded")
	}
	if f.fail[placeID] {
		return nil, errors.New("page did not load")
	}
	return f.reviews[placeID], nil
}

func (f *fakeScraper) callCount(placeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[placeID]
}

func restaurants(ids ...string) []models.Restaurant {
	out := make([]models.Restaurant, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Restaurant{PlaceID: id, Name: "店 " + id})
	}
	return out
}

func TestFetchBatch_PartialSuccessKeepsOrder(t *testing.T) {
	scraper := newFakeScraper()
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		scraper.reviews[id] = []models.Review{{Text: "review of " + id}}
	}
	scraper.fail["p2"] = true
	scraper.fail["p4"] = true

	f := NewFetcher(storage.NewMemoryStore(), scraper, FetcherOptions{}, utils.NopLogger())
	batches := f.FetchBatch(context.Background(), restaurants("p1", "p2", "p3", "p4", "p5"))

	require.Len(t, batches, 3)
	assert.Equal(t, "p1", batches[0].Restaurant.PlaceID)
	assert.Equal(t, "p3", batches[1].Restaurant.PlaceID)
	assert.Equal(t, "p5", batches[2].Restaurant.PlaceID)
}

func TestFetchBatch_BoundedConcurrency(t *testing.T) {
	scraper := newFakeScraper()
	scraper.delay = 20 * time.Millisecond
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		scraper.reviews[id] = []models.Review{{Text: id}}
	}

	f := NewFetcher(storage.NewMemoryStore(), scraper, FetcherOptions{Concurrency: 3}, utils.NopLogger())
	batches := f.FetchBatch(context.Background(), restaurants(ids...))

	assert.Len(t, batches, len(ids))
	assert.LessOrEqual(t, atomic.LoadInt32(&scraper.maxSeen), int32(3))
}

func TestFetchBatch_IsolatesPanicsAndDropsEmpty(t *testing.T) {
	scraper := newFakeScraper()
	scraper.reviews["ok"] = []models.Review{{Text: "讚"}}
	// "empty" has no reviews configured

	in := append(restaurants("panic", "ok", "empty"), models.Restaurant{PlaceID: "", Name: "no id"})
	f := NewFetcher(storage.NewMemoryStore(), scraper, FetcherOptions{}, utils.NopLogger())

	batches := f.FetchBatch(context.Background(), in)

	require.Len(t, batches, 1)
	assert.Equal(t, "ok", batches[0].Restaurant.PlaceID)
}

func TestFetchSingle_UsesFreshCacheWithoutScraping(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(storage.WithClock(func() time.Time { return now }))
	r := restaurants("p1")[0]
	require.NoError(t, store.UpsertRestaurant(ctx, r))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "from cache"}}))

	scraper := newFakeScraper()
	f := NewFetcher(store, scraper, FetcherOptions{}, utils.NopLogger())

	batch, err := f.FetchSingle(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "from cache", batch.Reviews[0].Text)
	assert.Equal(t, 0, scraper.callCount("p1"))
}

func TestFetchSingle_StaleCacheIsRefreshed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(storage.WithClock(func() time.Time { return now }))
	r := restaurants("p1")[0]
	require.NoError(t, store.UpsertRestaurant(ctx, r))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "old"}}))
	store.SetReviewsUpdatedAt("p1", now.Add(-31*24*time.Hour))

	scraper := newFakeScraper()
	scraper.reviews["p1"] = []models.Review{{Text: "new"}}
	f := NewFetcher(store, scraper, FetcherOptions{}, utils.NopLogger())

	batch, err := f.FetchSingle(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "new", batch.Reviews[0].Text)
	assert.Equal(t, 1, scraper.callCount("p1"))

	stored, fresh, err := store.GetFreshReviews(ctx, "p1", 30*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "new", stored[0].Text)
}

func TestFetchSingle_FailedScrapeKeepsStoredReviews(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore(storage.WithClock(func() time.Time { return now }))
	r := restaurants("p1")[0]
	require.NoError(t, store.UpsertRestaurant(ctx, r))
	require.NoError(t, store.ReplaceReviews(ctx, "p1", []models.Review{{Text: "old"}}))
	store.SetReviewsUpdatedAt("p1", now.Add(-31*24*time.Hour))

	scraper := newFakeScraper()
	scraper.fail["p1"] = true
	f := NewFetcher(store, scraper, FetcherOptions{}, utils.NopLogger())

	_, err := f.FetchSingle(ctx, r)
	require.Error(t, err)

	stored, _, err := store.GetFreshReviews(ctx, "p1", 365*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "old", stored[0].Text)
}

func TestFetchSingle_RejectsMissingIdentity(t *testing.T) {
	f := NewFetcher(storage.NewMemoryStore(), newFakeScraper(), FetcherOptions{}, utils.NopLogger())
	_, err := f.FetchSingle(context.Background(), models.Restaurant{PlaceID: "x"})
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

// ---------- analyzer ----------

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

type fakeSentiment struct{ err error }

func (f *fakeSentiment) ClassifySentiment(_ context.Context, texts []string) ([]models.Sentiment, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Sentiment, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "好") || strings.Contains(t, "安靜") {
			out[i] = models.SentimentPositive
		} else {
			out[i] = models.SentimentNegative
		}
	}
	return out, nil
}

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) GenerateText(context.Context, string) (string, error) {
	return f.text, f.err
}

func TestAnalyzer_ScoresAndSummary(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"安靜":  {1, 0, 0},
		"很吵":  {0, 1, 0},
		"非常安靜": {1, 0, 0},
	}}
	a := NewAnalyzer(emb, &fakeSentiment{}, &fakeGenerator{text: "氣氛很好"}, AnalyzerOptions{}, utils.NopLogger())

	batch := models.ReviewBatch{
		Restaurant: models.Restaurant{PlaceID: "p", Name: "小館"},
		Reviews:    []models.Review{{Text: "很吵"}, {Text: "非常安靜"}},
	}
	got := a.Analyze(context.Background(), []models.ReviewBatch{batch}, []string{"安靜"})

	require.Len(t, got, 1)
	assert.InDelta(t, 0.5, got[0].MatchScore, 1e-9)
	assert.InDelta(t, 0.5, got[0].PositiveRate, 1e-9)
	assert.Equal(t, "非常安靜 / 很吵", got[0].Summary)
	assert.Equal(t, "氣氛很好", got[0].Reason)
}

func TestAnalyzer_CollaboratorFailuresUseDefaults(t *testing.T) {
	a := NewAnalyzer(
		&fakeEmbedder{err: errors.New("quota")},
		&fakeSentiment{err: errors.New("down")},
		&fakeGenerator{err: errors.New("down")},
		AnalyzerOptions{SummaryTop: 2},
		utils.NopLogger(),
	)
	batches := []models.ReviewBatch{
		{Restaurant: models.Restaurant{PlaceID: "1", Name: "甲"}, Reviews: []models.Review{{Text: "a"}, {Text: "b"}, {Text: "c"}}},
		{Restaurant: models.Restaurant{PlaceID: "2", Name: "乙"}},
	}

	got := a.Analyze(context.Background(), batches, nil)

	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].MatchScore)
	assert.Equal(t, 0.5, got[0].PositiveRate)
	assert.Equal(t, "a / b", got[0].Summary)
	assert.Equal(t, "甲 的風格很符合你想要的『一般用餐需求』氛圍，值得一試！", got[0].Reason)

	assert.Equal(t, 0.0, got[1].MatchScore)
	assert.Equal(t, 0.0, got[1].PositiveRate)
	assert.NotEmpty(t, got[1].Reason)
}

func TestAnalyzer_SentimentSampleIsCapped(t *testing.T) {
	var seen int
	sent := sentimentFunc(func(texts []string) ([]models.Sentiment, error) {
		seen = len(texts)
		out := make([]models.Sentiment, len(texts))
		for i := range out {
			out[i] = models.SentimentPositive
		}
		return out, nil
	})
	a := NewAnalyzer(&fakeEmbedder{}, sent, &fakeGenerator{}, AnalyzerOptions{}, utils.NopLogger())

	reviews := make([]models.Review, 70)
	for i := range reviews {
		reviews[i] = models.Review{Text: strings.Repeat("好", i+1)}
	}
	got := a.Analyze(context.Background(), []models.ReviewBatch{{Restaurant: models.Restaurant{PlaceID: "p", Name: "x"}, Reviews: reviews}}, nil)

	assert.Equal(t, 50, seen)
	assert.Equal(t, 1.0, got[0].PositiveRate)
}

type sentimentFunc func([]string) ([]models.Sentiment, error)

func (f sentimentFunc) ClassifySentiment(_ context.Context, texts []string) ([]models.Sentiment, error) {
	return f(texts)
}

func TestPreferenceText(t *testing.T) {
	assert.Equal(t, "一般用餐體驗", PreferenceText(nil))
	assert.Equal(t, "安靜，寬敞", PreferenceText([]string{"安靜", "寬敞"}))
}

// ---------- reporter ----------

func TestPrintRecommendations(t *testing.T) {
	var buf bytes.Buffer
	q := models.Query{Location: "信義區", Category: "火鍋", Preferences: models.Preferences{Weak: []string{"安靜"}}}
	PrintRecommendations(&buf, q, []models.ScoredRestaurant{
		{Restaurant: models.Restaurant{Name: "小館", MapURL: MapURL("p")}, Reason: "很棒", Score: 0.8},
	})

	out := buf.String()
	assert.Contains(t, out, "信義區")
	assert.Contains(t, out, "1. 小館")
	assert.Contains(t, out, "很棒")

	buf.Reset()
	PrintRecommendations(&buf, q, nil)
	assert.Contains(t, buf.String(), "找不到符合條件的餐廳")
}
