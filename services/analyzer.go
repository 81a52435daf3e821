package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"restaurant-recommender/metrics"
	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

// Embedder turns texts into vectors, one per input text in order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SentimentClassifier labels texts, one label per input text in order
type SentimentClassifier interface {
	ClassifySentiment(ctx context.Context, texts []string) ([]models.Sentiment, error)
}

// Generator produces free text from a prompt
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

const (
	defaultPreferenceText = "一般用餐體驗"
	defaultReasonPrefs    = "一般用餐需求"
	noReviewsSummary      = "無評論資料"
	summarySeparator      = " / "
)

// AnalyzerOptions tunes the relevance scorer
type AnalyzerOptions struct {
	SentimentSample int // reviews sent to sentiment, 50 when unset
	SummaryTop      int // reviews kept in the summary, 10 when unset
}

// Analyzer scores how well each restaurant's reviews fit the weak preferences
type Analyzer struct {
	embedder  Embedder
	sentiment SentimentClassifier
	generator Generator
	opts      AnalyzerOptions
	logger    *utils.Logger
}

// NewAnalyzer creates a new Analyzer
func NewAnalyzer(embedder Embedder, sentiment SentimentClassifier, generator Generator, opts AnalyzerOptions, logger *utils.Logger) *Analyzer {
	if opts.SentimentSample <= 0 {
		opts.SentimentSample = 50
	}
	if opts.SummaryTop <= 0 {
		opts.SummaryTop = 10
	}
	return &Analyzer{
		embedder:  embedder,
		sentiment: sentiment,
		generator: generator,
		opts:      opts,
		logger:    logger.With("component", "analyzer"),
	}
}

// PreferenceText is the single query text embedded for similarity
func PreferenceText(weak []string) string {
	if len(weak) == 0 {
		return defaultPreferenceText
	}
	return strings.Join(weak, "，")
}

// FallbackReason is the deterministic reason used when generation is unavailable
func FallbackReason(name string, weak []string) string {
	return fmt.Sprintf("%s 的風格很符合你想要的『%s』氛圍，值得一試！", name, reasonPrefs(weak))
}

func reasonPrefs(weak []string) string {
	if len(weak) == 0 {
		return defaultReasonPrefs
	}
	return strings.Join(weak, "、")
}

// Analyze scores every batch in order. A failure on one restaurant yields
// neutral defaults for it and never affects the others.
func (a *Analyzer) Analyze(ctx context.Context, batches []models.ReviewBatch, weak []string) []models.ScoredRestaurant {
	prefVec := a.embedPreference(ctx, weak)

	out := make([]models.ScoredRestaurant, 0, len(batches))
	for _, b := range batches {
		out = append(out, a.analyzeOne(ctx, b, weak, prefVec))
	}
	return out
}

func (a *Analyzer) embedPreference(ctx context.Context, weak []string) []float64 {
	vecs, err := a.embedder.Embed(ctx, []string{PreferenceText(weak)})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		metrics.CollaboratorFailures.WithLabelValues("embedding").Inc()
		a.logger.Warn("Preference embedding failed, match scores fall back to 0: %v", err)
		return nil
	}
	return toFloat64(vecs[0])
}

func (a *Analyzer) analyzeOne(ctx context.Context, b models.ReviewBatch, weak []string, prefVec []float64) (scored models.ScoredRestaurant) {
	scored = models.ScoredRestaurant{Restaurant: b.Restaurant}
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Analysis for '%s' panicked: %v", b.Restaurant.Name, rec)
			scored = models.ScoredRestaurant{
				Restaurant: b.Restaurant,
				Reason:     FallbackReason(b.Restaurant.Name, weak),
			}
		}
	}()

	texts := reviewTexts(b.Reviews)
	if len(texts) == 0 {
		scored.Summary = noReviewsSummary
	} else {
		scored.MatchScore, scored.Summary = a.match(ctx, texts, prefVec)
		scored.PositiveRate = a.positiveRate(ctx, texts)
	}
	scored.Reason = a.reason(ctx, scored, weak)
	return scored
}

// match returns the rounded mean cosine similarity and the summary of the most similar reviews
func (a *Analyzer) match(ctx context.Context, texts []string, prefVec []float64) (float64, string) {
	fallback := strings.Join(texts[:min(len(texts), a.opts.SummaryTop)], summarySeparator)
	if prefVec == nil {
		return 0, fallback
	}

	vecs, err := a.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		metrics.CollaboratorFailures.WithLabelValues("embedding").Inc()
		a.logger.Warn("Review embedding failed: %v", err)
		return 0, fallback
	}

	sims := make([]float64, len(vecs))
	for i, v := range vecs {
		sims[i] = cosine(prefVec, toFloat64(v))
	}

	order := make([]int, len(sims))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return sims[order[i]] > sims[order[j]] })

	top := make([]string, 0, a.opts.SummaryTop)
	for _, idx := range order[:min(len(order), a.opts.SummaryTop)] {
		top = append(top, texts[idx])
	}

	mean := floats.Sum(sims) / float64(len(sims))
	return round3(clamp01(mean)), strings.Join(top, summarySeparator)
}

func (a *Analyzer) positiveRate(ctx context.Context, texts []string) float64 {
	sample := texts[:min(len(texts), a.opts.SentimentSample)]
	labels, err := a.sentiment.ClassifySentiment(ctx, sample)
	if err != nil || len(labels) == 0 {
		metrics.CollaboratorFailures.WithLabelValues("sentiment").Inc()
		a.logger.Warn("Sentiment analysis failed, using 0.5: %v", err)
		return 0.5
	}
	positive := 0
	for _, l := range labels {
		if l == models.SentimentPositive {
			positive++
		}
	}
	return round3(float64(positive) / float64(len(labels)))
}

func (a *Analyzer) reason(ctx context.Context, s models.ScoredRestaurant, weak []string) string {
	prompt := fmt.Sprintf(`你是一位貼心的美食顧問，請根據以下資訊為使用者生成推薦理由。

- 餐廳名稱：%s
- 使用者偏好：%s
- 匹配分數（0~1）：%.3f
- 評論摘要：%s

請依據評論摘要生成 2~3 句自然流暢的繁體中文理由，語氣親切、自然，
要明確說出這家餐廳為何符合使用者的偏好（如氣氛、口味、CP值等）。
回覆格式請只輸出純文字，不要包含 JSON、標題或代碼。`, s.Name, reasonPrefs(weak), s.MatchScore, s.Summary)

	text, err := a.generator.GenerateText(ctx, prompt)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			metrics.CollaboratorFailures.WithLabelValues("generation").Inc()
			a.logger.Debug("Reason generation failed for '%s': %v", s.Name, err)
		}
		return FallbackReason(s.Name, weak)
	}
	return text
}

func reviewTexts(reviews []models.Review) []string {
	texts := make([]string, 0, len(reviews))
	for _, r := range reviews {
		if t := strings.TrimSpace(r.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return texts
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosine returns 0 for mismatched or zero-length vectors
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
