package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

// Weights controls how the final score is composed
type Weights struct {
	Match    float64
	Positive float64
	Rating   float64
	Bonus    float64 // added once when the summary mentions any weak keyword
}

// DefaultWeights returns 0.7 / 0.2 / 0.1 with a 0.05 keyword bonus
func DefaultWeights() Weights {
	return Weights{Match: 0.7, Positive: 0.2, Rating: 0.1, Bonus: 0.05}
}

// Ranker orders analyzed restaurants by weighted score
type Ranker struct {
	weights Weights
	logger  *utils.Logger
}

// NewRanker creates a new Ranker
func NewRanker(weights Weights, logger *utils.Logger) *Ranker {
	return &Ranker{weights: weights, logger: logger}
}

// Rank scores every entry and returns them sorted by score descending.
// Equal scores are ordered by PlaceID ascending. The input is not modified
// and the output is a permutation of it.
func (r *Ranker) Rank(analyzed []models.ScoredRestaurant, weak []string) []models.ScoredRestaurant {
	ranked := make([]models.ScoredRestaurant, len(analyzed))
	copy(ranked, analyzed)

	keywords := lowerAll(weak)
	for i := range ranked {
		score, err := r.score(ranked[i], keywords)
		if err != nil {
			r.logger.Warn("Scoring failed for %s, using 0: %v", ranked[i].Name, err)
			score = 0
		}
		ranked[i].Score = score
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].PlaceID < ranked[j].PlaceID
	})
	return ranked
}

func (r *Ranker) score(s models.ScoredRestaurant, keywords []string) (score float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			score, err = 0, fmt.Errorf("panic while scoring: %v", rec)
		}
	}()

	for _, v := range []float64{s.MatchScore, s.PositiveRate, s.Rating} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("non-finite input %v", v)
		}
	}

	score = r.weights.Match*s.MatchScore +
		r.weights.Positive*s.PositiveRate +
		r.weights.Rating*(s.Rating/5.0)

	if containsAny(strings.ToLower(s.Summary), keywords) {
		score += r.weights.Bonus
	}
	return score, nil
}

// Top returns at most n leading entries
func Top(ranked []models.ScoredRestaurant, n int) []models.ScoredRestaurant {
	if n < 0 {
		n = 0
	}
	if len(ranked) < n {
		n = len(ranked)
	}
	out := make([]models.ScoredRestaurant, n)
	copy(out, ranked[:n])
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
