package models

import (
	"sort"
	"strings"
	"time"
)

// Restaurant is a candidate returned by place search
type Restaurant struct {
	PlaceID     string  `json:"place_id"`
	Name        string  `json:"name"`
	Address     string  `json:"address"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"user_ratings_total"`
	MapURL      string  `json:"map_url"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
}

// Review is a single scraped review. Stars is nil when the page did not expose a rating.
type Review struct {
	Text  string   `json:"text"`
	Stars *float64 `json:"stars,omitempty"`
}

// RawReview is review data as extracted from the page, before cleaning
type RawReview struct {
	Text       string
	StarsLabel string // e.g. "5 顆星"
}

// ReviewBatch pairs a restaurant with the reviews used to score it
type ReviewBatch struct {
	Restaurant Restaurant `json:"restaurant"`
	Reviews    []Review   `json:"reviews"`
}

// ScoredRestaurant is a restaurant after relevance analysis and ranking
type ScoredRestaurant struct {
	Restaurant
	Summary      string  `json:"summary"`
	MatchScore   float64 `json:"match_score"`
	PositiveRate float64 `json:"positive_rate"`
	Reason       string  `json:"reason"`
	Score        float64 `json:"score"`
}

// Preferences splits user preferences into hard filters and soft signals
type Preferences struct {
	Strong []string `json:"strong"`
	Weak   []string `json:"weak"`
}

// Empty reports whether no preference of either kind is held
func (p Preferences) Empty() bool {
	return len(p.Strong) == 0 && len(p.Weak) == 0
}

// All returns strong codes followed by weak phrases
func (p Preferences) All() []string {
	out := make([]string, 0, len(p.Strong)+len(p.Weak))
	out = append(out, p.Strong...)
	return append(out, p.Weak...)
}

// Query is the completed set of slots a search runs with
type Query struct {
	Text        string      `json:"text"`
	Location    string      `json:"location"`
	Category    string      `json:"category"`
	Preferences Preferences `json:"preferences"`
}

// Key is the canonical lookup key of a query, built from the slots only so
// differently worded requests for the same search share history.
// Preference order does not affect the key.
func (q Query) Key() string {
	strong := append([]string(nil), q.Preferences.Strong...)
	weak := append([]string(nil), q.Preferences.Weak...)
	sort.Strings(strong)
	sort.Strings(weak)
	return strings.Join([]string{
		strings.TrimSpace(q.Location),
		strings.TrimSpace(q.Category),
		strings.Join(strong, ","),
		strings.Join(weak, ","),
	}, "|")
}

// Recommendation is the persisted outcome of one completed search
type Recommendation struct {
	ID          string             `json:"id"`
	QueryKey    string             `json:"query_key"`
	Query       Query              `json:"query"`
	TopPlaceIDs []string           `json:"top_place_ids"`
	Results     []ScoredRestaurant `json:"results"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Span is the size of a geocoded viewport in degrees
type Span struct {
	LatSpan float64 `json:"lat_span"`
	LngSpan float64 `json:"lng_span"`
}

// Sentiment is the polarity label of one review
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)
