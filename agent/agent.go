package agent

import (
	"context"
	"time"

	"restaurant-recommender/models"
	"restaurant-recommender/services"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

// SpanLookup geocodes a location into its viewport size
type SpanLookup interface {
	LookupSpan(ctx context.Context, location string) (models.Span, error)
}

// CandidateSearch finds restaurants of a category near a location
type CandidateSearch interface {
	SearchCandidates(ctx context.Context, location, category string) ([]models.Restaurant, error)
}

// ReviewFetcher gathers reviews for a batch of restaurants
type ReviewFetcher interface {
	FetchBatch(ctx context.Context, restaurants []models.Restaurant) []models.ReviewBatch
}

// RelevanceScorer turns review batches into scored restaurants
type RelevanceScorer interface {
	Analyze(ctx context.Context, batches []models.ReviewBatch, weak []string) []models.ScoredRestaurant
}

// RankingEngine orders scored restaurants
type RankingEngine interface {
	Rank(analyzed []models.ScoredRestaurant, weak []string) []models.ScoredRestaurant
}

// Deps are the collaborators the conversation needs
type Deps struct {
	Interpreter Interpreter
	Spans       SpanLookup
	Search      CandidateSearch
	Fetcher     ReviewFetcher
	Analyzer    RelevanceScorer
	Ranker      RankingEngine
	// Recorder is optional; nil skips recording
	Recorder storage.RecommendationStorage
}

// Options tunes the conversation
type Options struct {
	MaxSteps      int           // steps per turn before the driver gives up, 32 when unset
	TopN          int           // results shown, 3 when unset
	MaxSpan       float64       // widest accepted viewport in degrees, 0.2 when unset
	LookupTimeout time.Duration // geocoding timeout, 10s when unset
	SearchTimeout time.Duration // candidate search timeout, 30s when unset
}

// Agent runs conversation turns. It holds no per-session data and is safe
// for concurrent use across sessions.
type Agent struct {
	deps    Deps
	opts    Options
	cleaner *services.DataCleaner
	steps   map[StepID]stepFunc
	now     func() time.Time
	logger  *utils.Logger

	// observe sees the state after every merged step
	observe func(StepID, State)
}

type stepFunc func(ctx context.Context, s State) StepResult

// New creates a new Agent
func New(deps Deps, opts Options, logger *utils.Logger) *Agent {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 32
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = 0.2
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 30 * time.Second
	}
	if deps.Interpreter == nil {
		deps.Interpreter = RuleInterpreter{}
	}
	log := logger.With("component", "agent")
	a := &Agent{
		deps:    deps,
		opts:    opts,
		cleaner: services.NewDataCleaner(log),
		now:     time.Now,
		logger:  log,
	}
	a.steps = map[StepID]stepFunc{
		StepParseInput:         a.parseInput,
		StepValidateLocation:   a.validateLocation,
		StepConfirm:            a.confirm,
		StepAskPreference:      a.askPreference,
		StepPreferenceResponse: a.preferenceResponse,
		StepFinalConfirm:       a.finalConfirm,
		StepConfirmResponse:    a.confirmResponse,
		StepPlaceSearch:        a.placeSearch,
		StepReviewFetch:        a.reviewFetch,
		StepAnalyze:            a.analyze,
		StepRank:               a.rank,
		StepRespond:            a.respond,
	}
	return a
}
