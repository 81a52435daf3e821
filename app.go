package main

import (
	"context"
	"fmt"
	"time"

	"restaurant-recommender/agent"
	"restaurant-recommender/cache"
	"restaurant-recommender/config"
	"restaurant-recommender/llm"
	"restaurant-recommender/places"
	"restaurant-recommender/scraper/googlemaps"
	"restaurant-recommender/services"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

// reviews cached in front of the store expire well before the freshness window
const reviewCacheTTL = 6 * time.Hour

// app bundles the wired collaborators of one process
type app struct {
	agent *agent.Agent
	store storage.Store
}

func (a *app) Close() error {
	return a.store.Close()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*app, error) {
	// ========= Storage ===========================
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// ========= External services ===========================
	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        cfg.LLM.Timeout,
	}, logger)
	if !llmClient.Enabled() {
		logger.Warn("No LLM API key set, using rule-based parsing and neutral review scores")
	}

	placesClient := places.NewClient(places.Config{
		APIKey:     cfg.Google.APIKey,
		BaseURL:    cfg.Google.BaseURL,
		Language:   cfg.Google.Language,
		Radius:     cfg.Google.Radius,
		MaxResults: cfg.Google.MaxResults,
		Timeout:    cfg.Google.Timeout,
	}, logger)
	if cfg.Google.APIKey == "" {
		logger.Warn("No Google API key set, place search will return nothing")
	}

	// ========= Pipeline ===========================
	scraper := googlemaps.NewScraper(cfg.Scraper, logger)
	fetcher := services.NewFetcher(store, scraper, services.FetcherOptions{
		Concurrency: cfg.Scraper.MaxConcurrency,
		MaxReviews:  cfg.Scraper.MaxReviews,
		CacheWindow: cfg.Recommend.CacheWindow(),
	}, logger)
	analyzer := services.NewAnalyzer(llmClient, llmClient, llmClient, services.AnalyzerOptions{
		SentimentSample: cfg.Recommend.SentimentSample,
		SummaryTop:      cfg.Recommend.SummaryTop,
	}, logger)
	ranker := services.NewRanker(services.Weights{
		Match:    cfg.Recommend.MatchWeight,
		Positive: cfg.Recommend.PositiveWeight,
		Rating:   cfg.Recommend.RatingWeight,
		Bonus:    cfg.Recommend.KeywordBonus,
	}, logger)

	var gen services.Generator
	if llmClient.Enabled() {
		gen = llmClient
	}

	a := agent.New(agent.Deps{
		Interpreter: agent.NewLLMInterpreter(gen, logger),
		Spans:       placesClient,
		Search:      placesClient,
		Fetcher:     fetcher,
		Analyzer:    analyzer,
		Ranker:      ranker,
		Recorder:    store,
	}, agent.Options{
		MaxSteps:      cfg.Recommend.MaxSteps,
		TopN:          cfg.Recommend.TopN,
		LookupTimeout: cfg.Google.Timeout,
	}, logger)

	return &app{agent: a, store: store}, nil
}

// openStore builds the configured store and, when asked, a cache tier in front of it
func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.Database.Driver {
	case "memory":
		store = storage.NewMemoryStore()
	default:
		sqlStore, err := storage.NewSQLStore(ctx, cfg.Database.Driver, cfg.Database.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
		}
		store = sqlStore
	}

	var client cache.Client
	switch cfg.Cache.Backend {
	case "memory":
		client = cache.NewMemoryClient(time.Now)
	case "redis":
		redisClient, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:   cfg.Cache.RedisAddr,
			DB:     cfg.Cache.RedisDB,
			Prefix: "recommender:",
		})
		if err != nil {
			// Non-fatal: run against the store alone
			logger.Warn("Redis unavailable, continuing without cache: %v", err)
			return store, nil
		}
		client = redisClient
	default:
		return store, nil
	}
	logger.Info("Review cache: %s", cfg.Cache.Backend)
	return storage.NewCachedStore(store, client, reviewCacheTTL, logger), nil
}
