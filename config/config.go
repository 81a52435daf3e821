package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable pointing at an optional YAML file
const ConfigPathEnvVar = "CONFIG_PATH"

// Config holds all application-level configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	Google    GoogleConfig    `koanf:"google"`
	LLM       LLMConfig       `koanf:"llm"`
	Scraper   ScraperConfig   `koanf:"scraper"`
	Recommend RecommendConfig `koanf:"recommend"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr" validate:"required"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	SessionTTL     time.Duration `koanf:"session_ttl" validate:"gt=0"`
}

// DatabaseConfig selects the persistent store.
// Driver "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres memory"`
	URL    string `koanf:"url" validate:"required_unless=Driver memory"`
}

// CacheConfig selects the tier in front of stored reviews
type CacheConfig struct {
	Backend   string `koanf:"backend" validate:"oneof=none memory redis"`
	RedisAddr string `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `koanf:"redis_db" validate:"gte=0"`
}

type GoogleConfig struct {
	APIKey     string        `koanf:"api_key"`
	BaseURL    string        `koanf:"base_url" validate:"required,url"`
	Language   string        `koanf:"language" validate:"required"`
	Radius     int           `koanf:"radius" validate:"gt=0"`
	MaxResults int           `koanf:"max_results" validate:"gt=0"`
	Timeout    time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LLMConfig points at any OpenAI-compatible endpoint
type LLMConfig struct {
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	ChatModel      string        `koanf:"chat_model" validate:"required"`
	EmbeddingModel string        `koanf:"embedding_model" validate:"required"`
	Temperature    float32       `koanf:"temperature" validate:"gte=0,lte=2"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
}

type ScraperConfig struct {
	MaxConcurrency int           `koanf:"max_concurrency" validate:"gt=0"`
	MaxReviews     int           `koanf:"max_reviews" validate:"gt=0"`
	ScrollDuration time.Duration `koanf:"scroll_duration" validate:"gt=0"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	RateLimitDelay time.Duration `koanf:"rate_limit_delay" validate:"gte=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"gt=0"`
	Headless       bool          `koanf:"headless"`
}

type RecommendConfig struct {
	CacheDays       int     `koanf:"cache_days" validate:"gt=0"`
	TopN            int     `koanf:"top_n" validate:"gt=0"`
	MatchWeight     float64 `koanf:"match_weight" validate:"gte=0"`
	PositiveWeight  float64 `koanf:"positive_weight" validate:"gte=0"`
	RatingWeight    float64 `koanf:"rating_weight" validate:"gte=0"`
	KeywordBonus    float64 `koanf:"keyword_bonus" validate:"gte=0"`
	SentimentSample int     `koanf:"sentiment_sample" validate:"gt=0"`
	SummaryTop      int     `koanf:"summary_top" validate:"gt=0"`
	MaxSteps        int     `koanf:"max_steps" validate:"gt=0"`
	CSVFilePath     string  `koanf:"csv_file_path"`
}

// CacheWindow is the review freshness window
func (r RecommendConfig) CacheWindow() time.Duration {
	return time.Duration(r.CacheDays) * 24 * time.Hour
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8000",
			SessionTTL: 30 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "data/app.db",
		},
		Cache: CacheConfig{
			Backend:   "none",
			RedisAddr: "localhost:6379",
		},
		Google: GoogleConfig{
			BaseURL:    "https://maps.googleapis.com/maps/api",
			Language:   "zh-TW",
			Radius:     2000,
			MaxResults: 10,
			Timeout:    10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta/openai/",
			ChatModel:      "gemini-2.5-flash",
			EmbeddingModel: "text-embedding-004",
			Temperature:    0.3,
			Timeout:        30 * time.Second,
		},
		Scraper: ScraperConfig{
			MaxConcurrency: 3,
			MaxReviews:     80,
			ScrollDuration: 20 * time.Second,
			Timeout:        90 * time.Second,
			RateLimitDelay: 2 * time.Second,
			MaxRetries:     2,
			Headless:       true,
		},
		Recommend: RecommendConfig{
			CacheDays:       30,
			TopN:            3,
			MatchWeight:     0.7,
			PositiveWeight:  0.2,
			RatingWeight:    0.1,
			KeywordBonus:    0.05,
			SentimentSample: 50,
			SummaryTop:      10,
			MaxSteps:        32,
			CSVFilePath:     "output/recommendations.csv",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the environment
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if origins, ok := k.Get("server.allowed_origins").(string); ok {
		if err := k.Set("server.allowed_origins", splitList(origins)); err != nil {
			return nil, fmt.Errorf("failed to set allowed origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// envMappings maps recognised environment variables to config paths.
// Anything not listed is ignored.
var envMappings = map[string]string{
	"http_addr":           "server.addr",
	"allowed_origins":     "server.allowed_origins",
	"session_ttl":         "server.session_ttl",
	"database_driver":     "database.driver",
	"database_url":        "database.url",
	"cache_backend":       "cache.backend",
	"redis_addr":          "cache.redis_addr",
	"redis_db":            "cache.redis_db",
	"google_api_key":      "google.api_key",
	"google_base_url":     "google.base_url",
	"google_language":     "google.language",
	"search_radius":       "google.radius",
	"search_max_results":  "google.max_results",
	"google_timeout":      "google.timeout",
	"llm_api_key":         "llm.api_key",
	"gemini_api_key":      "llm.api_key",
	"llm_base_url":        "llm.base_url",
	"llm_chat_model":      "llm.chat_model",
	"llm_embedding_model": "llm.embedding_model",
	"llm_temperature":     "llm.temperature",
	"llm_timeout":         "llm.timeout",
	"max_concurrency":     "scraper.max_concurrency",
	"max_reviews":         "scraper.max_reviews",
	"scroll_duration":     "scraper.scroll_duration",
	"scraper_timeout":     "scraper.timeout",
	"rate_limit_delay":    "scraper.rate_limit_delay",
	"max_retries":         "scraper.max_retries",
	"scraper_headless":    "scraper.headless",
	"review_cache_days":   "recommend.cache_days",
	"recommend_top_n":     "recommend.top_n",
	"csv_file_path":       "recommend.csv_file_path",
	"log_level":           "log.level",
	"log_format":          "log.format",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
