// Package llm talks to an OpenAI-compatible endpoint for chat completion,
// embeddings and review sentiment.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	gobreaker "github.com/sony/gobreaker/v2"

	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

// ErrDisabled is returned by every call when no API key is configured
var ErrDisabled = errors.New("llm: no api key configured")

const (
	embedBatchSize     = 100
	sentimentBatchSize = 25
)

// Config holds endpoint and model settings
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Temperature    float32
	Timeout        time.Duration
	MaxRetries     int
}

// Client wraps go-openai with timeouts, retries and circuit breakers
type Client struct {
	api       *openai.Client
	cfg       Config
	chatCB    *gobreaker.CircuitBreaker[string]
	embedCB   *gobreaker.CircuitBreaker[[][]float32]
	logger    *utils.Logger
	retryBase time.Duration
}

// NewClient creates a client. With an empty API key every call returns ErrDisabled.
func NewClient(cfg Config, logger *utils.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "llm"),
		retryBase: 500 * time.Millisecond,
	}
	if cfg.APIKey == "" {
		c.logger.Warn("No LLM API key configured, falling back to rule-based behaviour")
		return c
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	c.api = openai.NewClientWithConfig(oc)
	c.chatCB = utils.NewBreaker[string]("llm-chat", c.logger)
	c.embedCB = utils.NewBreaker[[][]float32]("llm-embed", c.logger)
	return c
}

// Enabled reports whether calls will reach the endpoint
func (c *Client) Enabled() bool {
	return c.api != nil
}

// GenerateText sends a single user prompt and returns the trimmed reply
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	return c.chatCB.Execute(func() (string, error) {
		var out string
		err := utils.RetryWithBackoff(ctx, c.cfg.MaxRetries, c.retryBase, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
				Model: c.cfg.ChatModel,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
				Temperature: c.cfg.Temperature,
			})
			if err != nil {
				return fmt.Errorf("chat completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return errors.New("chat completion: empty choices")
			}
			out = strings.TrimSpace(resp.Choices[0].Message.Content)
			return nil
		}, c.logger)
		return out, err
	})
}

// Embed returns one vector per input text, in input order
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		chunk := texts[start:min(start+embedBatchSize, len(texts))]
		vecs, err := c.embedCB.Execute(func() ([][]float32, error) {
			return c.embedChunk(ctx, chunk)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := utils.RetryWithBackoff(ctx, c.cfg.MaxRetries, c.retryBase, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		})
		if err != nil {
			return fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("create embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
		}
		vecs = make([][]float32, len(texts))
		for i, d := range resp.Data {
			idx := d.Index
			if idx < 0 || idx >= len(texts) {
				idx = i
			}
			vecs[idx] = d.Embedding
		}
		return nil
	}, c.logger)
	return vecs, err
}

// ClassifySentiment labels each text positive, negative or neutral
func (c *Client) ClassifySentiment(ctx context.Context, texts []string) ([]models.Sentiment, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	out := make([]models.Sentiment, 0, len(texts))
	for start := 0; start < len(texts); start += sentimentBatchSize {
		chunk := texts[start:min(start+sentimentBatchSize, len(texts))]
		labels, err := c.classifyChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, labels...)
	}
	return out, nil
}

func (c *Client) classifyChunk(ctx context.Context, texts []string) ([]models.Sentiment, error) {
	reply, err := c.GenerateText(ctx, SentimentPrompt(texts))
	if err != nil {
		return nil, err
	}
	return ParseSentiments(reply, len(texts))
}

// SentimentPrompt asks for one label per numbered review as a JSON array
func SentimentPrompt(texts []string) string {
	var b strings.Builder
	b.WriteString("請判斷以下每則餐廳評論的情緒，只回覆 JSON 陣列，元素為 \"positive\"、\"negative\" 或 \"neutral\"，順序與評論相同，不要其他文字。\n\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.ReplaceAll(t, "\n", " "))
	}
	return b.String()
}

// ParseSentiments decodes a JSON array of labels and checks its length
func ParseSentiments(reply string, want int) ([]models.Sentiment, error) {
	raw, ok := ExtractJSON(reply, '[', ']')
	if !ok {
		return nil, fmt.Errorf("sentiment: no JSON array in reply")
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("sentiment: decode reply: %w", err)
	}
	if len(labels) != want {
		return nil, fmt.Errorf("sentiment: got %d labels for %d texts", len(labels), want)
	}
	out := make([]models.Sentiment, len(labels))
	for i, l := range labels {
		switch l = strings.ToLower(strings.TrimSpace(l)); {
		case strings.HasPrefix(l, "pos"):
			out[i] = models.SentimentPositive
		case strings.HasPrefix(l, "neg"):
			out[i] = models.SentimentNegative
		default:
			out[i] = models.SentimentNeutral
		}
	}
	return out, nil
}

// ExtractJSON strips markdown fences and returns the span from the first
// open delimiter to the last close delimiter.
func ExtractJSON(text string, openDelim, closeDelim byte) (string, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.IndexByte(text, openDelim)
	end := strings.LastIndexByte(text, closeDelim)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
