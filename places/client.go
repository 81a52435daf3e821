// Package places wraps the Google Geocoding and Places web services.
package places

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/sourcegraph/conc/pool"

	"restaurant-recommender/metrics"
	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

var (
	// ErrNoAPIKey is returned when the client has no key configured
	ErrNoAPIKey = errors.New("places: no api key configured")
	// ErrOverQueryLimit is returned when the API quota is exhausted
	ErrOverQueryLimit = errors.New("places: over query limit")
)

const detailFields = "formatted_address,formatted_phone_number,website,opening_hours,price_level,url"

// Config holds API settings
type Config struct {
	APIKey     string
	BaseURL    string // e.g. https://maps.googleapis.com/maps/api
	Language   string
	Radius     int
	MaxResults int
	Timeout    time.Duration
}

// Client talks to the Google web services
type Client struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *utils.Logger
}

// NewClient creates a new Client
func NewClient(cfg Config, logger *utils.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://maps.googleapis.com/maps/api"
	}
	if cfg.Language == "" {
		cfg.Language = "zh-TW"
	}
	if cfg.Radius <= 0 {
		cfg.Radius = 2000
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := logger.With("component", "places")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		cb:     utils.NewBreaker[[]byte]("google-places", log),
		logger: log,
	}
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location latLng `json:"location"`
			Viewport *struct {
				Northeast latLng `json:"northeast"`
				Southwest latLng `json:"southwest"`
			} `json:"viewport"`
		} `json:"geometry"`
	} `json:"results"`
}

type nearbyResponse struct {
	Status  string `json:"status"`
	Results []struct {
		PlaceID          string  `json:"place_id"`
		Name             string  `json:"name"`
		Rating           float64 `json:"rating"`
		UserRatingsTotal int     `json:"user_ratings_total"`
		Vicinity         string  `json:"vicinity"`
	} `json:"results"`
}

type detailsResponse struct {
	Status string `json:"status"`
	Result struct {
		FormattedAddress     string `json:"formatted_address"`
		FormattedPhoneNumber string `json:"formatted_phone_number"`
		Website              string `json:"website"`
	} `json:"result"`
}

// Geocoded is the resolved center and viewport span of a location
type Geocoded struct {
	Center latLng
	Span   models.Span
	// HasViewport is false when the API returned no viewport
	HasViewport bool
}

// Geocode resolves a free-text location
func (c *Client) Geocode(ctx context.Context, location string) (Geocoded, error) {
	params := url.Values{}
	params.Set("address", location)
	params.Set("language", c.cfg.Language)

	var resp geocodeResponse
	if err := c.get(ctx, "/geocode/json", params, &resp); err != nil {
		return Geocoded{}, err
	}
	if resp.Status != "OK" || len(resp.Results) == 0 {
		return Geocoded{}, fmt.Errorf("geocode %q: status %s", location, resp.Status)
	}

	g := resp.Results[0].Geometry
	out := Geocoded{Center: g.Location}
	if g.Viewport != nil {
		out.HasViewport = true
		out.Span = models.Span{
			LatSpan: math.Abs(g.Viewport.Northeast.Lat - g.Viewport.Southwest.Lat),
			LngSpan: math.Abs(g.Viewport.Northeast.Lng - g.Viewport.Southwest.Lng),
		}
	}
	return out, nil
}

// LookupSpan returns the viewport span of a location. A location without a
// viewport reports a zero span.
func (c *Client) LookupSpan(ctx context.Context, location string) (models.Span, error) {
	g, err := c.Geocode(ctx, location)
	if err != nil {
		return models.Span{}, err
	}
	c.logger.Debug("Span of %s: lat=%.3f lng=%.3f", location, g.Span.LatSpan, g.Span.LngSpan)
	return g.Span, nil
}

// SearchCandidates finds restaurants of category near location. Details are
// looked up per place; a failed lookup keeps the nearby-search fields.
func (c *Client) SearchCandidates(ctx context.Context, location, category string) ([]models.Restaurant, error) {
	geo, err := c.Geocode(ctx, location)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("location", fmt.Sprintf("%f,%f", geo.Center.Lat, geo.Center.Lng))
	params.Set("radius", strconv.Itoa(c.cfg.Radius))
	params.Set("keyword", category)
	params.Set("type", "restaurant")
	params.Set("language", c.cfg.Language)

	var nearby nearbyResponse
	if err := c.get(ctx, "/place/nearbysearch/json", params, &nearby); err != nil {
		return nil, err
	}
	switch nearby.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	case "OVER_QUERY_LIMIT":
		c.logger.Error("Places API quota exhausted, check billing or quota")
		return nil, ErrOverQueryLimit
	default:
		return nil, fmt.Errorf("nearby search: status %s", nearby.Status)
	}

	results := nearby.Results
	if len(results) > c.cfg.MaxResults {
		results = results[:c.cfg.MaxResults]
	}

	restaurants := make([]models.Restaurant, len(results))
	p := pool.New().WithMaxGoroutines(4)
	for i, item := range results {
		restaurants[i] = models.Restaurant{
			PlaceID:     item.PlaceID,
			Name:        item.Name,
			Rating:      item.Rating,
			RatingCount: item.UserRatingsTotal,
			Address:     item.Vicinity,
			MapURL:      fmt.Sprintf("https://www.google.com/maps/place/?q=place_id:%s", item.PlaceID),
		}
		if item.PlaceID == "" {
			continue
		}
		i := i
		p.Go(func() {
			c.fillDetails(ctx, &restaurants[i])
		})
	}
	p.Wait()

	c.logger.Info("Found %d candidates for %s %s", len(restaurants), location, category)
	return restaurants, nil
}

func (c *Client) fillDetails(ctx context.Context, r *models.Restaurant) {
	params := url.Values{}
	params.Set("place_id", r.PlaceID)
	params.Set("fields", detailFields)
	params.Set("language", c.cfg.Language)

	var d detailsResponse
	if err := c.get(ctx, "/place/details/json", params, &d); err != nil {
		c.logger.Warn("Details lookup for %s failed: %v", r.PlaceID, err)
		return
	}
	if d.Status != "OK" {
		c.logger.Debug("Details for %s returned status %s", r.PlaceID, d.Status)
	}
	if d.Result.FormattedAddress != "" {
		r.Address = d.Result.FormattedAddress
	}
	r.Phone = d.Result.FormattedPhoneNumber
	r.Website = d.Result.Website
}

// get performs one GET with the per-call timeout behind the circuit breaker
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	params.Set("key", c.cfg.APIKey)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()

	body, err := c.cb.Execute(func() ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("places").Inc()
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
