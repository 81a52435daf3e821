package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

var starsRegex = regexp.MustCompile(`(\d(\.\d)?)`)

// MapURL builds the public map link for a place
func MapURL(placeID string) string {
	return fmt.Sprintf("https://www.google.com/maps/place/?q=place_id:%s", placeID)
}

// DataCleaner normalizes search candidates and scraped reviews
type DataCleaner struct {
	logger *utils.Logger
}

// NewDataCleaner creates a new DataCleaner
func NewDataCleaner(logger *utils.Logger) *DataCleaner {
	return &DataCleaner{logger: logger}
}

// CleanCandidates drops candidates without identity, deduplicates by PlaceID
// and clamps numeric fields into range.
func (c *DataCleaner) CleanCandidates(raw []models.Restaurant) []models.Restaurant {
	seen := utils.NewSeenSet()
	var cleaned []models.Restaurant

	for _, r := range raw {
		r.Name = strings.TrimSpace(r.Name)
		r.PlaceID = strings.TrimSpace(r.PlaceID)
		if r.Name == "" || r.PlaceID == "" {
			c.logger.Debug("Skipping candidate without name or place id")
			continue
		}
		if !seen.Add(r.PlaceID) {
			c.logger.Debug("Skipping duplicate: %s", r.Name)
			continue
		}

		r.Address = strings.TrimSpace(r.Address)
		if r.Rating < 0 || r.Rating > 5 {
			r.Rating = 0
		}
		if r.RatingCount < 0 {
			r.RatingCount = 0
		}
		if r.MapURL == "" {
			r.MapURL = MapURL(r.PlaceID)
		}
		cleaned = append(cleaned, r)
	}

	c.logger.Debug("Cleaned %d candidates from %d raw records", len(cleaned), len(raw))
	return cleaned
}

// CleanReviews drops blank and duplicate texts, parses star labels and caps the result at max
func (c *DataCleaner) CleanReviews(raw []models.RawReview, max int) []models.Review {
	seen := utils.NewSeenSet()
	var cleaned []models.Review
	for _, r := range raw {
		if max > 0 && len(cleaned) >= max {
			break
		}
		text := strings.TrimSpace(r.Text)
		if !seen.Add(text) {
			continue
		}
		cleaned = append(cleaned, models.Review{Text: text, Stars: ParseStars(r.StarsLabel)})
	}
	return cleaned
}

// ParseStars extracts a star value from labels like "5 顆星" or "4.5 stars".
// Returns nil when the label has no usable number.
func ParseStars(label string) *float64 {
	if label == "" {
		return nil
	}
	m := starsRegex.FindStringSubmatch(label)
	if len(m) < 2 {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}
