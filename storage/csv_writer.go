package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

// CSVWriter handles exporting ranked results to a CSV file
type CSVWriter struct {
	filePath string
	logger   *utils.Logger
}

// NewCSVWriter creates a new CSVWriter
func NewCSVWriter(filePath string, logger *utils.Logger) *CSVWriter {
	return &CSVWriter{filePath: filePath, logger: logger}
}

// WriteRanked writes ranked restaurants to the CSV file, one row per restaurant in rank order
func (w *CSVWriter) WriteRanked(query models.Query, ranked []models.ScoredRestaurant) error {
	// Ensure output directory exists
	dir := filepath.Dir(w.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"rank", "place_id", "name", "address", "rating", "user_ratings_total",
		"match_score", "positive_rate", "score", "reason", "map_url", "location", "category",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for i, r := range ranked {
		row := []string{
			strconv.Itoa(i + 1),
			r.PlaceID,
			r.Name,
			r.Address,
			strconv.FormatFloat(r.Rating, 'f', 1, 64),
			strconv.Itoa(r.RatingCount),
			strconv.FormatFloat(r.MatchScore, 'f', 3, 64),
			strconv.FormatFloat(r.PositiveRate, 'f', 3, 64),
			strconv.FormatFloat(r.Score, 'f', 3, 64),
			r.Reason,
			r.MapURL,
			query.Location,
			query.Category,
		}
		if err := writer.Write(row); err != nil {
			w.logger.Error("Failed to write CSV row for '%s': %v", r.Name, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	w.logger.Info("Ranked results written to: %s (%d rows)", w.filePath, len(ranked))
	return nil
}
