package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"restaurant-recommender/models"
	"restaurant-recommender/utils"
)

// SQLStore stores restaurants, reviews and recommendations in SQLite or PostgreSQL
type SQLStore struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
	logger   *utils.Logger
}

// NewSQLStore opens the database for driver ("sqlite" or "postgres"), pings it
// and creates the schema.
func NewSQLStore(ctx context.Context, driver, dsn string, logger *utils.Logger, opts ...Option) (*SQLStore, error) {
	o := buildOptions(opts)

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open DB: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Minute * 5)
	case "sqlite":
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open DB: %w", err)
		}
		// single writer
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	s := &SQLStore{db: db, postgres: driver == "postgres", now: o.now, logger: logger}
	if err := s.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Connected to %s store successfully", driver)
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// CreateTables creates the schema if it doesn't exist, with indexes
func (s *SQLStore) CreateTables(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	realCol := "REAL"
	if s.postgres {
		idCol = "SERIAL PRIMARY KEY"
		realCol = "DOUBLE PRECISION"
	}

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS restaurants (
		id                 %[1]s,
		place_id           TEXT    NOT NULL UNIQUE,
		name               TEXT    NOT NULL,
		address            TEXT,
		rating             %[2]s   DEFAULT 0,
		user_ratings_total INTEGER DEFAULT 0,
		phone              TEXT,
		website            TEXT,
		map_url            TEXT,
		last_update        BIGINT  NOT NULL,
		reviews_updated_at BIGINT
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id            %[1]s,
		restaurant_id INTEGER NOT NULL REFERENCES restaurants(id) ON DELETE CASCADE,
		text          TEXT    NOT NULL,
		stars         %[2]s
	);

	CREATE TABLE IF NOT EXISTS recommendations (
		id                  TEXT PRIMARY KEY,
		query_key           TEXT   NOT NULL,
		user_input          TEXT,
		location            TEXT,
		category            TEXT,
		preferences         TEXT,
		top_place_ids       TEXT,
		recommendation_json TEXT,
		created_at          BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_restaurant    ON reviews (restaurant_id);
	CREATE INDEX IF NOT EXISTS idx_recommendations_query ON recommendations (query_key, created_at);
	`, idCol, realCol)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	s.logger.Debug("Tables restaurants, reviews, recommendations are ready")
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertRestaurant inserts or updates the base fields of r keyed by PlaceID
func (s *SQLStore) UpsertRestaurant(ctx context.Context, r models.Restaurant) error {
	if strings.TrimSpace(r.PlaceID) == "" {
		return fmt.Errorf("upsert restaurant: empty place id")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO restaurants (place_id, name, address, rating, user_ratings_total, phone, website, map_url, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (place_id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			rating = excluded.rating,
			user_ratings_total = excluded.user_ratings_total,
			phone = excluded.phone,
			website = excluded.website,
			map_url = excluded.map_url,
			last_update = excluded.last_update
	`), r.PlaceID, r.Name, r.Address, r.Rating, r.RatingCount, r.Phone, r.Website, r.MapURL, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert restaurant %s: %w", r.PlaceID, err)
	}
	return nil
}

// GetFreshReviews returns the stored reviews of placeID if they were written within maxAge
func (s *SQLStore) GetFreshReviews(ctx context.Context, placeID string, maxAge time.Duration) ([]models.Review, bool, error) {
	var (
		id        int64
		updatedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, reviews_updated_at FROM restaurants WHERE place_id = ?`), placeID).Scan(&id, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup restaurant %s: %w", placeID, err)
	}
	if !updatedAt.Valid || !isFresh(time.UnixMilli(updatedAt.Int64), s.now(), maxAge) {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT text, stars FROM reviews WHERE restaurant_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, false, fmt.Errorf("query reviews %s: %w", placeID, err)
	}
	defer rows.Close()

	var reviews []models.Review
	for rows.Next() {
		var (
			text  string
			stars sql.NullFloat64
		)
		if err := rows.Scan(&text, &stars); err != nil {
			return nil, false, fmt.Errorf("scan review: %w", err)
		}
		rv := models.Review{Text: text}
		if stars.Valid {
			v := stars.Float64
			rv.Stars = &v
		}
		reviews = append(reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, len(reviews) > 0, nil
}

// ReplaceReviews deletes the stored set and inserts the new one in a single transaction
func (s *SQLStore) ReplaceReviews(ctx context.Context, placeID string, reviews []models.Review) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM restaurants WHERE place_id = ?`), placeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("replace reviews %s: %w", placeID, ErrNotFound)
		return err
	}
	if err != nil {
		return fmt.Errorf("lookup restaurant %s: %w", placeID, err)
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM reviews WHERE restaurant_id = ?`), id); err != nil {
		return fmt.Errorf("delete reviews %s: %w", placeID, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO reviews (restaurant_id, text, stars) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rv := range reviews {
		var stars sql.NullFloat64
		if rv.Stars != nil {
			stars = sql.NullFloat64{Float64: *rv.Stars, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx, id, rv.Text, stars); err != nil {
			return fmt.Errorf("insert review %s: %w", placeID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE restaurants SET reviews_updated_at = ? WHERE id = ?`),
		s.now().UnixMilli(), id); err != nil {
		return fmt.Errorf("stamp reviews %s: %w", placeID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug("Stored %d reviews for %s", len(reviews), placeID)
	return nil
}

// RecordRecommendation stores rec with its ranked results as JSON
func (s *SQLStore) RecordRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.QueryKey == "" {
		rec.QueryKey = rec.Query.Key()
	}
	rec.TopPlaceIDs = topPlaceIDs(rec)

	prefs, err := json.Marshal(rec.Query.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO recommendations (id, query_key, user_input, location, category, preferences, top_place_ids, recommendation_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.QueryKey, rec.Query.Text, rec.Query.Location, rec.Query.Category,
		string(prefs), strings.Join(rec.TopPlaceIDs, ","), string(results), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// GetRecommendation returns the latest recommendation recorded under queryKey
func (s *SQLStore) GetRecommendation(ctx context.Context, queryKey string) (*models.Recommendation, error) {
	var (
		rec                 models.Recommendation
		prefs, ids, results sql.NullString
		userInput, loc, cat sql.NullString
		createdAt           int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, query_key, user_input, location, category, preferences, top_place_ids, recommendation_json, created_at
		FROM recommendations
		WHERE query_key = ?
		ORDER BY created_at DESC
		LIMIT 1
	`), queryKey).Scan(&rec.ID, &rec.QueryKey, &userInput, &loc, &cat, &prefs, &ids, &results, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query recommendation: %w", err)
	}

	rec.Query = models.Query{Text: userInput.String, Location: loc.String, Category: cat.String}
	rec.CreatedAt = time.UnixMilli(createdAt)
	if prefs.String != "" {
		if err := json.Unmarshal([]byte(prefs.String), &rec.Query.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	if ids.String != "" {
		rec.TopPlaceIDs = strings.Split(ids.String, ",")
	}
	if results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &rec.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &rec, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
