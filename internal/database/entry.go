package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/stock-prober/internal/models"
)

// EntryRepository persists observations. Every entry of a run, failed ones
// included, is appended to stock_observation; successful entries also
// replace the row for their slug in stock_latest.
type EntryRepository struct {
	db *DB
}

func NewEntryRepository(db *DB) *EntryRepository {
	return &EntryRepository{db: db}
}

// InsertWithTx records one entry of the run inside tx.
func (r *EntryRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, e models.Entry) error {
	query := `
		INSERT INTO stock_observation (
			run_id, slug, url, name, brand, price, currency, availability,
			stock_amount, suggested_stock_amount, confirmed, msg,
			status, reason, observed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`

	if _, err := tx.Exec(ctx, query, observationArgs(runID, e)...); err != nil {
		return fmt.Errorf("failed to insert observation %s: %w", e.Slug, err)
	}

	if !e.OK() {
		return nil
	}

	// published_at moves only when the row is created or the entry is
	// observed again with a newer publication time
	upsert := `
		INSERT INTO stock_latest (
			slug, url, name, brand, price, currency, availability,
			stock_amount, suggested_stock_amount, confirmed, msg,
			observed_at, published_at, run_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (slug) DO UPDATE SET
			url = EXCLUDED.url,
			name = EXCLUDED.name,
			brand = EXCLUDED.brand,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			availability = EXCLUDED.availability,
			stock_amount = EXCLUDED.stock_amount,
			suggested_stock_amount = EXCLUDED.suggested_stock_amount,
			confirmed = EXCLUDED.confirmed,
			msg = EXCLUDED.msg,
			observed_at = EXCLUDED.observed_at,
			published_at = GREATEST(stock_latest.published_at, EXCLUDED.published_at),
			run_id = EXCLUDED.run_id`

	if _, err := tx.Exec(ctx, upsert, latestArgs(runID, e)...); err != nil {
		return fmt.Errorf("failed to upsert latest %s: %w", e.Slug, err)
	}

	return nil
}

// Load returns the latest successful entry per slug, most recent first. It
// serves as the history source when HISTORY_SOURCE=postgres.
func (r *EntryRepository) Load(ctx context.Context) ([]models.Entry, error) {
	query := `
		SELECT
			slug, url, name, brand, price, currency, availability,
			stock_amount, suggested_stock_amount, confirmed, msg,
			observed_at, published_at
		FROM stock_latest
		ORDER BY observed_at DESC, slug ASC`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest entries: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		var e models.Entry
		err := rows.Scan(
			&e.Slug, &e.URL, &e.Name, &e.Brand, &e.Price, &e.Currency, &e.Availability,
			&e.Amount, &e.SuggestedStock, &e.Confirmed, &e.Message,
			&e.Date, &e.Published,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Status = models.StatusOK
		e.Date = models.InZone(e.Date)
		e.Published = models.InZone(e.Published)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// CountFailed returns how many failed observations a run recorded.
func (r *EntryRepository) CountFailed(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM stock_observation WHERE run_id = $1 AND status = $2",
		runID, string(models.StatusFailed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed observations: %w", err)
	}
	return count, nil
}

func observationArgs(runID uuid.UUID, e models.Entry) []any {
	var reason *string
	if e.Reason != "" {
		r := e.Reason
		reason = &r
	}
	return []any{
		runID, e.Slug, e.URL, e.Name, e.Brand, e.Price, e.Currency, e.Availability,
		e.Amount, e.SuggestedStock, e.Confirmed, e.Message,
		string(e.Status), reason, e.Date,
	}
}

func latestArgs(runID uuid.UUID, e models.Entry) []any {
	return []any{
		e.Slug, e.URL, e.Name, e.Brand, e.Price, e.Currency, e.Availability,
		e.Amount, e.SuggestedStock, e.Confirmed, e.Message,
		e.Date, e.PublishedAt(), runID,
	}
}
