// Package checkpoint persists catalog walk progress in SQLite so an
// interrupted run can resume each page where it stopped.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/stock-prober/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("checkpoint not found")

// State is the progress of one catalog page. Next is the offset of the first
// product not yet visited; Entries are the entries produced before it.
type State struct {
	CatalogURL string
	RunID      string
	Next       int
	Entries    []models.Entry
	UpdatedAt  time.Time
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the database file at path.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	dtb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = dtb.PingContext(ctx); err != nil {
		dtb.Close()
		return nil, fmt.Errorf("unable to establish connection to database: %w", err)
	}

	if err = initSchema(ctx, dtb); err != nil {
		dtb.Close()
		return nil, fmt.Errorf("checkpoint schema initialization error: %w", err)
	}

	return New(dtb, log), nil
}

// New wraps an already initialised database handle.
func New(db *sql.DB, log *slog.Logger) *Store {
	return &Store{db: db, log: log.With("component", "checkpoint")}
}

func initSchema(ctx context.Context, dtb *sql.DB) error {
	const migrationQuery = `
	CREATE TABLE IF NOT EXISTS crawl_checkpoint (
		catalog_url TEXT PRIMARY KEY NOT NULL,
		run_id TEXT NOT NULL,
		next_offset INTEGER NOT NULL,
		entries TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := dtb.ExecContext(ctx, migrationQuery); err != nil {
		return fmt.Errorf("failed to execute migration query: %w", err)
	}
	return nil
}

// Save stores the progress of a page. Within one run the stored offset never
// moves backwards; a save from a different run replaces the row.
func (s *Store) Save(ctx context.Context, state State) error {
	const opn = "checkpoint.Save"

	entries, err := encodeEntries(state.Entries)
	if err != nil {
		return fmt.Errorf("%s: %w", opn, err)
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	const query = `
	INSERT INTO crawl_checkpoint (catalog_url, run_id, next_offset, entries, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (catalog_url) DO UPDATE SET
		run_id = excluded.run_id,
		next_offset = excluded.next_offset,
		entries = excluded.entries,
		updated_at = excluded.updated_at
	WHERE excluded.run_id <> crawl_checkpoint.run_id
		OR excluded.next_offset >= crawl_checkpoint.next_offset`

	_, err = s.db.ExecContext(ctx, query,
		state.CatalogURL, state.RunID, state.Next, entries, updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%s: failed to save checkpoint for %s: %w", opn, state.CatalogURL, err)
	}

	s.log.Debug("checkpoint saved", "catalog", state.CatalogURL, "next", state.Next)
	return nil
}

func (s *Store) Get(ctx context.Context, catalogURL string) (*State, error) {
	const opn = "checkpoint.Get"

	var (
		state     State
		entries   string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT catalog_url, run_id, next_offset, entries, updated_at FROM crawl_checkpoint WHERE catalog_url = ?",
		catalogURL,
	).Scan(&state.CatalogURL, &state.RunID, &state.Next, &entries, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: failed to get checkpoint: %w", opn, err)
	}

	if state.Entries, err = decodeEntries(entries); err != nil {
		return nil, fmt.Errorf("%s: %w", opn, err)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("%s: invalid updated_at %q: %w", opn, updatedAt, err)
	}

	return &state, nil
}

// Clear forgets a page, typically once it was walked to the end.
func (s *Store) Clear(ctx context.Context, catalogURL string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM crawl_checkpoint WHERE catalog_url = ?", catalogURL); err != nil {
		return fmt.Errorf("checkpoint.Clear: failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Error("failed to close the database", "op", "checkpoint.Close", "error", err)
		return fmt.Errorf("failed to close the database: %w", err)
	}
	return nil
}

// storedEntry keeps what the record shape drops: the failure marker.
type storedEntry struct {
	models.Record
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func encodeEntries(entries []models.Entry) (string, error) {
	stored := make([]storedEntry, 0, len(entries))
	for _, e := range entries {
		stored = append(stored, storedEntry{Record: e.Record(), Status: string(e.Status), Reason: e.Reason})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode entries: %w", err)
	}
	return string(data), nil
}

func decodeEntries(data string) ([]models.Entry, error) {
	var stored []storedEntry
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}

	entries := make([]models.Entry, 0, len(stored))
	for _, st := range stored {
		e, err := models.EntryFromRecord(st.Record)
		if err != nil {
			return nil, err
		}
		// entries of an unfinished run are not published yet
		e.Published = time.Time{}
		e.Status = models.Status(st.Status)
		e.Reason = st.Reason
		entries = append(entries, e)
	}
	return entries, nil
}
