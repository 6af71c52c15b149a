package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/stock-prober/internal/database"
	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/models"
)

type EventType string

const (
	// EventTypeStockChanged is published for every product whose stock differs
	// from the recorded one, including products seen for the first time.
	EventTypeStockChanged EventType = "STOCK_CHANGED"
	// EventTypeRunCompleted closes every published run.
	EventTypeRunCompleted EventType = "RUN_COMPLETED"
)

type StockChangedPayload struct {
	EventID             string    `json:"event_id"`
	EventType           string    `json:"event_type"`
	Timestamp           time.Time `json:"timestamp"`
	RunID               string    `json:"run_id"`
	Change              string    `json:"change"`
	Slug                string    `json:"slug"`
	URL                 string    `json:"url"`
	Name                string    `json:"name"`
	Brand               string    `json:"brand,omitempty"`
	Price               string    `json:"price,omitempty"`
	Currency            string    `json:"currency,omitempty"`
	StockAmount         string    `json:"stock_amount"`
	Confirmed           bool      `json:"confirmed"`
	PreviousStockAmount *string   `json:"previous_stock_amount,omitempty"`
	Source              string    `json:"source"`
}

type RunCompletedPayload struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Entries   int       `json:"entries"`
	Failed    int       `json:"failed"`
	Changes   int       `json:"changes"`
	Truncated bool      `json:"truncated"`
	Source    string    `json:"source"`
}

// Run is what a finished run hands to the publisher.
type Run struct {
	ID        uuid.UUID
	Entries   []models.Entry
	Changes   []history.Change
	Truncated bool
}

type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type EntryWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, e models.Entry) error
}

type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes a run's observations and its change events in one
// transaction, so events exist exactly when the observations do.
type Publisher struct {
	db      TxRunner
	entries EntryWriter
	outbox  OutboxWriter
	stream  string
	logger  *slog.Logger
	now     func() time.Time
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewEntryRepository(db), database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(db TxRunner, entries EntryWriter, outbox OutboxWriter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultStream
	}
	return &Publisher{
		db:      db,
		entries: entries,
		outbox:  outbox,
		stream:  stream,
		logger:  logger.With("component", "event_publisher"),
		now:     time.Now,
	}
}

func (p *Publisher) PublishRun(ctx context.Context, run Run) error {
	events := make([]*database.OutboxEvent, 0, len(run.Changes)+1)
	for _, c := range run.Changes {
		ev, err := p.stockChanged(run.ID, c)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	completed, err := p.runCompleted(run)
	if err != nil {
		return err
	}
	events = append(events, completed)

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, e := range run.Entries {
			if err := p.entries.InsertWithTx(ctx, tx, run.ID, e); err != nil {
				return err
			}
		}
		for _, ev := range events {
			if err := p.outbox.InsertWithTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("failed to insert outbox event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", run.ID, err)
	}

	p.logger.Info("run published to outbox",
		"run_id", run.ID,
		"entries", len(run.Entries),
		"changes", len(run.Changes),
	)

	return nil
}

func (p *Publisher) stockChanged(runID uuid.UUID, c history.Change) (*database.OutboxEvent, error) {
	payload := StockChangedPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeStockChanged),
		Timestamp:   p.now(),
		RunID:       runID.String(),
		Change:      string(c.Kind),
		Slug:        c.Slug,
		URL:         c.Current.URL,
		Name:        c.Current.Name,
		Brand:       c.Current.Brand,
		Price:       c.Current.Price,
		Currency:    c.Current.Currency,
		StockAmount: c.Current.Amount,
		Confirmed:   c.Current.Confirmed,
		Source:      "stock-prober",
	}
	if c.Previous != nil {
		prev := c.Previous.Amount
		payload.PreviousStockAmount = &prev
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "product",
		AggregateID:   c.Slug,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}, nil
}

func (p *Publisher) runCompleted(run Run) (*database.OutboxEvent, error) {
	failed := 0
	for _, e := range run.Entries {
		if !e.OK() {
			failed++
		}
	}

	payload := RunCompletedPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeRunCompleted),
		Timestamp: p.now(),
		RunID:     run.ID.String(),
		Entries:   len(run.Entries),
		Failed:    failed,
		Changes:   len(run.Changes),
		Truncated: run.Truncated,
		Source:    "stock-prober",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "run",
		AggregateID:   run.ID.String(),
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}, nil
}
