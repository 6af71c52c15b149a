package models

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// TimeZone is the zone every entry timestamp is recorded in.
const TimeZone = "Europe/Stockholm"

// DateLayout mirrors an ISO-8601 timestamp with microseconds and offset.
const DateLayout = "2006-01-02T15:04:05.999999-07:00"

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Entry is one product observation of a run. Entries are values: they are
// created once and only copied or reordered afterwards.
type Entry struct {
	ProductSnapshot
	StockResult

	Date      time.Time
	Status    Status
	Reason    string
	Published time.Time
}

// NewEntry combines a snapshot and a stock result observed at the given time.
func NewEntry(snapshot ProductSnapshot, result StockResult, at time.Time) Entry {
	return Entry{
		ProductSnapshot: snapshot,
		StockResult:     result,
		Date:            InZone(at),
		Status:          StatusOK,
	}
}

// NewFailedEntry records a product that was visited but could not be probed.
func NewFailedEntry(productURL string, reason error, at time.Time) Entry {
	return Entry{
		ProductSnapshot: ProductSnapshot{URL: productURL, Slug: Slug(productURL)},
		Date:            InZone(at),
		Status:          StatusFailed,
		Reason:          reason.Error(),
	}
}

func (e Entry) OK() bool {
	return e.Status != StatusFailed
}

// PublishedAt returns the publication time carried by the entry, falling back
// to the observation date for entries loaded from a record.
func (e Entry) PublishedAt() time.Time {
	if !e.Published.IsZero() {
		return e.Published
	}
	return e.Date
}

// Record is the exact shape of one object in the JSON record artifact.
type Record struct {
	URL                  string `json:"url"`
	Date                 string `json:"date"`
	Slug                 string `json:"slug"`
	Name                 string `json:"name"`
	Brand                string `json:"brand"`
	Price                string `json:"price"`
	Currency             string `json:"currency"`
	Availability         string `json:"availability"`
	StockAmount          string `json:"stock_amount"`
	SuggestedStockAmount string `json:"suggested_stock_amount"`
	Msg                  string `json:"msg"`
}

func (e Entry) Record() Record {
	return Record{
		URL:                  e.URL,
		Date:                 InZone(e.Date).Format(DateLayout),
		Slug:                 e.Slug,
		Name:                 e.Name,
		Brand:                e.Brand,
		Price:                e.Price,
		Currency:             e.Currency,
		Availability:         e.Availability,
		StockAmount:          e.Amount,
		SuggestedStockAmount: e.SuggestedStock,
		Msg:                  e.Message,
	}
}

// EntryFromRecord rebuilds an entry from a previously written record.
func EntryFromRecord(r Record) (Entry, error) {
	date, err := time.Parse(time.RFC3339Nano, r.Date)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid date %q for %s: %w", r.Date, r.Slug, err)
	}

	slug := r.Slug
	if slug == "" {
		slug = Slug(r.URL)
	}

	return Entry{
		ProductSnapshot: ProductSnapshot{
			URL:            r.URL,
			Slug:           slug,
			Name:           r.Name,
			Brand:          r.Brand,
			Price:          r.Price,
			Currency:       r.Currency,
			Availability:   r.Availability,
			SuggestedStock: r.SuggestedStockAmount,
		},
		StockResult: StockResult{
			Amount:    r.StockAmount,
			Confirmed: r.Msg == MessageConfirmed,
			Message:   r.Msg,
		},
		Date:      InZone(date),
		Status:    StatusOK,
		Published: InZone(date),
	}, nil
}

// InZone converts t to the entry time zone.
func InZone(t time.Time) time.Time {
	loc, err := time.LoadLocation(TimeZone)
	if err != nil {
		return t
	}
	return t.In(loc)
}
