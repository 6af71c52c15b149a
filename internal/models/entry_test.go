package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"plain path", "https://shop.example/products/red-shoe", "red-shoe"},
		{"trailing slash", "https://shop.example/products/red-shoe/", "red-shoe"},
		{"query string ignored", "https://shop.example/products/red-shoe?ref=list", "red-shoe"},
		{"double slashes", "https://shop.example/products//red-shoe//", "red-shoe"},
		{"root only", "https://shop.example/", ""},
		{"relative path", "/products/blue-hat", "blue-hat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slug(tt.url))
			// re-extraction is stable
			assert.Equal(t, Slug(tt.url), Slug(tt.url))
		})
	}
}

func TestEntryRecord_HasExactKeys(t *testing.T) {
	at := time.Date(2026, 10, 19, 10, 30, 0, 123456000, time.UTC)
	entry := NewEntry(ProductSnapshot{
		URL:            "https://shop.example/p/widget",
		Slug:           "widget",
		Name:           "Widget",
		Brand:          "Acme",
		Price:          "199.00",
		Currency:       "SEK",
		Availability:   "InStock",
		SuggestedStock: "5",
	}, StockResult{Amount: "3", Confirmed: true, Message: MessageConfirmed}, at)

	data, err := json.Marshal(entry.Record())
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))

	keys := []string{"url", "date", "slug", "name", "brand", "price", "currency",
		"availability", "stock_amount", "suggested_stock_amount", "msg"}
	assert.Len(t, obj, len(keys))
	for _, k := range keys {
		assert.Contains(t, obj, k)
	}

	assert.Equal(t, "2026-10-19T12:30:00.123456+02:00", obj["date"])
	assert.Equal(t, "3", obj["stock_amount"])
	assert.Equal(t, "5", obj["suggested_stock_amount"])
}

func TestEntryFromRecord(t *testing.T) {
	rec := Record{
		URL:                  "https://shop.example/p/widget",
		Date:                 "2026-01-02T08:00:00+01:00",
		Slug:                 "widget",
		StockAmount:          "5",
		SuggestedStockAmount: "5",
		Msg:                  UnconfirmedMessage("5"),
	}

	entry, err := EntryFromRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, "widget", entry.Slug)
	assert.False(t, entry.Confirmed)
	assert.True(t, entry.OK())
	assert.True(t, entry.PublishedAt().Equal(entry.Date))
	assert.Equal(t, TimeZone, entry.Date.Location().String())

	t.Run("invalid date", func(t *testing.T) {
		rec.Date = "yesterday"
		_, err := EntryFromRecord(rec)
		assert.Error(t, err)
	})
}

func TestNewFailedEntry(t *testing.T) {
	entry := NewFailedEntry("https://shop.example/p/broken", errors.New("missing field name"), time.Now())

	assert.False(t, entry.OK())
	assert.Equal(t, "broken", entry.Slug)
	assert.Equal(t, "missing field name", entry.Reason)
}
