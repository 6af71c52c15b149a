package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/stock-prober/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(slug string) models.Entry {
	return models.NewEntry(
		models.ProductSnapshot{URL: "https://shop.example/p/" + slug, Slug: slug, SuggestedStock: "3"},
		models.StockResult{Amount: "3", Message: models.UnconfirmedMessage("3")},
		time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC),
	)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file is empty history", func(t *testing.T) {
		fs := NewFileStore(filepath.Join(t.TempDir(), "stocks.json"), false)
		entries, err := fs.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("missing required file", func(t *testing.T) {
		fs := NewFileStore(filepath.Join(t.TempDir(), "stocks.json"), true)
		_, err := fs.Load(ctx)
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("save and load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out", "stocks.json")
		fs := NewFileStore(path, true)

		require.NoError(t, fs.Save([]models.Entry{sampleEntry("a"), sampleEntry("b")}))

		entries, err := fs.Load(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", entries[1].Slug)

		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err), "temp file is renamed away")
	})

	t.Run("empty save writes an array", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stocks.json")
		require.NoError(t, NewFileStore(path, false).Save(nil))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.JSONEq(t, "[]", string(data))
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stocks.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

		_, err := NewFileStore(path, false).Load(ctx)
		assert.Error(t, err)
	})
}

func TestHTTPSource(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stocks.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"url":"https://shop.example/p/a","date":"2026-10-19T12:30:00+02:00","slug":"a","name":"A","brand":"X","price":"1","currency":"SEK","availability":"InStock","stock_amount":"2","suggested_stock_amount":"5","msg":"Confirmed"}]`))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	t.Run("loads entries", func(t *testing.T) {
		entries, err := (&HTTPSource{URL: srv.URL + "/stocks.json"}).Load(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "2", entries[0].Amount)
		assert.True(t, entries[0].Confirmed)
	})

	t.Run("not found is empty", func(t *testing.T) {
		entries, err := (&HTTPSource{URL: srv.URL + "/missing"}).Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("not found when required", func(t *testing.T) {
		_, err := (&HTTPSource{URL: srv.URL + "/missing", Required: true}).Load(ctx)
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("server error", func(t *testing.T) {
		_, err := (&HTTPSource{URL: srv.URL + "/broken"}).Load(ctx)
		assert.Error(t, err)
	})
}
