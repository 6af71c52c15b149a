package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/stock-prober/internal/database"
	"github.com/maltedev/stock-prober/internal/feed"
	"github.com/maltedev/stock-prober/internal/jobs"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/maltedev/stock-prober/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockJobManager struct {
	mock.Mock
}

func (m *MockJobManager) Trigger(ctx context.Context) (*jobs.Job, error) {
	args := m.Called(ctx)
	job, _ := args.Get(0).(*jobs.Job)
	return job, args.Error(1)
}

func (m *MockJobManager) Get(jobID string) (*jobs.Job, error) {
	args := m.Called(jobID)
	job, _ := args.Get(0).(*jobs.Job)
	return job, args.Error(1)
}

func (m *MockJobManager) List() []*jobs.Job {
	args := m.Called()
	return args.Get(0).([]*jobs.Job)
}

type MockOutboxCounter struct {
	mock.Mock
}

func (m *MockOutboxCounter) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	args := m.Called(ctx, statuses)
	return args.Get(0).(int64), args.Error(1)
}

func newTestHandlers(t *testing.T, jm JobManager, outbox OutboxCounter) (*Handlers, string) {
	t.Helper()
	dir := t.TempDir()
	h := NewHandlers(context.Background(), jm, Options{
		Record:     storage.NewFileStore(filepath.Join(dir, "stocks.json"), false),
		FeedPath:   filepath.Join(dir, "stocks.xml"),
		FeedFormat: feed.FormatRSS,
		Outbox:     outbox,
	}, slog.Default())
	return h, dir
}

func serve(h *Handlers, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Run("without outbox", func(t *testing.T) {
		h, _ := newTestHandlers(t, new(MockJobManager), nil)
		rec := serve(h, http.MethodGet, "/health")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("dead letters", func(t *testing.T) {
		outbox := new(MockOutboxCounter)
		outbox.On("CountByStatus", mock.Anything, []string{database.OutboxStatusPending, database.OutboxStatusFailed}).Return(int64(3), nil)
		outbox.On("CountByStatus", mock.Anything, []string{database.OutboxStatusDeadLetter}).Return(int64(101), nil)

		h, _ := newTestHandlers(t, new(MockJobManager), outbox)
		rec := serve(h, http.MethodGet, "/health")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "error", body["status"])
		outbox.AssertExpectations(t)
	})

	t.Run("outbox unavailable", func(t *testing.T) {
		outbox := new(MockOutboxCounter)
		outbox.On("CountByStatus", mock.Anything, mock.Anything).Return(int64(0), errors.New("connection refused"))

		h, _ := newTestHandlers(t, new(MockJobManager), outbox)
		rec := serve(h, http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetStocks(t *testing.T) {
	h, _ := newTestHandlers(t, new(MockJobManager), nil)

	rec := serve(h, http.MethodGet, "/api/v1/stocks")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	e := models.NewEntry(
		models.ProductSnapshot{URL: "https://shop.example/p/a", Slug: "a"},
		models.StockResult{Amount: "2", Confirmed: true, Message: models.MessageConfirmed},
		time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC),
	)
	require.NoError(t, h.record.Save([]models.Entry{e}))

	rec = serve(h, http.MethodGet, "/api/v1/stocks")
	assert.Equal(t, http.StatusOK, rec.Code)
	var records []models.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].StockAmount)
}

func TestGetFeed(t *testing.T) {
	h, dir := newTestHandlers(t, new(MockJobManager), nil)

	rec := serve(h, http.MethodGet, "/feed")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stocks.xml"), []byte("<rss></rss>"), 0o644))
	rec = serve(h, http.MethodGet, "/feed")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/rss+xml"))
	assert.Equal(t, "<rss></rss>", rec.Body.String())
}

func TestRuns(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		jm := new(MockJobManager)
		jm.On("Trigger", mock.Anything).Return(&jobs.Job{ID: "job-1", Status: jobs.StatusRunning}, nil).Once()

		h, _ := newTestHandlers(t, jm, nil)
		rec := serve(h, http.MethodPost, "/api/v1/runs")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var job jobs.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, "job-1", job.ID)
		jm.AssertExpectations(t)
	})

	t.Run("create while running", func(t *testing.T) {
		jm := new(MockJobManager)
		jm.On("Trigger", mock.Anything).Return(nil, jobs.ErrRunInProgress)

		h, _ := newTestHandlers(t, jm, nil)
		rec := serve(h, http.MethodPost, "/api/v1/runs")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		jm := new(MockJobManager)
		jm.On("Get", "job-1").Return(&jobs.Job{ID: "job-1", Status: jobs.StatusCompleted}, nil)
		jm.On("Get", "nope").Return(nil, jobs.ErrJobNotFound)

		h, _ := newTestHandlers(t, jm, nil)

		rec := serve(h, http.MethodGet, "/api/v1/runs/job-1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)

		rec = serve(h, http.MethodGet, "/api/v1/runs/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		jm := new(MockJobManager)
		jm.On("List").Return([]*jobs.Job{{ID: "b"}, {ID: "a"}})

		h, _ := newTestHandlers(t, jm, nil)
		rec := serve(h, http.MethodGet, "/api/v1/runs")

		assert.Equal(t, http.StatusOK, rec.Code)
		var list []jobs.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list, 2)
	})
}
