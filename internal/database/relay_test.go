package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func stockEvent(slug string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "product",
		AggregateID:   slug,
		EventType:     "STOCK_CHANGED",
		Payload:       json.RawMessage(`{"slug":"` + slug + `","stock_amount":"2","previous_stock_amount":"5"}`),
		TargetStream:  DefaultStream,
		CreatedAt:     time.Now(),
	}
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("publish and mark processed", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{stockEvent("trail-runner"), stockEvent("wool-hat")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultStream &&
					args.Values["event_type"] == event.EventType &&
					args.Values["aggregate_id"] == event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		delivered, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		delivered, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("outbox failure", func(t *testing.T) {
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, new(MockRedisClient), logger, RelayConfig{BatchSize: 10})

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("connection refused"))

		_, err := relay.processEvents(ctx)
		assert.Error(t, err)
	})

	t.Run("continue after a failed event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{stockEvent("first"), stockEvent("second")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values["aggregate_id"] == "first"
		})).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values["aggregate_id"] == "second"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		delivered, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("invalid payload is marked failed", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, logger, RelayConfig{BatchSize: 10})

		event := stockEvent("broken")
		event.Payload = json.RawMessage(`not json`)
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

		delivered, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockOutbox.AssertExpectations(t)
	})
}

func TestRelay_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("drains full batches", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 2})

		first := []*OutboxEvent{stockEvent("a"), stockEvent("b")}
		second := []*OutboxEvent{stockEvent("c")}
		mockOutbox.On("GetPending", ctx, 2).Return(first, nil).Once()
		mockOutbox.On("GetPending", ctx, 2).Return(second, nil).Once()
		mockRedis.On("XAdd", ctx, mock.Anything).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, mock.Anything).Return(nil)

		delivered, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, delivered)
		mockOutbox.AssertNumberOfCalls(t, "GetPending", 2)
	})

	t.Run("stops when nothing could be delivered", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := NewRelay(mockOutbox, mockRedis, slog.Default(), RelayConfig{BatchSize: 1})

		mockOutbox.On("GetPending", ctx, 1).Return([]*OutboxEvent{stockEvent("a")}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("redis down"))
		mockOutbox.On("MarkFailed", ctx, mock.Anything, mock.Anything).Return(nil)

		delivered, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockOutbox.AssertNumberOfCalls(t, "GetPending", 1)
	})
}

func TestRelay_PublishToRedis(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	relay := NewRelay(new(MockOutboxRepository), mockRedis, slog.Default(), RelayConfig{})

	event := stockEvent("trail-runner")

	mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		val, ok := args.Values["data"].(string)
		if !ok {
			return false
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(val), &data); err != nil {
			return false
		}

		metadata, ok := data["metadata"].(map[string]any)
		if !ok {
			return false
		}
		payload, ok := data["payload"].(map[string]any)
		if !ok {
			return false
		}

		return data["type"] == "STOCK_CHANGED" &&
			data["aggregate_id"] == "trail-runner" &&
			payload["stock_amount"] == "2" &&
			metadata["source"] == "stock-prober"
	})).Return(nil)

	require.NoError(t, relay.publishToRedis(ctx, event))
	mockRedis.AssertExpectations(t)
}

func TestRelay_Start(t *testing.T) {
	mockOutbox := new(MockOutboxRepository)
	relay := NewRelay(mockOutbox, new(MockRedisClient), slog.Default(), RelayConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    10,
	})

	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}
