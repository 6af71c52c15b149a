package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v4"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error) {
	args := m.Called(to, what, opts)
	msg, _ := args.Get(0).(*telebot.Message)
	return msg, args.Error(1)
}

var at = time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC)

func entry(slug, amount string, confirmed bool) models.Entry {
	return models.NewEntry(
		models.ProductSnapshot{URL: "https://shop.example/p/" + slug, Slug: slug},
		models.StockResult{Amount: amount, Confirmed: confirmed},
		at,
	)
}

func sampleChanges() []history.Change {
	prev := entry("boot", "5", false)
	return []history.Change{
		{Kind: history.ChangeAdded, Slug: "sock", Current: entry("sock", "12", true)},
		{Kind: history.ChangeUpdated, Slug: "boot", Current: entry("boot", "2", true), Previous: &prev},
	}
}

func TestTelegram_NotifyChanges(t *testing.T) {
	t.Parallel()

	sender := new(MockSender)
	sender.On("Send", telebot.ChatID(42), mock.AnythingOfType("string"), mock.Anything).
		Return(&telebot.Message{}, nil).Once()

	n := NewWithSender(slog.Default(), sender, 42)
	require.NoError(t, n.NotifyChanges(context.Background(), sampleChanges()))

	sender.AssertExpectations(t)
	text := sender.Calls[0].Arguments.String(1)
	assert.Contains(t, text, "1 new, 1 updated")
	assert.Contains(t, text, "boot: ~5 -> 2")
	assert.Contains(t, text, "sock: 12 (new)")
}

func TestTelegram_NothingToSend(t *testing.T) {
	t.Parallel()

	sender := new(MockSender)
	n := NewWithSender(slog.Default(), sender, 42)

	require.NoError(t, n.NotifyChanges(context.Background(), nil))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestTelegram_SendError(t *testing.T) {
	t.Parallel()

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("chat not found"))

	n := NewWithSender(slog.Default(), sender, 42)
	err := n.NotifyChanges(context.Background(), sampleChanges())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSummary_CapsListedChanges(t *testing.T) {
	t.Parallel()

	var changes []history.Change
	for i := range maxListed + 5 {
		slug := fmt.Sprintf("p%d", i)
		changes = append(changes, history.Change{Kind: history.ChangeAdded, Slug: slug, Current: entry(slug, "1", true)})
	}

	text := Summary(changes)
	assert.Equal(t, maxListed+2, len(strings.Split(text, "\n")))
	assert.True(t, strings.HasSuffix(text, "... and 5 more"))
}

func TestNop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Nop{}.NotifyChanges(context.Background(), sampleChanges()))
}
