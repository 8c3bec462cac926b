package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/eventbus"
	"fundarb/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(_ context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManagerFansOutToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNop())
	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Alert(context.Background(), "Test Alert", "something happened", LevelError,
		map[string]string{"symbol": "ETH-USD"})

	waitFor(t, func() bool { return len(ch1.getSent()) == 1 && len(ch2.getSent()) == 1 })

	payload := ch1.getSent()[0]
	assert.Equal(t, "Test Alert", payload.Title)
	assert.Equal(t, LevelError, payload.Level)
	assert.Equal(t, "ETH-USD", payload.Fields["symbol"])
}

func TestWatchTurnsSafetyEventsIntoAlerts(t *testing.T) {
	m := NewManager(logging.NewNop())
	ch := &mockChannel{name: "mock"}
	m.AddChannel(ch)

	bus := eventbus.NewBus(logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, bus)
	time.Sleep(20 * time.Millisecond)

	bus.Publish(core.Event{
		Type: core.EventRollbackFailed, TradeID: "t1", Symbol: "ETH-USD",
		Reason: "manual intervention required", Timestamp: time.Now(),
	})
	bus.Publish(core.Event{
		Type: core.EventTradingPaused, Reason: "broken hedge on ETH-USD", Timestamp: time.Now(),
	})

	waitFor(t, func() bool { return len(ch.getSent()) == 2 })

	byTitle := map[string]Payload{}
	for _, p := range ch.getSent() {
		byTitle[p.Title] = p
	}
	rollback, ok := byTitle["Rollback failed"]
	require.True(t, ok)
	assert.Equal(t, LevelCritical, rollback.Level)
	assert.Equal(t, "t1", rollback.Fields["trade_id"])

	paused, ok := byTitle["Trading paused"]
	require.True(t, ok)
	assert.Equal(t, LevelWarning, paused.Level)
}

func TestTelegramChannelPostsSendMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token123", "chat456")
	ch.baseURL = srv.URL

	err := ch.Send(context.Background(), Payload{
		Level: LevelCritical, Title: "Kill switch", Message: "drawdown 20.00%",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bottoken123/sendMessage", path)
	assert.Equal(t, "chat456", body["chat_id"])
	assert.Contains(t, body["text"], "Kill switch")
	assert.Contains(t, body["text"], "drawdown")
}

func TestTelegramChannelNoopWithoutCredentials(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), Payload{Title: "x"}))
}

func TestSlackChannelPostsAttachment(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	err := ch.Send(context.Background(), Payload{
		Level: LevelWarning, Title: "Trade divergence", Message: "qty drift 50.00%",
		Timestamp: time.Now(),
		Fields:    map[string]string{"symbol": "ETH-USD"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	attachments, ok := body["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ffcc00", first["color"])
	assert.Contains(t, first["pretext"], "Trade divergence")
}
