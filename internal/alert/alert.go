// Package alert fans operator notifications out to the configured
// channels and turns safety events from the bus into alerts.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"
)

const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

type Payload struct {
	Level     string
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.AlertSink. Delivery is asynchronous so the
// trading path never blocks on a notification endpoint.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert"),
	}
}

// NewFromConfig builds a manager with the enabled channels attached.
func NewFromConfig(cfg config.AlertsConfig, logger core.ILogger) *Manager {
	m := NewManager(logger)
	if cfg.Telegram.Enabled {
		m.AddChannel(NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Slack.Enabled {
		m.AddChannel(NewSlackChannel(cfg.Slack.WebhookURL))
	}
	return m
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

func (m *Manager) Alert(ctx context.Context, title, message, level string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Watch converts safety events into alerts until the context ends.
// Components that alert at the point of detection are not duplicated
// here; this covers the events raised without a sink in hand.
func (m *Manager) Watch(ctx context.Context, bus core.EventBusPort) {
	events := bus.Subscribe(
		core.EventRollbackFailed,
		core.EventTradingPaused,
		core.EventTradingResumed,
		core.EventZombieOrder,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.alertForEvent(ctx, ev)
		}
	}
}

// httpClient is shared by every channel; alert endpoints are slow-path
// and a single small client is enough.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// postJSON marshals body and POSTs it, treating any non-200 as an error.
func postJSON(ctx context.Context, url string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) alertForEvent(ctx context.Context, ev core.Event) {
	fields := map[string]string{}
	if ev.Symbol != "" {
		fields["symbol"] = ev.Symbol
	}
	if ev.TradeID != "" {
		fields["trade_id"] = ev.TradeID
	}

	switch ev.Type {
	case core.EventRollbackFailed:
		m.Alert(ctx, "Rollback failed", ev.Reason, LevelCritical, fields)
	case core.EventTradingPaused:
		m.Alert(ctx, "Trading paused", ev.Reason, LevelWarning, fields)
	case core.EventTradingResumed:
		m.Alert(ctx, "Trading resumed", ev.Reason, LevelInfo, fields)
	case core.EventZombieOrder:
		m.Alert(ctx, "Zombie order cancelled", ev.Reason, LevelWarning, fields)
	}
}
