// Package websocket provides a resilient WebSocket client with automatic
// reconnection, keepalive, and a single-consumer message channel.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/retry"

	"github.com/gorilla/websocket"
)

// Config holds WebSocket client configuration.
type Config struct {
	URL               string
	Name              string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	WriteTimeout      time.Duration
	MessageBufferSize int
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.ReconnectInitial == 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MessageBufferSize == 0 {
		c.MessageBufferSize = 1024
	}
}

// Client is a reconnecting WebSocket client. Received messages are
// delivered on Messages(); exactly one consumer should read it.
type Client struct {
	cfg    Config
	logger core.ILogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	connected   atomic.Bool
	messages    chan []byte
	done        chan struct{}
	wg          sync.WaitGroup
	onConnected func(ctx context.Context) error
}

// NewClient creates a WebSocket client. onConnected runs after every
// successful (re)connect; venues use it to resubscribe and reauth.
func NewClient(cfg Config, logger core.ILogger, onConnected func(ctx context.Context) error) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:         cfg,
		logger:      logger.WithField("component", "websocket").WithField("name", cfg.Name),
		messages:    make(chan []byte, cfg.MessageBufferSize),
		done:        make(chan struct{}),
		onConnected: onConnected,
	}
}

// Start connects and launches the read and keepalive loops. It blocks
// until the first connection succeeds or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.pingLoop(ctx)
	return nil
}

// Messages returns the inbound message channel.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send writes a JSON message to the socket.
func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket %s not connected", c.cfg.Name)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// SendText writes a raw text frame.
func (c *Client) SendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket %s not connected", c.cfg.Name)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop closes the connection and waits for the loops to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timed out waiting for websocket loops to stop")
	}
	close(c.messages)
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("WebSocket connected", "url", c.cfg.URL)

	if c.onConnected != nil {
		if err := c.onConnected(ctx); err != nil {
			c.logger.Error("onConnected hook failed", "error", err)
			conn.Close()
			c.connected.Store(false)
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read failed, reconnecting", "error", err)
			conn.Close()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		select {
		case c.messages <- data:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconnect retries with jittered exponential backoff until it succeeds
// or the client is stopped. Returns false when stopping.
func (c *Client) reconnect(ctx context.Context) bool {
	backoff := c.cfg.ReconnectInitial
	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(retry.Jitter(backoff)):
		}

		if err := c.connect(ctx); err == nil {
			return true
		}
		c.logger.Warn("Reconnect attempt failed", "backoff", backoff.String())
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			if conn != nil && c.connected.Load() {
				conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Warn("Ping failed", "error", err)
				}
			}
			c.mu.Unlock()
		}
	}
}
