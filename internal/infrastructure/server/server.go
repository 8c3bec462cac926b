// Package server exposes read-only observability endpoints over HTTP.
// Handlers read pre-built snapshots and never touch the trading path.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fundarb/internal/core"
)

// StatusSnapshot is the payload served on /status.
type StatusSnapshot struct {
	Uptime        string            `json:"uptime"`
	Mode          string            `json:"mode"`
	TradingPaused bool              `json:"trading_paused"`
	PauseReason   string            `json:"pause_reason,omitempty"`
	OpenTrades    int               `json:"open_trades"`
	QueueDepth    int               `json:"store_queue_depth"`
	Venues        map[string]string `json:"venues"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// PositionView is one leg pair served on /positions.
type PositionView struct {
	TradeID    string `json:"trade_id"`
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	LighterQty string `json:"lighter_qty"`
	X10Qty     string `json:"x10_qty"`
	EntryAPY   string `json:"entry_apy"`
	OpenedAt   string `json:"opened_at,omitempty"`
}

// PnLSnapshot is the payload served on /pnl.
type PnLSnapshot struct {
	RealizedUSD      string    `json:"realized_usd"`
	UnrealizedUSD    string    `json:"unrealized_usd"`
	FundingCollected string    `json:"funding_collected_usd"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SnapshotSource feeds the server; implemented by the bootstrap app.
type SnapshotSource interface {
	StatusSnapshot() StatusSnapshot
	PositionViews() []PositionView
	PnLSnapshot() PnLSnapshot
}

// Server is the observability HTTP server.
type Server struct {
	server *http.Server
	source SnapshotSource
	health core.IHealthMonitor
	logger core.ILogger

	startedAt time.Time
	mu        sync.RWMutex
}

// NewServer creates the observability server.
func NewServer(port int, source SnapshotSource, health core.IHealthMonitor, logger core.ILogger) *Server {
	s := &Server{
		source:    source,
		health:    health,
		logger:    logger.WithField("component", "obs_server"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/pnl", s.handlePnL)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Observability server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Observability server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.source.StatusSnapshot()
	snap.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.GetStatus()
	code := http.StatusOK
	if !s.health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":    code == http.StatusOK,
		"components": status,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	views := s.source.PositionViews()
	if views == nil {
		views = []PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.PnLSnapshot())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
