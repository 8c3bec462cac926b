// Package exchange wires the venue adapters for the configured mode.
package exchange

import (
	"fundarb/internal/config"
	"fundarb/internal/core"
	"fundarb/internal/exchange/lighter"
	"fundarb/internal/exchange/x10"
	"fundarb/internal/mock"
)

// NewPorts returns one port per venue. In paper mode both venues are
// in-process mocks that fill immediately, so the whole engine runs
// without credentials.
func NewPorts(cfg *config.Config, logger core.ILogger) []core.ExchangePort {
	if !cfg.LiveTrading {
		logger.Info("Paper mode, using in-process venues")
		return []core.ExchangePort{
			mock.NewExchange(core.VenueLighter),
			mock.NewExchange(core.VenueX10),
		}
	}
	return []core.ExchangePort{
		lighter.NewExchange(cfg.Lighter, cfg.Trading.Symbols, logger),
		x10.NewExchange(cfg.X10, cfg.Trading.Symbols, logger),
	}
}
