// Package config loads and validates the engine configuration from YAML
// with ${ENV_VAR} expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s: %s", e.Field, e.Message)
}

// Config is the root configuration.
type Config struct {
	LiveTrading bool            `yaml:"live_trading"`
	Lighter     LighterConfig   `yaml:"lighter"`
	X10         X10Config       `yaml:"x10"`
	Database    DatabaseConfig  `yaml:"database"`
	Trading     TradingConfig   `yaml:"trading"`
	Execution   ExecutionConfig `yaml:"execution"`
	Risk        RiskConfig      `yaml:"risk"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	System      SystemConfig    `yaml:"system"`
}

// LighterConfig holds L-venue credentials and endpoints.
type LighterConfig struct {
	PrivateKey               string `yaml:"private_key"`
	AccountIndex             int    `yaml:"account_index"`
	BaseURL                  string `yaml:"base_url"`
	WSURL                    string `yaml:"ws_url"`
	FundingRateIntervalHours int    `yaml:"funding_rate_interval_hours"`
	RequestsPerMinute        int    `yaml:"requests_per_minute"`
}

// X10Config holds X-venue credentials and endpoints.
type X10Config struct {
	APIKey                   string `yaml:"api_key"`
	PrivateKey               string `yaml:"private_key"`
	VaultID                  string `yaml:"vault_id"`
	BaseURL                  string `yaml:"base_url"`
	WSURL                    string `yaml:"ws_url"`
	FundingRateIntervalHours int    `yaml:"funding_rate_interval_hours"`
	RequestsPerMinute        int    `yaml:"requests_per_minute"`
}

// DatabaseConfig holds TradeStore settings.
type DatabaseConfig struct {
	Path              string        `yaml:"path"`
	WALMode           bool          `yaml:"wal_mode"`
	WriteBatchSize    int           `yaml:"write_batch_size"`
	WriteQueueMaxSize int           `yaml:"write_queue_max_size"`
	OpenTradesCacheTTL time.Duration `yaml:"open_trades_cache_ttl"`
}

// TradingConfig holds opportunity selection and exit-rule settings.
type TradingConfig struct {
	Symbols            []string `yaml:"symbols"`
	BlacklistSymbols   []string `yaml:"blacklist_symbols"`
	NotionalPerTrade   float64  `yaml:"notional_per_trade"`
	MaxOpenTrades      int      `yaml:"max_open_trades"`
	MinAPYFilter       float64  `yaml:"min_apy_filter"`
	MaxEntrySpread     float64  `yaml:"max_entry_spread"`
	MinExpectedValue   float64  `yaml:"min_expected_value_usd"`
	PriceStalenessSecs int      `yaml:"price_staleness_seconds"`

	// Depth gate
	DepthGateMode            string  `yaml:"depth_gate_mode"` // L1 or IMPACT
	DepthGateLevels          int     `yaml:"depth_gate_levels"`
	DepthGateMaxImpactPct    float64 `yaml:"depth_gate_max_price_impact_percent"`
	MaxL1QtyUtilization      float64 `yaml:"max_l1_qty_utilization"`

	// Exit rules
	MinHoldSeconds             int     `yaml:"min_hold_seconds"`
	MaxHoldHours               float64 `yaml:"max_hold_hours"`
	EmergencyFundingThreshold  float64 `yaml:"emergency_funding_threshold"`
	LiquidationDistancePct     float64 `yaml:"liquidation_distance_pct"`
	MinProfitExitUSD           float64 `yaml:"min_profit_exit_usd"`
	EarlyTakeProfitNetUSD      float64 `yaml:"early_take_profit_net_usd"`
	EarlyTakeProfitSlipMult    float64 `yaml:"early_take_profit_slippage_multiple"`
	EarlyTakeProfitFloorUSD    float64 `yaml:"early_take_profit_floor_usd"`
	FundingFlipHoursThreshold  float64 `yaml:"funding_flip_hours_threshold"`
	EarlyEdgeExitMinAgeSeconds int     `yaml:"early_edge_exit_min_age_seconds"`
	ZScoreMinSamples           int     `yaml:"zscore_min_samples"`
	BasisAbsThreshold          float64 `yaml:"basis_abs_threshold"`
	BasisMinRatio              float64 `yaml:"basis_min_ratio"`
	BasisMinProfitUSD          float64 `yaml:"basis_min_profit_usd"`

	DeltaBoundEnabled     bool    `yaml:"delta_bound_enabled"`
	DeltaBoundMaxDeltaPct float64 `yaml:"delta_bound_max_delta_pct"`

	ATRTrailingEnabled  bool    `yaml:"atr_trailing_enabled"`
	ATRPeriod           int     `yaml:"atr_period"`
	ATRMultiplier       float64 `yaml:"atr_multiplier"`
	ATRMinActivationUSD float64 `yaml:"atr_min_activation_usd"`

	FundingVelocityExitEnabled bool    `yaml:"funding_velocity_exit_enabled"`
	VelocityThresholdHourly    float64 `yaml:"velocity_threshold_hourly"`
	AccelerationThreshold      float64 `yaml:"acceleration_threshold"`
	VelocityLookbackHours      float64 `yaml:"velocity_lookback_hours"`

	ExitEVEnabled          bool    `yaml:"exit_ev_enabled"`
	ExitEVHorizonHours     float64 `yaml:"exit_ev_horizon_hours"`
	ExitEVExitCostMultiple float64 `yaml:"exit_ev_exit_cost_multiple"`
	OpportunityCostAPYDiff float64 `yaml:"opportunity_cost_apy_diff"`

	// Fee overrides used when the venue does not report a schedule.
	TakerFeeLighter float64 `yaml:"taker_fee_lighter"`
	MakerFeeLighter float64 `yaml:"maker_fee_lighter"`
	TakerFeeX10     float64 `yaml:"taker_fee_x10"`
	MakerFeeX10     float64 `yaml:"maker_fee_x10"`
}

// ExecutionConfig holds two-leg execution settings.
type ExecutionConfig struct {
	WSFillWaitEnabled            bool    `yaml:"ws_fill_wait_enabled"`
	MakerTimeoutSeconds          int     `yaml:"maker_timeout_seconds"`
	MakerRepriceSeconds          int     `yaml:"maker_reprice_seconds"`
	Leg1EscalateToTakerSlippage  float64 `yaml:"leg1_escalate_to_taker_slippage"`
	HedgeDepthPreflightEnabled   bool    `yaml:"hedge_depth_preflight_enabled"`
	HedgeDepthPreflightMultiplier float64 `yaml:"hedge_depth_preflight_multiplier"`
	HedgeDepthPreflightChecks    int     `yaml:"hedge_depth_preflight_checks"`
	HedgeIOCFillTimeoutSeconds   int     `yaml:"hedge_ioc_fill_timeout_seconds"`
	HedgeMinFillRatio            float64 `yaml:"hedge_min_fill_ratio"`
	X10CloseSlippage             float64 `yaml:"x10_close_slippage"`
	PostEntryVerifyRetries       int     `yaml:"post_entry_verify_retries"`
	PostEntryVerifyDelaySeconds  int     `yaml:"post_entry_verify_delay_seconds"`
}

// RiskConfig holds account guards and supervisor settings.
type RiskConfig struct {
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct"`
	MinFreeMarginPct          float64 `yaml:"min_free_margin_pct"`
	BrokenHedgeCooldownSecs   int     `yaml:"broken_hedge_cooldown_seconds"`
	MaxConsecutiveFailures    int     `yaml:"max_consecutive_failures"`
	FailurePauseMinutes       int     `yaml:"failure_pause_minutes"`
	ReconcileIntervalSeconds  int     `yaml:"reconcile_interval_seconds"`
	ReconcileAutoCorrectPct   float64 `yaml:"reconcile_auto_correct_pct"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	MetricsPort int    `yaml:"metrics_port"`
	ServerPort  int    `yaml:"server_port"`
	LogLevel    string `yaml:"log_level"`
}

// AlertsConfig holds notification channel settings.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig holds Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	ScanIntervalSeconds     int `yaml:"scan_interval_seconds"`
	EvalIntervalSeconds     int `yaml:"eval_interval_seconds"`
	ShutdownTimeoutSeconds  int `yaml:"shutdown_timeout_seconds"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment values.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with sane defaults; Load overlays the file on
// top of it.
func Default() *Config {
	return &Config{
		Lighter: LighterConfig{
			FundingRateIntervalHours: 1,
			RequestsPerMinute:        1200,
		},
		X10: X10Config{
			FundingRateIntervalHours: 1,
			RequestsPerMinute:        600,
		},
		Database: DatabaseConfig{
			Path:               "fundarb.db",
			WALMode:            true,
			WriteBatchSize:     64,
			WriteQueueMaxSize:  4096,
			OpenTradesCacheTTL: 30 * time.Second,
		},
		Trading: TradingConfig{
			NotionalPerTrade:           400,
			MaxOpenTrades:              3,
			MinAPYFilter:               0.10,
			MaxEntrySpread:             0.002,
			MinExpectedValue:           0.50,
			PriceStalenessSecs:         10,
			DepthGateMode:              "L1",
			DepthGateLevels:            10,
			DepthGateMaxImpactPct:      0.15,
			MaxL1QtyUtilization:        0.25,
			MinHoldSeconds:             1800,
			MaxHoldHours:               72,
			EmergencyFundingThreshold:  0.0005,
			LiquidationDistancePct:     5.0,
			MinProfitExitUSD:           1.0,
			EarlyTakeProfitNetUSD:      2.0,
			EarlyTakeProfitSlipMult:    2.0,
			EarlyTakeProfitFloorUSD:    0.50,
			FundingFlipHoursThreshold:  4,
			EarlyEdgeExitMinAgeSeconds: 600,
			ZScoreMinSamples:           20,
			BasisAbsThreshold:          0.0001,
			BasisMinRatio:              0.25,
			BasisMinProfitUSD:          0.25,
			DeltaBoundEnabled:          true,
			DeltaBoundMaxDeltaPct:      3.0,
			ATRTrailingEnabled:         true,
			ATRPeriod:                  14,
			ATRMultiplier:              2.0,
			ATRMinActivationUSD:        1.0,
			FundingVelocityExitEnabled: true,
			VelocityThresholdHourly:    -0.00002,
			AccelerationThreshold:      0,
			VelocityLookbackHours:      6,
			ExitEVEnabled:              true,
			ExitEVHorizonHours:         8,
			ExitEVExitCostMultiple:     1.5,
			OpportunityCostAPYDiff:     0.50,
			TakerFeeLighter:            0.0,
			MakerFeeLighter:            0.0,
			TakerFeeX10:                0.0005,
			MakerFeeX10:                0.0002,
		},
		Execution: ExecutionConfig{
			WSFillWaitEnabled:             true,
			MakerTimeoutSeconds:           120,
			MakerRepriceSeconds:           5,
			Leg1EscalateToTakerSlippage:   0.001,
			HedgeDepthPreflightEnabled:    true,
			HedgeDepthPreflightMultiplier: 1.5,
			HedgeDepthPreflightChecks:     2,
			HedgeIOCFillTimeoutSeconds:    10,
			HedgeMinFillRatio:             0.80,
			X10CloseSlippage:              0.003,
			PostEntryVerifyRetries:        3,
			PostEntryVerifyDelaySeconds:   1,
		},
		Risk: RiskConfig{
			MaxDrawdownPct:           15.0,
			MinFreeMarginPct:         20.0,
			BrokenHedgeCooldownSecs:  300,
			MaxConsecutiveFailures:   3,
			FailurePauseMinutes:      15,
			ReconcileIntervalSeconds: 60,
			ReconcileAutoCorrectPct:  5.0,
		},
		Telemetry: TelemetryConfig{
			MetricsPort: 9090,
			ServerPort:  8080,
			LogLevel:    "INFO",
		},
		System: SystemConfig{
			ScanIntervalSeconds:    15,
			EvalIntervalSeconds:    5,
			ShutdownTimeoutSeconds: 30,
		},
	}
}

// Validate checks invariants that make the engine unsafe to start.
func (c *Config) Validate() error {
	if c.Lighter.FundingRateIntervalHours != 1 {
		return &ValidationError{Field: "lighter.funding_rate_interval_hours", Message: "must be 1"}
	}
	if c.X10.FundingRateIntervalHours != 1 {
		return &ValidationError{Field: "x10.funding_rate_interval_hours", Message: "must be 1"}
	}
	if c.LiveTrading {
		if c.Lighter.PrivateKey == "" {
			return &ValidationError{Field: "lighter.private_key", Message: "required for live trading"}
		}
		if c.X10.APIKey == "" {
			return &ValidationError{Field: "x10.api_key", Message: "required for live trading"}
		}
		if c.X10.PrivateKey == "" {
			return &ValidationError{Field: "x10.private_key", Message: "required for live trading"}
		}
	}
	if c.Database.Path == "" {
		return &ValidationError{Field: "database.path", Message: "must not be empty"}
	}
	if c.Database.WriteQueueMaxSize <= 0 {
		return &ValidationError{Field: "database.write_queue_max_size", Message: "must be positive"}
	}
	if c.Database.WriteBatchSize <= 0 {
		return &ValidationError{Field: "database.write_batch_size", Message: "must be positive"}
	}
	if c.Trading.NotionalPerTrade <= 0 {
		return &ValidationError{Field: "trading.notional_per_trade", Message: "must be positive"}
	}
	if c.Trading.MaxOpenTrades <= 0 {
		return &ValidationError{Field: "trading.max_open_trades", Message: "must be positive"}
	}
	if mode := strings.ToUpper(c.Trading.DepthGateMode); mode != "L1" && mode != "IMPACT" {
		return &ValidationError{Field: "trading.depth_gate_mode", Message: "must be L1 or IMPACT"}
	}
	if c.Trading.MinHoldSeconds < 0 {
		return &ValidationError{Field: "trading.min_hold_seconds", Message: "must not be negative"}
	}
	if c.Trading.MaxHoldHours <= 0 {
		return &ValidationError{Field: "trading.max_hold_hours", Message: "must be positive"}
	}
	if r := c.Execution.HedgeMinFillRatio; r <= 0 || r > 1 {
		return &ValidationError{Field: "execution.hedge_min_fill_ratio", Message: "must be in (0, 1]"}
	}
	if c.Risk.MaxDrawdownPct <= 0 {
		return &ValidationError{Field: "risk.max_drawdown_pct", Message: "must be positive"}
	}
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == "") {
		return &ValidationError{Field: "alerts.telegram", Message: "bot_token and chat_id required when enabled"}
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		return &ValidationError{Field: "alerts.slack", Message: "webhook_url required when enabled"}
	}
	return nil
}

// Mode returns the execution mode implied by live_trading.
func (c *Config) Mode() string {
	if c.LiveTrading {
		return "LIVE"
	}
	return "PAPER"
}
