package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Maker    MakerConfig    `yaml:"maker"`
	Taker    TakerConfig    `yaml:"taker"`
	State    StateConfig    `yaml:"state"`
	Strategy StrategyConfig `yaml:"strategy"`
	Safety   SafetyConfig   `yaml:"safety"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Journal  JournalConfig  `yaml:"journal"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MakerConfig describes the venue where post-only limit orders rest.
type MakerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	WSURL      string        `yaml:"ws_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MarketID   int           `yaml:"market_id"`
	Symbol     string        `yaml:"symbol"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	PrivateKey string        `yaml:"-"`
}

// TakerConfig describes the venue used purely for hedging.
type TakerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MarketID     int           `yaml:"market_id"`
	AccountIndex int           `yaml:"account_index"`
	PrivateKey   string        `yaml:"-"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// StrategyConfig holds the startup defaults for the runtime-mutable settings
// store. The operator can change most of these live; values here only seed the
// store when no persisted override exists.
type StrategyConfig struct {
	SizeMinUSD       float64       `yaml:"size_min_usd"`
	SizeMaxUSD       float64       `yaml:"size_max_usd"`
	HoldMin          time.Duration `yaml:"hold_min"`
	HoldMax          time.Duration `yaml:"hold_max"`
	CooldownMin      time.Duration `yaml:"cooldown_min"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
	OrderTimeout     time.Duration `yaml:"order_timeout"`
	RepriceInterval  time.Duration `yaml:"reprice_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	CloseBufferUSD   float64       `yaml:"close_buffer_usd"`
	SpreadOffsetBPS  float64       `yaml:"spread_offset_bps"`
	HedgeSlippageBPS float64       `yaml:"hedge_slippage_bps"`
	Leverage         float64       `yaml:"leverage"`
	MaxFillAttempts  int           `yaml:"max_fill_attempts"`
	HedgeMaxAttempts int           `yaml:"hedge_max_attempts"`
	HedgeMaxElapsed  time.Duration `yaml:"hedge_max_elapsed"`
	SizeDecimals     int           `yaml:"size_decimals"`
	DryRun           bool          `yaml:"dry_run"`
}

type SafetyConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	MarginBuffer    float64       `yaml:"margin_buffer"`
	LiqBuffer       float64       `yaml:"liq_buffer"`
	ErrorWindow     time.Duration `yaml:"error_window"`
	MaxMarginErrors int           `yaml:"max_margin_errors"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Token          string        `yaml:"token"`
	ChatID         string        `yaml:"chat_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AllowedUserIDs []int64       `yaml:"allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Maker.BaseURL == "" {
		cfg.Maker.BaseURL = "https://zo-mainnet.n1.xyz"
	}
	if cfg.Maker.WSURL == "" {
		cfg.Maker.WSURL = deriveWSURL(cfg.Maker.BaseURL)
	}
	if cfg.Maker.Timeout == 0 {
		cfg.Maker.Timeout = 10 * time.Second
	}
	if cfg.Maker.Symbol == "" {
		cfg.Maker.Symbol = "BTCUSD"
	}
	if cfg.Maker.SessionTTL == 0 {
		cfg.Maker.SessionTTL = time.Hour
	}
	if cfg.Taker.BaseURL == "" {
		cfg.Taker.BaseURL = "https://mainnet.zklighter.elliot.ai"
	}
	if cfg.Taker.Timeout == 0 {
		cfg.Taker.Timeout = 10 * time.Second
	}
	if cfg.Taker.MarketID == 0 {
		cfg.Taker.MarketID = 1
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-cycle-bot.db"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.Safety.CheckInterval == 0 {
		cfg.Safety.CheckInterval = 15 * time.Second
	}
	if cfg.Safety.MarginBuffer == 0 {
		cfg.Safety.MarginBuffer = 1.5
	}
	if cfg.Safety.LiqBuffer == 0 {
		cfg.Safety.LiqBuffer = 0.5
	}
	if cfg.Safety.ErrorWindow == 0 {
		cfg.Safety.ErrorWindow = 5 * time.Minute
	}
	if cfg.Safety.MaxMarginErrors == 0 {
		cfg.Safety.MaxMarginErrors = 3
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.SizeMinUSD == 0 {
		s.SizeMinUSD = 1000
	}
	if s.SizeMaxUSD == 0 {
		s.SizeMaxUSD = 1300
	}
	if s.HoldMin == 0 {
		s.HoldMin = 10 * time.Minute
	}
	if s.HoldMax == 0 {
		s.HoldMax = 15 * time.Minute
	}
	if s.CooldownMin == 0 {
		s.CooldownMin = 3 * time.Minute
	}
	if s.CooldownMax == 0 {
		s.CooldownMax = 5 * time.Minute
	}
	if s.OrderTimeout == 0 {
		s.OrderTimeout = 5 * time.Minute
	}
	if s.RepriceInterval == 0 {
		s.RepriceInterval = 30 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.CloseBufferUSD == 0 {
		s.CloseBufferUSD = 20
	}
	if s.SpreadOffsetBPS == 0 {
		s.SpreadOffsetBPS = 4
	}
	if s.HedgeSlippageBPS == 0 {
		s.HedgeSlippageBPS = 10
	}
	if s.Leverage == 0 {
		s.Leverage = 40
	}
	if s.MaxFillAttempts == 0 {
		s.MaxFillAttempts = 10
	}
	if s.HedgeMaxAttempts == 0 {
		s.HedgeMaxAttempts = 3
	}
	if s.HedgeMaxElapsed == 0 {
		s.HedgeMaxElapsed = 45 * time.Second
	}
	if s.SizeDecimals == 0 {
		s.SizeDecimals = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MAKER_PRIVATE_KEY")); v != "" {
		cfg.Maker.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TAKER_PRIVATE_KEY")); v != "" {
		cfg.Taker.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("JOURNAL_DSN")); v != "" {
		cfg.Journal.DSN = v
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.SizeMinUSD <= 0 || s.SizeMaxUSD < s.SizeMinUSD {
		return errors.New("strategy.size_min_usd/size_max_usd must form a positive range")
	}
	if s.HoldMin <= 0 || s.HoldMax < s.HoldMin {
		return errors.New("strategy.hold_min/hold_max must form a positive range")
	}
	if s.CooldownMin <= 0 || s.CooldownMax < s.CooldownMin {
		return errors.New("strategy.cooldown_min/cooldown_max must form a positive range")
	}
	if s.Leverage <= 0 {
		return errors.New("strategy.leverage must be > 0")
	}
	if s.OrderTimeout <= 0 || s.RepriceInterval <= 0 || s.PollInterval <= 0 {
		return errors.New("strategy timings must be > 0")
	}
	if s.HedgeMaxAttempts <= 0 || s.HedgeMaxElapsed <= 0 {
		return errors.New("strategy hedge retry bounds must be > 0")
	}
	if !s.DryRun && cfg.Maker.PrivateKey == "" {
		return errors.New("MAKER_PRIVATE_KEY is required for live trading")
	}
	if !s.DryRun && cfg.Taker.PrivateKey == "" {
		return errors.New("TAKER_PRIVATE_KEY is required for live trading")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	return nil
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}
