// Package config
package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
binance_api_key: "..."
binance_api_secret: "..."
binance_base_url: "https://fapi.binance.com"
binance_ws_url: "wss://fstream.binance.com"
db_conn_str: "..."
db_max_open: 10
db_max_idle: 5
symbols: ["BTCUSDT", "ETHUSDT"]
risk_map:
  BTCUSDT:
    structure_buffer_percent: 0.5
    long_fallback_percent: 2.0
    short_fallback_percent: 2.0
    tp_ladder:
      - { fraction: 0.5, percent: 2.0 }
      - { fraction: 0.5, percent: 4.0 }
*/

type Config struct {
	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceAPISecret string `yaml:"binance_api_secret"`
	BinanceBaseURL   string `yaml:"binance_base_url"`
	BinanceWSURL     string `yaml:"binance_ws_url"`

	DBConnStr string `yaml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	Symbols   []string `yaml:"symbols"`
	OrderSize float64  `yaml:"order_size"`

	OrderMaxAttempts int           `yaml:"order_max_attempts"`
	OrderRetryDelay  time.Duration `yaml:"order_retry_delay"`

	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	MetricsAddr string `yaml:"metrics_addr"`

	RiskParams RiskParams            `yaml:"risk_params"`
	RiskMap    map[string]RiskParams `yaml:"risk_map"`
}

// TPRung is one rung of a partial take-profit ladder. Fraction is the share
// of position quantity closed at this rung; Percent is the distance from
// entry. Fractions across the ladder must sum to at most 1.0.
type TPRung struct {
	Fraction float64 `yaml:"fraction"`
	Percent  float64 `yaml:"percent"`
}

// RiskParams holds the protective-price policy for one symbol. The fallback
// percentages and tier targets are policy parameters, not invariants; they
// were observed empirically and stay configurable.
type RiskParams struct {
	// Distance between an accepted structure level and the stop trigger.
	StructureBufferPercent float64 `yaml:"structure_buffer_percent"`

	// Default stop distance when the structure level is on the wrong side
	// of entry. 2.0 means LONG stop at entry*0.98, SHORT at entry*1.02.
	LongFallbackPercent  float64 `yaml:"long_fallback_percent"`
	ShortFallbackPercent float64 `yaml:"short_fallback_percent"`

	// Confidence-tiered take-profit distances, used when no ladder is set.
	HighTPPercent   float64 `yaml:"high_tp_percent"`
	MediumTPPercent float64 `yaml:"medium_tp_percent"`
	LowTPPercent    float64 `yaml:"low_tp_percent"`

	// Optional partial take-profit ladder. When non-empty it overrides the
	// single tiered target.
	TPLadder []TPRung `yaml:"tp_ladder"`

	// Trailing stop policy. Activation is how far price must move favorably
	// beyond entry before the trailing trigger is computed at all; Update is
	// the minimum trigger change that justifies a cancel-and-resubmit.
	TrailingStopPercent       float64 `yaml:"trailing_stop_percent"`
	TrailingActivationPercent float64 `yaml:"trailing_activation_percent"`
	TrailingUpdatePercent     float64 `yaml:"trailing_update_percent"`
}

// GetRiskParams returns risk parameters for a specific symbol
func GetRiskParams(cfg Config, symbol string) RiskParams {
	if cfg.RiskMap != nil {
		if params, exists := cfg.RiskMap[symbol]; exists {
			return params
		}
	}
	return cfg.RiskParams
}

// DefaultRiskParams returns the policy defaults used when the config file
// leaves risk parameters unset.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		StructureBufferPercent:    0.5,
		LongFallbackPercent:       2.0,
		ShortFallbackPercent:      2.0,
		HighTPPercent:             3.0,
		MediumTPPercent:           2.0,
		LowTPPercent:              1.0,
		TrailingStopPercent:       0.0,
		TrailingActivationPercent: 1.0,
		TrailingUpdatePercent:     0.25,
	}
}

func Load() Config {
	symbolsFlag := flag.String("symbols", "BTCUSDT", "Comma-separated list of trading symbols")
	orderSize := flag.Float64("order-size", 0.001, "Order size (quantity) for new positions")
	orderMaxAttempts := flag.Int("order-max-attempts", 3, "Max order submission attempts before FAILED")
	orderRetryDelay := flag.Duration("order-retry-delay", 500*time.Millisecond, "Base delay between order submission retries")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	notificationRetries := flag.Int("notification-retries", 3, "Number of notification send attempts")
	notificationDelay := flag.Duration("notification-delay", 5*time.Second, "Delay between notification retries (e.g., 5s)")
	reconcileInterval := flag.Duration("reconcile-interval", 30*time.Second, "Interval between reconciliation passes")
	metricsAddr := flag.String("metrics-addr", ":9093", "Address for the Prometheus /metrics endpoint")
	baseURL := flag.String("binance-base-url", "https://fapi.binance.com", "Binance futures REST base URL")
	wsURL := flag.String("binance-ws-url", "wss://fstream.binance.com", "Binance futures websocket base URL")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		fileCfg := Config{RiskParams: DefaultRiskParams()}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
		return applyDefaults(fileCfg)
	}

	return applyDefaults(Config{
		BinanceAPIKey:       os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:    os.Getenv("BINANCE_API_SECRET"),
		BinanceBaseURL:      *baseURL,
		BinanceWSURL:        *wsURL,
		DBConnStr:           os.Getenv("DB_CONN_STR"),
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		TelegramToken:       *telegramToken,
		TelegramChatID:      *telegramChatID,
		Symbols:             strings.Split(*symbolsFlag, ","),
		OrderSize:           *orderSize,
		OrderMaxAttempts:    *orderMaxAttempts,
		OrderRetryDelay:     *orderRetryDelay,
		NotificationRetries: *notificationRetries,
		NotificationDelay:   *notificationDelay,
		ReconcileInterval:   *reconcileInterval,
		MetricsAddr:         *metricsAddr,
		RiskParams:          DefaultRiskParams(),
	})
}

func applyDefaults(cfg Config) Config {
	if cfg.OrderMaxAttempts <= 0 {
		cfg.OrderMaxAttempts = 3
	}
	if cfg.OrderRetryDelay <= 0 {
		cfg.OrderRetryDelay = 500 * time.Millisecond
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.DBMaxOpen <= 0 {
		cfg.DBMaxOpen = 10
	}
	if cfg.DBMaxIdle <= 0 {
		cfg.DBMaxIdle = 5
	}
	if cfg.RiskParams.LongFallbackPercent == 0 && cfg.RiskParams.ShortFallbackPercent == 0 {
		cfg.RiskParams = DefaultRiskParams()
	}
	return cfg
}
