// Package config loads the engine configuration from the environment.
// Every knob in the deployment surface is an env var; cmd entrypoints call
// godotenv.Load first so a local .env behaves like the real environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exchange identifiers accepted by EXCHANGE.
const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
	ExchangePaper   = "paper"
)

// ExchangeConfig holds per-venue connectivity settings.
type ExchangeConfig struct {
	Name       string
	BaseURL    string
	APIKey     Secret
	SecretKey  Secret
	RecvWindow int
	// Bybit only: positionIdx for hedge-mode accounts, 0 for one-way.
	PositionIdx int
	Category    string
}

// Config is the full runtime configuration shared by all three services.
type Config struct {
	Exchange       string
	ExchangeConfig ExchangeConfig

	Symbols         []string
	IntervalMinutes int

	StrategyTickSeconds int
	HardStopLossPct     float64
	MaxConcurrentPos    int
	MinOrderUSDT        float64
	AutoLeverageMin     int
	AutoLeverageMax     int
	FuturesLeverage     int

	AIEnabled  bool
	AIWeight   float64
	AILR       float64
	AIL2       float64
	AIModelKey string

	TakeProfitReasonOnPositivePnl bool

	DBPath     string
	InstanceID string

	AdminToken Secret
	AdminAddr  string

	MetricsPort int
	LogLevel    string

	TelegramBotToken Secret
	TelegramChatID   string
	SlackWebhookURL  Secret
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// splitSymbols accepts comma- or space-separated symbol lists and de-dupes
// while preserving order.
func splitSymbols(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		s := strings.ToUpper(strings.TrimSpace(f))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	exchange := strings.ToLower(envStr("EXCHANGE", ExchangePaper))

	symbols := splitSymbols(envStr("SYMBOLS", ""))
	if len(symbols) == 0 {
		if s := envStr("SYMBOL", ""); s != "" {
			symbols = splitSymbols(s)
		}
	}

	cfg := &Config{
		Exchange: exchange,
		ExchangeConfig: ExchangeConfig{
			Name:        exchange,
			BaseURL:     envStr(strings.ToUpper(exchange)+"_BASE_URL", ""),
			APIKey:      Secret(envStr(strings.ToUpper(exchange)+"_API_KEY", "")),
			SecretKey:   Secret(envStr(strings.ToUpper(exchange)+"_API_SECRET", "")),
			RecvWindow:  envInt(strings.ToUpper(exchange)+"_RECV_WINDOW", 5000),
			PositionIdx: envInt("BYBIT_POSITION_IDX", 0),
			Category:    envStr("EXCHANGE_CATEGORY", "linear"),
		},

		Symbols:         symbols,
		IntervalMinutes: envInt("INTERVAL_MINUTES", 15),

		StrategyTickSeconds: envInt("STRATEGY_TICK_SECONDS", 900),
		HardStopLossPct:     envFloat("HARD_STOP_LOSS_PCT", 0.03),
		MaxConcurrentPos:    envInt("MAX_CONCURRENT_POSITIONS", 3),
		MinOrderUSDT:        envFloat("MIN_ORDER_USDT", 50),
		AutoLeverageMin:     envInt("AUTO_LEVERAGE_MIN", 10),
		AutoLeverageMax:     envInt("AUTO_LEVERAGE_MAX", 20),
		FuturesLeverage:     envInt("FUTURES_LEVERAGE", 10),

		AIEnabled:  envBool("AI_ENABLED", true),
		AIWeight:   envFloat("AI_WEIGHT", 0.35),
		AILR:       envFloat("AI_LR", 0.05),
		AIL2:       envFloat("AI_L2", 1e-6),
		AIModelKey: envStr("AI_MODEL_KEY", "AI_MODEL_V1"),

		TakeProfitReasonOnPositivePnl: envBool("TAKE_PROFIT_REASON_ON_POSITIVE_PNL", true),

		DBPath:     envStr("DB_PATH", "trading_engine.db"),
		InstanceID: envStr("INSTANCE_ID", ""),

		AdminToken: Secret(envStr("ADMIN_TOKEN", "")),
		AdminAddr:  envStr("ADMIN_ADDR", ":8080"),

		MetricsPort: envInt("METRICS_PORT", 9101),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),

		TelegramBotToken: Secret(envStr("TELEGRAM_BOT_TOKEN", "")),
		TelegramChatID:   envStr("TELEGRAM_CHAT_ID", ""),
		SlackWebhookURL:  Secret(envStr("SLACK_WEBHOOK_URL", "")),
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "host"
		}
		cfg.InstanceID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Exchange {
	case ExchangeBinance, ExchangeBybit, ExchangePaper:
	default:
		return fmt.Errorf("unsupported EXCHANGE %q", c.Exchange)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS (or SYMBOL) must name at least one symbol")
	}
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("INTERVAL_MINUTES must be positive, got %d", c.IntervalMinutes)
	}
	if c.StrategyTickSeconds <= 0 {
		return fmt.Errorf("STRATEGY_TICK_SECONDS must be positive, got %d", c.StrategyTickSeconds)
	}
	if c.HardStopLossPct <= 0 || c.HardStopLossPct >= 1 {
		return fmt.Errorf("HARD_STOP_LOSS_PCT must be in (0,1), got %v", c.HardStopLossPct)
	}
	if c.MaxConcurrentPos < 0 {
		return fmt.Errorf("MAX_CONCURRENT_POSITIONS must be >= 0, got %d", c.MaxConcurrentPos)
	}
	if c.AutoLeverageMin < 1 || c.AutoLeverageMax < c.AutoLeverageMin {
		return fmt.Errorf("AUTO_LEVERAGE_MIN/MAX invalid: %d..%d", c.AutoLeverageMin, c.AutoLeverageMax)
	}
	if c.AIWeight < 0 || c.AIWeight > 1 {
		return fmt.Errorf("AI_WEIGHT must be in [0,1], got %v", c.AIWeight)
	}
	if c.Exchange != ExchangePaper {
		if c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "" {
			return fmt.Errorf("missing API credentials for %s", c.Exchange)
		}
	}
	return nil
}

// TickPeriod returns the strategy tick cadence as a duration.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.StrategyTickSeconds) * time.Second
}

// IntervalMS returns the bar interval in milliseconds.
func (c *Config) IntervalMS() int64 {
	return int64(c.IntervalMinutes) * 60_000
}
