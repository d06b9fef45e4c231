package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/exchange"
	"github.com/kirillm/grid-bot/internal/execution"
	"github.com/kirillm/grid-bot/internal/storage"
	"github.com/kirillm/grid-bot/internal/strategy"
	"github.com/kirillm/grid-bot/internal/telegram"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// Config содержит все настройки приложения
type Config struct {
	Pairs    []domain.Pair
	DryRun   bool
	Paper    PaperConfig
	Telegram telegram.Config
	Bybit    exchange.BybitConfig
	Funds    FundsConfig
	Database storage.PostgresConfig
	Storage  StorageConfig
	HTTPPort int
	Log      utils.LogConfig
	Engine   EngineConfig
	Exec     execution.Config
}

// PaperConfig симуляция для DRY_RUN
type PaperConfig struct {
	Balances map[string]float64
	FeeRate  float64
}

// FundsConfig переводы между фондовым и торговым счетом
type FundsConfig struct {
	Enabled      bool
	FundAccount  string
	TradeAccount string
	MaxIdleQuote float64
}

type StorageConfig struct {
	StateDir     string
	TradeLogFile string
}

// EngineConfig общие параметры движков всех пар
type EngineConfig struct {
	TickInterval        time.Duration
	OrderAmountRatio    float64
	MinOrderNotional    float64
	OrderTimeout        time.Duration
	FatalErrorThreshold int
	SignalPriceRetries  int
	SignalPriceDelay    time.Duration
	FlipRatio           float64

	Volatility strategy.VolatilityConfig
	Grid       strategy.GridConfig
	Risk       strategy.RiskConfig
	Overlay    strategy.OverlayConfig
}

// DatabaseEnabled история и состояние хранятся в Postgres
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != ""
}

// intervalFile формат YAML файла таблицы интервалов
type intervalFile struct {
	Intervals []strategy.IntervalStep `yaml:"intervals"`
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	p := &envParser{}

	pairs, err := parsePairs(getEnv("PAIRS", "BNB/USDT"))
	if err != nil {
		return nil, err
	}
	paperBalances, err := parseBalances(getEnv("PAPER_BALANCES", "USDT:1000"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Pairs:  pairs,
		DryRun: p.bool("DRY_RUN", true),
		Paper: PaperConfig{
			Balances: paperBalances,
			FeeRate:  p.float("PAPER_FEE_RATE", 0.001),
		},
		Telegram: telegram.Config{
			Token:      getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:     p.int64("TELEGRAM_CHAT_ID", 0),
			AllowedIDs: getEnv("TELEGRAM_ALLOWED_IDS", ""),
			Lang:       telegram.Lang(getEnv("TELEGRAM_LANG", "en")),
			RateLimit:  p.float("TELEGRAM_RATE_LIMIT", 1),
		},
		Bybit: exchange.BybitConfig{
			APIKey:            getEnv("BYBIT_API_KEY", ""),
			APISecret:         getEnv("BYBIT_API_SECRET", ""),
			BaseURL:           getEnv("BYBIT_BASE_URL", "https://api.bybit.com"),
			RecvWindow:        getEnv("BYBIT_RECV_WINDOW", domain.BybitRecvWindow),
			Timeout:           p.duration("BYBIT_TIMEOUT", 10*time.Second),
			RequestsPerSecond: p.float("BYBIT_RPS", 10),
			TickerTTL:         p.duration("BYBIT_TICKER_TTL", 2*time.Second),
		},
		Funds: FundsConfig{
			Enabled:      p.bool("FUNDS_TRANSFER_ENABLED", false),
			FundAccount:  getEnv("FUNDS_ACCOUNT", domain.BybitAccountFund),
			TradeAccount: getEnv("TRADE_ACCOUNT", domain.BybitAccountUnified),
			MaxIdleQuote: p.float("FUNDS_MAX_IDLE_QUOTE", 0),
		},
		Database: storage.PostgresConfig{
			Host:            getEnv("DB_HOST", ""),
			Port:            p.int("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "grid_bot"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Storage: StorageConfig{
			StateDir:     getEnv("STATE_DIR", "data/state"),
			TradeLogFile: getEnv("TRADE_LOG_FILE", "data/trades.jsonl"),
		},
		HTTPPort: p.int("HTTP_PORT", 8080),
		Log: utils.LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  p.int("LOG_MAX_SIZE_MB", 100),
			MaxBackups: p.int("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: p.int("LOG_MAX_AGE_DAYS", 30),
			Compress:   p.bool("LOG_COMPRESS", true),
		},
		Engine: EngineConfig{
			TickInterval:        p.duration("TICK_INTERVAL", time.Minute),
			OrderAmountRatio:    p.float("ORDER_AMOUNT_RATIO", 0.1),
			MinOrderNotional:    p.float("MIN_ORDER_NOTIONAL", 5),
			OrderTimeout:        p.duration("ORDER_TIMEOUT", 0),
			FatalErrorThreshold: p.int("FATAL_ERROR_THRESHOLD", 5),
			SignalPriceRetries:  p.int("SIGNAL_PRICE_RETRIES", 3),
			SignalPriceDelay:    p.duration("SIGNAL_PRICE_DELAY", 2*time.Second),
			FlipRatio:           p.float("FLIP_RATIO", strategy.DefaultFlipRatio),
			Volatility: strategy.VolatilityConfig{
				Window:            p.int("VOL_WINDOW", 42),
				Lambda:            p.float("EWMA_LAMBDA", 0.94),
				EWMAWeight:        p.float("EWMA_WEIGHT", 0.7),
				HistorySize:       p.int("VOL_HISTORY_SIZE", 3),
				PeriodsPerYear:    p.float("VOL_PERIODS_PER_YEAR", 365*6),
				DefaultVolatility: p.float("VOL_DEFAULT", 0.2),
				VolumeWeighted:    p.bool("VOL_VOLUME_WEIGHTED", false),
			},
			Grid: strategy.GridConfig{
				BaseGrid:         p.float("GRID_BASE", 2.5),
				Sensitivity:      p.float("GRID_SENSITIVITY", 4.0),
				CenterVolatility: p.float("GRID_CENTER_VOLATILITY", 0.25),
				MinGrid:          p.float("GRID_MIN", 1.0),
				MaxGrid:          p.float("GRID_MAX", 4.0),
				Intervals:        strategy.DefaultIntervalTable(),
			},
			Risk: strategy.RiskConfig{
				MinPositionRatio: p.float("MIN_POSITION_RATIO", 0.10),
				MaxPositionRatio: p.float("MAX_POSITION_RATIO", 0.90),
			},
			Overlay: strategy.OverlayConfig{
				Enabled:         p.bool("OVERLAY_ENABLED", true),
				Lookback:        p.int("OVERLAY_LOOKBACK_DAYS", 52),
				SellTargetRatio: p.float("OVERLAY_SELL_TARGET", 0.5),
				BuyTargetRatio:  p.float("OVERLAY_BUY_TARGET", 0.7),
			},
		},
		Exec: execution.Config{
			MaxAttempts:        p.int("ORDER_MAX_ATTEMPTS", 10),
			CheckInterval:      p.duration("ORDER_CHECK_INTERVAL", 3*time.Second),
			RetryDelayMin:      p.duration("ORDER_RETRY_DELAY_MIN", time.Second),
			RetryDelayMax:      p.duration("ORDER_RETRY_DELAY_MAX", 2*time.Second),
			BookDepth:          p.int("ORDER_BOOK_DEPTH", 5),
			MaxSlippagePercent: p.float("MAX_SLIPPAGE_PERCENT", 1.0),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	config.Engine.Overlay.MinOrderNotional = config.Engine.MinOrderNotional

	if path := getEnv("VOLATILITY_TABLE_FILE", ""); path != "" {
		steps, err := LoadIntervalTable(path)
		if err != nil {
			return nil, err
		}
		config.Engine.Grid.Intervals = steps
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadIntervalTable читает таблицу волатильность → интервал из YAML
func LoadIntervalTable(path string) ([]strategy.IntervalStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read interval table: %w", err)
	}
	var file intervalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid interval table %s: %w", path, err)
	}
	if len(file.Intervals) == 0 {
		return nil, fmt.Errorf("interval table %s is empty", path)
	}
	for i, step := range file.Intervals {
		if step.Interval <= 0 {
			return nil, fmt.Errorf("interval table %s: step %d has non-positive interval", path, i)
		}
	}
	return file.Intervals, nil
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("PAIRS is required")
	}
	if !c.DryRun {
		if c.Bybit.APIKey == "" {
			return fmt.Errorf("BYBIT_API_KEY is required")
		}
		if c.Bybit.APISecret == "" {
			return fmt.Errorf("BYBIT_API_SECRET is required")
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}
	if c.DatabaseEnabled() && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required with DB_HOST")
	}

	e := c.Engine
	if e.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if e.OrderAmountRatio <= 0 || e.OrderAmountRatio > 1 {
		return fmt.Errorf("ORDER_AMOUNT_RATIO must be in (0, 1]")
	}
	if e.FatalErrorThreshold < 1 {
		return fmt.Errorf("FATAL_ERROR_THRESHOLD must be at least 1")
	}
	if e.FlipRatio <= 0 || e.FlipRatio >= 1 {
		return fmt.Errorf("FLIP_RATIO must be in (0, 1)")
	}
	if e.Grid.MinGrid <= 0 || e.Grid.MinGrid >= e.Grid.MaxGrid {
		return fmt.Errorf("GRID_MIN must be positive and below GRID_MAX")
	}
	if e.Volatility.Window < 2 {
		return fmt.Errorf("VOL_WINDOW must be at least 2")
	}
	if e.Volatility.Lambda <= 0 || e.Volatility.Lambda >= 1 {
		return fmt.Errorf("EWMA_LAMBDA must be in (0, 1)")
	}
	if e.Volatility.EWMAWeight < 0 || e.Volatility.EWMAWeight > 1 {
		return fmt.Errorf("EWMA_WEIGHT must be in [0, 1]")
	}
	if e.Volatility.HistorySize < 1 {
		return fmt.Errorf("VOL_HISTORY_SIZE must be at least 1")
	}
	r := e.Risk
	if r.MinPositionRatio < 0 || r.MaxPositionRatio > 1 || r.MinPositionRatio >= r.MaxPositionRatio {
		return fmt.Errorf("position ratios must satisfy 0 <= MIN_POSITION_RATIO < MAX_POSITION_RATIO <= 1")
	}
	if e.Overlay.Enabled && e.Overlay.Lookback < 1 {
		return fmt.Errorf("OVERLAY_LOOKBACK_DAYS must be positive")
	}
	if c.Exec.MaxAttempts < 1 {
		return fmt.Errorf("ORDER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Exec.RetryDelayMin > c.Exec.RetryDelayMax {
		return fmt.Errorf("ORDER_RETRY_DELAY_MIN must not exceed ORDER_RETRY_DELAY_MAX")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser запоминает первую ошибку разбора
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *envParser) float(key string, def float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *envParser) int(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *envParser) int64(key string, def int64) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *envParser) bool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

// parsePairs "BNB/USDT, ETH/USDT"
func parsePairs(raw string) ([]domain.Pair, error) {
	var pairs []domain.Pair
	seen := map[string]bool{}
	for _, s := range strings.Split(raw, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		pair, err := domain.ParsePair(s)
		if err != nil {
			return nil, fmt.Errorf("invalid PAIRS: %w", err)
		}
		if seen[pair.String()] {
			return nil, fmt.Errorf("invalid PAIRS: duplicate %s", pair)
		}
		seen[pair.String()] = true
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// parseBalances "USDT:1000,BNB:1.5"
func parseBalances(raw string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		coin, amount, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid PAPER_BALANCES item %q, expected COIN:AMOUNT", item)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid PAPER_BALANCES amount for %s: %q", coin, amount)
		}
		out[strings.ToUpper(strings.TrimSpace(coin))] = v
	}
	return out, nil
}
