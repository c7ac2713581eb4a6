// Package config 配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/exchange/bridge/internal/engine"
	"github.com/exchange/bridge/internal/model"
	envconfig "github.com/exchange/bridge/pkg/config"
	"github.com/exchange/bridge/pkg/validate"
)

// Liquidity providers.
const (
	LiquidityNone   = "none"
	LiquidityTicker = "ticker"
)

var (
	// DefaultAssets 支持的资产
	DefaultAssets = []string{"BTC", "ETH", "USDT", "USDC", "TON", "BNB", "ADA", "SOL", "DOT", "MATIC"}

	defaultPairs = []string{"BTC/USDT", "ETH/USDT", "TON/USDT", "BNB/USDT", "ADA/USDT"}
)

const (
	defaultMinAmount       = "0.001"
	defaultMaxAmount       = "1000000"
	defaultPricePrecision  = 8
	defaultAmountPrecision = 8
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPAddr    string
	WorkerID    int64
	LogLevel    string

	// InternalToken guards the operator endpoints; AllowInternalReset enables
	// POST /internal/reset.
	InternalToken      string
	AllowInternalReset bool

	// PostgreSQL. DBDSN, when set, wins over the individual fields.
	DBDSN      string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Events
	PrivateUserEventChannel string
	TradeChannel            string
	TradeStream             string

	// Matching
	FeeRate           decimal.Decimal
	HouseAccountID    int64
	SelfTradePolicy   engine.SelfTradePolicy
	MarketBuySlippage decimal.Decimal
	LiquidityProvider string
	LiquidityTimeout  time.Duration
	EngineQueueSize   int

	// Wallet
	WithdrawFeeRate decimal.Decimal
	Assets          []string

	// Persistence
	PersistBatchSize     int
	PersistFlushInterval time.Duration

	ReconcileCron string

	// Tracing
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	MarketsFile string
	Markets     []model.Market
}

// Load 加载配置
func Load() (*Config, error) {
	policy, err := engine.ParseSelfTradePolicy(envconfig.GetEnv("SELF_TRADE_POLICY", string(engine.SelfTradeCancelResting)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "exchange-bridge"),
		HTTPAddr:    envconfig.GetEnv("HTTP_ADDR", ":8082"),
		WorkerID:    envconfig.GetEnvInt64("WORKER_ID", 1),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		InternalToken:      envconfig.GetEnv("INTERNAL_TOKEN", ""),
		AllowInternalReset: envconfig.GetEnvBool("ALLOW_INTERNAL_RESET", false),

		DBDSN:      envconfig.GetEnv("DB_DSN", ""),
		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5436), // 默认使用5436避免与其他项目冲突
		DBUser:     envconfig.GetEnv("DB_USER", "exchange"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", "exchange123"),
		DBName:     envconfig.GetEnv("DB_NAME", "exchange"),
		DBSSLMode:  envconfig.GetEnv("DB_SSLMODE", "disable"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6380"), // 默认使用6380避免与本地Redis冲突
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		PrivateUserEventChannel: envconfig.GetEnv("PRIVATE_USER_EVENT_CHANNEL", "private:user:{userId}:events"),
		TradeChannel:            envconfig.GetEnv("TRADE_CHANNEL", "market:{pair}:trades"),
		TradeStream:             envconfig.GetEnv("TRADE_STREAM", "exchange:trades"),

		FeeRate:           envconfig.GetEnvDecimal("FEE_RATE", decimal.RequireFromString("0.001")),
		HouseAccountID:    envconfig.GetEnvInt64("HOUSE_ACCOUNT_ID", 0),
		SelfTradePolicy:   policy,
		MarketBuySlippage: envconfig.GetEnvDecimal("MARKET_BUY_SLIPPAGE", decimal.RequireFromString("0.05")),
		LiquidityProvider: strings.ToLower(envconfig.GetEnv("LIQUIDITY_PROVIDER", LiquidityNone)),
		LiquidityTimeout:  envconfig.GetEnvDuration("LIQUIDITY_TIMEOUT", 2*time.Second),
		EngineQueueSize:   envconfig.GetEnvInt("ENGINE_QUEUE_SIZE", 1024),

		WithdrawFeeRate: envconfig.GetEnvDecimal("WITHDRAW_FEE_RATE", decimal.RequireFromString("0.001")),
		Assets:          normalizeAssets(envconfig.GetEnvSlice("SUPPORTED_ASSETS", DefaultAssets)),

		PersistBatchSize:     envconfig.GetEnvInt("PERSIST_BATCH_SIZE", 500),
		PersistFlushInterval: envconfig.GetEnvDuration("PERSIST_FLUSH_INTERVAL", 200*time.Millisecond),

		ReconcileCron: envconfig.GetEnv("RECONCILE_CRON", "@every 1m"),

		TracingEnabled:  envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: envconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 1.0),

		MarketsFile: envconfig.GetEnv("MARKETS_FILE", ""),
	}

	if cfg.MarketsFile != "" {
		data, err := os.ReadFile(cfg.MarketsFile)
		if err != nil {
			return nil, fmt.Errorf("read markets file: %w", err)
		}
		if cfg.Markets, err = ParseMarkets(data); err != nil {
			return nil, err
		}
	} else {
		cfg.Markets = DefaultMarkets()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// EngineOptions maps the matching settings onto engine options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.SelfTrade = c.SelfTradePolicy
	opts.MarketBuySlippage = c.MarketBuySlippage
	opts.LiquidityTimeout = c.LiquidityTimeout
	opts.QueueSize = c.EngineQueueSize
	return opts
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023, got %d", c.WorkerID)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.WithdrawFeeRate.IsNegative() || c.WithdrawFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("WITHDRAW_FEE_RATE must be in [0, 1), got %s", c.WithdrawFeeRate)
	}
	if c.MarketBuySlippage.IsNegative() {
		return fmt.Errorf("MARKET_BUY_SLIPPAGE must not be negative, got %s", c.MarketBuySlippage)
	}
	if c.HouseAccountID < 0 {
		return fmt.Errorf("HOUSE_ACCOUNT_ID must not be negative, got %d", c.HouseAccountID)
	}
	switch c.LiquidityProvider {
	case LiquidityNone, LiquidityTicker:
	default:
		return fmt.Errorf("unknown LIQUIDITY_PROVIDER %q", c.LiquidityProvider)
	}
	if c.LiquidityTimeout <= 0 {
		return fmt.Errorf("LIQUIDITY_TIMEOUT must be positive, got %s", c.LiquidityTimeout)
	}
	if c.EngineQueueSize <= 0 {
		return fmt.Errorf("ENGINE_QUEUE_SIZE must be positive, got %d", c.EngineQueueSize)
	}
	if c.TracingEnabled && c.JaegerEndpoint == "" {
		return fmt.Errorf("JAEGER_ENDPOINT is required when tracing is enabled")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("no supported assets configured")
	}
	for _, a := range c.Assets {
		if err := validate.Asset(a); err != nil {
			return fmt.Errorf("SUPPORTED_ASSETS: %w", err)
		}
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}

	supported := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		supported[a] = true
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		name := m.Pair.String()
		if seen[name] {
			return fmt.Errorf("duplicate market %s", name)
		}
		seen[name] = true
		if !supported[m.Pair.Base] || !supported[m.Pair.Quote] {
			return fmt.Errorf("market %s uses an unsupported asset", name)
		}
		if !m.MinAmount.IsPositive() || m.MaxAmount.LessThan(m.MinAmount) {
			return fmt.Errorf("market %s: invalid size bounds [%s, %s]", name, m.MinAmount, m.MaxAmount)
		}
	}
	return nil
}

// DefaultMarkets 默认交易对
func DefaultMarkets() []model.Market {
	out := make([]model.Market, 0, len(defaultPairs))
	for _, p := range defaultPairs {
		pair, _ := model.ParsePair(p)
		out = append(out, model.Market{
			Pair:            pair,
			MinAmount:       decimal.RequireFromString(defaultMinAmount),
			MaxAmount:       decimal.RequireFromString(defaultMaxAmount),
			PricePrecision:  defaultPricePrecision,
			AmountPrecision: defaultAmountPrecision,
		})
	}
	return out
}

type marketsFile struct {
	Markets []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	Pair            string `yaml:"pair"`
	MinAmount       string `yaml:"min_amount"`
	MaxAmount       string `yaml:"max_amount"`
	PricePrecision  *int32 `yaml:"price_precision"`
	AmountPrecision *int32 `yaml:"amount_precision"`
}

// ParseMarkets reads market definitions:
//
//	markets:
//	  - pair: BTC/USDT
//	    min_amount: "0.001"
//	    max_amount: "1000000"
//	    price_precision: 2
//	    amount_precision: 6
//
// Omitted fields take the defaults.
func ParseMarkets(data []byte) ([]model.Market, error) {
	var f marketsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse markets: %w", err)
	}
	out := make([]model.Market, 0, len(f.Markets))
	for i, e := range f.Markets {
		pair, err := model.ParsePair(strings.ToUpper(strings.TrimSpace(e.Pair)))
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		m := model.Market{
			Pair:            pair,
			PricePrecision:  defaultPricePrecision,
			AmountPrecision: defaultAmountPrecision,
		}
		if m.MinAmount, err = parseAmount(e.MinAmount, defaultMinAmount); err != nil {
			return nil, fmt.Errorf("markets[%d] min_amount: %w", i, err)
		}
		if m.MaxAmount, err = parseAmount(e.MaxAmount, defaultMaxAmount); err != nil {
			return nil, fmt.Errorf("markets[%d] max_amount: %w", i, err)
		}
		if e.PricePrecision != nil {
			m.PricePrecision = *e.PricePrecision
		}
		if e.AmountPrecision != nil {
			m.AmountPrecision = *e.AmountPrecision
		}
		out = append(out, m)
	}
	return out, nil
}

func parseAmount(s, def string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		s = def
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

func normalizeAssets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, strings.ToUpper(a))
	}
	return out
}
