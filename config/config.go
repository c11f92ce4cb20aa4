package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
)

// Process roles selected via BINANCE_PROCESS_ROLE
const (
	RoleIngest    = "ingest"
	RoleAggregate = "aggregate"
	RoleAlert     = "alert"
)

// Market types accepted in aggregator stream configs
const (
	MarketSpot  = "SPOT"
	MarketUSDTM = "USDT-M"
	MarketCoinM = "COIN-M"
)

var discordWebhookPattern = regexp.MustCompile(`^https://(discord|discordapp)\.com/api/webhooks/`)

// Config holds application configuration
type Config struct {
	Role string

	// Database configuration
	DatabasePath string
	AssetDBDir   string

	// Backup configuration
	Backup BackupConfig

	// Binance endpoints
	SpotRestURL  string
	USDMRestURL  string
	CoinMRestURL string
	SpotWSURL    string
	USDMWSURL    string
	CoinMWSURL   string

	// Rate limiting
	RateLimitBuffer float64

	// Symbol catalog refresh
	SymbolUpdateHourUTC int

	// Redis configuration (optional hot cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Streaming collectors
	TradeFlushIntervalMs       int
	TradeMaxBufferSize         int
	LiquidationMaxBufferSize   int
	LiquidationFlushIntervalMs int

	// Candle poller
	Candles CandleConfig

	// Historical aggregated-trade collector
	Historical HistoricalConfig

	// Top trader ratio collector
	TopTrader TopTraderConfig

	// CVD aggregation
	CVD CVDConfig

	// Alert queue / dispatch
	Alerts AlertConfig

	// Ranked asset list for historical targets
	RankedAssetsCSV string
}

// BackupConfig controls the backup scheduler
type BackupConfig struct {
	Enabled     bool
	Path        string
	IntervalMs  int
	SingleFile  bool
	DailyDays   int
	WeeklyWeeks int
}

// CandleConfig controls the kline poller
type CandleConfig struct {
	Enabled        bool
	PollIntervalMs int
	LookbackBars   int
}

// HistoricalConfig holds historical fetch tuning
type HistoricalConfig struct {
	FetchIntervalMs   int
	InitialLookbackMs int
	RestLimit         int
	MaxRetries        int
	RetryDelayMs      int
}

// TopTraderConfig holds long/short ratio collection tuning
type TopTraderConfig struct {
	IntervalMs     int
	RequestDelayMs int
	MaxRetries     int
	RetryDelayMs   int
}

// CVDConfig holds CVD worker tuning
type CVDConfig struct {
	ZScoreThreshold    float64 // log-domain unless RawThreshold is set
	RawThreshold       bool
	BatchSize          int
	PollIntervalMs     int
	SuppressionMinutes int
	AlertsEnabled      bool
	Groups             []AggregatorGroup
}

// AlertConfig holds alert queue dispatch tuning
type AlertConfig struct {
	PollIntervalMs    int
	BatchSize         int
	MaxAttempts       int
	DiscordWebhookURL string
	SinkMaxRetries    int
	SinkRetryDelayMs  int
}

// AggregatorGroup is one logical CVD series built from one or more streams
type AggregatorGroup struct {
	ID            string             `json:"id"`
	DisplayName   string             `json:"displayName,omitempty"`
	Streams       []AggregatorStream `json:"streams"`
	AlertsEnabled *bool              `json:"alertsEnabled,omitempty"`
}

// AggregatorStream identifies one exchange stream feeding a group
type AggregatorStream struct {
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"`
	StreamType string `json:"streamType,omitempty"` // aggTrade (default) or trade
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	home, _ := os.UserHomeDir()
	defaultDB := filepath.Join(home, "workspace", "crypto-data", "data", "binance.db")

	cfg := &Config{
		Role: getEnvOrDefault("BINANCE_PROCESS_ROLE", RoleIngest),

		DatabasePath: getEnvOrDefault("DATABASE_PATH", defaultDB),
		AssetDBDir:   getEnvOrDefault("ASSET_DATABASE_DIR", filepath.Join(filepath.Dir(defaultDB), "assets")),

		Backup: BackupConfig{
			Enabled:     getEnvOrDefault("DATABASE_BACKUP_ENABLED", "false") == "true",
			Path:        getEnvOrDefault("DATABASE_BACKUP_PATH", filepath.Join(filepath.Dir(defaultDB), "backups")),
			IntervalMs:  getEnvInt("DATABASE_BACKUP_INTERVAL_MS", 6*60*60*1000),
			SingleFile:  getEnvOrDefault("DATABASE_BACKUP_SINGLE_FILE", "false") == "true",
			DailyDays:   getEnvInt("DATABASE_BACKUP_DAILY_DAYS", 7),
			WeeklyWeeks: getEnvInt("DATABASE_BACKUP_WEEKLY_WEEKS", 1),
		},

		SpotRestURL:  getEnvOrDefault("BINANCE_REST_URL", "https://api.binance.com"),
		USDMRestURL:  getEnvOrDefault("BINANCE_USDM_REST_URL", "https://fapi.binance.com"),
		CoinMRestURL: getEnvOrDefault("BINANCE_COINM_REST_URL", "https://dapi.binance.com"),
		SpotWSURL:    getEnvOrDefault("BINANCE_SPOT_WS_URL", "wss://stream.binance.com:9443"),
		USDMWSURL:    getEnvOrDefault("BINANCE_USDM_WS_URL", "wss://fstream.binance.com"),
		CoinMWSURL:   getEnvOrDefault("BINANCE_COINM_WS_URL", "wss://dstream.binance.com"),

		RateLimitBuffer: getEnvFloat("RATE_LIMIT_BUFFER", 0.1),

		SymbolUpdateHourUTC: getEnvInt("SYMBOL_UPDATE_HOUR_UTC", 1),

		RedisHost:     getEnvOrDefault("REDIS_HOST", ""),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		TradeFlushIntervalMs:       getEnvInt("TRADE_FLUSH_INTERVAL_MS", 5000),
		TradeMaxBufferSize:         getEnvInt("TRADE_MAX_BUFFER_SIZE", 1000),
		LiquidationMaxBufferSize:   getEnvInt("LIQUIDATION_MAX_BUFFER_SIZE", 500),
		LiquidationFlushIntervalMs: getEnvInt("LIQUIDATION_FLUSH_INTERVAL_MS", 5000),

		Candles: CandleConfig{
			Enabled:        getEnvOrDefault("CANDLE_POLL_ENABLED", "true") == "true",
			PollIntervalMs: getEnvInt("CANDLE_POLL_INTERVAL_MS", 60*1000),
			LookbackBars:   getEnvInt("CANDLE_LOOKBACK_BARS", 3),
		},

		Historical: HistoricalConfig{
			FetchIntervalMs:   getEnvInt("HISTORICAL_FETCH_INTERVAL_MS", 60*60*1000),
			InitialLookbackMs: getEnvInt("HISTORICAL_INITIAL_LOOKBACK_MS", 12*60*60*1000),
			RestLimit:         getEnvInt("HISTORICAL_REST_LIMIT", 1000),
			MaxRetries:        getEnvInt("HISTORICAL_MAX_RETRIES", 3),
			RetryDelayMs:      getEnvInt("HISTORICAL_RETRY_DELAY_MS", 5000),
		},

		TopTrader: TopTraderConfig{
			IntervalMs:     getEnvInt("TOP_TRADER_INTERVAL_MS", 5*60*1000),
			RequestDelayMs: getEnvInt("TOP_TRADER_REQUEST_DELAY_MS", 3000),
			MaxRetries:     getEnvInt("TOP_TRADER_MAX_RETRIES", 3),
			RetryDelayMs:   getEnvInt("TOP_TRADER_RETRY_DELAY_MS", 5000),
		},

		CVD: CVDConfig{
			ZScoreThreshold:    getEnvFloat("CVD_ZSCORE_THRESHOLD", 2.0),
			RawThreshold:       getEnvOrDefault("CVD_ZSCORE_THRESHOLD_RAW", "false") == "true",
			BatchSize:          getEnvInt("CVD_AGGREGATION_BATCH_SIZE", 500),
			PollIntervalMs:     getEnvInt("CVD_AGGREGATION_POLL_INTERVAL_MS", 2000),
			SuppressionMinutes: getEnvInt("CVD_ALERT_SUPPRESSION_MINUTES", 30),
			AlertsEnabled:      getEnvOrDefault("CVD_ALERTS_ENABLED", "true") == "true",
			Groups:             loadAggregatorGroups(),
		},

		Alerts: AlertConfig{
			PollIntervalMs:    getEnvInt("ALERT_QUEUE_POLL_INTERVAL_MS", 2000),
			BatchSize:         getEnvInt("ALERT_QUEUE_BATCH_SIZE", 20),
			MaxAttempts:       getEnvInt("ALERT_QUEUE_MAX_ATTEMPTS", 5),
			DiscordWebhookURL: getEnvOrDefault("DISCORD_WEBHOOK_URL", ""),
			SinkMaxRetries:    getEnvInt("ALERT_SINK_MAX_RETRIES", 3),
			SinkRetryDelayMs:  getEnvInt("ALERT_SINK_RETRY_DELAY_MS", 2000),
		},

		RankedAssetsCSV: getEnvOrDefault("RANKED_ASSETS_CSV", ""),
	}

	// Poll intervals are minimums, not exact periods
	if cfg.CVD.PollIntervalMs < 500 {
		cfg.CVD.PollIntervalMs = 500
	}
	if cfg.Alerts.PollIntervalMs < 500 {
		cfg.Alerts.PollIntervalMs = 500
	}

	return cfg
}

// defaultAggregatorGroups are used when BINANCE_CVD_GROUPS is unset
func defaultAggregatorGroups() []AggregatorGroup {
	return []AggregatorGroup{
		{
			ID:          "BTC-CVD",
			DisplayName: "BTC Combined CVD",
			Streams: []AggregatorStream{
				{Symbol: "BTCUSDT", MarketType: MarketSpot, StreamType: "aggTrade"},
				{Symbol: "BTCUSDT", MarketType: MarketUSDTM, StreamType: "aggTrade"},
			},
		},
		{
			ID:          "ETH-CVD",
			DisplayName: "ETH Combined CVD",
			Streams: []AggregatorStream{
				{Symbol: "ETHUSDT", MarketType: MarketSpot, StreamType: "aggTrade"},
				{Symbol: "ETHUSDT", MarketType: MarketUSDTM, StreamType: "aggTrade"},
			},
		},
	}
}

func loadAggregatorGroups() []AggregatorGroup {
	raw := os.Getenv("BINANCE_CVD_GROUPS")
	if raw == "" {
		return defaultAggregatorGroups()
	}

	var groups []AggregatorGroup
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		log.Printf("⚠️  Invalid BINANCE_CVD_GROUPS JSON, using defaults: %v", err)
		return defaultAggregatorGroups()
	}
	return groups
}

// Validate checks configuration that must be correct before startup.
// Any error returned here is fatal.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleIngest, RoleAggregate, RoleAlert:
	default:
		return fmt.Errorf("invalid BINANCE_PROCESS_ROLE %q (want ingest, aggregate or alert)", c.Role)
	}

	if c.RateLimitBuffer < 0 || c.RateLimitBuffer >= 1 {
		return fmt.Errorf("RATE_LIMIT_BUFFER must be in [0,1), got %v", c.RateLimitBuffer)
	}
	if c.SymbolUpdateHourUTC < 0 || c.SymbolUpdateHourUTC > 23 {
		return fmt.Errorf("SYMBOL_UPDATE_HOUR_UTC must be 0-23, got %d", c.SymbolUpdateHourUTC)
	}
	if c.CVD.ZScoreThreshold <= 0 {
		return fmt.Errorf("CVD_ZSCORE_THRESHOLD must be positive, got %v", c.CVD.ZScoreThreshold)
	}
	if c.Alerts.MaxAttempts <= 0 {
		return fmt.Errorf("ALERT_QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Alerts.MaxAttempts)
	}

	for _, g := range c.CVD.Groups {
		if g.ID == "" {
			return fmt.Errorf("aggregator group with empty id")
		}
		if len(g.Streams) == 0 {
			return fmt.Errorf("aggregator group %s has no streams", g.ID)
		}
		for _, s := range g.Streams {
			switch s.MarketType {
			case MarketSpot, MarketUSDTM, MarketCoinM:
			default:
				return fmt.Errorf("aggregator group %s: unknown market type %q", g.ID, s.MarketType)
			}
			switch s.StreamType {
			case "", "aggTrade", "trade":
			default:
				return fmt.Errorf("aggregator group %s: unknown stream type %q", g.ID, s.StreamType)
			}
		}
	}

	// The webhook URL is only needed by the alert role with alerts on
	if c.Role == RoleAlert && c.CVD.AlertsEnabled {
		if c.Alerts.DiscordWebhookURL == "" {
			return fmt.Errorf("DISCORD_WEBHOOK_URL is required when alerts are enabled")
		}
		if !discordWebhookPattern.MatchString(c.Alerts.DiscordWebhookURL) {
			return fmt.Errorf("DISCORD_WEBHOOK_URL does not look like a Discord webhook URL")
		}
	}

	return nil
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
