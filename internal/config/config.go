package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"chain-insights/internal/logging"
)

const (
	DefaultBlockRange    = 100
	DefaultRetryAttempts = 3
	DefaultCacheTTLMs    = 60000

	DefaultRetryDelay          = time.Second
	DefaultRequestTimeout      = 10 * time.Second
	DefaultLargeTxThresholdETH = 100.0
)

// positiveInts lists numeric keys that silently revert to their default when
// the configured value is not a positive integer.
var positiveInts = map[string]int{
	"chain.block_range":    DefaultBlockRange,
	"chain.retry_attempts": DefaultRetryAttempts,
	"chain.cache_ttl_ms":   DefaultCacheTTLMs,
}

// positiveDurations behave like positiveInts for duration strings.
var positiveDurations = map[string]time.Duration{
	"chain.retry_delay":     DefaultRetryDelay,
	"chain.request_timeout": DefaultRequestTimeout,
}

// positiveFloats behave like positiveInts for decimal thresholds.
var positiveFloats = map[string]float64{
	"chain.large_tx_threshold_eth": DefaultLargeTxThresholdETH,
}

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Insights InsightsConfig `mapstructure:"insights"`
	Health   HealthConfig   `mapstructure:"health"`
	Content  ContentConfig  `mapstructure:"content"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retention drops stored insights older than this at startup; zero keeps everything.
	Retention       time.Duration `mapstructure:"retention"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	BlockRange          int           `mapstructure:"block_range"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	CacheTTLMs          int           `mapstructure:"cache_ttl_ms"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	LargeTxThresholdETH float64       `mapstructure:"large_tx_threshold_eth"`
}

// CacheTTL converts the millisecond setting into a duration.
func (c ChainConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// CacheConfig selects the chain client's cache backend.
type CacheConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig describes the shared cache connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// InsightsConfig governs the poll loop.
type InsightsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	AutoPost   bool          `mapstructure:"auto_post"`
	MaxPerType int           `mapstructure:"max_per_type"`

	// AdvisoryLockKey guards cycles across processes when non-zero and a database is configured.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// HealthConfig governs the health re-check loop.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ContentConfig tunes text rendering.
type ContentConfig struct {
	Limit int `mapstructure:"limit"`
}

// LLMConfig points at an OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PublishConfig defines where generated posts go.
type PublishConfig struct {
	Channel  string         `mapstructure:"channel"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 发布参数。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DedupConfig locates the published-insight ledger. Empty path keeps it in memory.
type DedupConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
	Capacity  int           `mapstructure:"capacity"`
}

// MetricsConfig exposes /metrics and /healthz when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAININSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	sanitizePositiveInts(v)
	sanitizePositiveDurations(v)
	sanitizePositiveFloats(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chaininsights")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("chain.rpc_url", "https://eth.llamarpc.com")
	v.SetDefault("chain.block_range", DefaultBlockRange)
	v.SetDefault("chain.retry_attempts", DefaultRetryAttempts)
	v.SetDefault("chain.retry_delay", DefaultRetryDelay.String())
	v.SetDefault("chain.cache_ttl_ms", DefaultCacheTTLMs)
	v.SetDefault("chain.request_timeout", DefaultRequestTimeout.String())
	v.SetDefault("chain.large_tx_threshold_eth", DefaultLargeTxThresholdETH)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "chaininsights")

	v.SetDefault("insights.enabled", true)
	v.SetDefault("insights.interval", "5m")
	v.SetDefault("insights.auto_post", false)
	v.SetDefault("insights.max_per_type", 10)
	v.SetDefault("insights.advisory_lock_key", 0)

	v.SetDefault("health.interval", "1m")

	v.SetDefault("content.limit", 280)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "20s")

	v.SetDefault("publish.channel", "log")
	v.SetDefault("publish.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("dedup.retention", "168h")
	v.SetDefault("dedup.capacity", 10000)

	v.SetDefault("export.max_data_points", 5000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "0s")
}

func sanitizePositiveInts(v *viper.Viper) {
	for key, def := range positiveInts {
		raw := strings.TrimSpace(fmt.Sprint(v.Get(key)))
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			v.Set(key, def)
		}
	}
}

func sanitizePositiveDurations(v *viper.Viper) {
	for key, def := range positiveDurations {
		d, err := time.ParseDuration(strings.TrimSpace(fmt.Sprint(v.Get(key))))
		if err != nil || d <= 0 {
			v.Set(key, def.String())
		}
	}
}

func sanitizePositiveFloats(v *viper.Viper) {
	for key, def := range positiveFloats {
		raw := strings.TrimSpace(fmt.Sprint(v.Get(key)))
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			v.Set(key, def)
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Insights.Enabled && c.Insights.Interval <= 0 {
		return fmt.Errorf("insights.interval must be greater than zero")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be greater than zero")
	}
	if c.Content.Limit < 40 {
		return fmt.Errorf("content.limit must be at least 40 characters")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if c.Chain.LargeTxThresholdETH < 0 {
		return fmt.Errorf("chain.large_tx_threshold_eth cannot be negative")
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr 必须配置")
		}
	default:
		return fmt.Errorf("unsupported cache.backend %q", c.Cache.Backend)
	}

	switch strings.ToLower(c.Publish.Channel) {
	case "log", "":
	case "telegram":
		if c.Publish.Telegram.BotToken == "" {
			return fmt.Errorf("publish.telegram.bot_token 必须配置")
		}
		if c.Publish.Telegram.ChatID == "" {
			return fmt.Errorf("publish.telegram.chat_id 必须配置")
		}
	default:
		return fmt.Errorf("unsupported publish.channel %q", c.Publish.Channel)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
