package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Drift      DriftConfig      `mapstructure:"drift"`
	Research   ResearchConfig   `mapstructure:"research"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server (dev/tests)
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	APIKey        string  `mapstructure:"api_key"`
	PrimaryModel  string  `mapstructure:"primary_model"`
	FallbackModel string  `mapstructure:"fallback_model"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Timeout       int     `mapstructure:"timeout"` // milliseconds
	EmbedEndpoint string  `mapstructure:"embed_endpoint"`
	EmbedModel    string  `mapstructure:"embed_model"`
}

// ProviderConfig contains market-data provider settings
type ProviderConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	CacheTTLSeconds   int    `mapstructure:"cache_ttl_seconds"`
}

// EngineConfig contains orchestration settings
type EngineConfig struct {
	Agents             []string `mapstructure:"agents"`               // analyst roster per symbol
	AgentTimeoutMS     int      `mapstructure:"per_agent_timeout_ms"` // per-agent deadline
	RunTimeoutMS       int      `mapstructure:"whole_run_timeout_ms"` // whole-run deadline
	MaxRetriesPerAgent int      `mapstructure:"max_retries_per_agent"`
	BackoffInitialMS   int      `mapstructure:"backoff_initial_ms"`
	BackoffFactor      float64  `mapstructure:"backoff_factor"`
	BackoffCapMS       int      `mapstructure:"backoff_cap_ms"`
	PerRunParallelism  int      `mapstructure:"per_run_parallelism"`
	GlobalParallelism  int      `mapstructure:"global_parallelism"`
	CancelGraceMS      int      `mapstructure:"cancel_grace_ms"`
}

// ConsensusConfig contains consensus-engine settings
type ConsensusConfig struct {
	Profile     string             `mapstructure:"profile"`      // named weighting profile
	BaseWeights map[string]float64 `mapstructure:"base_weights"` // overrides per agent id
}

// SynthesisConfig contains trade-plan derivation settings
type SynthesisConfig struct {
	StopLossATRMultiplier float64       `mapstructure:"stop_loss_atr_multiplier"`
	AccountValue          float64       `mapstructure:"account_value"`
	RiskFractions         RiskFractions `mapstructure:"position_risk_fractions"`
}

// RiskFractions holds the fixed-fractional risk budgets for position sizing
type RiskFractions struct {
	Conservative float64 `mapstructure:"conservative"`
	Moderate     float64 `mapstructure:"moderate"`
	Aggressive   float64 `mapstructure:"aggressive"`
}

// DriftConfig contains drift-monitor settings
type DriftConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	TickSeconds        int     `mapstructure:"tick_seconds"`
	ActiveWindowHours  int     `mapstructure:"active_window_hours"`
	RetentionDays      int     `mapstructure:"retention_days"`
	PriceThreshold     float64 `mapstructure:"price_threshold"`
	VolumeThreshold    float64 `mapstructure:"volume_threshold"`
	VolatilityThresh   float64 `mapstructure:"volatility_threshold"`
	SentimentThreshold float64 `mapstructure:"sentiment_threshold"`
}

// ResearchConfig contains MCP research-tool settings
type ResearchConfig struct {
	Servers []ResearchServerConfig `mapstructure:"servers"`
}

// ResearchServerConfig describes one external MCP research server
type ResearchServerConfig struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"` // "stdio" or "sse"
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
}

// AlertsConfig contains alert delivery settings
type AlertsConfig struct {
	Telegram TelegramAlertConfig `mapstructure:"telegram"`
	Push     PushAlertConfig     `mapstructure:"push"`
}

// TelegramAlertConfig contains Telegram alert delivery settings
type TelegramAlertConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// PushAlertConfig contains FCM push delivery settings
type PushAlertConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	CredentialsPath string   `mapstructure:"credentials_path"`
	DeviceTokens    []string `mapstructure:"device_tokens"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("STOCKCOUNCIL")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "stockcouncil")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "stockcouncil")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	// LLM defaults
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.primary_model", "gpt-4o")
	v.SetDefault("llm.fallback_model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 30000)
	v.SetDefault("llm.embed_endpoint", "http://localhost:8080/v1/embeddings")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")

	// Provider defaults
	v.SetDefault("provider.base_url", "http://localhost:8090")
	v.SetDefault("provider.timeout_ms", 10000)
	v.SetDefault("provider.requests_per_second", 5)
	v.SetDefault("provider.cache_ttl_seconds", 60)

	// Engine defaults
	v.SetDefault("engine.agents", []string{
		"fundamental", "technical", "risk", "valuation", "sentiment",
		"news", "macro", "peer_comparison", "insider_activity", "catalyst",
	})
	v.SetDefault("engine.per_agent_timeout_ms", 30000)
	v.SetDefault("engine.whole_run_timeout_ms", 180000)
	v.SetDefault("engine.max_retries_per_agent", 3)
	v.SetDefault("engine.backoff_initial_ms", 1000)
	v.SetDefault("engine.backoff_factor", 1.75)
	v.SetDefault("engine.backoff_cap_ms", 10000)
	v.SetDefault("engine.per_run_parallelism", 10)
	v.SetDefault("engine.global_parallelism", 64)
	v.SetDefault("engine.cancel_grace_ms", 5000)

	// Consensus defaults
	v.SetDefault("consensus.profile", "balanced")

	// Synthesis defaults
	v.SetDefault("synthesis.stop_loss_atr_multiplier", 2.0)
	v.SetDefault("synthesis.account_value", 100000.0)
	v.SetDefault("synthesis.position_risk_fractions.conservative", 0.01)
	v.SetDefault("synthesis.position_risk_fractions.moderate", 0.02)
	v.SetDefault("synthesis.position_risk_fractions.aggressive", 0.05)

	// Drift defaults
	v.SetDefault("drift.enabled", true)
	v.SetDefault("drift.tick_seconds", 300)
	v.SetDefault("drift.active_window_hours", 24)
	v.SetDefault("drift.retention_days", 30)
	v.SetDefault("drift.price_threshold", 0.05)
	v.SetDefault("drift.volume_threshold", 0.50)
	v.SetDefault("drift.volatility_threshold", 0.30)
	v.SetDefault("drift.sentiment_threshold", 0.20)

	// Alert defaults
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.push.enabled", false)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// AgentTimeout returns the per-agent deadline as time.Duration
func (c *EngineConfig) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutMS) * time.Millisecond
}

// RunTimeout returns the whole-run deadline as time.Duration
func (c *EngineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMS) * time.Millisecond
}

// BackoffInitial returns the initial retry backoff as time.Duration
func (c *EngineConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMS) * time.Millisecond
}

// BackoffCap returns the maximum retry backoff as time.Duration
func (c *EngineConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

// CancelGrace returns the cancellation unwind grace period
func (c *EngineConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// Tick returns the drift sampling interval as time.Duration
func (c *DriftConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// ActiveWindow returns the drift active window as time.Duration
func (c *DriftConfig) ActiveWindow() time.Duration {
	return time.Duration(c.ActiveWindowHours) * time.Hour
}

// Retention returns how long drift history rows are kept
func (c *DriftConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ProviderTimeout returns the provider HTTP timeout as time.Duration
func (c *ProviderConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the quote cache TTL as time.Duration
func (c *ProviderConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
