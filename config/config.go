package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickerflow TickerflowConfig             `yaml:"tickerflow"`
	Directory  DirectoryConfig              `yaml:"directory"`
	Categories []CategoryConfig             `yaml:"categories"`
	Providers  map[string]ProviderConfig    `yaml:"providers"`
	Batching   BatchingConfig               `yaml:"batching"`
	Enrichment EnrichmentConfig             `yaml:"enrichment"`
	Reconcile  ReconcileConfig              `yaml:"reconcile"`
	Storage    StorageConfig                `yaml:"storage"`
	Mirror     MirrorConfig                 `yaml:"mirror"`
	Control    ControlConfig                `yaml:"control"`
	Logging    LoggingConfig                `yaml:"logging"`
	CloudWatch CloudWatchConfig             `yaml:"cloudwatch"`
	SymbolMaps map[string]map[string]string `yaml:"symbol_maps"`
}

type TickerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DirectoryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CategoryConfig describes how one instrument category is sourced.
// Providers is the priority list; position 0 is primary.
type CategoryConfig struct {
	Name          string        `yaml:"name"`
	Providers     []string      `yaml:"providers"`
	RestProviders []string      `yaml:"rest_providers"`
	PromoteAfter  int           `yaml:"promote_after"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Retry         RetryConfig   `yaml:"retry"`
	Enrich        bool          `yaml:"enrich"`
	AutoStart     bool          `yaml:"auto_start"`
}

type RetryConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type ProviderConfig struct {
	StreamURL         string        `yaml:"stream_url"`
	RestURL           string        `yaml:"rest_url"`
	APIKey            string        `yaml:"api_key"`
	APISecret         string        `yaml:"api_secret"`
	Slots             int           `yaml:"slots"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	RequireExisting   bool          `yaml:"require_existing"`
	DeriveChange      bool          `yaml:"derive_change"`
	ReferenceCurrency string        `yaml:"reference_currency"`
}

type BatchingConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	ChannelBuffer int           `yaml:"channel_buffer"`
}

type EnrichmentConfig struct {
	Providers []string      `yaml:"providers"`
	Intervals []string      `yaml:"intervals"`
	Cooldown  time.Duration `yaml:"cooldown"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Table    string `yaml:"table"`
}

type MirrorConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ControlConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// credentialEnv lists provider -> (key env, secret env).
var credentialEnv = map[string][2]string{
	"cexio":       {"CEXIO_API_KEY", "CEXIO_API_SECRET"},
	"alpaca":      {"ALPACA_API_KEY", "ALPACA_SECRET_KEY"},
	"finnhub":     {"FINNHUB_API_KEY", ""},
	"coinranking": {"COINRANKING_API_KEY", ""},
	"okx":         {"OKX_API_KEY", ""},
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config, getAppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DIRECTORY_URL"); v != "" {
		cfg.Directory.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Mirror.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Mirror.Kafka.Brokers = splitList(v)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for provider, envs := range credentialEnv {
		pc := cfg.Providers[provider]
		if v := os.Getenv(envs[0]); v != "" {
			pc.APIKey = strings.TrimSpace(v)
		}
		if envs[1] != "" {
			if v := os.Getenv(envs[1]); v != "" {
				pc.APISecret = strings.TrimSpace(v)
			}
		}
		cfg.Providers[provider] = pc
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Directory.Timeout <= 0 {
		cfg.Directory.Timeout = 10 * time.Second
	}
	if cfg.Batching.BatchSize <= 0 {
		cfg.Batching.BatchSize = 100
	}
	if cfg.Batching.FlushInterval <= 0 {
		cfg.Batching.FlushInterval = 500 * time.Millisecond
	}
	if cfg.Batching.MaxQueueSize <= 0 {
		cfg.Batching.MaxQueueSize = 1000
	}
	if cfg.Batching.ChannelBuffer <= 0 {
		cfg.Batching.ChannelBuffer = cfg.Batching.MaxQueueSize
	}
	if len(cfg.Enrichment.Intervals) == 0 {
		cfg.Enrichment.Intervals = []string{"1h", "4h"}
	}
	if cfg.Enrichment.Cooldown <= 0 {
		cfg.Enrichment.Cooldown = 5 * time.Second
	}
	if cfg.Enrichment.CacheTTL <= 0 {
		cfg.Enrichment.CacheTTL = time.Minute
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 1h"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = "tickers"
	}
	if cfg.Storage.MaxConns <= 0 {
		cfg.Storage.MaxConns = 10
	}
	if cfg.Mirror.Kafka.Topic == "" {
		cfg.Mirror.Kafka.Topic = "tickers"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.ReportInterval <= 0 {
		cfg.Logging.ReportInterval = 30 * time.Second
	}

	for i := range cfg.Categories {
		c := &cfg.Categories[i]
		if c.PromoteAfter <= 0 {
			c.PromoteAfter = 5
		}
		if c.PollInterval <= 0 {
			c.PollInterval = 30 * time.Second
		}
		if c.Retry.BaseDelay <= 0 {
			c.Retry.BaseDelay = 5 * time.Second
		}
		if c.Retry.MaxDelay <= 0 {
			c.Retry.MaxDelay = 60 * time.Second
		}
	}

	for name, pc := range cfg.Providers {
		if pc.Slots <= 0 {
			pc.Slots = defaultSlots(name)
		}
		if pc.Timeout <= 0 {
			pc.Timeout = 10 * time.Second
		}
		if pc.KeepAlive <= 0 {
			pc.KeepAlive = 20 * time.Second
		}
		cfg.Providers[name] = pc
	}
}

func defaultSlots(provider string) int {
	switch provider {
	case "binance":
		return 15
	case "okx":
		return 8
	default:
		return 4
	}
}

// Provider returns the settings for a provider with defaults applied.
func (c *Config) Provider(name string) ProviderConfig {
	if pc, ok := c.Providers[name]; ok {
		return pc
	}
	return ProviderConfig{Slots: defaultSlots(name), Timeout: 10 * time.Second, KeepAlive: 20 * time.Second}
}

// Category looks up a category section by name, case-insensitively.
func (c *Config) Category(name string) (CategoryConfig, bool) {
	for _, cat := range c.Categories {
		if strings.EqualFold(cat.Name, name) {
			return cat, true
		}
	}
	return CategoryConfig{}, false
}

func validateConfig(cfg *Config, env string) error {
	if cfg.Tickerflow.Name == "" {
		return fmt.Errorf("tickerflow.name is required")
	}
	if cfg.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if len(cfg.Categories) == 0 {
		return fmt.Errorf("at least one category must be configured")
	}

	seen := make(map[string]bool)
	for i, c := range cfg.Categories {
		if c.Name == "" {
			return fmt.Errorf("categories[%d].name is required", i)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("category %q configured twice", c.Name)
		}
		seen[key] = true
		if len(c.Providers) == 0 && len(c.RestProviders) == 0 {
			return fmt.Errorf("category %q needs providers or rest_providers", c.Name)
		}
		if c.Retry.MaxDelay < c.Retry.BaseDelay {
			return fmt.Errorf("category %q: retry.max_delay must not be below retry.base_delay", c.Name)
		}
	}

	if cfg.Batching.BatchSize > cfg.Batching.MaxQueueSize {
		return fmt.Errorf("batching.batch_size must not exceed batching.max_queue_size")
	}

	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case "memory":
		if IsProductionLike(env) {
			return fmt.Errorf("storage.driver memory is not allowed in %s", env)
		}
	default:
		return fmt.Errorf("storage.driver '%s' is invalid", cfg.Storage.Driver)
	}

	if cfg.Mirror.Redis.Enabled && cfg.Mirror.Redis.Addr == "" {
		return fmt.Errorf("mirror.redis.addr is required when redis is enabled")
	}
	if cfg.Mirror.Kafka.Enabled && len(cfg.Mirror.Kafka.Brokers) == 0 {
		return fmt.Errorf("mirror.kafka.brokers is required when kafka is enabled")
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
