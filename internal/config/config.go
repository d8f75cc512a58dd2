// Package config defines all configuration for the copy-trade broker.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
	Bus         BusConfig       `mapstructure:"bus"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Provider    ProviderConfig  `mapstructure:"provider"`
	Scorer      ScorerConfig    `mapstructure:"scorer"`
	Pipeline    PipelineConfig  `mapstructure:"pipeline"`
	Retention   RetentionConfig `mapstructure:"retention"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// WebhookConfig controls the inbound HTTP receiver.
type WebhookConfig struct {
	Port      int    `mapstructure:"port"`
	WebhookID string `mapstructure:"webhook_id"`
	PublicURL string `mapstructure:"public_url"`
}

// BusConfig holds the AMQP connection and topology settings.
// Exchange and queue names may be overridden; outside production every name
// is prefixed with "{environment}_".
type BusConfig struct {
	URL string `mapstructure:"url"`

	CommandsExchange      string `mapstructure:"commands_exchange"`
	EventsExchange        string `mapstructure:"events_exchange"`
	NotificationsExchange string `mapstructure:"notifications_exchange"`
	DeadLetterExchange    string `mapstructure:"dead_letter_exchange"`
	RPCQueue              string `mapstructure:"rpc_queue"`

	Prefetch      int           `mapstructure:"prefetch"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`

	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
}

// RedisConfig holds the KV store connection.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ProviderConfig holds the blockchain index provider API settings.
type ProviderConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	APIKey       string   `mapstructure:"api_key"`
	WebhookTypes []string `mapstructure:"webhook_types"`
}

// ScorerConfig controls the optional ML token scorer. The scorer is only
// consulted for trades from PredictableWallets; everywhere else probability
// stays zero.
type ScorerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BaseURL            string        `mapstructure:"base_url"`
	ModelPath          string        `mapstructure:"model_path"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PredictableWallets []string      `mapstructure:"predictable_wallets"`
}

// PipelineConfig tunes dispatcher concurrency and deadlines.
//
//   - MaxConcurrent: webhook batches processed in parallel; also the bus prefetch floor.
//   - ProcessingTimeout: hard deadline for one transaction's pipeline pass.
type PipelineConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

// RetentionConfig sets TTLs on persisted state. Zero means no expiry, which
// production uses for registry keys.
type RetentionConfig struct {
	TradeHistoryTTL time.Duration `mapstructure:"trade_history_ttl"`
	CounterTTL      time.Duration `mapstructure:"counter_ttl"`
	RegistryTTL     time.Duration `mapstructure:"registry_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CT_BUS_URL, CT_REDIS_URL, CT_PROVIDER_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("CT_BUS_URL"); url != "" {
		cfg.Bus.URL = url
	}
	if url := os.Getenv("CT_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if key := os.Getenv("CT_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if env := os.Getenv("CT_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("webhook.port", 3001)
	v.SetDefault("bus.commands_exchange", "commands")
	v.SetDefault("bus.events_exchange", "copy_trade_events")
	v.SetDefault("bus.notifications_exchange", "notifications")
	v.SetDefault("bus.dead_letter_exchange", "dead_letter")
	v.SetDefault("bus.rpc_queue", "copy_trader_rpc_queue")
	v.SetDefault("bus.prefetch", 10)
	v.SetDefault("bus.retry_attempts", 3)
	v.SetDefault("bus.retry_base", time.Second)
	v.SetDefault("bus.reconnect_base", time.Second)
	v.SetDefault("bus.reconnect_max", 30*time.Second)
	v.SetDefault("bus.reconnect_attempts", 10)
	v.SetDefault("provider.webhook_types", []string{"SWAP"})
	v.SetDefault("scorer.timeout", 2*time.Second)
	v.SetDefault("pipeline.max_concurrent", 10)
	v.SetDefault("pipeline.processing_timeout", 30*time.Second)
	v.SetDefault("retention.trade_history_ttl", 7*24*time.Hour)
	v.SetDefault("retention.counter_ttl", 24*time.Hour)
	v.SetDefault("retention.registry_ttl", time.Duration(0))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be in (0, 65535], got %d", c.Webhook.Port)
	}
	if c.Webhook.WebhookID == "" {
		return fmt.Errorf("webhook.webhook_id is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required (set CT_BUS_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set CT_REDIS_URL)")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required (set CT_PROVIDER_API_KEY)")
	}
	if c.Bus.Prefetch <= 0 {
		return fmt.Errorf("bus.prefetch must be > 0")
	}
	if c.Bus.RetryAttempts < 0 {
		return fmt.Errorf("bus.retry_attempts must be >= 0")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be > 0")
	}
	if c.Pipeline.ProcessingTimeout <= 0 {
		return fmt.Errorf("pipeline.processing_timeout must be > 0")
	}
	if c.Scorer.Enabled && c.Scorer.BaseURL == "" {
		return fmt.Errorf("scorer.base_url is required when scorer is enabled")
	}
	return nil
}

// IsProduction reports whether name prefixing and registry TTLs are disabled.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
