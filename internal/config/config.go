package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Env       string          `yaml:"env" mapstructure:"env"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Challenge ChallengeConfig `yaml:"challenge" mapstructure:"challenge"`
	Verifier  VerifierConfig  `yaml:"verifier" mapstructure:"verifier"`
	Bot       BotConfig       `yaml:"bot" mapstructure:"bot"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// QueueConfig configures the notification queue and its worker.
type QueueConfig struct {
	Driver              string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL         string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath          string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxAttempts         int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize           int    `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs    int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	InflightTimeoutSecs int    `yaml:"inflight_timeout_secs" mapstructure:"inflight_timeout_secs"`
	SweepIntervalSecs   int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// CacheConfig configures the resolution cache.
type CacheConfig struct {
	TTLSecs int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ChallengeConfig configures the dispute window.
type ChallengeConfig struct {
	DurationSecs int `yaml:"duration_secs" mapstructure:"duration_secs"`
}

// VerifierConfig configures evidence-source verification.
type VerifierConfig struct {
	SourcesPath string `yaml:"sources_path" mapstructure:"sources_path"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BotConfig holds credentials for the external messaging bot. Raw values are
// never exposed through the API; see Presence.
type BotConfig struct {
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Network    string `yaml:"network" mapstructure:"network"`
}

// BotPresence reports which bot secrets are configured without revealing them.
type BotPresence struct {
	APIKeyConfigured  bool   `json:"apiKeyConfigured"`
	WebhookConfigured bool   `json:"webhookConfigured"`
	Network           string `json:"network"`
}

// Presence returns the secret-presence view of the bot configuration.
func (b BotConfig) Presence() BotPresence {
	return BotPresence{
		APIKeyConfigured:  b.APIKey != "",
		WebhookConfigured: b.WebhookURL != "",
		Network:           b.Network,
	}
}

// IsProduction reports whether the service runs in the production environment,
// which disables privileged operations like cache clearing.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VERIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.database_url", "")
	v.SetDefault("queue.sqlite_path", "notifications.db")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.batch_size", 25)
	v.SetDefault("queue.poll_interval_secs", 5)
	v.SetDefault("queue.inflight_timeout_secs", 60)
	v.SetDefault("queue.sweep_interval_secs", 30)
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("challenge.duration_secs", 3600)
	v.SetDefault("verifier.sources_path", "verifiers.yaml")
	v.SetDefault("verifier.timeout_secs", 5)
	// Secrets default empty so AutomaticEnv can see the keys; viper only
	// resolves env vars for keys it already knows about.
	v.SetDefault("bot.api_key", "")
	v.SetDefault("bot.webhook_url", "")
	v.SetDefault("bot.network", "base-sepolia")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
