// Package config provides configuration for the crowsnest service, loaded
// from a YAML file with environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	ML          MLConfig          `mapstructure:"ml"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	OpenSearch  OpenSearchConfig  `mapstructure:"opensearch"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	AuthSecret   string        `mapstructure:"auth_secret"` // empty disables bearer auth
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// RulesConfig points at the declarative rule source.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// CorrelationConfig sets the brute-force window thresholds.
type CorrelationConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// MLConfig configures the optional ML scoring collaborator.
type MLConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PostgresConfig configures the alert store.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// OpenSearchConfig configures the raw event store.
type OpenSearchConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Insecure      bool   `mapstructure:"insecure"`
	IndexPrefix   string `mapstructure:"index_prefix"`
	SigningSecret string `mapstructure:"signing_secret"`
}

// NATSConfig configures the decision publisher.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// RedisConfig configures cross-instance alert suppression.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from the given file (optional) and the
// CROWSNEST_* environment, on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CROWSNEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.auth_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rules.path", "configs/rules.yaml")

	v.SetDefault("correlation.threshold", 5)
	v.SetDefault("correlation.window", 60*time.Second)
	v.SetDefault("correlation.cooldown", 60*time.Second)

	v.SetDefault("ml.enabled", false)
	v.SetDefault("ml.url", "http://localhost:6000")
	v.SetDefault("ml.timeout", 2*time.Second)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.url", "")

	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.index_prefix", "crowsnest-events")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "crowsnest.alerts")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}
