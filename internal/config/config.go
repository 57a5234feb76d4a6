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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Oracle      OracleConfig      `yaml:"oracle" mapstructure:"oracle"`
	Consistency ConsistencyConfig `yaml:"consistency" mapstructure:"consistency"`
	Duplicate   DuplicateConfig   `yaml:"duplicate" mapstructure:"duplicate"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// OracleConfig holds completion-oracle (Anthropic) API settings.
type OracleConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	ChatModel     string `yaml:"chat_model" mapstructure:"chat_model"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	ChatMaxTokens int64  `yaml:"chat_max_tokens" mapstructure:"chat_max_tokens"`
}

// ConsistencyConfig configures the consistency check engine.
type ConsistencyConfig struct {
	LinkTimeoutSecs int  `yaml:"link_timeout_secs" mapstructure:"link_timeout_secs"`
	SkipLinkCheck   bool `yaml:"skip_link_check" mapstructure:"skip_link_check"`
}

// DuplicateConfig configures duplicate detection.
type DuplicateConfig struct {
	PersistThreshold   int     `yaml:"persist_threshold" mapstructure:"persist_threshold"`
	FlagThreshold      int     `yaml:"flag_threshold" mapstructure:"flag_threshold"`
	PriceTolerance     float64 `yaml:"price_tolerance" mapstructure:"price_tolerance"`
	SummaryThreshold   float64 `yaml:"summary_threshold" mapstructure:"summary_threshold"`
	OracleRatePerSec   float64 `yaml:"oracle_rate_per_sec" mapstructure:"oracle_rate_per_sec"`
	DisableOracleMatch bool    `yaml:"disable_oracle_match" mapstructure:"disable_oracle_match"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("oracle.model", "claude-haiku-4-5-20251001")
	v.SetDefault("oracle.chat_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("oracle.max_tokens", 1024)
	v.SetDefault("oracle.chat_max_tokens", 2048)
	v.SetDefault("consistency.link_timeout_secs", 10)
	v.SetDefault("duplicate.persist_threshold", 70)
	v.SetDefault("duplicate.flag_threshold", 90)
	v.SetDefault("duplicate.price_tolerance", 1.0)
	v.SetDefault("duplicate.summary_threshold", 0.8)
	v.SetDefault("duplicate.oracle_rate_per_sec", 2.0)

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

// Validate checks that the settings a component needs are present. Component
// is one of "store", "oracle", or "all".
func (c *Config) Validate(component string) error {
	needStore := component == "store" || component == "all"
	needOracle := component == "oracle" || component == "all"

	if needStore && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required (set POLICY_STORE_DATABASE_URL)")
	}
	if needOracle && c.Oracle.Key == "" {
		return eris.New("config: oracle.key is required (set POLICY_ORACLE_KEY)")
	}
	return nil
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
