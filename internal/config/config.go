package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Influx        InfluxConfig        `yaml:"influx" mapstructure:"influx"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant" mapstructure:"homeassistant"`
	Import        ImportConfig        `yaml:"import" mapstructure:"import"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the checkpoint/run store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// InfluxConfig holds InfluxDB connection settings.
type InfluxConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	Database    string `yaml:"database" mapstructure:"database"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// HomeAssistantConfig holds the optional sensor-publish settings.
type HomeAssistantConfig struct {
	URL     string `yaml:"url" mapstructure:"url"`
	Token   string `yaml:"token" mapstructure:"token"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// ImportConfig configures the ingestion pipeline.
type ImportConfig struct {
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMS int    `yaml:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	DedupWindowHours int    `yaml:"dedup_window_hours" mapstructure:"dedup_window_hours"`
	Timezone         string `yaml:"timezone" mapstructure:"timezone"`
	Mode             string `yaml:"mode" mapstructure:"mode"`
	RulesFile        string `yaml:"rules_file" mapstructure:"rules_file"`
}

// RetryBaseDelay returns the configured base delay as a duration.
func (c ImportConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// DedupWindow returns the configured dedup window as a duration.
func (c ImportConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowHours) * time.Hour
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("HEALTHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "healthsync.db")
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.database", "health")
	v.SetDefault("influx.timeout_secs", 30)
	v.SetDefault("homeassistant.enabled", false)
	v.SetDefault("import.batch_size", 5000)
	v.SetDefault("import.max_retries", 3)
	v.SetDefault("import.retry_base_delay_ms", 1000)
	v.SetDefault("import.dedup_window_hours", 24)
	v.SetDefault("import.timezone", "UTC")
	v.SetDefault("import.mode", "streaming")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Timezone resolves the configured fixed timezone for offset-less source
// timestamps.
func (c *Config) Timezone() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Import.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", c.Import.Timezone)
	}
	return loc, nil
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
