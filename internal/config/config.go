// Package config loads application configuration from config.yaml and
// LEADGEN_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/leadgen/internal/enrich"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/search"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig   `yaml:"store" mapstructure:"store"`
	Places PlacesConfig  `yaml:"places" mapstructure:"places"`
	Search search.Config `yaml:"search" mapstructure:"search"`
	Enrich enrich.Config `yaml:"enrich" mapstructure:"enrich"`
	Queue  QueueConfig   `yaml:"queue" mapstructure:"queue"`
	Server ServerConfig  `yaml:"server" mapstructure:"server"`
	Log    LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PlacesConfig holds place provider credentials.
type PlacesConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// QueueConfig tunes the per-stage worker pools.
type QueueConfig struct {
	SearchWorkers int           `yaml:"search_workers" mapstructure:"search_workers"`
	EnrichWorkers int           `yaml:"enrich_workers" mapstructure:"enrich_workers"`
	ScoreWorkers  int           `yaml:"score_workers" mapstructure:"score_workers"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Lease         time.Duration `yaml:"lease" mapstructure:"lease"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "leadgen.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("places.base_url", "")
	v.SetDefault("search.page_token_delay", "2s")
	v.SetDefault("search.detail_delay", "150ms")
	v.SetDefault("search.requests_per_second", 5)
	v.SetDefault("search.enrich_max_attempts", 3)
	v.SetDefault("enrich.probe_website", false)
	v.SetDefault("enrich.score_max_attempts", 1)
	v.SetDefault("queue.search_workers", 2)
	v.SetDefault("queue.enrich_workers", 4)
	v.SetDefault("queue.score_workers", 4)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.lease", "5m")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
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

// WorkerConfig converts queue settings into the worker pool's shape.
func (q QueueConfig) WorkerConfig() queue.WorkerConfig {
	cfg := queue.DefaultWorkerConfig()
	if q.PollInterval > 0 {
		cfg.PollInterval = q.PollInterval
	}
	if q.Lease > 0 {
		cfg.Lease = q.Lease
	}
	return cfg
}

// InitLogger builds and installs the global zap logger.
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
