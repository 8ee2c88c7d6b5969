package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"counterwatch/internal/alerting"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "COUNTERWATCH"

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	Debug      bool   `mapstructure:"debug"`

	Store          StoreConfig   `mapstructure:"store"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	ThresholdsFile string        `mapstructure:"thresholds_file"`

	WebhookEnv     string        `mapstructure:"webhook_env"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	AlertRingSize  int           `mapstructure:"alert_ring_size"`

	AnomalyWindow    int     `mapstructure:"anomaly_window"`
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`

	SysmonInterval time.Duration `mapstructure:"sysmon_interval"`

	// Retention is the age after which metrics and observations are deleted.
	// Zero disables the sweeper.
	Retention         time.Duration `mapstructure:"retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`

	ObservationsDB string        `mapstructure:"observations_db"`
	Monitor        MonitorConfig `mapstructure:"monitor"`

	// Thresholds are filled from ThresholdsFile, never from the main config.
	Thresholds alerting.Thresholds `mapstructure:"-"`
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
	MongoURI       string        `mapstructure:"mongo_uri"`
	MongoDatabase  string        `mapstructure:"mongo_database"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	RedisRetention time.Duration `mapstructure:"redis_retention"`
	JSONLDir       string        `mapstructure:"jsonl_dir"`
}

type MonitorConfig struct {
	FramesDir     string `mapstructure:"frames_dir"`
	OutputDir     string `mapstructure:"output_dir"`
	SampleEvery   int    `mapstructure:"sample_every"`
	Workers       int    `mapstructure:"workers"`
	SelfEval      bool   `mapstructure:"self_eval"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
	GeminiModel   string `mapstructure:"gemini_model"`
	GeminiBaseURL string `mapstructure:"gemini_base_url"`
}

var backends = map[string]bool{
	"memory": true,
	"sqlite": true,
	"mongo":  true,
	"redis":  true,
	"jsonl":  true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "telemetry.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "counterwatch")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_retention", "168h")
	v.SetDefault("store.jsonl_dir", "telemetry")
	v.SetDefault("store_timeout", "2s")
	v.SetDefault("thresholds_file", "")

	v.SetDefault("webhook_env", alerting.DefaultWebhookEnv)
	v.SetDefault("webhook_timeout", "2s")
	v.SetDefault("alert_ring_size", alerting.DefaultRingSize)

	v.SetDefault("anomaly_window", 50)
	v.SetDefault("anomaly_threshold", 2.0)
	v.SetDefault("sysmon_interval", "30s")
	v.SetDefault("retention", "720h")
	v.SetDefault("retention_interval", "1h")

	v.SetDefault("observations_db", "observations.db")
	v.SetDefault("monitor.frames_dir", "")
	v.SetDefault("monitor.output_dir", "frames")
	v.SetDefault("monitor.sample_every", 30)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.self_eval", true)
	v.SetDefault("monitor.gemini_api_key", "")
	v.SetDefault("monitor.gemini_model", "gemini-1.5-flash")
	v.SetDefault("monitor.gemini_base_url", "https://generativelanguage.googleapis.com/v1beta")
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("counterwatch", pflag.ContinueOnError)
	fs.String("config", "", "path to config file")
	fs.String("listen-addr", "", "HTTP listen address")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("debug", false, "development logging")
	fs.String("store", "", "store backend: memory, sqlite, mongo, redis, jsonl")
	fs.String("thresholds", "", "path to threshold JSON file")
	fs.String("frames-dir", "", "directory of extracted frames to analyze")
	return fs
}

var flagKeys = map[string]string{
	"listen-addr": "listen_addr",
	"log-level":   "log_level",
	"debug":       "debug",
	"store":       "store.backend",
	"thresholds":  "thresholds_file",
	"frames-dir":  "monitor.frames_dir",
}

// Load resolves configuration from defaults, an optional config file,
// COUNTERWATCH_* environment variables and command line flags, in
// increasing order of precedence.
func Load(args []string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("counterwatch")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/counterwatch/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logger.Debug("No config file found, using defaults and flags")
	} else {
		logger.Info("Using config file", zap.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	if !backends[cfg.Store.Backend] {
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	cfg.Thresholds = LoadThresholds(cfg.ThresholdsFile, logger)
	return &cfg, nil
}

// LoadThresholds reads {"thresholds": {...}} from path. Missing keys keep
// their defaults; an unreadable file is logged and yields the defaults.
func LoadThresholds(path string, logger *zap.Logger) alerting.Thresholds {
	defaults := alerting.DefaultThresholds()
	if path == "" {
		return defaults
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("thresholds.latency", defaults.LatencyMs)
	v.SetDefault("thresholds.cost", defaults.CostUSD)
	v.SetDefault("thresholds.error_rate", defaults.ErrorRate)
	v.SetDefault("thresholds.cpu_usage", defaults.CPUUsagePct)
	v.SetDefault("thresholds.memory_usage", defaults.MemoryUsagePct)

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Failed to load config", zap.String("path", path), zap.Error(err))
		return defaults
	}

	t := defaults
	if err := v.UnmarshalKey("thresholds", &t); err != nil {
		logger.Warn("Failed to decode thresholds", zap.String("path", path), zap.Error(err))
		return defaults
	}
	return t
}

func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg.Debug {
		return zap.NewDevelopment()
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
