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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Scan       ScanConfig       `yaml:"scan" mapstructure:"scan"`
	Ensemble   EnsembleConfig   `yaml:"ensemble" mapstructure:"ensemble"`
	Weights    WeightsConfig    `yaml:"weights" mapstructure:"weights"`
	Detectors  DetectorsConfig  `yaml:"detectors" mapstructure:"detectors"`
	Consensus  ConsensusConfig  `yaml:"consensus" mapstructure:"consensus"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ScanConfig configures the scan lifecycle.
type ScanConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	OverloadPolicy  string `yaml:"overload_policy" mapstructure:"overload_policy"`
	MaxContentBytes int    `yaml:"max_content_bytes" mapstructure:"max_content_bytes"`
	ReuseDetections bool   `yaml:"reuse_detections" mapstructure:"reuse_detections"`
}

// EnsembleConfig configures detector fan-out.
type EnsembleConfig struct {
	DetectorTimeoutMs int           `yaml:"detector_timeout_ms" mapstructure:"detector_timeout_ms"`
	Circuit           CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
	Retry             RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// CircuitConfig configures per-detector circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RetryConfig configures retries of transient remote detector failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// WeightsConfig holds the per-detector-type penalty weights used by the
// trust aggregator. Keys are lower-cased detector types.
type WeightsConfig struct {
	// Default applies to types without their own weight. Nil keeps the
	// built-in default; 0 disables the penalty.
	Default *float64           `yaml:"default" mapstructure:"default"`
	ByType  map[string]float64 `yaml:"by_type" mapstructure:"by_type"`
	File    string             `yaml:"file" mapstructure:"file"`
}

// DetectorsConfig selects which detectors are registered at startup.
type DetectorsConfig struct {
	Builtin    []string               `yaml:"builtin" mapstructure:"builtin"`
	Remote     []RemoteDetectorConfig `yaml:"remote" mapstructure:"remote"`
	ClaimCheck ClaimCheckConfig       `yaml:"claim_check" mapstructure:"claim_check"`
}

// RemoteDetectorConfig describes an HTTP-hosted detector model.
type RemoteDetectorConfig struct {
	Name         string   `yaml:"name" mapstructure:"name"`
	Type         string   `yaml:"type" mapstructure:"type"`
	URL          string   `yaml:"url" mapstructure:"url"`
	APIKey       string   `yaml:"api_key" mapstructure:"api_key"`
	TimeoutMs    int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSec   float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	ContentTypes []string `yaml:"content_types" mapstructure:"content_types"`
}

// ClaimCheckConfig configures the LLM-backed claim checker.
type ClaimCheckConfig struct {
	Enabled   bool  `yaml:"enabled" mapstructure:"enabled"`
	MaxTokens int64 `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ConsensusConfig configures crowd dispute detection.
type ConsensusConfig struct {
	DisputeMinVotes int     `yaml:"dispute_min_votes" mapstructure:"dispute_min_votes"`
	DisputeRatio    float64 `yaml:"dispute_ratio" mapstructure:"dispute_ratio"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CriticalShareThreshold float64 `yaml:"critical_share_threshold" mapstructure:"critical_share_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VERIMYST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("scan.max_concurrent", 8)
	v.SetDefault("scan.overload_policy", "queue")
	v.SetDefault("scan.max_content_bytes", 50<<20)
	v.SetDefault("scan.reuse_detections", true)
	v.SetDefault("ensemble.detector_timeout_ms", 10000)
	v.SetDefault("ensemble.circuit.failure_threshold", 5)
	v.SetDefault("ensemble.circuit.reset_timeout_secs", 30)
	v.SetDefault("ensemble.retry.max_attempts", 2)
	v.SetDefault("ensemble.retry.initial_backoff_ms", 200)
	v.SetDefault("ensemble.retry.max_backoff_ms", 2000)
	v.SetDefault("weights.default", 0.3)
	v.SetDefault("weights.by_type", map[string]float64{
		"misinformation":     0.6,
		"deepfake detection": 0.5,
		"manipulated media":  0.45,
		"bias detection":     0.2,
		"claim check":        0.55,
	})
	v.SetDefault("detectors.builtin", []string{"misinformation", "bias", "manipulated_media", "deepfake"})
	v.SetDefault("detectors.claim_check.max_tokens", 512)
	v.SetDefault("consensus.dispute_min_votes", 5)
	v.SetDefault("consensus.dispute_ratio", 0.5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.critical_share_threshold", 0.5)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q (valid: memory, sqlite, postgres)", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DatabaseURL == "" {
		return eris.Errorf("config: store.database_url is required for driver %q", c.Store.Driver)
	}
	switch c.Scan.OverloadPolicy {
	case "queue", "reject":
	default:
		return eris.Errorf("config: unknown scan.overload_policy %q (valid: queue, reject)", c.Scan.OverloadPolicy)
	}
	if c.Scan.MaxConcurrent <= 0 {
		return eris.New("config: scan.max_concurrent must be positive")
	}
	if c.Ensemble.DetectorTimeoutMs <= 0 {
		return eris.New("config: ensemble.detector_timeout_ms must be positive")
	}
	if c.Weights.Default != nil && *c.Weights.Default < 0 {
		return eris.New("config: weights.default must not be negative")
	}
	for k, w := range c.Weights.ByType {
		if w < 0 {
			return eris.Errorf("config: weights.by_type[%s] must not be negative", k)
		}
	}
	if c.Detectors.ClaimCheck.Enabled && c.Anthropic.Key == "" {
		return eris.New("config: detectors.claim_check requires anthropic.key")
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
