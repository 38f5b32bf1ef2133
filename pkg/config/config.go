package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. HARNESS_GLOBAL_LOG_LEVEL.
	EnvPrefix = "HARNESS"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default run registry database location.
	DefaultSQLitePath = "./harness.db"

	// DefaultInvocationTimeout bounds a single prompt invocation.
	DefaultInvocationTimeout = "30s"

	// DefaultRetryBackoff is the pause before the single network-level retry.
	DefaultRetryBackoff = "250ms"

	// DefaultConcurrency is used when a run request does not set one.
	DefaultConcurrency = 5

	// DefaultMaxErrors caps the error strings retained per run.
	DefaultMaxErrors = 50

	// DefaultJudgeTimeout bounds a single judge call.
	DefaultJudgeTimeout = "30s"

	// DefaultThresholdProfile is used when a score request names no profile.
	DefaultThresholdProfile = "daily-gate-v1"
)

// Config is the root configuration for the harness service.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Promptsets PromptsetsConfig `yaml:"promptsets" mapstructure:"promptsets"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of write endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// DatabaseConfig contains run registry database settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// PromptsetsConfig selects the promptset storage backend. Exactly one
// backend (local directory or S3 bucket) must be configured.
type PromptsetsConfig struct {
	Local *LocalSourceConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3    *S3SourceConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalSourceConfig reads promptsets from a local directory laid out as
// <base_dir>/<promptset_id>/{manifest.json,promptset.jsonl}.
type LocalSourceConfig struct {
	BaseDir string `yaml:"base_dir" mapstructure:"base_dir"`
}

// S3SourceConfig reads promptsets from an S3 bucket with the same layout
// under an optional key prefix.
type S3SourceConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// EngineConfig contains run execution settings.
type EngineConfig struct {
	// GatewayURL is the inference gateway the dispatcher invokes;
	// requests are routed by team/variant headers.
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`

	Timeout            string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	RetryBackoff       string `yaml:"retry_backoff,omitempty" mapstructure:"retry_backoff"`
	DefaultConcurrency int    `yaml:"default_concurrency,omitempty" mapstructure:"default_concurrency"`
	MaxErrors          int    `yaml:"max_errors,omitempty" mapstructure:"max_errors"`
}

// ScoringConfig contains judge and threshold profile settings.
type ScoringConfig struct {
	// JudgeURL is the external quality judge endpoint. Empty disables
	// scoring; runs requesting a threshold profile then degrade to
	// unscored outcomes.
	JudgeURL string `yaml:"judge_url,omitempty" mapstructure:"judge_url"`

	Timeout  string                      `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Profiles map[string]ThresholdProfile `yaml:"profiles,omitempty" mapstructure:"profiles"`
}

// ThresholdProfile defines pass cutoffs for the four scoring dimensions.
// Coherence, helpfulness, and factuality are floors; toxicity is a ceiling.
type ThresholdProfile struct {
	Coherence   float64 `yaml:"coherence" mapstructure:"coherence"`
	Helpfulness float64 `yaml:"helpfulness" mapstructure:"helpfulness"`
	Factuality  float64 `yaml:"factuality" mapstructure:"factuality"`
	Toxicity    float64 `yaml:"toxicity" mapstructure:"toxicity"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultProfiles returns the built-in threshold profiles. These match the
// profiles the scoring pipeline ships with; config may add or override.
func DefaultProfiles() map[string]ThresholdProfile {
	return map[string]ThresholdProfile{
		"daily-gate-v1": {
			Coherence:   0.7,
			Helpfulness: 0.7,
			Factuality:  0.6,
			Toxicity:    0.1,
		},
		"strict-v1": {
			Coherence:   0.85,
			Helpfulness: 0.85,
			Factuality:  0.8,
			Toxicity:    0.05,
		},
	}
}

// Load reads a configuration file and applies HARNESS_* environment
// variable overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every scalar key so env overrides are visible to
// Unmarshal even when the key is absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 60)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("engine.gateway_url", "")
	v.SetDefault("engine.timeout", DefaultInvocationTimeout)
	v.SetDefault("engine.retry_backoff", DefaultRetryBackoff)
	v.SetDefault("engine.default_concurrency", DefaultConcurrency)
	v.SetDefault("engine.max_errors", DefaultMaxErrors)
	v.SetDefault("scoring.judge_url", "")
	v.SetDefault("scoring.timeout", DefaultJudgeTimeout)
	v.SetDefault("metrics.enabled", true)
}

// applyDefaults fills values viper defaults cannot express.
func (c *Config) applyDefaults() {
	if c.Scoring.Profiles == nil {
		c.Scoring.Profiles = make(map[string]ThresholdProfile, 2)
	}

	for name, profile := range DefaultProfiles() {
		if _, ok := c.Scoring.Profiles[name]; !ok {
			c.Scoring.Profiles[name] = profile
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be at least 1")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres requires host and database")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if err := c.Promptsets.Validate(); err != nil {
		return err
	}

	if c.Engine.GatewayURL == "" {
		return fmt.Errorf("engine.gateway_url is required")
	}

	if c.Engine.DefaultConcurrency < 1 {
		return fmt.Errorf("engine.default_concurrency must be at least 1")
	}

	if c.Engine.MaxErrors < 0 {
		return fmt.Errorf("engine.max_errors must not be negative")
	}

	for key, value := range map[string]string{
		"engine.timeout":       c.Engine.Timeout,
		"engine.retry_backoff": c.Engine.RetryBackoff,
		"scoring.timeout":      c.Scoring.Timeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, value)
		}
	}

	for name, profile := range c.Scoring.Profiles {
		for dim, value := range map[string]float64{
			"coherence":   profile.Coherence,
			"helpfulness": profile.Helpfulness,
			"factuality":  profile.Factuality,
			"toxicity":    profile.Toxicity,
		} {
			if value < 0 || value > 1 {
				return fmt.Errorf("scoring profile %q: %s must be within [0,1]", name, dim)
			}
		}
	}

	return nil
}

// Validate checks that exactly one promptset backend is configured.
func (p *PromptsetsConfig) Validate() error {
	if p.Local != nil && p.S3 != nil {
		return fmt.Errorf("promptsets: cannot specify multiple sources")
	}

	if p.Local == nil && p.S3 == nil {
		return fmt.Errorf("promptsets: a source must be configured")
	}

	if p.Local != nil {
		if p.Local.BaseDir == "" {
			return fmt.Errorf("promptsets.local.base_dir is required")
		}

		if _, err := os.Stat(filepath.Clean(p.Local.BaseDir)); os.IsNotExist(err) {
			return fmt.Errorf("promptsets.local.base_dir %q does not exist", p.Local.BaseDir)
		}
	}

	if p.S3 != nil && p.S3.Bucket == "" {
		return fmt.Errorf("promptsets.s3.bucket is required")
	}

	return nil
}

// InvocationTimeout returns the parsed per-invocation timeout.
func (e *EngineConfig) InvocationTimeout() time.Duration {
	return parseDuration(e.Timeout, DefaultInvocationTimeout)
}

// RetryBackoffDuration returns the parsed retry backoff.
func (e *EngineConfig) RetryBackoffDuration() time.Duration {
	return parseDuration(e.RetryBackoff, DefaultRetryBackoff)
}

// JudgeTimeout returns the parsed judge call timeout.
func (s *ScoringConfig) JudgeTimeout() time.Duration {
	return parseDuration(s.Timeout, DefaultJudgeTimeout)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}

// Dump renders the effective configuration as yaml with secrets masked,
// for startup debug logging.
func (c *Config) Dump() (string, error) {
	masked := *c
	if masked.Database.Postgres.Password != "" {
		masked.Database.Postgres.Password = "***"
	}

	if masked.Promptsets.S3 != nil && masked.Promptsets.S3.SecretAccessKey != "" {
		s3 := *masked.Promptsets.S3
		s3.SecretAccessKey = "***"
		masked.Promptsets.S3 = &s3
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	return string(data), nil
}
