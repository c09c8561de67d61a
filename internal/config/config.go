// Package config loads and validates all runtime configuration for the
// mock platform.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Platform modes.
const (
	ModeProxy = "proxy"
	ModeMock  = "mock"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// TargetURL is the upstream base URL the proxy forwards to. May be empty
	// at start; requests are rejected with 503 until a target is set via the
	// control plane.
	TargetURL string

	// Mode is the starting platform mode: "proxy" forwards and learns,
	// "mock" serves synthesized responses. Default: proxy.
	Mode string

	// Profile is the starting chaos profile. One of: normal,
	// friday_afternoon, db_bottleneck, zombie_api. Default: normal.
	Profile string

	// LearningEnabled controls whether observed traffic updates the model.
	// Default: true.
	LearningEnabled bool

	// LearningBufferSize is the backlog level that triggers a learning
	// drain between ticks. Minimum 1. Default: 1.
	LearningBufferSize int

	// DataDir holds the SQLite database and the JSON state documents for
	// the detector and schema registry. Default: ./data.
	DataDir string

	// UpstreamTimeout bounds every forwarded request. Default: 60s.
	UpstreamTimeout time.Duration

	// CircuitBreaker controls the upstream circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// CircuitBreakerConfig controls the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which failures are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// DatabasePath returns the SQLite file location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "platform.db")
}

// DetectorStatePath returns the detector JSON document location.
func (c *Config) DetectorStatePath() string {
	return filepath.Join(c.DataDir, "detector.json")
}

// SchemaRegistryPath returns the schema registry JSON document location.
func (c *Config) SchemaRegistryPath() string {
	return filepath.Join(c.DataDir, "schemas.json")
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TARGET_URL", "")
	v.SetDefault("MODE", ModeProxy)
	v.SetDefault("PROFILE", "normal")
	v.SetDefault("LEARNING_ENABLED", true)
	v.SetDefault("LEARNING_BUFFER_SIZE", 1)
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("UPSTREAM_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		TargetURL:       strings.TrimRight(strings.TrimSpace(v.GetString("TARGET_URL")), "/"),
		Mode:            strings.ToLower(v.GetString("MODE")),
		Profile:         strings.ToLower(v.GetString("PROFILE")),
		LearningEnabled: v.GetBool("LEARNING_ENABLED"),

		LearningBufferSize: v.GetInt("LEARNING_BUFFER_SIZE"),
		DataDir:            v.GetString("DATA_DIR"),
		UpstreamTimeout:    v.GetDuration("UPSTREAM_TIMEOUT"),

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidTargetURL reports whether s is an acceptable upstream base URL.
func ValidTargetURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.TargetURL != "" && !ValidTargetURL(c.TargetURL) {
		return fmt.Errorf("config: invalid TARGET_URL %q; must start with http:// or https://", c.TargetURL)
	}

	switch c.Mode {
	case ModeProxy, ModeMock:
	default:
		return fmt.Errorf("config: invalid MODE %q; must be %q or %q", c.Mode, ModeProxy, ModeMock)
	}

	switch c.Profile {
	case "normal", "friday_afternoon", "db_bottleneck", "zombie_api":
	default:
		return fmt.Errorf(
			"config: invalid PROFILE %q; must be one of: normal, friday_afternoon, db_bottleneck, zombie_api",
			c.Profile,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.LearningBufferSize < 1 {
		return fmt.Errorf("config: LEARNING_BUFFER_SIZE must be ≥ 1, got %d", c.LearningBufferSize)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
