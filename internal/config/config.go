// Package config loads and validates lien crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/logging"
)

// EnvPrefix namespaces environment overrides (LIENCRAWLER_SERVER_PORT, ...).
const EnvPrefix = "LIENCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig    `mapstructure:"server"`
	Auth          AuthConfig      `mapstructure:"auth"`
	HTTP          HTTPConfig      `mapstructure:"http"`
	Headless      HeadlessConfig  `mapstructure:"headless"`
	Storage       StorageConfig   `mapstructure:"storage"`
	DB            DBConfig        `mapstructure:"db"`
	PubSub        PubSubConfig    `mapstructure:"pubsub"`
	Ledger        LedgerConfig    `mapstructure:"ledger"`
	Run           RunConfig       `mapstructure:"run"`
	EventLog      EventLogConfig  `mapstructure:"eventlog"`
	Reconcile     ReconcileConfig `mapstructure:"reconcile"`
	Logging       logging.Config  `mapstructure:"logging"`
	Jurisdictions []lien.Profile  `mapstructure:"jurisdictions"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures outbound HTTP behavior shared by search and document fetches.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HeadlessConfig configures the chromedp browser used for browser-mode search and PDF capture.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects the document blob backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"gcs_bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the relational database. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds the Pub/Sub coordinates for the ledger sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LedgerConfig controls the background external-ledger syncer.
type LedgerConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms"`
	BatchSize      int  `mapstructure:"batch_size"`
}

// PollInterval returns PollIntervalMs as a duration.
func (c LedgerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RunConfig governs orchestrator behavior.
type RunConfig struct {
	OverThresholdAmount string `mapstructure:"over_threshold_amount"`
	LookbackDays        int    `mapstructure:"lookback_days"`
	RecoverOrphans      bool   `mapstructure:"recover_orphans"`
}

// Threshold parses OverThresholdAmount. Validate guarantees it parses.
func (c RunConfig) Threshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.OverThresholdAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// EventLogConfig controls buffering for system log entries.
type EventLogConfig struct {
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch"`
	MaxWaitMs     int  `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	LogEnabled    bool `mapstructure:"log_enabled"`
}

// ReconcileConfig sets the windows the reconciler counts record creation over.
type ReconcileConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 &&
		os.Getenv(EnvPrefix+"_SERVER_PORT") == "" && !v.InConfig("server.port") {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.max_body_bytes", 50<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("db.migrate", true)
	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.poll_interval_ms", 30000)
	v.SetDefault("ledger.batch_size", 25)
	v.SetDefault("run.over_threshold_amount", "20000.00")
	v.SetDefault("run.lookback_days", 1)
	v.SetDefault("run.recover_orphans", true)
	v.SetDefault("eventlog.buffer_size", 1024)
	v.SetDefault("eventlog.max_batch", 100)
	v.SetDefault("eventlog.max_wait_ms", 500)
	v.SetDefault("eventlog.sink_timeout_ms", 5000)
	v.SetDefault("eventlog.log_enabled", true)
	v.SetDefault("reconcile.recent_window", 5*time.Minute)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Ledger.Enabled {
		if c.Ledger.PollIntervalMs <= 0 {
			return fmt.Errorf("ledger.poll_interval_ms must be > 0")
		}
		if c.Ledger.BatchSize <= 0 {
			return fmt.Errorf("ledger.batch_size must be > 0")
		}
	}
	if _, err := decimal.NewFromString(c.Run.OverThresholdAmount); err != nil {
		return fmt.Errorf("run.over_threshold_amount: %w", err)
	}
	if c.Run.LookbackDays < 0 {
		return fmt.Errorf("run.lookback_days must be >= 0")
	}
	if c.Reconcile.RecentWindow <= 0 {
		return fmt.Errorf("reconcile.recent_window must be > 0")
	}
	return validateJurisdictions(c.Jurisdictions)
}

func validateJurisdictions(profiles []lien.Profile) error {
	seen := make(map[string]struct{}, len(profiles))
	var errs []error
	for _, p := range profiles {
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("jurisdictions: duplicate id %q", p.ID))
			continue
		}
		seen[p.ID] = struct{}{}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("jurisdictions: %w", err))
		}
	}
	return errors.Join(errs...)
}
