// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/logging"
	"github.com/JakeFAU/jobmarket-crawler/internal/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. JOBCRAWLER_CRAWLER_BATCH_SIZE.
const EnvPrefix = "JOBCRAWLER"

// DefaultCountries is the search location list used when none is configured.
var DefaultCountries = []string{
	"United States", "Germany", "Canada", "Poland", "Finland",
	"Brazil", "Egypt", "Madagascar", "Morocco",
}

// Config captures all configuration knobs loaded via Viper. It is loaded once
// and passed by value.
type Config struct {
	Logging    logging.Config   `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Dimensions DimensionsConfig `mapstructure:"dimensions"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// DelayRange is a jittered wait, sampled uniformly in [Min, Max].
type DelayRange struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// CrawlerConfig governs pagination, pacing and dedup.
type CrawlerConfig struct {
	PageSize           int        `mapstructure:"page_size"`
	MaxConcurrent      int        `mapstructure:"max_concurrent"`
	BatchSize          int        `mapstructure:"batch_size"`
	RequestDelay       DelayRange `mapstructure:"request_delay"`
	BatchDelay         DelayRange `mapstructure:"batch_delay"`
	MaxRPS             float64    `mapstructure:"max_rps"`
	Burst              int        `mapstructure:"burst"`
	EmptyPageThreshold float64    `mapstructure:"empty_page_threshold"`
	MaxPagesPerQuery   int        `mapstructure:"max_pages_per_query"`
	DedupScope         string     `mapstructure:"dedup_scope"`
}

// RetryConfig selects the page retry policy.
type RetryConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// FetcherConfig configures how result pages are retrieved.
type FetcherConfig struct {
	Mode             string        `mapstructure:"mode"`
	Endpoint         string        `mapstructure:"endpoint"`
	Timeout          time.Duration `mapstructure:"timeout"`
	// AcceptLanguage pins the header; empty rotates it per request.
	AcceptLanguage   string        `mapstructure:"accept_language"`
	DatePosted       string        `mapstructure:"date_posted"`
	WorkplaceTypes   []string      `mapstructure:"workplace_types"`
	ExperienceLevels []string      `mapstructure:"experience_levels"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// DimensionsConfig lists the search space. Categories from DatasetPath are
// merged after the inline ones.
type DimensionsConfig struct {
	Countries   []string           `mapstructure:"countries"`
	DatasetPath string             `mapstructure:"dataset_path"`
	Categories  []crawler.Category `mapstructure:"categories"`
}

// CheckpointConfig locates the resume file.
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects the listing sink.
type StorageConfig struct {
	Sink      string         `mapstructure:"sink"`
	OutputDir string         `mapstructure:"output_dir"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the Postgres sink.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig controls the SQLite sink.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig configures the optional raw page archive.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig configures the run summary notification.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig configures the status/metrics listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from defaults, an optional file and the environment.
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawler.page_size", crawler.DefaultPageSize)
	v.SetDefault("crawler.max_concurrent", 3)
	v.SetDefault("crawler.batch_size", 5)
	v.SetDefault("crawler.request_delay.min", "1s")
	v.SetDefault("crawler.request_delay.max", "3s")
	v.SetDefault("crawler.batch_delay.min", "2s")
	v.SetDefault("crawler.batch_delay.max", "4s")
	v.SetDefault("crawler.max_rps", 0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.empty_page_threshold", 0.7)
	v.SetDefault("crawler.max_pages_per_query", 0)
	v.SetDefault("crawler.dedup_scope", "destination")

	v.SetDefault("retry.strategy", "fixed")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", "3s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("fetcher.mode", "http")
	v.SetDefault("fetcher.endpoint", "https://www.linkedin.com/jobs-guest/jobs/api/seeMoreJobPostings/search")
	v.SetDefault("fetcher.timeout", "10s")
	v.SetDefault("fetcher.date_posted", "any")

	v.SetDefault("headless.max_parallel", 1)

	v.SetDefault("dimensions.countries", DefaultCountries)

	v.SetDefault("checkpoint.path", "data/checkpoint.json")

	v.SetDefault("storage.sink", "csv")
	v.SetDefault("storage.output_dir", "data/collected")
	v.SetDefault("storage.postgres.table", "job_listings")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("storage.sqlite.path", "data/listings.db")

	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.topic", "crawl-runs")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("telemetry.service_name", "jobcrawler")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	cr := c.Crawler
	if cr.PageSize <= 0 {
		return crawler.NewConfigurationError("crawler.page_size", "must be > 0")
	}
	if cr.MaxConcurrent < 1 || cr.MaxConcurrent > 10 {
		return crawler.NewConfigurationError("crawler.max_concurrent", "must be within [1, 10], got %d", cr.MaxConcurrent)
	}
	if cr.BatchSize <= 0 {
		return crawler.NewConfigurationError("crawler.batch_size", "must be > 0")
	}
	if err := validateRange("crawler.request_delay", cr.RequestDelay); err != nil {
		return err
	}
	if err := validateRange("crawler.batch_delay", cr.BatchDelay); err != nil {
		return err
	}
	if cr.MaxRPS < 0 {
		return crawler.NewConfigurationError("crawler.max_rps", "must be >= 0")
	}
	if cr.EmptyPageThreshold <= 0 || cr.EmptyPageThreshold > 1 {
		return crawler.NewConfigurationError("crawler.empty_page_threshold", "must be within (0, 1], got %v", cr.EmptyPageThreshold)
	}
	if cr.MaxPagesPerQuery < 0 {
		return crawler.NewConfigurationError("crawler.max_pages_per_query", "must be >= 0")
	}
	if !oneOf(cr.DedupScope, "destination", "global") {
		return crawler.NewConfigurationError("crawler.dedup_scope", "unknown scope %q", cr.DedupScope)
	}

	if !oneOf(c.Retry.Strategy, "fixed", "exponential") {
		return crawler.NewConfigurationError("retry.strategy", "unknown strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return crawler.NewConfigurationError("retry.max_attempts", "must be >= 1")
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		return crawler.NewConfigurationError("retry.delay", "must be >= 0")
	}

	if !oneOf(c.Fetcher.Mode, "http", "headless") {
		return crawler.NewConfigurationError("fetcher.mode", "unknown mode %q", c.Fetcher.Mode)
	}
	if c.Fetcher.Timeout <= 0 {
		return crawler.NewConfigurationError("fetcher.timeout", "must be > 0")
	}
	if c.Fetcher.Mode == "headless" && c.Headless.MaxParallel <= 0 {
		return crawler.NewConfigurationError("headless.max_parallel", "must be > 0 when fetcher.mode is headless")
	}

	if len(c.Dimensions.Countries) == 0 {
		return crawler.NewConfigurationError("dimensions.countries", "must not be empty")
	}
	if len(c.Dimensions.Categories) == 0 && strings.TrimSpace(c.Dimensions.DatasetPath) == "" {
		return crawler.NewConfigurationError("dimensions.categories", "set categories or dataset_path")
	}
	if strings.TrimSpace(c.Checkpoint.Path) == "" {
		return crawler.NewConfigurationError("checkpoint.path", "is required")
	}

	switch c.Storage.Sink {
	case "csv":
		if strings.TrimSpace(c.Storage.OutputDir) == "" {
			return crawler.NewConfigurationError("storage.output_dir", "is required for the csv sink")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return crawler.NewConfigurationError("storage.postgres.dsn", "is required for the postgres sink")
		}
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return crawler.NewConfigurationError("storage.sqlite.path", "is required for the sqlite sink")
		}
	case "memory":
	default:
		return crawler.NewConfigurationError("storage.sink", "unknown sink %q", c.Storage.Sink)
	}

	switch c.Archive.Provider {
	case "none", "":
	case "local":
		if strings.TrimSpace(c.Archive.BaseDir) == "" {
			return crawler.NewConfigurationError("archive.base_dir", "is required for the local archive")
		}
	case "gcs":
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return crawler.NewConfigurationError("archive.bucket", "is required for the gcs archive")
		}
	default:
		return crawler.NewConfigurationError("archive.provider", "unknown provider %q", c.Archive.Provider)
	}

	switch c.Notify.Provider {
	case "none", "":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return crawler.NewConfigurationError("notify", "project_id and topic are required for pubsub")
		}
	default:
		return crawler.NewConfigurationError("notify.provider", "unknown provider %q", c.Notify.Provider)
	}
	return nil
}

func validateRange(field string, r DelayRange) error {
	if r.Min < 0 || r.Max < 0 {
		return crawler.NewConfigurationError(field, "must not be negative")
	}
	if r.Max < r.Min {
		return crawler.NewConfigurationError(field, "max %s is below min %s", r.Max, r.Min)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
