// Package config loads and validates gazette-sync configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// DateLayout is the format of sync.from and sync.to.
const DateLayout = "2006-01-02"

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Data    DataConfig    `mapstructure:"data"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Sources SourcesConfig `mapstructure:"sources"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Captcha CaptchaConfig `mapstructure:"captcha"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DataConfig locates the local artifact tree.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SyncConfig is the default range for the sync command.
type SyncConfig struct {
	From         string `mapstructure:"from"`
	To           string `mapstructure:"to"`
	ForceRefresh bool   `mapstructure:"force_refresh"`
}

// SourcesConfig enables sources and defines the generic postback adapters.
type SourcesConfig struct {
	Enabled     []string                    `mapstructure:"enabled"`
	Disabled    []string                    `mapstructure:"disabled"`
	Definitions map[string]SourceDefinition `mapstructure:"definitions"`
}

// Field is a name/value pair. Lists are used instead of maps because Viper
// lowercases map keys and form field names are case sensitive.
type Field struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Column maps a zero-based result cell to a metadata key.
type Column struct {
	Index int    `mapstructure:"index"`
	Key   string `mapstructure:"key"`
}

// SourceDefinition configures one postback portal.
type SourceDefinition struct {
	IdentifierPrefix string   `mapstructure:"identifier_prefix"`
	SearchURL        string   `mapstructure:"search_url"`
	FormSelector     string   `mapstructure:"form_selector"`
	Suppress         []string `mapstructure:"suppress"`
	PageSuppress     []string `mapstructure:"page_suppress"`
	// DateFields values are Go time layouts applied to the day.
	DateFields   []Field  `mapstructure:"date_fields"`
	StaticFields []Field  `mapstructure:"static_fields"`
	RowSelector  string   `mapstructure:"row_selector"`
	Columns      []Column `mapstructure:"columns"`
	IDColumn     int      `mapstructure:"id_column"`
	// LinkColumn holds the document anchor; nil when rows carry no link.
	LinkColumn *int `mapstructure:"link_column"`
	MaxPages   int  `mapstructure:"max_pages"`
	// Captcha is optional; when set the search is submitted through it.
	Captcha *SourceCaptcha `mapstructure:"captcha"`
}

// SourceCaptcha describes a portal's captcha gate.
type SourceCaptcha struct {
	ImageSelector string `mapstructure:"image_selector"`
	ImageURL      string `mapstructure:"image_url"`
	Field         string `mapstructure:"field"`
	FailureMarker string `mapstructure:"failure_marker"`
	SubmitURL     string `mapstructure:"submit_url"`
}

// HTTPConfig configures the session client.
type HTTPConfig struct {
	UserAgent         string             `mapstructure:"user_agent"`
	TimeoutSeconds    int                `mapstructure:"timeout_seconds"`
	MaxAttempts       int                `mapstructure:"max_attempts"`
	BackoffSeconds    float64            `mapstructure:"backoff_seconds"`
	BackoffGrowth     float64            `mapstructure:"backoff_growth"`
	RetryableStatuses []int              `mapstructure:"retryable_statuses"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second"`
	Burst             int                `mapstructure:"burst"`
	HostRPS           map[string]float64 `mapstructure:"host_rps"`
}

// CaptchaConfig locates the external solver.
type CaptchaConfig struct {
	SolverCommand string   `mapstructure:"solver_command"`
	SolverArgs    []string `mapstructure:"solver_args"`
	MaxAttempts   int      `mapstructure:"max_attempts"`
}

// CrawlerConfig governs orchestration.
type CrawlerConfig struct {
	MaxParallelSources int `mapstructure:"max_parallel_sources"`
	DeadlineMinutes    int `mapstructure:"deadline_minutes"`
	QueueDepth         int `mapstructure:"queue_depth"`
	RecordRetries      int `mapstructure:"record_retries"`
}

// DBConfig controls the optional sync ledger.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	LedgerTable string `mapstructure:"ledger_table"`
}

// PubSubConfig holds metadata for artifact notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
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

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk and GAZETTE_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GAZETTE")
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
	v.SetDefault("data.dir", "data")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.timeout_seconds", 300)
	v.SetDefault("http.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("http.backoff_seconds", crawler.DefaultBackoffBase.Seconds())
	v.SetDefault("http.backoff_growth", crawler.DefaultBackoffGrowth)
	v.SetDefault("http.retryable_statuses", crawler.DefaultRetryableStatuses)
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("captcha.max_attempts", 10)
	v.SetDefault("crawler.max_parallel_sources", 0)
	v.SetDefault("crawler.deadline_minutes", 0)
	v.SetDefault("crawler.queue_depth", 16)
	v.SetDefault("crawler.record_retries", 3)
	v.SetDefault("db.ledger_table", "sync_ledger")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Data.Dir) == "" {
			return errors.New("data.dir must be set for the local storage backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs storage backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 {
		return errors.New("http.max_attempts must be >= 1")
	}
	if c.HTTP.BackoffSeconds < 0 || c.HTTP.BackoffGrowth < 0 {
		return errors.New("http backoff must be >= 0")
	}
	if c.Crawler.MaxParallelSources < 0 {
		return errors.New("crawler.max_parallel_sources must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if _, _, err := c.Sync.Range(time.Now()); err != nil {
		return err
	}
	for name, def := range c.Sources.Definitions {
		if err := def.validate(); err != nil {
			return fmt.Errorf("sources.definitions.%s: %w", name, err)
		}
		if def.Captcha != nil && c.Captcha.SolverCommand == "" {
			return fmt.Errorf("sources.definitions.%s: captcha.solver_command must be set", name)
		}
	}
	return nil
}

func (d SourceDefinition) validate() error {
	if d.SearchURL == "" {
		return errors.New("search_url is required")
	}
	if d.RowSelector == "" {
		return errors.New("row_selector is required")
	}
	if d.IDColumn < 0 {
		return errors.New("id_column must be >= 0")
	}
	if d.LinkColumn != nil && *d.LinkColumn < 0 {
		return errors.New("link_column must be >= 0")
	}
	for _, col := range d.Columns {
		if col.Index < 0 || col.Key == "" {
			return fmt.Errorf("column %d needs a non-negative index and a key", col.Index)
		}
	}
	if d.Captcha != nil {
		if d.Captcha.Field == "" {
			return errors.New("captcha.field is required")
		}
		if d.Captcha.ImageSelector == "" && d.Captcha.ImageURL == "" {
			return errors.New("captcha needs image_selector or image_url")
		}
	}
	return nil
}

// Range parses sync.from and sync.to. A missing bound defaults to the day
// of now; a missing from defaults to to.
func (s SyncConfig) Range(now time.Time) (time.Time, time.Time, error) {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	to := today
	if s.To != "" {
		t, err := time.Parse(DateLayout, s.To)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("sync.to: %w", err)
		}
		to = t
	}
	from := to
	if s.From != "" {
		f, err := time.Parse(DateLayout, s.From)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("sync.from: %w", err)
		}
		from = f
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("sync.from %s is after sync.to %s", from.Format(DateLayout), to.Format(DateLayout))
	}
	return from, to, nil
}

// RetryPolicy converts the http section into a crawler.RetryPolicy.
func (h HTTPConfig) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxAttempts:       h.MaxAttempts,
		BackoffBase:       time.Duration(h.BackoffSeconds * float64(time.Second)),
		BackoffGrowth:     h.BackoffGrowth,
		RetryableStatuses: h.RetryableStatuses,
	}
}

// Timeout is the per-request timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Deadline is the wall-clock budget of one run; zero means none.
func (c CrawlerConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMinutes) * time.Minute
}
