package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultDisplayTimezone is the civil timezone dashboard dates are reckoned in.
const DefaultDisplayTimezone = "America/Costa_Rica"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Airtable  AirtableConfig  `yaml:"airtable"`
	Mailchimp MailchimpConfig `yaml:"mailchimp"`
	Brevo     BrevoConfig     `yaml:"brevo"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Senders   SendersConfig   `yaml:"senders"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Display   DisplayConfig   `yaml:"display"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarehouseConfig holds the Postgres warehouse connection settings.
type WarehouseConfig struct {
	DatabaseURL    string `yaml:"database_url"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MinIdleConns   int    `yaml:"min_idle_conns"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Strict makes a missing DatabaseURL a startup failure instead of
	// running in SOR-only / file-based mode.
	Strict bool `yaml:"strict"`
}

// Enabled reports whether a warehouse is configured.
func (c WarehouseConfig) Enabled() bool { return c.DatabaseURL != "" }

// Timeout returns the per-query timeout.
func (c WarehouseConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AirtableConfig holds system-of-record credentials.
type AirtableConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseID         string `yaml:"base_id"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Enabled reports whether the SOR is configured.
func (c AirtableConfig) Enabled() bool { return c.APIKey != "" && c.BaseID != "" }

// Timeout returns the per-page timeout.
func (c AirtableConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailchimpConfig holds mail provider A settings.
type MailchimpConfig struct {
	APIKey         string `yaml:"api_key"`
	ListID         string `yaml:"list_id"`
	DC             string `yaml:"dc"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Enabled reports whether Mailchimp lookups are configured.
func (c MailchimpConfig) Enabled() bool { return c.APIKey != "" }

// Datacenter returns the configured DC, falling back to the key suffix
// ("...-us21" → "us21").
func (c MailchimpConfig) Datacenter() string {
	if c.DC != "" {
		return c.DC
	}
	if i := strings.LastIndex(c.APIKey, "-"); i >= 0 {
		return c.APIKey[i+1:]
	}
	return ""
}

// Timeout returns the per-request timeout.
func (c MailchimpConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BrevoConfig holds mail provider B settings.
type BrevoConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Enabled reports whether Brevo lookups are configured.
func (c BrevoConfig) Enabled() bool { return c.APIKey != "" }

// Timeout returns the per-request timeout.
func (c BrevoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds bearer-token and webhook secrets.
type AuthConfig struct {
	SecretKey        string `yaml:"secret_key"`
	WebhookSecretKey string `yaml:"webhook_secret_key"`
	// DevMode disables bearer auth on the API (local development only).
	DevMode bool `yaml:"dev_mode"`
}

// RedisConfig holds the optional Redis used for locks and the share store.
type RedisConfig struct {
	URL string `yaml:"url"`

	// ShareMaxTTLHours caps shared view lifetimes; 0 means no cap.
	ShareMaxTTLHours int `yaml:"share_max_ttl_hours"`
}

// SendersConfig holds Gmail sender pool and pacing settings.
type SendersConfig struct {
	FromName          string   `yaml:"from_name"`
	CredentialsRoot   string   `yaml:"credentials_root"`
	TokenDir          string   `yaml:"token_dir"`
	GmailAPIBaseURL   string   `yaml:"gmail_api_base_url"`
	CampaignDataDir   string   `yaml:"campaign_data_dir"`
	TargetsDir        string   `yaml:"targets_dir"`
	SentLogDir        string   `yaml:"sent_log_dir"`
	FileMode          bool     `yaml:"file_mode"`
	ExcludeTags       []string `yaml:"exclude_tags"`
	JitterMinMillis   int      `yaml:"jitter_min_ms"`
	JitterMaxMillis   int      `yaml:"jitter_max_ms"`
	PauseMinSeconds   int      `yaml:"pause_min_seconds"`
	PauseMaxSeconds   int      `yaml:"pause_max_seconds"`
	CheckIntervalSecs int      `yaml:"check_interval_seconds"`
}

// CheckInterval is the period of the email campaign check job.
func (c SendersConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	IntervalMinutes  int `yaml:"interval_minutes"`
	IncrementalChunk int `yaml:"incremental_chunk"`
	HistoricalChunk  int `yaml:"historical_chunk"`
	MaxReadRetries   int `yaml:"max_read_retries"`
}

// Interval is the period of the data sync job.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// StorageConfig holds blob storage settings for recipient CSV artifacts.
type StorageConfig struct {
	TargetsBucket string `yaml:"targets_bucket"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
}

// DisplayConfig holds the display timezone.
type DisplayConfig struct {
	Timezone string `yaml:"timezone"`
}

// Location loads the display timezone. Never falls back to time.Local.
func (c DisplayConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load display timezone %q: %w", c.Timezone, apperr.ErrFatal)
	}
	return loc, nil
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so the service can run purely from environment variables.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	if cfg.Warehouse.MaxOpenConns == 0 {
		cfg.Warehouse.MaxOpenConns = 10
	}
	if cfg.Warehouse.MinIdleConns == 0 {
		cfg.Warehouse.MinIdleConns = 1
	}
	if cfg.Warehouse.TimeoutSeconds == 0 {
		cfg.Warehouse.TimeoutSeconds = 10
	}
	if cfg.Airtable.BaseURL == "" {
		cfg.Airtable.BaseURL = "https://api.airtable.com/v0"
	}
	if cfg.Airtable.TimeoutSeconds == 0 {
		cfg.Airtable.TimeoutSeconds = 30
	}
	if cfg.Mailchimp.TimeoutSeconds == 0 {
		cfg.Mailchimp.TimeoutSeconds = 15
	}
	if cfg.Brevo.BaseURL == "" {
		cfg.Brevo.BaseURL = "https://api.brevo.com/v3"
	}
	if cfg.Brevo.TimeoutSeconds == 0 {
		cfg.Brevo.TimeoutSeconds = 15
	}
	if cfg.Senders.FromName == "" {
		cfg.Senders.FromName = "Animal Rescue"
	}
	if cfg.Senders.CredentialsRoot == "" {
		cfg.Senders.CredentialsRoot = "credentials"
	}
	if cfg.Senders.TokenDir == "" {
		cfg.Senders.TokenDir = "."
	}
	if cfg.Senders.GmailAPIBaseURL == "" {
		cfg.Senders.GmailAPIBaseURL = "https://gmail.googleapis.com/gmail/v1"
	}
	if cfg.Senders.CampaignDataDir == "" {
		cfg.Senders.CampaignDataDir = "campaign_data"
	}
	if cfg.Senders.TargetsDir == "" {
		cfg.Senders.TargetsDir = "campaign_targets"
	}
	if cfg.Senders.SentLogDir == "" {
		cfg.Senders.SentLogDir = "sent_logs"
	}
	if cfg.Senders.JitterMinMillis == 0 {
		cfg.Senders.JitterMinMillis = 500
	}
	if cfg.Senders.JitterMaxMillis == 0 {
		cfg.Senders.JitterMaxMillis = 1000
	}
	if cfg.Senders.PauseMinSeconds == 0 {
		cfg.Senders.PauseMinSeconds = 10
	}
	if cfg.Senders.PauseMaxSeconds == 0 {
		cfg.Senders.PauseMaxSeconds = 25
	}
	if cfg.Senders.CheckIntervalSecs == 0 {
		cfg.Senders.CheckIntervalSecs = 60
	}
	if cfg.Sync.IntervalMinutes == 0 {
		cfg.Sync.IntervalMinutes = 10
	}
	if cfg.Sync.IncrementalChunk == 0 {
		cfg.Sync.IncrementalChunk = 100
	}
	if cfg.Sync.HistoricalChunk == 0 {
		cfg.Sync.HistoricalChunk = 1000
	}
	if cfg.Sync.MaxReadRetries == 0 {
		cfg.Sync.MaxReadRetries = 4
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Display.Timezone == "" {
		cfg.Display.Timezone = DefaultDisplayTimezone
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Warehouse.DatabaseURL, "SUPABASE_DATABASE_URL")
	setBool(&cfg.Warehouse.Strict, "STRICT_WAREHOUSE")
	setString(&cfg.Airtable.APIKey, "AIRTABLE_API_KEY")
	setString(&cfg.Airtable.BaseID, "AIRTABLE_BASE_ID")
	setString(&cfg.Mailchimp.APIKey, "MAILCHIMP_API_KEY")
	setString(&cfg.Mailchimp.ListID, "MAILCHIMP_LIST_ID")
	setString(&cfg.Mailchimp.DC, "MAILCHIMP_DC")
	setString(&cfg.Brevo.APIKey, "BREVO_API_KEY")
	setString(&cfg.Auth.SecretKey, "SECRET_KEY")
	setString(&cfg.Auth.WebhookSecretKey, "WEBHOOK_SECRET_KEY")
	setBool(&cfg.Auth.DevMode, "DEV_MODE")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Senders.CredentialsRoot, "CREDENTIALS_ROOT")
	setString(&cfg.Senders.TokenDir, "TOKEN_DIR")
	setBool(&cfg.Senders.FileMode, "SENDER_FILE_MODE")
	setString(&cfg.Senders.FromName, "SENDER_FROM_NAME")
	setString(&cfg.Storage.TargetsBucket, "CAMPAIGN_TARGETS_BUCKET")
	setString(&cfg.Storage.AWSRegion, "AWS_REGION")
	setString(&cfg.Display.Timezone, "DISPLAY_TIMEZONE")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Without a warehouse the legacy file-based campaign store is the only
	// place scheduled campaigns can live.
	if !cfg.Warehouse.Enabled() {
		cfg.Senders.FileMode = true
	}

	return cfg, nil
}

// Validate checks for unrecoverable startup problems.
func (c *Config) Validate() error {
	if c.Warehouse.Strict && !c.Warehouse.Enabled() {
		return fmt.Errorf("SUPABASE_DATABASE_URL is required in strict mode: %w", apperr.ErrFatal)
	}
	if _, err := c.Display.Location(); err != nil {
		return err
	}
	if c.Senders.JitterMinMillis > c.Senders.JitterMaxMillis || c.Senders.PauseMinSeconds > c.Senders.PauseMaxSeconds {
		return fmt.Errorf("sender pacing bounds are inverted: %w", apperr.ErrFatal)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
