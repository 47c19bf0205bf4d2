package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines configuration for the cdnmigrate CLI.
type Config struct {
	// Input is the CSV file to read, or "-" for stdin.
	Input string `yaml:"input"`

	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`

	Workers int `yaml:"workers"`

	// RateLimit caps dispatches per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`

	// SourceColumns lists the CSV columns holding the source URL, in order
	// of preference.
	SourceColumns []string `yaml:"source_columns"`

	// NoProbe skips the HEAD request before each download.
	NoProbe bool `yaml:"no_probe"`

	// Progress is the status line interval. Zero disables it.
	Progress time.Duration `yaml:"progress"`

	Retry    RetryConfig   `yaml:"retry"`
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// RedisURL enables the single-run lock when set.
	RedisURL string `yaml:"redis_url"`

	AMQP AMQPConfig `yaml:"amqp"`
}

// StoreConfig selects the destination bucket and public URL layout.
type StoreConfig struct {
	// URL is a gocloud bucket URL. When empty it is built from Bucket and
	// Region, see Config.StoreURL.
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// CDNBase is the public base URL objects are served from.
	CDNBase string `yaml:"cdn_base"`

	Minio MinioConfig `yaml:"minio"`
}

// MinioConfig configures a direct S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DatabaseConfig locates the table being settled.
type DatabaseConfig struct {
	// URL is a full connection string. When empty one is built from the
	// discrete fields below, see Config.DSN.
	URL string `yaml:"url"`

	// Driver is "pgx" or "postgres" (lib/pq).
	Driver string `yaml:"driver"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	Table     string `yaml:"table"`
	IDColumn  string `yaml:"id_column"`
	URLColumn string `yaml:"url_column"`

	// PageSize is the number of updates sent per round trip.
	PageSize int `yaml:"page_size"`
}

// RetryConfig defines GET retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TimeoutConfig bounds the probe and download requests.
type TimeoutConfig struct {
	ProbeConnect time.Duration `yaml:"probe_connect"`
	ProbeRead    time.Duration `yaml:"probe_read"`
	FetchConnect time.Duration `yaml:"fetch_connect"`
	FetchRead    time.Duration `yaml:"fetch_read"`
}

// AMQPConfig enables url_changed events when URL is set.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// Supported database drivers.
const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

// EnvKeys lists every environment variable LoadFromEnv reads.
var EnvKeys = []string{
	"AWS_REGION", "S3_BUCKET", "S3_PREFIX", "CDN_BASE", "STORE_URL",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL",
	"PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
	"DATABASE_URL", "DB_DRIVER", "DB_TABLE", "ID_COLUMN", "URL_COLUMN",
	"CDNMIGRATE_WORKERS", "CDNMIGRATE_RATE_LIMIT", "CDNMIGRATE_PAGE_SIZE",
	"CDNMIGRATE_SOURCE_COLUMNS", "CDNMIGRATE_NO_PROBE", "CDNMIGRATE_RETRY_ATTEMPTS",
	"REDIS_URL", "AMQP_URL", "AMQP_QUEUE",
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Input: "-",
		Store: StoreConfig{
			Region: "us-east-1",
			Prefix: "chizuk/audio",
		},
		Database: DatabaseConfig{
			Driver:    DriverPgx,
			Port:      5432,
			Table:     "episodes",
			IDColumn:  "id",
			URLColumn: "audio_url",
			PageSize:  500,
		},
		Workers:       25,
		SourceColumns: []string{"audio_url"},
		Retry: RetryConfig{
			Attempts:   2,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			ProbeConnect: 5 * time.Second,
			ProbeRead:    15 * time.Second,
			FetchConnect: 15 * time.Second,
			FetchRead:    120 * time.Second,
		},
		AMQP: AMQPConfig{
			Queue: "cdnmigrate.url_changed",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of Default.
// Durations are written as Go duration strings, e.g. "15s".
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from the variables listed in EnvKeys.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"AWS_REGION":       &c.Store.Region,
		"S3_BUCKET":        &c.Store.Bucket,
		"S3_PREFIX":        &c.Store.Prefix,
		"CDN_BASE":         &c.Store.CDNBase,
		"STORE_URL":        &c.Store.URL,
		"MINIO_ENDPOINT":   &c.Store.Minio.Endpoint,
		"MINIO_ACCESS_KEY": &c.Store.Minio.AccessKey,
		"MINIO_SECRET_KEY": &c.Store.Minio.SecretKey,
		"PGHOST":           &c.Database.Host,
		"PGUSER":           &c.Database.User,
		"PGPASSWORD":       &c.Database.Password,
		"PGDATABASE":       &c.Database.Name,
		"PGSSLMODE":        &c.Database.SSLMode,
		"DATABASE_URL":     &c.Database.URL,
		"DB_DRIVER":        &c.Database.Driver,
		"DB_TABLE":         &c.Database.Table,
		"ID_COLUMN":        &c.Database.IDColumn,
		"URL_COLUMN":       &c.Database.URLColumn,
		"REDIS_URL":        &c.RedisURL,
		"AMQP_URL":         &c.AMQP.URL,
		"AMQP_QUEUE":       &c.AMQP.Queue,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PGPORT":                    &c.Database.Port,
		"CDNMIGRATE_WORKERS":        &c.Workers,
		"CDNMIGRATE_PAGE_SIZE":      &c.Database.PageSize,
		"CDNMIGRATE_RETRY_ATTEMPTS": &c.Retry.Attempts,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("CDNMIGRATE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse CDNMIGRATE_RATE_LIMIT: %w", err)
		}
		c.RateLimit = f
	}
	if v := os.Getenv("CDNMIGRATE_SOURCE_COLUMNS"); v != "" {
		c.SourceColumns = SplitList(v)
	}
	if v := os.Getenv("CDNMIGRATE_NO_PROBE"); v != "" {
		c.NoProbe = v == "true" || v == "1"
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.Store.Minio.UseSSL = v == "true" || v == "1"
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.URL == "" && c.Store.Bucket == "" {
		return errors.New("config: store URL or bucket is required")
	}
	if c.Store.Minio.Endpoint != "" && c.Store.Bucket == "" {
		return errors.New("config: bucket is required with a minio endpoint")
	}
	if c.Store.CDNBase == "" {
		return errors.New("config: CDN base URL is required")
	}
	if u, err := url.Parse(c.Store.CDNBase); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid CDN base URL %q", c.Store.CDNBase)
	}
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry attempts must not be negative")
	}
	if len(c.SourceColumns) == 0 {
		return errors.New("config: at least one source column is required")
	}
	return nil
}

// ValidateDatabase checks only the settlement settings.
func (c *Config) ValidateDatabase() error {
	if c.Database.URL == "" && c.Database.Host == "" {
		return errors.New("config: DATABASE_URL or PGHOST is required")
	}
	switch c.Database.Driver {
	case DriverPgx, DriverPq:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Table == "" || c.Database.IDColumn == "" || c.Database.URLColumn == "" {
		return errors.New("config: table, id column and url column are required")
	}
	if c.Database.PageSize <= 0 {
		return errors.New("config: page_size must be positive")
	}
	return nil
}

// StoreURL returns the gocloud bucket URL for the destination.
func (c *Config) StoreURL() string {
	if c.Store.URL != "" {
		return c.Store.URL
	}
	q := url.Values{}
	if c.Store.Region != "" {
		q.Set("region", c.Store.Region)
	}
	u := url.URL{Scheme: "s3", Host: c.Store.Bucket, RawQuery: q.Encode()}
	return u.String()
}

// DSN returns the database connection string.
func (c *Config) DSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	var parts []string
	add := func(k, v string) {
		if v == "" {
			return
		}
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		parts = append(parts, fmt.Sprintf("%s='%s'", k, v))
	}
	add("host", c.Database.Host)
	if c.Database.Port != 0 {
		add("port", strconv.Itoa(c.Database.Port))
	}
	add("user", c.Database.User)
	add("password", c.Database.Password)
	add("dbname", c.Database.Name)
	add("sslmode", c.Database.SSLMode)
	return strings.Join(parts, " ")
}

// Redacted returns a copy with secrets masked, for logging.
func (c Config) Redacted() Config {
	const mask = "xxxxx"
	if c.Database.Password != "" {
		c.Database.Password = mask
	}
	if c.Store.Minio.SecretKey != "" {
		c.Store.Minio.SecretKey = mask
	}
	c.Database.URL = redactURL(c.Database.URL)
	c.RedisURL = redactURL(c.RedisURL)
	c.AMQP.URL = redactURL(c.AMQP.URL)
	return c
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// SplitList splits a comma-separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
