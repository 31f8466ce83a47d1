package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Failure policies applied by trigger hosts to load_failed results.
const (
	OnFailureAbsorb = "absorb" // acknowledge the notification anyway
	OnFailureRetry  = "retry"  // leave the notification for redelivery
)

// DefaultConnectionEnv is the environment variable consulted for the database
// connection string when no secret provides one.
const DefaultConnectionEnv = "AzureSQLConnStr"

// Duration wraps time.Duration for TOML unmarshalling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

// Config is the top-level structure parsed from blobload.toml.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Database DatabaseConfig `toml:"database"`
	Handler  HandlerConfig  `toml:"handler"`
	Watches  []WatchConfig  `toml:"watch"`
	path     string         // unexported: filesystem path of the config file
}

// Path returns the filesystem path this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory containing this config file.
func (c *Config) Dir() string {
	if c.path == "" {
		return "."
	}
	return filepath.Dir(c.path)
}

// LoggingConfig selects the log level and line format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // logfmt or json
}

// SecretsConfig locates the secrets store.
type SecretsConfig struct {
	File     string `toml:"file"`     // secrets.toml, or an age-encrypted secrets.toml.age
	Identity string `toml:"identity"` // age identity file, required for .age files
}

// DatabaseConfig describes the procedure call made for each qualifying blob.
type DatabaseConfig struct {
	Connection     string   `toml:"connection"`      // secret key holding the connection string
	ConnectionEnv  string   `toml:"connection_env"`  // env var fallback (default AzureSQLConnStr)
	Procedure      string   `toml:"procedure"`       // default dbo.BulkLoadFromAzure
	Parameter      string   `toml:"parameter"`       // default sourceFileName
	CommandTimeout Duration `toml:"command_timeout"` // default 180s
}

// HandlerConfig holds the trigger handler and host settings.
type HandlerConfig struct {
	Suffix        string `toml:"suffix"`         // default .csv, case-sensitive
	OnFailure     string `toml:"on_failure"`     // absorb (default) or retry
	MaxConcurrent int    `toml:"max_concurrent"` // 0 = unbounded
}

// WatchConfig defines one notification source. Exactly one of FTP, SQS or
// Kafka must be set.
type WatchConfig struct {
	Name       string            `toml:"name"`
	Connection string            `toml:"connection"` // overrides database.connection for this watch
	FTP        *FTPWatchConfig   `toml:"ftp"`
	SQS        *SQSWatchConfig   `toml:"sqs"`
	Kafka      *KafkaWatchConfig `toml:"kafka"`
}

// Type returns "ftp", "sqs", "kafka", or "" when no source is set.
func (w *WatchConfig) Type() string {
	switch {
	case w.FTP != nil:
		return "ftp"
	case w.SQS != nil:
		return "sqs"
	case w.Kafka != nil:
		return "kafka"
	default:
		return ""
	}
}

// FTPWatchConfig polls an FTP directory for new files.
type FTPWatchConfig struct {
	Secret         string   `toml:"secret"` // structured secret with host, user, password[, port, tls]
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	User           string   `toml:"user"`
	PasswordSecret string   `toml:"password_secret"`
	TLS            bool     `toml:"tls"`
	Directory      string   `toml:"directory"`
	Pattern        string   `toml:"pattern"`
	ArchiveDir     string   `toml:"archive_dir"`
	PollInterval   Duration `toml:"poll_interval"`
	Schedule       string   `toml:"schedule"` // cron expression, replaces poll_interval
	StableSeconds  int      `toml:"stable_seconds"`
}

// SQSWatchConfig consumes S3 event notifications from an SQS queue.
type SQSWatchConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	Bucket            string `toml:"bucket"`
	Prefix            string `toml:"prefix"`
	ArchivePrefix     string `toml:"archive_prefix"`
	WaitTimeSeconds   int32  `toml:"wait_time_seconds"`
	VisibilityTimeout int32  `toml:"visibility_timeout"`
	MaxMessages       int32  `toml:"max_messages"`
}

// KafkaWatchConfig consumes S3-format bucket notifications from a Kafka topic,
// as published by MinIO or Ceph RGW.
type KafkaWatchConfig struct {
	Brokers       []string `toml:"brokers"`
	Topic         string   `toml:"topic"`
	GroupID       string   `toml:"group_id"`
	Bucket        string   `toml:"bucket"`
	Prefix        string   `toml:"prefix"`
	ArchivePrefix string   `toml:"archive_prefix"`
	S3Endpoint    string   `toml:"s3_endpoint"` // for archive_prefix against non-AWS stores
	Region        string   `toml:"region"`
}

// Default returns a configuration with no watches and every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load parses a blobload.toml file and applies defaults.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", absPath, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", absPath, err)
	}
	cfg.path = absPath

	// Make relative paths absolute relative to the config file
	dir := cfg.Dir()
	if cfg.Secrets.File != "" && !filepath.IsAbs(cfg.Secrets.File) {
		cfg.Secrets.File = filepath.Join(dir, cfg.Secrets.File)
	}
	if cfg.Secrets.Identity != "" && !filepath.IsAbs(cfg.Secrets.Identity) {
		cfg.Secrets.Identity = filepath.Join(dir, cfg.Secrets.Identity)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Database procedure defaults are left to
// the loader so an explicit empty value and an omitted one behave the same.
func (c *Config) ApplyDefaults() {
	if c.Database.ConnectionEnv == "" {
		c.Database.ConnectionEnv = DefaultConnectionEnv
	}
	if c.Handler.OnFailure == "" {
		c.Handler.OnFailure = OnFailureAbsorb
	}

	for i := range c.Watches {
		w := &c.Watches[i]
		if w.FTP != nil {
			if w.FTP.Port == 0 {
				w.FTP.Port = 21
			}
			if w.FTP.PollInterval.Duration == 0 {
				w.FTP.PollInterval.Duration = 30 * time.Second
			}
			if w.FTP.StableSeconds == 0 {
				w.FTP.StableSeconds = 30
			}
		}
		if w.SQS != nil {
			if w.SQS.WaitTimeSeconds == 0 {
				w.SQS.WaitTimeSeconds = 20
			}
			if w.SQS.MaxMessages == 0 {
				w.SQS.MaxMessages = 10
			}
			if w.SQS.VisibilityTimeout == 0 {
				w.SQS.VisibilityTimeout = 300
			}
		}
		if w.Kafka != nil && w.Kafka.GroupID == "" {
			w.Kafka.GroupID = "blobload-" + w.Name
		}
	}
}

// SecretsResolver resolves secrets by watch scope.
type SecretsResolver interface {
	Resolve(scope, key string) (string, error)
}

// ConnString returns the database connection string for a watch: the secret
// named by the watch's connection key (or database.connection), then the
// connection_env environment variable. A configured key that does not
// resolve is an error unless the environment variable is set. Returns "" when
// nothing provides one; the handler reports that when a blob actually needs
// loading.
func (c *Config) ConnString(watch, key string, store SecretsResolver) (string, error) {
	if key == "" {
		key = c.Database.Connection
	}
	var env string
	if c.Database.ConnectionEnv != "" {
		env = os.Getenv(c.Database.ConnectionEnv)
	}
	if key != "" && store != nil {
		val, err := store.Resolve(watch, key)
		if err == nil {
			return val, nil
		}
		if env == "" {
			return "", fmt.Errorf("connection secret %q: %w", key, err)
		}
	}
	return env, nil
}
