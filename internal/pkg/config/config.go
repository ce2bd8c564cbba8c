package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Bus       BusConfig       `koanf:"bus"`
	Extractor ExtractorConfig `koanf:"extractor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Reporter  ReporterConfig  `koanf:"reporter"`
}

type ServerConfig struct {
	Port int `koanf:"port"`

	// AdminToken, when set, is required as a bearer token on every control
	// plane route.
	AdminToken string `koanf:"admin_token"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, database
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type BusConfig struct {
	// SafeMode suppresses cross-component fan-out while leaving
	// documentation unaffected. Hot-reloadable.
	SafeMode bool `koanf:"safe_mode"`

	// AutoDocument lists topic names and patterns whose events are
	// documented regardless of the producer's flag. Hot-reloadable.
	AutoDocument []string `koanf:"auto_document"`

	// DefaultOwner is stamped onto documented events published without one.
	DefaultOwner string `koanf:"default_owner"`

	Journal JournalConfig `koanf:"journal"`
}

// JournalConfig tunes the async hand-off from bus to store.
type JournalConfig struct {
	QueueSize      int    `koanf:"queue_size"`
	MaxAttempts    int    `koanf:"max_attempts"`
	RetryBase      string `koanf:"retry_base"`      // Duration string like "100ms"
	EnqueueTimeout string `koanf:"enqueue_timeout"` // Duration string like "2s"
}

type ExtractorConfig struct {
	// MaxGap skips pairs farther apart than this duration. "0s" means no
	// restriction beyond sharing the window.
	MaxGap string `koanf:"max_gap"`

	// Themes overrides the built-in theme keyword map when non-empty.
	Themes map[string][]string `koanf:"themes"`
}

type SchedulerConfig struct {
	Enabled bool `koanf:"enabled"`

	// Schedule is a cron expression for bundle materialization runs.
	Schedule string `koanf:"schedule"`

	// Windows lists the bundle windows to materialize per run.
	Windows []string `koanf:"windows"`
}

type ReporterConfig struct {
	Type    string        `koanf:"type"` // log, webhook
	Webhook WebhookConfig `koanf:"webhook"`
}

type WebhookConfig struct {
	URL     string `koanf:"url"`
	Timeout string `koanf:"timeout"` // Duration string like "5s"
	Retries int    `koanf:"retries"`

	// BlockPrivate refuses report deliveries to loopback, private and
	// link-local addresses.
	BlockPrivate bool `koanf:"block_private"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory, then applies MESH_
// environment overrides.
func Load() (*Config, error) {
	return LoadFromPath("config.yaml")
}

// LoadFromPath reads the given yaml file, then applies MESH_ environment
// overrides. A missing file is not an error; env and defaults still apply.
func LoadFromPath(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("MESH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MESH_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "eventmesh.db")
	}
	if !k.Exists("bus.journal.queue_size") {
		k.Set("bus.journal.queue_size", 256)
	}
	if !k.Exists("bus.journal.max_attempts") {
		k.Set("bus.journal.max_attempts", 5)
	}
	if !k.Exists("scheduler.schedule") {
		k.Set("scheduler.schedule", "0 */6 * * *")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secrets-bearing fields
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Reporter.Webhook.URL = substituteEnvVars(cfg.Reporter.Webhook.URL)
	cfg.Server.AdminToken = substituteEnvVars(cfg.Server.AdminToken)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Duration parses a duration string field, falling back when empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
