package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glancehq/eventmesh/internal/adapters/config/file"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/storage/memory"
	"github.com/glancehq/eventmesh/internal/storage/sqldb"
)

// Option is a functional option for configuring a Mesh.
type Option func(*Mesh) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for
// changes.
func WithFileConfig(path string) Option {
	return func(m *Mesh) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		m.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider. For advanced use cases
// where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(m *Mesh) error {
		m.config = provider
		return nil
	}
}

// WithMemoryStorage keeps events, edges and bundles in process memory.
// Suited to tests and ephemeral deployments.
func WithMemoryStorage() Option {
	return func(m *Mesh) error {
		m.store = memory.New()
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(m *Mesh) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		m.store = store
		return nil
	}
}

// WithDatabase uses the generic SQL storage layer with the given driver
// ("sqlite" or "postgres") and DSN.
func WithDatabase(driver, dsn string) Option {
	return func(m *Mesh) error {
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
		if err != nil {
			return fmt.Errorf("create database storage: %w", err)
		}
		m.store = store
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(m *Mesh) error {
		m.store = provider
		return nil
	}
}

// WithErrorReporter sets a custom error reporter.
func WithErrorReporter(reporter ports.ErrorReporter) Option {
	return func(m *Mesh) error {
		m.reporter = reporter
		return nil
	}
}

// WithTokenCounter sets a custom token counter for bundle budgeting.
func WithTokenCounter(counter ports.TokenCounter) Option {
	return func(m *Mesh) error {
		m.tokens = counter
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mesh) error {
		m.logger = logger
		return nil
	}
}

// WithClock overrides the time source used across the mesh, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Mesh) error {
		m.clock = clock
		return nil
	}
}
