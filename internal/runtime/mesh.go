// Package runtime assembles and runs the event mesh: configuration,
// storage, the event bus, relationship extraction, the history service,
// the bundle scheduler and the HTTP control plane.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glancehq/eventmesh/internal/adapters/report/logreport"
	"github.com/glancehq/eventmesh/internal/adapters/report/webhook"
	"github.com/glancehq/eventmesh/internal/api/controlplane"
	"github.com/glancehq/eventmesh/internal/bus"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/extract"
	"github.com/glancehq/eventmesh/internal/history"
	"github.com/glancehq/eventmesh/internal/pkg/config"
	"github.com/glancehq/eventmesh/internal/pkg/safehttp"
	"github.com/glancehq/eventmesh/internal/scheduler"
	"github.com/glancehq/eventmesh/internal/server"
	"github.com/glancehq/eventmesh/internal/storage/memory"
	"github.com/glancehq/eventmesh/internal/storage/sqldb"
	"github.com/glancehq/eventmesh/internal/tokens"
)

// Mesh is the main entry point for running the event mesh. It manages
// configuration, the bus, storage, the history service and the HTTP server
// lifecycle. Mesh can be embedded in larger applications or run standalone.
type Mesh struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	store    ports.StorageProvider
	reporter ports.ErrorReporter
	tokens   ports.TokenCounter

	// Internal state
	bus       *bus.Bus
	history   *history.Service
	scheduler *scheduler.Scheduler
	server    *http.Server
	logger    *slog.Logger
	clock     func() time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Mesh with the given options. A config provider is
// required; storage and the error reporter fall back to whatever the loaded
// configuration names when not injected.
func New(opts ...Option) (*Mesh, error) {
	m := &Mesh{
		logger: slog.Default(),
		clock:  time.Now,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if m.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}

	if m.tokens == nil {
		m.tokens = tokens.NewCounter()
	}

	return m, nil
}

// Start loads configuration, builds the component graph and starts the
// HTTP server and, when enabled, the bundle scheduler.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)

	// Load initial config
	cfg, err := m.config.Load(m.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := m.initStorage(cfg); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	if err := m.initReporter(cfg); err != nil {
		return fmt.Errorf("init reporter: %w", err)
	}

	if err := m.initCore(cfg); err != nil {
		return fmt.Errorf("init core: %w", err)
	}

	if cfg.Scheduler.Enabled {
		m.scheduler = scheduler.New(m.store, m.history,
			scheduler.Config{Schedule: cfg.Scheduler.Schedule, Windows: cfg.Scheduler.Windows},
			scheduler.WithLogger(m.logger),
			scheduler.WithClock(m.clock))
		if err := m.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// Start HTTP server
	if err := m.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Watch for config changes
	go m.watchConfig()

	m.logger.Info("event mesh started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("safe_mode", m.bus.SafeMode()),
		slog.Bool("scheduler", cfg.Scheduler.Enabled))

	return nil
}

// Shutdown gracefully stops the mesh: scheduler first, then the HTTP
// server, then the bus so the journal drains into storage before the
// store closes.
func (m *Mesh) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("shutting down event mesh")

	if m.cancel != nil {
		m.cancel()
	}

	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	var firstErr error

	// Stop HTTP server
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			firstErr = err
		}
	}

	// Drain the journal before the store goes away.
	if m.bus != nil {
		if err := m.bus.Close(ctx); err != nil {
			m.logger.Error("failed to drain bus", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if m.config != nil {
		if err := m.config.Close(); err != nil {
			m.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	m.logger.Info("event mesh shutdown complete")
	return firstErr
}

// Bus exposes the event bus for embedding applications.
func (m *Mesh) Bus() *bus.Bus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bus
}

// History exposes the history query service for embedding applications.
func (m *Mesh) History() *history.Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history
}

// Store exposes the storage provider for embedding applications.
func (m *Mesh) Store() ports.StorageProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// watchConfig watches for config changes and applies the hot-reloadable
// subset.
func (m *Mesh) watchConfig() {
	onChange := func(newCfg *config.Config) {
		m.logger.Info("config changed, reloading")
		m.reload(newCfg)
	}

	if err := m.config.Watch(m.ctx, onChange); err != nil {
		if err != context.Canceled {
			m.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the hot-reloadable settings: safe mode and the
// auto-document topic list. Storage, port and scheduler changes require a
// restart.
func (m *Mesh) reload(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bus == nil {
		return
	}

	m.bus.SetSafeMode(cfg.Bus.SafeMode)
	m.bus.Registry().Replace(autoDocumentEntries(cfg))

	m.logger.Info("reload complete",
		slog.Bool("safe_mode", cfg.Bus.SafeMode),
		slog.Int("auto_document", len(cfg.Bus.AutoDocument)))
}

// initStorage resolves the storage provider from config unless one was
// injected via options.
func (m *Mesh) initStorage(cfg *config.Config) error {
	if m.store != nil {
		return nil
	}

	switch cfg.Storage.Type {
	case "memory":
		m.store = memory.New()
	case "database":
		store, err := sqldb.New(sqldb.Config{
			Driver: cfg.Storage.Database.Driver,
			DSN:    cfg.Storage.Database.DSN,
		})
		if err != nil {
			return err
		}
		m.store = store
	case "sqlite", "":
		store, err := sqldb.NewSQLite(cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		m.store = store
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	m.logger.Debug("storage initialized", slog.String("type", cfg.Storage.Type))
	return nil
}

// initReporter resolves the error reporter from config unless one was
// injected via options.
func (m *Mesh) initReporter(cfg *config.Config) error {
	if m.reporter != nil {
		return nil
	}

	switch cfg.Reporter.Type {
	case "webhook":
		timeout := config.Duration(cfg.Reporter.Webhook.Timeout, 5*time.Second)
		opts := []webhook.Option{webhook.WithLogger(m.logger)}
		if cfg.Reporter.Webhook.BlockPrivate {
			opts = append(opts, webhook.WithHTTPClient(safehttp.Client(timeout)))
		}
		reporter, err := webhook.NewReporter(webhook.Config{
			URL:     cfg.Reporter.Webhook.URL,
			Timeout: timeout,
			Retries: cfg.Reporter.Webhook.Retries,
		}, opts...)
		if err != nil {
			return err
		}
		m.reporter = reporter
	case "log", "":
		m.reporter = logreport.NewReporter(m.logger)
	default:
		return fmt.Errorf("unknown reporter type %q", cfg.Reporter.Type)
	}

	return nil
}

// initCore builds the bus, extractor and history service from config.
func (m *Mesh) initCore(cfg *config.Config) error {
	b, err := bus.New(m.store,
		bus.WithLogger(m.logger),
		bus.WithRegistry(newRegistry(cfg)),
		bus.WithSafeMode(cfg.Bus.SafeMode),
		bus.WithDefaultOwner(cfg.Bus.DefaultOwner),
		bus.WithClock(m.clock),
		bus.WithErrorReporter(m.reporter),
		bus.WithRetryPolicy(retryPolicy(cfg)),
		bus.WithQueueSize(cfg.Bus.Journal.QueueSize),
		bus.WithEnqueueTimeout(config.Duration(cfg.Bus.Journal.EnqueueTimeout, 0)))
	if err != nil {
		return err
	}
	m.bus = b

	extractor := extract.New(extract.Config{
		MaxGap: config.Duration(cfg.Extractor.MaxGap, 0),
		Themes: cfg.Extractor.Themes,
	})

	m.history = history.NewService(m.store, extractor,
		history.WithLogger(m.logger),
		history.WithClock(m.clock),
		history.WithTokenCounter(m.tokens))

	return nil
}

// startServer assembles the router and starts the HTTP server.
func (m *Mesh) startServer(cfg *config.Config) error {
	m.logger.Debug("starting HTTP server", slog.Int("port", cfg.Server.Port))

	router := server.NewRouter(server.Options{
		Logger:     m.logger,
		AdminToken: cfg.Server.AdminToken,
		SafeMode:   m.bus.SafeMode,
	})

	cp := controlplane.NewServer(controlplane.Options{
		Config:  cfg,
		Bus:     m.bus,
		Store:   m.store,
		History: m.history,
		Logger:  m.logger,
	})
	router.Mount("/", cp)

	m.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in background
	go func() {
		m.logger.Info("HTTP server listening", slog.Int("port", cfg.Server.Port))
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}
