package patternd

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/patternd/internal/config"
	"github.com/ashita-ai/patternd/internal/storage"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds the overrides applied over environment config.
type resolvedOptions struct {
	cfg         *config.Config
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	store       storage.Store
	now         func() time.Time
}

// WithConfig uses cfg instead of loading configuration from the environment.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithPort overrides the TCP port from config (PATTERND_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). A "sqlite:" prefix selects the embedded store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore supplies an already-open store. The App takes ownership and
// closes it on Shutdown; DATABASE_URL is ignored.
func WithStore(s storage.Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithClock overrides the clock shared by the read path, the snapshot
// recorder and the batch jobs.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
