package atsume

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	memoryOnly      bool
	logger          *slog.Logger
	version         string
	connectors      map[string]Connector
	descriptors     []ArenaDescriptor
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config
// (ATSUME_DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url; o.memoryOnly = false }
}

// WithMemoryStore ignores any configured database and keeps runs, query
// designs and credits in process memory. Nothing survives a restart.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.databaseURL = ""; o.memoryOnly = true }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConnector mounts c for platform. The platform must be in the default
// catalog or added with WithArena. Registering a platform twice keeps the
// last connector.
func WithConnector(platform string, c Connector) Option {
	return func(o *resolvedOptions) {
		if o.connectors == nil {
			o.connectors = make(map[string]Connector)
		}
		o.connectors[platform] = c
	}
}

// WithArena adds a descriptor to the registry alongside the default
// catalog. Construction fails if the platform name is already taken.
func WithArena(d ArenaDescriptor) Option {
	return func(o *resolvedOptions) { o.descriptors = append(o.descriptors, d) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems are applied in
// registration order. Ignored without a database.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
