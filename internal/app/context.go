package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cohortline/internal/config"
	"cohortline/internal/db"
	"cohortline/internal/engine"
	"cohortline/internal/logging"
	"cohortline/internal/metrics"
	"cohortline/internal/migrate"
)

type Options struct {
	Workspace string
	Driver    string
	DSN       string
	LogLevel  string
	JSONLogs  bool
}

// App bundles everything a command needs. Close releases the database.
type App struct {
	Engine   engine.Engine
	Config   *config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	handle   db.Handle
}

// ResolveConfig loads cohortline.yml from workspace, falling back to the
// defaults when the file does not exist.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// Open resolves config, opens and migrates the store, and wires the engine
// with logging and metrics.
func Open(opts Options) (*App, error) {
	log, err := logging.New(opts.LogLevel, opts.JSONLogs)
	if err != nil {
		return nil, err
	}
	cfg, err := ResolveConfig(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Driver == "" || opts.Driver == db.DriverSQLite {
		if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
			return nil, fmt.Errorf("ensure workspace: %w", err)
		}
	}
	h, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(h); err != nil {
		h.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := prometheus.NewRegistry()
	e := engine.New(h, cfg)
	e.Log = log.Named("engine")
	e.Metrics = metrics.New(reg)
	log.Debug("workspace opened", zap.String("workspace", opts.Workspace), zap.String("dialect", h.Dialect.String()))
	return &App{Engine: e, Config: cfg, Log: log, Registry: reg, handle: h}, nil
}

func (a *App) Close() error {
	_ = a.Log.Sync()
	return a.handle.Close()
}
