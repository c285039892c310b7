// Package app assembles the store, engine and logger for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/logger"
	"fieldline/internal/migrate"
)

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       *logger.Logger
}

// Options override what would otherwise come from fieldline.yml.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Log       *logger.Logger
}

// Open loads the workspace config, opens and migrates the store, and syncs the
// disposition catalog from config.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Store.DSN = opts.DSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logger.New(cfg.Env)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	eng.Log = log
	if _, err := eng.SyncDispositionCatalog(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sync disposition catalog: %w", err)
	}
	log.Debug("runtime ready", "driver", string(db.DialectOf(conn)), "workspace", opts.Workspace)
	return &Runtime{Workspace: opts.Workspace, Config: cfg, DB: conn, Engine: eng, Log: log}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
