package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/engine"
	"taskgraph/internal/logging"
	"taskgraph/internal/migrate"
)

// Options tune Open. Zero values read everything from the workspace.
type Options struct {
	Workspace string
	// Config overrides the workspace config file.
	Config *config.Config
	// LogLevel overrides config.log.level when set.
	LogLevel string
	LogOut   io.Writer
}

// Workspace is an opened taskgraph workspace: migrated database, loaded
// config and an engine holding the persisted graph.
type Workspace struct {
	Path   string
	Config *config.Config
	DB     *sql.DB
	Engine *engine.Engine
	Logger *slog.Logger
}

// Open resolves config, opens and migrates the workspace database, and
// restores the persisted graph into a fresh engine.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(cfg.Log.Format, level, opts.LogOut)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	schema, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("workspace opened", "path", db.Path(opts.Workspace), "schema", schema)
	e := engine.New(conn, cfg, logger)
	if err := e.Reload(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Path: opts.Workspace, Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
