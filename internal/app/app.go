// Package app wires a workspace into a running skillgate: config, logger,
// frozen manifest, guard, kernel, store and engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"skillgate/internal/capability"
	"skillgate/internal/clock"
	"skillgate/internal/config"
	"skillgate/internal/db"
	"skillgate/internal/engine"
	"skillgate/internal/inbox"
	"skillgate/internal/kernel"
	"skillgate/internal/logging"
	"skillgate/internal/manifest"
	"skillgate/internal/migrate"
	"skillgate/internal/notify"
)

type Options struct {
	Workspace string
	// LogLevel overrides log.level from the config file.
	LogLevel string
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *zap.Logger
	Guard     *capability.Guard
	Kernel    *kernel.Kernel
	Engine    engine.Engine
}

// Init writes the default config and manifest into workspace. Existing files
// are kept unless force is set. It returns the paths it wrote.
func Init(workspace string, force bool) ([]string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	var written []string
	cfgPath := config.Path(workspace)
	if force || !exists(cfgPath) {
		if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
			return written, fmt.Errorf("write config: %w", err)
		}
		written = append(written, cfgPath)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return written, err
	}
	manifestPath := config.Resolve(workspace, cfg.Manifest.Path)
	if force || !exists(manifestPath) {
		if err := manifest.Save(manifestPath, manifest.DefaultFile()); err != nil {
			return written, fmt.Errorf("write manifest: %w", err)
		}
		written = append(written, manifestPath)
	}
	return written, nil
}

// Bootstrap opens the workspace. A missing config falls back to defaults and
// a missing manifest is seeded with the core skills.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ws := opts.Workspace
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		level := cfg.Log.Level
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		logger, err = logging.New(level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	manifestPath := config.Resolve(ws, cfg.Manifest.Path)
	if !exists(manifestPath) {
		if err := manifest.Save(manifestPath, manifest.DefaultFile()); err != nil {
			return nil, fmt.Errorf("seed manifest: %w", err)
		}
	}
	m, err := manifest.Load(manifestPath, reg)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	guard, err := capability.NewGuard(reg, cfg.Interactions, logger)
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(m, guard, logger)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", zap.Int("applied", applied), zap.String("path", db.Path(ws)))
	}
	eng, err := engine.New(conn, cfg, engine.Options{
		Workspace: ws,
		Manifest:  m,
		Notifier:  opts.Notifier,
		Clock:     opts.Clock,
		Logger:    logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened",
		zap.String("workspace", ws),
		zap.Int("manifest_version", m.Version()),
		zap.Int("skills", m.Len()),
		zap.String("vocabulary", reg.Version()),
	)
	return &App{Workspace: ws, Config: cfg, DB: conn, Logger: logger, Guard: guard, Kernel: k, Engine: eng}, nil
}

func (a *App) Scheduler() *engine.Scheduler {
	return engine.NewScheduler(a.Engine)
}

func (a *App) Inbox() *inbox.Watcher {
	w := inbox.NewWatcher(config.Resolve(a.Workspace, a.Config.Inbox.Dir), a.Engine, a.Logger)
	if a.Engine.Clock != nil {
		w.Clock = a.Engine.Clock
	}
	return w
}

func (a *App) Webhooks() *notify.Dispatcher {
	return notify.NewDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Engine.Clock, a.Logger)
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
