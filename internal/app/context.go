// Package app opens a workspace and wires the engine to its surfaces.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"taskmaster/internal/config"
	"taskmaster/internal/db"
	"taskmaster/internal/engine"
	"taskmaster/internal/migrate"
	"taskmaster/internal/notify"
	"taskmaster/internal/server"
)

const shutdownTimeout = 5 * time.Second

// Runtime is an opened workspace: database, config and a loaded engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Env       *config.Env
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// NewLogger builds the process logger at the env's level.
func NewLogger(w io.Writer, env *config.Env, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: env.SlogLevel()}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open prepares the workspace, migrates the database and restores the engine
// from it. A missing taskmaster.yml means defaults. TASKMASTER_EXECUTOR_URL
// overrides the configured executor endpoint.
func Open(ctx context.Context, workspace string, env *config.Env, logger *slog.Logger) (*Runtime, error) {
	if env == nil {
		env = &config.Env{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if env.ExecutorURL != "" {
		cfg.Executor.URL = env.ExecutorURL
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg, logger)
	if err := e.Load(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Env:       env,
		Engine:    e,
		Logger:    logger,
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Reload applies a changed config. The executor endpoint and webhooks keep
// their startup values.
func (rt *Runtime) Reload(cfg *config.Config) {
	if rt.Env.ExecutorURL != "" {
		cfg.Executor.URL = rt.Env.ExecutorURL
	}
	rt.Config = cfg
	rt.Engine.ApplyConfig(cfg)
}

// Serve runs the HTTP API with the webhook notifier, the periodic
// recalibration loop and the config watcher until ctx ends.
func (rt *Runtime) Serve(ctx context.Context, addr, basePath string) error {
	if rt.Env.JWTSecret == "" && !rt.Env.AllowRoleHeader {
		return errors.New("TASKMASTER_JWT_SECRET is required unless TASKMASTER_ALLOW_ROLE_HEADER is set")
	}
	if addr == "" {
		addr = rt.Env.Addr
	}
	if basePath == "" {
		basePath = rt.Env.BasePath
	}
	handler, err := server.New(server.Config{
		Engine:   rt.Engine,
		BasePath: basePath,
		Auth: server.AuthConfig{
			JWTSecret:       rt.Env.JWTSecret,
			AllowRoleHeader: rt.Env.AllowRoleHeader,
			Logger:          rt.Logger,
		},
		CORSOrigins: rt.Env.CORSOrigins,
		Logger:      rt.Logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	notifier := notify.New(rt.Engine.Repo, rt.Config, rt.Engine.BreakerRegistry(), rt.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Logger.Info("serving API", "addr", addr, "base_path", basePath, "webhooks", len(rt.Config.Webhooks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		notifier.Start(gctx)
		return nil
	})
	g.Go(func() error {
		rt.Engine.Insight().Run(gctx, rt.Config.Insight.RecalibrateInterval)
		return nil
	})
	if rt.Env.WatchConfig {
		g.Go(func() error {
			if err := config.Watch(gctx, rt.Workspace, rt.Logger, rt.Reload); err != nil {
				rt.Logger.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
