// Package app wires configuration into the store, the upstream client, the
// engine and its notifiers.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"tickwatch/internal/config"
	"tickwatch/internal/db"
	"tickwatch/internal/engine"
	"tickwatch/internal/migrate"
	"tickwatch/internal/monitor"
	"tickwatch/internal/notify"
	"tickwatch/internal/repo"
	"tickwatch/internal/stats"
	"tickwatch/internal/ticktick"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *log.Logger
	// Upstream replaces the TickTick client when set.
	Upstream engine.Upstream
}

type App struct {
	Config  *config.Config
	Logger  *log.Logger
	DB      *sql.DB
	Repo    repo.Repo
	Engine  *engine.Engine
	Monitor *monitor.Monitor
	Stats   stats.View

	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(level, format string) (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	if level != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(lvl)
	}
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// OpenStore opens and migrates the database.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config) (*sql.DB, repo.Repo, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Storage.Path})
	if err != nil {
		return nil, repo.Repo{}, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate: %w", err)
	}
	return conn, repo.New(conn), nil
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	conn, r, err := OpenStore(ctx, opts.Workspace, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: conn, Repo: r}
	a.closers = append(a.closers, conn.Close)

	upstream := opts.Upstream
	if upstream == nil {
		upstream, err = newTickTick(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	notifier, err := a.notifiers()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = engine.New(r, upstream,
		engine.WithCallTimeout(cfg.Monitor.CallTimeout.Duration),
		engine.WithLookupRetries(cfg.Monitor.LookupRetries, cfg.Monitor.RetryBackoff.Duration),
		engine.WithLogger(logger),
		engine.WithNotifier(notifier),
	)
	a.Monitor = monitor.New(a.Engine, monitor.Config{
		Interval:   cfg.Monitor.Interval.Duration,
		RunOnStart: cfg.Monitor.RunOnStart,
		Logger:     logger,
	})
	a.Stats = stats.View{Repo: r, Now: time.Now, Location: loc}
	return a, nil
}

func newTickTick(ctx context.Context, cfg *config.Config) (*ticktick.Client, error) {
	creds := ticktick.Credentials{
		AccessToken:  cfg.TickTick.AccessToken,
		RefreshToken: cfg.TickTick.RefreshToken,
		ClientID:     cfg.TickTick.ClientID,
		ClientSecret: cfg.TickTick.ClientSecret,
		TokenURL:     cfg.TickTick.TokenURL,
	}
	timeout := cfg.Monitor.CallTimeout.Duration
	if timeout <= 0 {
		timeout = engine.DefaultCallTimeout
	}
	hc, err := creds.HTTPClient(context.WithoutCancel(ctx), timeout)
	if err != nil {
		return nil, err
	}
	return ticktick.New(cfg.TickTick.BaseURL, hc), nil
}

func (a *App) notifiers() (notify.Notifier, error) {
	var out notify.Multi
	if url := a.Config.Notify.Redis.URL; url != "" {
		rc, err := notify.NewRedisClient(url)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		out = append(out, notify.NewRedisPublisher(rc, a.Config.Notify.Redis.Channel))
	}
	for _, hook := range a.Config.Notify.Webhooks {
		if !hook.Active() {
			continue
		}
		out = append(out, notify.NewWebhook(notify.WebhookConfig{
			URL:     hook.URL,
			Secret:  hook.Secret,
			Kinds:   hook.Events,
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
		}))
	}
	if len(out) == 0 {
		return notify.Nop{}, nil
	}
	return out, nil
}

// Close releases everything New opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
