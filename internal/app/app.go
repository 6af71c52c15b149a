// Package app wires configuration into the runner and its backing services.
// Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/maltedev/stock-prober/internal/browser"
	"github.com/maltedev/stock-prober/internal/checkpoint"
	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/database"
	"github.com/maltedev/stock-prober/internal/events"
	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/htmlsession"
	"github.com/maltedev/stock-prober/internal/notify"
	"github.com/maltedev/stock-prober/internal/runner"
	"github.com/maltedev/stock-prober/internal/session"
	"github.com/maltedev/stock-prober/internal/storage"
	"github.com/redis/go-redis/v9"
)

// App owns every long-lived resource of a process.
type App struct {
	Runner *runner.Runner
	Record *storage.FileStore
	DB     *database.DB
	Outbox *database.OutboxRepository
	Relay  *database.Relay

	closers []func()
}

// Build connects to the configured services. Optional services are left nil
// when their settings are absent.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Record: storage.NewFileStore(cfg.Output.RecordPath, false)}

	deps := runner.Deps{Record: a.Record}

	if cfg.Database.Enabled() {
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.onClose(db.Close)

		if err := db.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.DB = db
		a.Outbox = database.NewOutboxRepository(db)
		deps.Publisher = events.NewPublisher(db, cfg.Redis.Stream, logger)
	}

	if cfg.Redis.Enabled() && a.DB != nil {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func() { redisClient.Close() })

		if err := redisClient.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Relay = database.NewRelay(a.Outbox, redisClient, logger, database.RelayConfig{})
		deps.Relay = a.Relay
	} else if cfg.Redis.Enabled() {
		logger.Warn("REDIS_ADDR is set without a database; events are not relayed")
	}

	source, err := historySource(cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.History = source

	if cfg.Checkpoint.Path != "" {
		store, err := checkpoint.Open(ctx, logger, cfg.Checkpoint.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		a.onClose(func() { store.Close() })
		deps.Checkpoints = store
	}

	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(logger, cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.Timeout)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Notifier = tg
	}

	factory, err := sessionFactory(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := factory.(interface{ Close() error }); ok {
		a.onClose(func() { c.Close() })
	}
	deps.Sessions = factory

	a.Runner = runner.New(cfg, deps, logger)
	return a, nil
}

func historySource(cfg *config.Config, a *App) (history.Source, error) {
	switch cfg.History.Source {
	case config.HistoryHTTP:
		return &storage.HTTPSource{URL: cfg.History.URL, Required: cfg.History.Required}, nil
	case config.HistoryPostgres:
		if a.DB == nil {
			return nil, &config.ConfigurationError{Key: "DB_HOST", Reason: "required when HISTORY_SOURCE=postgres"}
		}
		return database.NewEntryRepository(a.DB), nil
	default:
		return storage.NewFileStore(cfg.History.Path, cfg.History.Required), nil
	}
}

// sessionFactory starts the configured driver. A playwright start failure is
// a session error, so callers can tell it from other failures.
func sessionFactory(cfg *config.Config, logger *slog.Logger) (session.Factory, error) {
	if cfg.Browser.Driver == config.DriverStatic {
		return &htmlsession.Factory{
			Fetcher: &htmlsession.HTTPFetcher{
				Client:    &http.Client{Timeout: cfg.Browser.Timeout},
				UserAgent: cfg.Browser.UserAgent,
			},
			Options: []htmlsession.Option{htmlsession.WithLogger(logger)},
		}, nil
	}

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.Timeout = cfg.Browser.Timeout
	opts.ViewportWidth = cfg.Browser.ViewportWidth
	opts.ViewportHeight = cfg.Browser.ViewportHeight
	opts.AcceptLanguage = cfg.Browser.AcceptLanguage
	opts.TimezoneID = cfg.Browser.TimezoneID
	opts.Locale = cfg.Browser.Locale
	opts.UserAgent = cfg.Browser.UserAgent
	opts.ProxyServer = cfg.Browser.ProxyServer
	opts.NavigateRetries = cfg.Run.NavigateRetries

	b, err := browser.New(opts)
	if err != nil {
		return nil, &session.Error{Op: "init", Err: err}
	}
	return b, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
