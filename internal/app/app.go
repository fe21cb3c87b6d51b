package app

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
	"taskrelay/internal/notify"
	"taskrelay/internal/repo"
	"taskrelay/internal/workflows"
)

// App holds the wired process components.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *sql.DB
	Dialect  db.Dialect
	Repo     repo.Repo
	Engine   *engine.Engine
	Notifier notify.Notifier
}

type Options struct {
	Workspace string
	Logger    zerolog.Logger
	// Notifier overrides the transport chosen from config.
	Notifier notify.Notifier
	Now      func() time.Time
}

// Bootstrap opens and migrates the datastore, then registers every function
// on a fresh engine.
func Bootstrap(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	n := opts.Notifier
	if n == nil {
		n, err = NewNotifier(cfg, opts.Logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	engOpts := []engine.Option{
		engine.WithLogger(opts.Logger.With().Str("component", "engine").Logger()),
		engine.WithRetry(cfg.Engine.MaxAttempts, cfg.Engine.RetryBackoff),
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithBatch(cfg.Engine.Batch),
		engine.WithLease(cfg.Engine.Lease),
	}
	if opts.Now != nil {
		engOpts = append(engOpts, engine.WithClock(opts.Now))
	}
	eng := engine.New(conn, dialect, engOpts...)
	r := repo.New(conn, dialect)
	reminder := workflows.Reminder{
		Tasks:    r,
		Notifier: n,
		Emails:   workflows.Emails{Location: loc, DateLayout: cfg.DateLayout},
	}
	if err := workflows.Register(eng, workflows.Sync{Store: r}, reminder); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register functions: %w", err)
	}
	return &App{
		Config:   cfg,
		Logger:   opts.Logger,
		DB:       conn,
		Dialect:  dialect,
		Repo:     r,
		Engine:   eng,
		Notifier: n,
	}, nil
}

// NewNotifier builds the mail transport named in config.
func NewNotifier(cfg *config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	switch cfg.Mail.Transport {
	case config.TransportSMTP:
		return notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	case config.TransportLog, "":
		return notify.Log{Logger: logger.With().Str("component", "mail").Logger()}, nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
	}
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
