// Package app assembles the runtime from a workspace and its config.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"govtech/internal/archive"
	"govtech/internal/calendar"
	"govtech/internal/config"
	"govtech/internal/db"
	"govtech/internal/engine"
	"govtech/internal/engine/auth"
	"govtech/internal/escalation"
	"govtech/internal/events"
	"govtech/internal/logging"
	"govtech/internal/metrics"
	"govtech/internal/migrate"
	"govtech/internal/notify"
	"govtech/internal/query"
	"govtech/internal/repo"
	"govtech/internal/telemetry"
	"govtech/internal/templates"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// Config, when set, is used instead of reading ConfigPath or the workspace.
	Config *config.Config
	Logger *zap.Logger
	// Tracing installs the configured trace exporter; only serve wants it.
	Tracing bool
	// Notifier receives transition and escalation notices next to the log.
	Notifier notify.Notifier
}

type App struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sqlx.DB
	Store     events.Store
	Repo      *repo.Repo
	Directory auth.Directory
	Templates *templates.Registry
	Calendar  *calendar.Calendar
	Engine    engine.Engine
	Model     *query.ReadModel
	Projector *query.Projector
	Query     query.Service
	Registry  *prometheus.Registry
	Metrics   *metrics.Recorder
	Scheduler *escalation.Scheduler

	closers []func(context.Context) error
}

// LoadConfig reads an explicit config file, or the workspace config when path
// is empty.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Open builds every component and catches the read model up with the log.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(opts.Workspace, opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}
	a := &App{Workspace: opts.Workspace, Config: cfg, Logger: logger}
	if err := a.open(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	cfg := a.Config
	if opts.Tracing {
		shutdown, err := telemetry.InitTracer(cfg.Service.Name, cfg.Telemetry.Exporter, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, shutdown)
	}

	reg, err := templates.New(cfg.Templates)
	if err != nil {
		return err
	}
	cal, err := calendar.FromConfig(cfg)
	if err != nil {
		return err
	}
	a.Templates, a.Calendar = reg, cal

	switch cfg.Storage.Driver {
	case "memory":
		a.Store = events.NewMemoryStore()
		a.Directory = auth.NewStatic(cfg.Users...)
	default:
		conn, err := db.Open(db.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Workspace: opts.Workspace})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.DB = conn
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		if err := migrate.Migrate(conn); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		r := &repo.Repo{DB: conn}
		if _, err := r.SeedUsers(ctx, cfg.Users); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
		a.Store = events.SQLStore{DB: conn}
		a.Repo = r
		a.Directory = r
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Model = query.NewReadModel()
	a.Projector = &query.Projector{
		Reader:   a.Store,
		Model:    a.Model,
		Batch:      cfg.Projection.Batch,
		Interval:   cfg.Projection.Interval,
		GapTimeout: cfg.Projection.GapTimeout,
		Logger:     a.Logger.Named("projector"),
		Metrics:    a.Metrics,
	}

	eng := engine.New(a.Store, reg, cal, a.Directory, cfg)
	eng.Steps = a.Model
	var notifier notify.Notifier = notify.LogNotifier{Logger: a.Logger.Named("notify")}
	if opts.Notifier != nil {
		notifier = notify.Fanout{notifier, opts.Notifier}
	}
	eng.Notifier = notifier
	eng.Metrics = a.Metrics
	eng.Logger = a.Logger.Named("engine")
	a.Engine = eng

	a.Query = query.Service{Model: a.Model, Reader: a.Store, Templates: reg}

	guard, err := a.sweepGuard()
	if err != nil {
		return err
	}
	a.Scheduler = &escalation.Scheduler{
		Sweeper:  eng,
		Guard:    guard,
		Sync:     a.Projector,
		Interval: cfg.Escalation.Interval,
		Logger:   a.Logger.Named("escalation"),
		Metrics:  a.Metrics,
	}

	if _, err := a.Projector.Sync(ctx); err != nil {
		return fmt.Errorf("initial projection: %w", err)
	}
	return nil
}

func (a *App) sweepGuard() (escalation.Guard, error) {
	rc := a.Config.Escalation.Redis
	switch a.Config.Escalation.Lock {
	case "", "local":
		return &escalation.LocalGuard{}, nil
	case "redis":
		client := escalation.NewRedisClient(rc.Addr, rc.Password, rc.DB)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return escalation.NewRedisGuard(client, rc.Key, rc.TTL), nil
	default:
		return nil, fmt.Errorf("unknown escalation lock %q", a.Config.Escalation.Lock)
	}
}

// Archiver opens the configured archive store. Relative fs directories resolve
// against the workspace.
func (a *App) Archiver(ctx context.Context) (archive.Archiver, error) {
	ac := a.Config.Archive
	dir := ac.Dir
	if ac.Driver == "" || ac.Driver == "fs" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(a.Workspace, dir)
		}
	}
	store, err := archive.Open(ctx, ac.Driver, dir, archive.S3Config{
		Bucket:    ac.S3.Bucket,
		Region:    ac.S3.Region,
		Endpoint:  ac.S3.Endpoint,
		PathStyle: ac.S3.PathStyle,
	})
	if err != nil {
		return archive.Archiver{}, err
	}
	return archive.Archiver{
		Store:          store,
		Reader:         a.Store,
		Source:         a.Model,
		RetentionYears: a.Config.Workflow.RetentionYears,
		Logger:         a.Logger.Named("archive"),
	}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
