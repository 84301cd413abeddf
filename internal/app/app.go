package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tw-inst-tracker/internal/alerting"
	"tw-inst-tracker/internal/config"
	"tw-inst-tracker/internal/metrics"
	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/scheduler"
	"tw-inst-tracker/internal/service"
	"tw-inst-tracker/internal/source"
	"tw-inst-tracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore is openStore for commands that cannot work without a database.
func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn 未配置，无法%s", what)
	}
	return store, closeStore, nil
}

// fileAnchors loads engine.anchors_file. A missing file yields no anchors.
func (a *App) fileAnchors() ([]model.BaselineAnchor, error) {
	path := a.Config.Engine.AnchorsFile
	if path == "" {
		return nil, nil
	}
	anchors, err := source.ReadAnchorsFile(path)
	if err != nil {
		return nil, fmt.Errorf("load anchors file: %w", err)
	}
	if len(anchors) > 0 {
		a.Logger.Info().Str("path", path).Int("anchors", len(anchors)).Msg("loaded baseline anchors file")
	}
	return anchors, nil
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler, rec *metrics.Recorder) (*service.Service, error) {
	anchors, err := a.fileAnchors()
	if err != nil {
		return nil, err
	}
	return service.New(a.Config, service.Deps{
		Loader:       store,
		Estimates:    store,
		Runs:         store,
		Locker:       store,
		Notifier:     a.newNotifier(),
		Recorder:     rec,
		Scheduler:    sched,
		ExtraAnchors: anchors,
	}, a.Logger), nil
}

// Run executes the long-running scheduled recompute service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx, "启动定时任务")
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Spec:         a.Config.Scheduler.Cron,
		Location:     a.Config.Location(),
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)
	if err != nil {
		return err
	}

	var rec *metrics.Recorder
	if a.Config.Metrics.Enabled {
		rec = metrics.NewRecorder()
	}

	svc, err := a.newService(store, sched, rec)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if rec != nil {
		g.Go(func() error {
			return rec.Serve(gctx, a.Config.Metrics.ListenAddr, a.Logger)
		})
	}
	g.Go(func() error {
		return svc.Run(gctx)
	})

	a.Logger.Info().Str("cron", a.Config.Scheduler.Cron).Str("timezone", a.Config.Scheduler.Timezone).Msg("starting estimation service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("estimation service stopped")
	return nil
}

// ComputeOptions configure a one-off recompute.
type ComputeOptions struct {
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int

	// File mode reads CSV inputs instead of the database.
	FlowsPath     string
	SnapshotsPath string
	AnchorsPath   string
	OutPath       string
}

// FileMode reports whether inputs come from CSV files.
func (o ComputeOptions) FileMode() bool {
	return o.FlowsPath != "" || o.SnapshotsPath != ""
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code  string
	From  time.Time
	To    time.Time
	Limit int
}

// ExportOptions hold parameters for exporting one security's estimates.
type ExportOptions struct {
	Code      string
	From      time.Time
	To        time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// RankOptions configure the rank command.
type RankOptions struct {
	Window    int
	Direction string
	Market    string
	Limit     int
	Date      time.Time
}

// ImportOptions configure the import command.
type ImportOptions struct {
	FlowsPath     string
	SnapshotsPath string
	AnchorsPath   string
	Source        string
}
