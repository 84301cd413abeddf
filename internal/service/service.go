package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tw-inst-tracker/internal/alerting"
	"tw-inst-tracker/internal/config"
	"tw-inst-tracker/internal/engine"
	"tw-inst-tracker/internal/metrics"
	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/scheduler"
	"tw-inst-tracker/internal/storage"
)

// ErrBusy is returned when another process holds the recompute lock.
var ErrBusy = errors.New("another estimation run holds the advisory lock")

const maxAlertSamples = 5

// Deps are the collaborators of a Service. Only Loader is required.
type Deps struct {
	Loader    storage.InputLoader
	Estimates storage.EstimateStore
	Runs      storage.RunStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Recorder  *metrics.Recorder
	Scheduler *scheduler.Scheduler
	// ExtraAnchors are merged after the stored anchors and win on equal dates.
	ExtraAnchors []model.BaselineAnchor
}

// Service orchestrates loading, estimation, persistence and reporting.
type Service struct {
	deps     Deps
	engine   config.EngineConfig
	policy   alerting.Policy
	alertsOn bool
	lockKey  int64
	loc      *time.Location
	logger   zerolog.Logger
}

// Report describes a finished run.
type Report struct {
	RunID     uuid.UUID
	Kind      string
	TradeDate time.Time
	From      time.Time
	To        time.Time
	DryRun    bool
	Result    *engine.Result
	Duration  time.Duration
}

// New constructs the estimation service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:   deps,
		engine: cfg.Engine,
		policy: alerting.Policy{
			AnomalyThreshold: cfg.Alerting.AnomalyThreshold,
			NotifyOnSuccess:  cfg.Alerting.NotifyOnSuccess,
		},
		alertsOn: cfg.Alerting.Enabled,
		lockKey:  cfg.Scheduler.AdvisoryLockKey,
		loc:      cfg.Location(),
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the scheduled recompute loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessDay)
}

// ProcessDay 重算定时任务对应交易日及之前 emit_days 天的估算。
func (s *Service) ProcessDay(ctx context.Context, asOf time.Time) error {
	tradeDate := scheduler.TradeDateFor(asOf, s.loc)
	from := tradeDate.AddDate(0, 0, -(max(s.engine.EmitDays, 1) - 1))

	_, err := s.execute(ctx, storage.RunKindScheduled, tradeDate, from, tradeDate, false)
	if errors.Is(err, ErrBusy) {
		s.logger.Debug().Time("trade_date", tradeDate).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	return err
}

// Compute recomputes and stores estimates for [from, to]. A zero from emits the full history.
func (s *Service) Compute(ctx context.Context, from, to time.Time, dryRun bool) (*Report, error) {
	if to.IsZero() {
		return nil, fmt.Errorf("compute range needs an end date")
	}
	if !from.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("compute range %s..%s is empty", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return s.execute(ctx, storage.RunKindCompute, model.NormalizeDate(to), from, to, dryRun)
}

func (s *Service) execute(ctx context.Context, kind string, tradeDate, from, to time.Time, dryRun bool) (*Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		return nil, ErrBusy
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	rep := &Report{
		RunID:     uuid.New(),
		Kind:      kind,
		TradeDate: tradeDate,
		From:      normalizeOrZero(from),
		To:        model.NormalizeDate(to),
		DryRun:    dryRun,
	}
	log := s.logger.With().Str("run_id", rep.RunID.String()).Str("kind", kind).Logger()

	run := storage.RunRecord{
		ID:        rep.RunID,
		Kind:      kind,
		TradeDate: rep.TradeDate,
		EmitFrom:  rep.From,
		EmitTo:    rep.To,
		StartedAt: started.UTC(),
	}
	if s.deps.Runs != nil && !dryRun {
		if err := s.deps.Runs.StartRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("failed to record run start")
		}
	}

	res, err := s.estimate(ctx, rep)
	if err == nil && !dryRun && s.deps.Estimates != nil {
		if upsertErr := s.deps.Estimates.UpsertEstimates(ctx, res.Records); upsertErr != nil {
			err = fmt.Errorf("persist estimates: %w", upsertErr)
		}
	}
	rep.Result = res
	rep.Duration = time.Since(started)

	s.finish(ctx, log, rep, run, err)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Service) estimate(ctx context.Context, rep *Report) (*engine.Result, error) {
	historyFrom := time.Time{}
	if !rep.From.IsZero() && s.engine.HistoryDays > 0 {
		historyFrom = rep.From.AddDate(0, 0, -s.engine.HistoryDays)
	}

	in, err := s.loadInput(ctx, historyFrom, rep.To)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Windows:  s.engine.Windows,
		EmitFrom: rep.From,
		EmitTo:   rep.To,
		Workers:  s.engine.Workers,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, in)
}

func (s *Service) loadInput(ctx context.Context, from, to time.Time) (engine.Input, error) {
	var in engine.Input
	if s.deps.Loader == nil {
		return in, fmt.Errorf("input loader not configured")
	}

	var err error
	if in.Securities, err = s.deps.Loader.LoadSecurities(ctx); err != nil {
		return in, fmt.Errorf("load securities: %w", err)
	}
	if in.Flows, err = s.deps.Loader.LoadFlows(ctx, from, to); err != nil {
		return in, fmt.Errorf("load flows: %w", err)
	}
	if in.Snapshots, err = s.deps.Loader.LoadSnapshotSets(ctx, from, to, s.engine.SourcePriority); err != nil {
		return in, fmt.Errorf("load snapshots: %w", err)
	}
	if in.Anchors, err = s.deps.Loader.LoadAnchors(ctx, to); err != nil {
		return in, fmt.Errorf("load anchors: %w", err)
	}
	in.Anchors = append(in.Anchors, s.deps.ExtraAnchors...)

	s.logger.Debug().
		Int("securities", len(in.Securities)).
		Int("flows", len(in.Flows)).
		Int("snapshot_sets", len(in.Snapshots)).
		Int("anchors", len(in.Anchors)).
		Msg("inputs loaded")
	return in, nil
}

func (s *Service) finish(ctx context.Context, log zerolog.Logger, rep *Report, run storage.RunRecord, runErr error) {
	status := storage.RunStatusSucceeded
	if runErr != nil {
		status = storage.RunStatusFailed
	}

	run.Status = status
	if rep.Result != nil {
		run.RowsEmitted = rep.Result.Stats.Emitted
		run.Withheld = rep.Result.Stats.Withheld
		run.IssueCounts = rep.Result.IssueCounts()
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished

	if s.deps.Runs != nil && !rep.DryRun {
		if err := s.deps.Runs.FinishRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("failed to record run result")
		}
	}

	s.deps.Recorder.ObserveRun(metrics.RunSummary{
		Result:      status,
		Duration:    rep.Duration,
		RowsEmitted: run.RowsEmitted,
		Withheld:    run.Withheld,
		IssueCounts: run.IssueCounts,
		TradeDate:   rep.TradeDate,
	})

	if runErr != nil {
		log.Error().Err(runErr).Dur("elapsed", rep.Duration).Msg("estimation run failed")
	} else {
		log.Info().
			Time("trade_date", rep.TradeDate).
			Int("rows", run.RowsEmitted).
			Int("withheld", run.Withheld).
			Bool("dry_run", rep.DryRun).
			Dur("elapsed", rep.Duration).
			Msg("estimation run finished")
	}

	s.notify(ctx, log, rep, run)
}

func (s *Service) notify(ctx context.Context, log zerolog.Logger, rep *Report, run storage.RunRecord) {
	if !s.alertsOn || s.deps.Notifier == nil || rep.DryRun {
		return
	}
	note := alerting.Notification{
		RunID:       rep.RunID.String(),
		Kind:        rep.Kind,
		Status:      run.Status,
		TradeDate:   rep.TradeDate,
		EmitFrom:    rep.From,
		EmitTo:      rep.To,
		RowsEmitted: run.RowsEmitted,
		Withheld:    run.Withheld,
		IssueCounts: run.IssueCounts,
	}
	if run.Error != nil {
		note.Error = *run.Error
	}
	if rep.Result != nil {
		note.Samples = alertSamples(rep.Result.Issues)
	}
	if !s.policy.ShouldNotify(note) {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch run summary")
	}
}

func alertSamples(issues []engine.Issue) []string {
	var out []string
	for _, is := range issues {
		if !errors.Is(is, engine.ErrCalibrationAnomaly) && !errors.Is(is, engine.ErrUpstreamJoinMismatch) {
			continue
		}
		out = append(out, is.Error())
		if len(out) == maxAlertSamples {
			break
		}
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func normalizeOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return model.NormalizeDate(t)
}
