package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/eventbus"
	"github.com/network-contribution-rewards/ncr/internal/fetch"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/rewards"
	"github.com/network-contribution-rewards/ncr/internal/telemetry"
)

const eventSource = "ncr-worker"

// ErrFailureCeiling signals that the consecutive-failure ceiling was
// reached and the scheduler refuses further runs until an operator
// intervenes.
var ErrFailureCeiling = errors.New("consecutive failure ceiling reached")

// SnapshotCache is the cache surface the worker needs.
type SnapshotCache interface {
	Load(ctx context.Context, epoch uint64) (*datastore.CachedSnapshot, error)
	Save(ctx context.Context, snapshot *datastore.CachedSnapshot) error
	LoadRange(ctx context.Context, from, to uint64) map[uint64]*datastore.CachedSnapshot
}

// Worker drives the pipeline on a fixed interval. Runs are strictly
// sequential; at most one epoch is in flight at a time.
type Worker struct {
	cfg     *config.Config
	fetcher fetch.Fetcher
	cache   SnapshotCache
	builder *rewards.Builder
	solver  rewards.Solver
	bus     eventbus.Bus
	metrics *telemetry.Telemetry
	logger  logging.Logger

	state *State
}

// NewWorker assembles a Worker. solver may be nil, in which case the
// allocation stage is skipped; bus may be nil for a no-op bus.
func NewWorker(cfg *config.Config, fetcher fetch.Fetcher, cache SnapshotCache, solver rewards.Solver, bus eventbus.Bus, metrics *telemetry.Telemetry, logger logging.Logger) *Worker {
	if bus == nil {
		bus = eventbus.NewNoopBus()
	}
	if metrics == nil {
		metrics, _ = telemetry.New(config.TelemetryConfig{})
	}
	return &Worker{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   cache,
		builder: rewards.NewBuilder(cfg.Shapley, logger),
		solver:  solver,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// State returns the worker's current durable state. Nil until Run or
// LoadState has been called.
func (w *Worker) State() *State {
	return w.state
}

// InFailureState reports whether the worker has hit its configured
// failure ceiling. False before any state is loaded.
func (w *Worker) InFailureState() bool {
	if w.state == nil {
		return false
	}
	return w.state.InFailureState(w.cfg.Scheduler.MaxConsecutiveFailures)
}

// LoadState hydrates the worker's durable state from disk.
func (w *Worker) LoadState(ctx context.Context) error {
	state, err := LoadState(ctx, w.cfg.Scheduler.StateFile, w.logger)
	if err != nil {
		return err
	}
	w.state = state
	return nil
}

// Run ticks until the context is cancelled or the failure ceiling is
// reached. The first tick fires immediately.
func (w *Worker) Run(ctx context.Context) error {
	if w.state == nil {
		if err := w.LoadState(ctx); err != nil {
			return err
		}
	}

	max := w.cfg.Scheduler.MaxConsecutiveFailures
	if w.state.InFailureState(max) {
		w.logger.Error(ctx, "scheduler is in failure state, refusing to start",
			zap.Uint32("consecutive_failures", w.state.ConsecutiveFailures),
			zap.Uint32("ceiling", max))
		return fmt.Errorf("%w: %d consecutive failures", ErrFailureCeiling, w.state.ConsecutiveFailures)
	}

	interval := time.Duration(w.cfg.Scheduler.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "scheduler started",
		zap.Duration("interval", interval),
		zap.Bool("dry_run", w.cfg.Scheduler.EnableDryRun))

	if err := w.Tick(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "scheduler stopping")
			return nil
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick performs one scheduling decision and, when due, one run. It
// returns an error only when the failure ceiling is reached; ordinary
// run failures are absorbed into the durable state.
func (w *Worker) Tick(ctx context.Context) error {
	w.state.LastCheckTime = time.Now().UTC()

	target, skip, err := w.targetEpoch(ctx)
	if err != nil {
		w.recordFailure(ctx, 0, StageFetching, err)
		return w.checkCeiling(ctx)
	}
	if skip {
		w.saveState(ctx)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Scheduler.RunTimeout)
	result, err := w.ProcessEpoch(runCtx, target, w.cfg.Scheduler.EnableDryRun)
	cancel()

	if err != nil {
		var runErr *RunError
		stage := StageFailed
		if errors.As(err, &runErr) {
			stage = runErr.Stage
		}
		w.recordFailure(ctx, target, stage, err)
		return w.checkCeiling(ctx)
	}

	if result.DryRun {
		// A dry run is still a successful run: it clears the failure
		// streak without advancing the processed epoch.
		w.state.ConsecutiveFailures = 0
		w.logger.Info(ctx, "dry run complete, not advancing processed epoch",
			zap.Uint64("epoch", target))
	} else {
		w.state.MarkSuccess(target)
	}
	w.metrics.IncrementCounter(ctx, telemetry.MetricRunSuccess)
	w.saveState(ctx)
	return nil
}

// targetEpoch resolves the epoch to process: the most recently closed
// one, skipped when it was already handled.
func (w *Worker) targetEpoch(ctx context.Context) (epoch uint64, skip bool, err error) {
	current, err := w.fetcher.CurrentEpoch(ctx)
	if err != nil {
		return 0, false, err
	}
	if current == 0 {
		w.logger.Debug(ctx, "no closed epoch yet, skipping tick")
		return 0, true, nil
	}

	target := current - 1
	if !w.state.ShouldProcess(target) {
		w.logger.Debug(ctx, "epoch already processed, skipping tick",
			zap.Uint64("epoch", target))
		w.metrics.IncrementCounter(ctx, telemetry.MetricEpochsSkipped)
		return 0, true, nil
	}
	return target, false, nil
}

func (w *Worker) recordFailure(ctx context.Context, epoch uint64, stage Stage, err error) {
	w.logger.Error(ctx, "run failed",
		zap.Uint64("epoch", epoch),
		zap.String("stage", string(stage)),
		zap.Error(err))
	_ = w.bus.Publish(ctx, eventbus.NewEpochFailedEvent(eventSource, epoch, string(stage), err.Error()))
	w.metrics.IncrementCounter(ctx, telemetry.MetricRunFailure)
	w.state.MarkFailure()
	w.saveState(ctx)
}

func (w *Worker) checkCeiling(ctx context.Context) error {
	max := w.cfg.Scheduler.MaxConsecutiveFailures
	if !w.state.InFailureState(max) {
		return nil
	}
	w.logger.Error(ctx, "consecutive failure ceiling reached, halting scheduler",
		zap.Uint32("consecutive_failures", w.state.ConsecutiveFailures),
		zap.Uint32("ceiling", max))
	return fmt.Errorf("%w: %d consecutive failures", ErrFailureCeiling, w.state.ConsecutiveFailures)
}

func (w *Worker) saveState(ctx context.Context) {
	if err := w.state.Save(w.cfg.Scheduler.StateFile); err != nil {
		w.logger.Error(ctx, "failed to persist scheduler state", zap.Error(err))
	}
}
