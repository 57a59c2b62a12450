package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/aggregator"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/eventbus"
	"github.com/network-contribution-rewards/ncr/internal/models"
	"github.com/network-contribution-rewards/ncr/internal/telemetry"
)

// Stage names the phases of one run. Transitions are strictly
// sequential; a failure at any stage moves straight to StageFailed.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageFetching          Stage = "fetching"
	StageAggregating       Stage = "aggregating"
	StageBuildingInputs    Stage = "building_inputs"
	StageAllocationPending Stage = "allocation_pending"
	StageCommitted         Stage = "committed"
	StageFailed            Stage = "failed"
)

// RunError wraps a stage failure with the epoch being processed.
type RunError struct {
	Epoch uint64
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("epoch %d failed at stage %s: %v", e.Epoch, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// RunResult summarizes one completed run.
type RunResult struct {
	Epoch        uint64
	DryRun       bool
	FromCache    bool
	PrivateLinks int
	Demands      int
	Allocation   *models.Allocation
}

// ProcessEpoch executes the full pipeline for one epoch: fetch (or
// cache reuse), aggregate, build inputs, solve, commit. Dry runs skip
// the commit and produce no cache writes.
func (w *Worker) ProcessEpoch(ctx context.Context, epoch uint64, dryRun bool) (*RunResult, error) {
	start := time.Now()
	_ = w.bus.Publish(ctx, eventbus.NewEpochStartedEvent(eventSource, epoch, dryRun))

	store, fromCache, err := w.stageFetch(ctx, epoch)
	if err != nil {
		return nil, &RunError{Epoch: epoch, Stage: StageFetching, Err: err}
	}

	linkStats, inetStats, err := w.stageAggregate(ctx, epoch, store)
	if err != nil {
		return nil, &RunError{Epoch: epoch, Stage: StageAggregating, Err: err}
	}

	inputs := w.builder.Build(ctx, store, linkStats, inetStats)
	metrics := &models.ProcessedMetrics{
		Epoch:         epoch,
		LinkStats:     linkStats,
		InternetStats: inetStats,
	}

	var allocation *models.Allocation
	if w.solver != nil {
		allocation, err = w.solver.Solve(ctx, epoch, inputs)
		if err != nil {
			return nil, &RunError{Epoch: epoch, Stage: StageAllocationPending, Err: err}
		}
	}

	if !dryRun && w.cfg.Cache.Enabled {
		snapshot := &datastore.CachedSnapshot{Store: store, Metrics: metrics, Inputs: inputs}
		if err := w.cache.Save(ctx, snapshot); err != nil {
			return nil, &RunError{Epoch: epoch, Stage: StageCommitted, Err: err}
		}
	}

	w.metrics.IncrementCounter(ctx, telemetry.MetricLinksProcessed)
	w.metrics.RecordDuration(ctx, telemetry.MetricStageDuration, start)

	// A dry run commits nothing, so downstream consumers must not see a
	// committed event for it.
	if !dryRun {
		_ = w.bus.Publish(ctx, eventbus.NewEpochCommittedEvent(eventSource, epoch,
			len(inputs.PrivateLinks), len(inputs.Demands)))
	}

	w.logger.Info(ctx, "epoch processed",
		zap.Uint64("epoch", epoch),
		zap.Bool("dry_run", dryRun),
		zap.Bool("from_cache", fromCache),
		zap.Int("private_links", len(inputs.PrivateLinks)),
		zap.Int("demands", len(inputs.Demands)),
		zap.Duration("elapsed", time.Since(start)))

	return &RunResult{
		Epoch:        epoch,
		DryRun:       dryRun,
		FromCache:    fromCache,
		PrivateLinks: len(inputs.PrivateLinks),
		Demands:      len(inputs.Demands),
		Allocation:   allocation,
	}, nil
}

// stageFetch reuses a valid cached snapshot when one exists, otherwise
// fetches from the ledger. Cache corruption here triggers a refetch,
// never a run failure.
func (w *Worker) stageFetch(ctx context.Context, epoch uint64) (*models.DataStore, bool, error) {
	if w.cfg.Cache.Enabled {
		snapshot, err := w.cache.Load(ctx, epoch)
		if err == nil {
			w.metrics.IncrementCounter(ctx, telemetry.MetricCacheHits)
			return snapshot.Store, true, nil
		}
		if !errors.Is(err, datastore.ErrNotFound) {
			w.logger.Warn(ctx, "cached snapshot unusable, refetching",
				zap.Uint64("epoch", epoch), zap.Error(err))
		}
		w.metrics.IncrementCounter(ctx, telemetry.MetricCacheMisses)
	}

	result, err := w.fetcher.Fetch(ctx, &epoch)
	if err != nil {
		return nil, false, err
	}
	return result.Topology, false, nil
}

// stageAggregate hydrates the lookback table from cached prior epochs
// and runs both aggregators. Aggregation gets its own deadline inside
// the run timeout so a pathological sample set cannot consume the
// whole run budget.
func (w *Worker) stageAggregate(ctx context.Context, epoch uint64, store *models.DataStore) (linkStats, inetStats map[models.LinkKey]*models.AggregatedLinkStats, err error) {
	if w.cfg.Aggregation.OperationalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Aggregation.OperationalTimeout)
		defer cancel()
	}

	lookback := aggregator.NewMemoryLookback()
	if w.cfg.Cache.Enabled && epoch > 0 {
		maxBack := w.cfg.Aggregation.MaxEpochsLookback
		if w.cfg.Internet.MaxEpochsLookback > maxBack {
			maxBack = w.cfg.Internet.MaxEpochsLookback
		}
		from := uint64(0)
		if epoch > maxBack {
			from = epoch - maxBack
		}
		for priorEpoch, snapshot := range w.cache.LoadRange(ctx, from, epoch-1) {
			if snapshot.Metrics == nil {
				continue
			}
			merged := make(map[models.LinkKey]*models.AggregatedLinkStats,
				len(snapshot.Metrics.LinkStats)+len(snapshot.Metrics.InternetStats))
			for k, v := range snapshot.Metrics.LinkStats {
				merged[k] = v
			}
			for k, v := range snapshot.Metrics.InternetStats {
				merged[k] = v
			}
			lookback.Add(priorEpoch, merged)
		}
	}

	agg := aggregator.New(w.cfg.Aggregation, w.logger, lookback)
	linkStats, err = agg.Aggregate(ctx, store)
	if err != nil {
		return nil, nil, err
	}

	inet := aggregator.NewInternet(w.cfg.Internet, w.logger, lookback)
	inetStats, err = inet.Aggregate(ctx, store)
	if err != nil {
		return nil, nil, err
	}
	return linkStats, inetStats, nil
}
