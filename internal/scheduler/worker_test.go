package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/eventbus"
	"github.com/network-contribution-rewards/ncr/internal/fetch"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

type mockFetcher struct {
	currentEpoch    uint64
	currentEpochErr error
	fetchErr        error
	fetchCalls      int
}

func (m *mockFetcher) CurrentEpoch(ctx context.Context) (uint64, error) {
	return m.currentEpoch, m.currentEpochErr
}

func (m *mockFetcher) Fetch(ctx context.Context, epoch *uint64) (*fetch.RawFetchResult, error) {
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	target := m.currentEpoch - 1
	if epoch != nil {
		target = *epoch
	}

	store := models.NewDataStore()
	store.Metadata = models.FetchMetadata{
		Epoch:     target,
		AfterUs:   1_000_000,
		BeforeUs:  200_000_000,
		FetchedAt: time.Now().UTC(),
	}
	store.Links["l1"] = &models.Link{
		PubKey: "l1", Code: "ams-fra-1", Contributor: "op-a",
		SideAPubKey: "d1", SideZPubKey: "d2",
		BandwidthBps: 10_000_000_000, Status: models.LinkStatusActivated,
	}
	for i := 0; i < 5; i++ {
		store.TelemetrySamples = append(store.TelemetrySamples, models.RawSample{
			OriginPubKey: "d1", TargetPubKey: "d2", LinkPubKey: "l1",
			Epoch: target, TimestampUs: 1_000_000 + uint64(i)*20_000_000,
			RTTUs: float64(10 + i),
		})
	}

	return &fetch.RawFetchResult{
		Topology:         store,
		Epoch:            target,
		TelemetrySamples: store.TelemetrySamples,
	}, nil
}

type recordingBus struct {
	events []*eventbus.Event
}

func (b *recordingBus) Publish(ctx context.Context, e *eventbus.Event) error {
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) byType(t eventbus.EventType) []*eventbus.Event {
	var out []*eventbus.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockSolver struct {
	solveCalls int
	err        error
}

func (m *mockSolver) Solve(ctx context.Context, epoch uint64, inputs *models.ShapleyInputs) (*models.Allocation, error) {
	m.solveCalls++
	if m.err != nil {
		return nil, m.err
	}
	return &models.Allocation{Epoch: epoch, Shares: map[string]float64{"op-a": 1.0}}, nil
}

func testWorkerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Scheduler.StateFile = filepath.Join(dir, "worker.state")
	cfg.Scheduler.RunTimeout = 30 * time.Second
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Aggregation.MinSamplesPerLink = 3
	return cfg
}

func newTestWorker(t *testing.T, cfg *config.Config, fetcher fetch.Fetcher) *Worker {
	t.Helper()
	cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
	w := NewWorker(cfg, fetcher, cache, nil, nil, nil, logging.NewNop())
	require.NoError(t, w.LoadState(context.Background()))
	return w
}

func TestWorkerFailureCeiling(t *testing.T) {
	cfg := testWorkerConfig(t)
	cfg.Cache.Enabled = false
	fetcher := &mockFetcher{currentEpoch: 42, fetchErr: fmt.Errorf("%w: connection refused", fetch.ErrRPC)}
	w := newTestWorker(t, cfg, fetcher)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, w.Tick(ctx), "tick %d should absorb the failure", i)
	}
	assert.Equal(t, uint32(9), w.State().ConsecutiveFailures)

	err := w.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailureCeiling)
	assert.Equal(t, uint32(10), w.State().ConsecutiveFailures)

	// A halted worker refuses to start again until state is reset.
	err = w.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailureCeiling)
}

func TestWorkerSuccessResetsFailures(t *testing.T) {
	cfg := testWorkerConfig(t)
	fetcher := &mockFetcher{currentEpoch: 42, fetchErr: errors.New("transient")}
	w := newTestWorker(t, cfg, fetcher)

	ctx := context.Background()
	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))
	assert.Equal(t, uint32(2), w.State().ConsecutiveFailures)

	fetcher.fetchErr = nil
	require.NoError(t, w.Tick(ctx))

	assert.Equal(t, uint32(0), w.State().ConsecutiveFailures)
	require.NotNil(t, w.State().LastProcessedEpoch)
	assert.Equal(t, uint64(41), *w.State().LastProcessedEpoch)
}

func TestWorkerSkipsProcessedEpoch(t *testing.T) {
	cfg := testWorkerConfig(t)
	fetcher := &mockFetcher{currentEpoch: 42}
	w := newTestWorker(t, cfg, fetcher)

	ctx := context.Background()
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, 1, fetcher.fetchCalls)

	// Same target epoch again: no new fetch.
	require.NoError(t, w.Tick(ctx))
	assert.Equal(t, 1, fetcher.fetchCalls)

	// Ledger advances: the next closed epoch is processed.
	fetcher.currentEpoch = 43
	require.NoError(t, w.Tick(ctx))
	assert.Equal(t, 2, fetcher.fetchCalls)
	assert.Equal(t, uint64(42), *w.State().LastProcessedEpoch)
}

func TestWorkerDryRunDoesNotAdvance(t *testing.T) {
	cfg := testWorkerConfig(t)
	cfg.Scheduler.EnableDryRun = true
	fetcher := &mockFetcher{currentEpoch: 42}
	w := newTestWorker(t, cfg, fetcher)

	ctx := context.Background()
	require.NoError(t, w.Tick(ctx))

	assert.Nil(t, w.State().LastProcessedEpoch)
	// Dry runs write nothing to the cache.
	cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
	_, err := cache.Load(ctx, 41)
	assert.ErrorIs(t, err, datastore.ErrNotFound)
}

func TestWorkerDryRunResetsFailures(t *testing.T) {
	cfg := testWorkerConfig(t)
	fetcher := &mockFetcher{currentEpoch: 42, fetchErr: errors.New("transient")}
	w := newTestWorker(t, cfg, fetcher)

	ctx := context.Background()
	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, uint32(2), w.State().ConsecutiveFailures)

	// A successful dry run clears the failure streak even though it
	// does not advance the processed epoch.
	fetcher.fetchErr = nil
	cfg.Scheduler.EnableDryRun = true
	require.NoError(t, w.Tick(ctx))

	assert.Equal(t, uint32(0), w.State().ConsecutiveFailures)
	assert.Nil(t, w.State().LastProcessedEpoch)
}

func TestWorkerDryRunPublishesNoCommit(t *testing.T) {
	cfg := testWorkerConfig(t)
	cfg.Scheduler.EnableDryRun = true
	fetcher := &mockFetcher{currentEpoch: 42}
	cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
	bus := &recordingBus{}
	w := NewWorker(cfg, fetcher, cache, nil, bus, nil, logging.NewNop())
	require.NoError(t, w.LoadState(context.Background()))

	ctx := context.Background()
	require.NoError(t, w.Tick(ctx))

	started := bus.byType(eventbus.EventTypeEpochStarted)
	require.Len(t, started, 1)
	assert.Equal(t, true, started[0].Data["dry_run"])
	// Nothing was committed, so no committed event goes out.
	assert.Empty(t, bus.byType(eventbus.EventTypeEpochCommitted))

	// A real run over the same epoch does announce the commit.
	cfg.Scheduler.EnableDryRun = false
	require.NoError(t, w.Tick(ctx))

	committed := bus.byType(eventbus.EventTypeEpochCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, uint64(41), committed[0].Epoch)
}

func TestWorkerStatePersistedAcrossRestart(t *testing.T) {
	cfg := testWorkerConfig(t)
	fetcher := &mockFetcher{currentEpoch: 42}

	w := newTestWorker(t, cfg, fetcher)
	require.NoError(t, w.Tick(context.Background()))

	// A fresh worker sharing the state file sees the processed epoch.
	w2 := newTestWorker(t, cfg, fetcher)
	require.NotNil(t, w2.State().LastProcessedEpoch)
	assert.Equal(t, uint64(41), *w2.State().LastProcessedEpoch)
}

func TestProcessEpoch(t *testing.T) {
	t.Run("Full Pipeline With Solver", func(t *testing.T) {
		cfg := testWorkerConfig(t)
		fetcher := &mockFetcher{currentEpoch: 42}
		cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
		solver := &mockSolver{}
		w := NewWorker(cfg, fetcher, cache, solver, nil, nil, logging.NewNop())
		require.NoError(t, w.LoadState(context.Background()))

		result, err := w.ProcessEpoch(context.Background(), 41, false)
		require.NoError(t, err)

		assert.Equal(t, uint64(41), result.Epoch)
		assert.False(t, result.FromCache)
		assert.Equal(t, 1, result.PrivateLinks)
		assert.Equal(t, 1, solver.solveCalls)
		require.NotNil(t, result.Allocation)
		assert.Equal(t, 1.0, result.Allocation.Shares["op-a"])

		// The committed snapshot is replayable.
		snapshot, err := cache.Load(context.Background(), 41)
		require.NoError(t, err)
		require.NotNil(t, snapshot.Metrics)
		require.NotNil(t, snapshot.Inputs)
		assert.Len(t, snapshot.Inputs.PrivateLinks, 1)
	})

	t.Run("Second Run Hits Cache", func(t *testing.T) {
		cfg := testWorkerConfig(t)
		fetcher := &mockFetcher{currentEpoch: 42}
		cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
		w := NewWorker(cfg, fetcher, cache, nil, nil, nil, logging.NewNop())
		require.NoError(t, w.LoadState(context.Background()))

		first, err := w.ProcessEpoch(context.Background(), 41, false)
		require.NoError(t, err)
		assert.False(t, first.FromCache)

		second, err := w.ProcessEpoch(context.Background(), 41, false)
		require.NoError(t, err)
		assert.True(t, second.FromCache)
		assert.Equal(t, 1, fetcher.fetchCalls)
	})

	t.Run("Solver Failure Reports Allocation Stage", func(t *testing.T) {
		cfg := testWorkerConfig(t)
		fetcher := &mockFetcher{currentEpoch: 42}
		cache := datastore.NewCacheManager(cfg.Cache.Dir, logging.NewNop())
		solver := &mockSolver{err: errors.New("solver exploded")}
		w := NewWorker(cfg, fetcher, cache, solver, nil, nil, logging.NewNop())
		require.NoError(t, w.LoadState(context.Background()))

		_, err := w.ProcessEpoch(context.Background(), 41, false)
		require.Error(t, err)

		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, StageAllocationPending, runErr.Stage)
		assert.Equal(t, uint64(41), runErr.Epoch)
	})

	t.Run("Fetch Failure Reports Fetch Stage", func(t *testing.T) {
		cfg := testWorkerConfig(t)
		cfg.Cache.Enabled = false
		fetcher := &mockFetcher{currentEpoch: 42, fetchErr: fmt.Errorf("%w: boom", fetch.ErrRPC)}
		w := newTestWorker(t, cfg, fetcher)

		_, err := w.ProcessEpoch(context.Background(), 41, false)
		require.Error(t, err)

		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, StageFetching, runErr.Stage)
		assert.ErrorIs(t, err, fetch.ErrRPC)
	})
}
