// Package aggregator turns raw ledger telemetry samples into per-link
// statistical summaries, applying dead-link penalties, burst
// deduplication, and the missing-data lookback policy.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// ErrInvalidWindow indicates a malformed aggregation time window.
var ErrInvalidWindow = errors.New("invalid aggregation window")

// LookbackProvider resolves a prior epoch's aggregated stats for a link.
// Implementations are backed by the snapshot cache.
type LookbackProvider interface {
	StatsFor(epoch uint64, key models.LinkKey) (*models.AggregatedLinkStats, bool)
}

// Aggregator produces AggregatedLinkStats for every private link in a
// topology snapshot, including links with zero samples in the window.
type Aggregator struct {
	cfg      config.AggregationConfig
	logger   logging.Logger
	lookback LookbackProvider
}

// New creates an Aggregator. lookback may be nil, in which case links
// with no samples fall straight through to the class default.
func New(cfg config.AggregationConfig, logger logging.Logger, lookback LookbackProvider) *Aggregator {
	return &Aggregator{cfg: cfg, logger: logger, lookback: lookback}
}

// Aggregate computes per-link stats for the store's epoch. Missing data
// never fails the call; only a malformed window does.
func (a *Aggregator) Aggregate(ctx context.Context, store *models.DataStore) (map[models.LinkKey]*models.AggregatedLinkStats, error) {
	meta := store.Metadata
	if meta.BeforeUs <= meta.AfterUs {
		return nil, fmt.Errorf("%w: after_us=%d before_us=%d", ErrInvalidWindow, meta.AfterUs, meta.BeforeUs)
	}

	grouped := a.partition(store.TelemetrySamples)

	out, err := a.summarizeAll(ctx, grouped, meta.Epoch)
	if err != nil {
		return nil, err
	}

	// Every activated link must be covered in both directions, with or
	// without samples.
	for _, link := range store.ActivatedLinks() {
		forward := models.DeviceLinkKey(link.SideAPubKey, link.SideZPubKey, link.PubKey)
		reverse := models.DeviceLinkKey(link.SideZPubKey, link.SideAPubKey, link.PubKey)
		for _, key := range []models.LinkKey{forward, reverse} {
			if _, ok := out[key]; !ok {
				out[key] = a.resolveMissing(ctx, key, meta.Epoch)
			}
		}
	}

	a.logger.Info(ctx, "telemetry aggregation complete",
		zap.Uint64("epoch", meta.Epoch),
		zap.Int("links", len(out)),
		zap.Int("raw_samples", len(store.TelemetrySamples)))

	return out, nil
}

// summarizeAll computes per-link summaries across a bounded worker
// pool. Links are independent, so the output is identical to a
// sequential pass.
func (a *Aggregator) summarizeAll(ctx context.Context, grouped map[models.LinkKey][]models.RawSample, epoch uint64) (map[models.LinkKey]*models.AggregatedLinkStats, error) {
	keys := make([]models.LinkKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(keys) {
		workers = len(keys)
	}

	results := make([]*models.AggregatedLinkStats, len(keys))
	var next int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1)) - 1
				if i >= len(keys) || ctx.Err() != nil {
					return
				}
				results[i] = a.summarize(keys[i], grouped[keys[i]], epoch)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[models.LinkKey]*models.AggregatedLinkStats, len(keys))
	for i, key := range keys {
		out[key] = results[i]
	}
	return out, nil
}

// partition groups samples by link key and deduplicates bursts, keeping
// the first sample in each dedup window.
func (a *Aggregator) partition(samples []models.RawSample) map[models.LinkKey][]models.RawSample {
	grouped := make(map[models.LinkKey][]models.RawSample)
	for _, s := range samples {
		key := models.DeviceLinkKey(s.OriginPubKey, s.TargetPubKey, s.LinkPubKey)
		grouped[key] = append(grouped[key], s)
	}
	for key, group := range grouped {
		grouped[key] = dedupSamples(group, a.cfg.DedupWindowUs)
	}
	return grouped
}

// dedupSamples sorts a group by timestamp and drops samples closer than
// windowUs to the previously kept one.
func dedupSamples(samples []models.RawSample, windowUs uint64) []models.RawSample {
	if windowUs == 0 || len(samples) < 2 {
		return samples
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].TimestampUs < samples[j].TimestampUs
	})
	kept := samples[:1]
	lastKept := samples[0].TimestampUs
	for _, s := range samples[1:] {
		if s.TimestampUs-lastKept < windowUs {
			continue
		}
		kept = append(kept, s)
		lastKept = s.TimestampUs
	}
	return kept
}

// summarize computes the full statistical summary for one link's
// post-dedup samples.
func (a *Aggregator) summarize(key models.LinkKey, samples []models.RawSample, epoch uint64) *models.AggregatedLinkStats {
	rtts := make([]float64, len(samples))
	losses := make([]float64, len(samples))
	jitters := make([]float64, 0, len(samples))
	for i, s := range samples {
		rtts[i] = s.RTTUs
		losses[i] = s.LossFraction
		if s.JitterUs > 0 {
			jitters = append(jitters, s.JitterUs)
		}
	}

	loss := summarizeLoss(rtts, losses, a.cfg.LossThreshold)

	stats := &models.AggregatedLinkStats{
		Key:              key,
		SampleCount:      len(samples),
		UptimePercentage: loss.uptime,
		LossRate:         loss.lossRate,
		SuccessCount:     loss.successCount,
		LossCount:        loss.lossCount,
		SourceEpoch:      epoch,
	}

	// A fully dark window yields the fixed penalty values.
	if loss.uptime == 0 {
		a.applyPenalty(stats)
		return stats
	}

	// Percentiles are computed over delivered probes only.
	delivered := make([]float64, 0, len(rtts))
	for i := range rtts {
		if !isLost(rtts[i], losses[i], a.cfg.LossThreshold) {
			delivered = append(delivered, rtts[i])
		}
	}

	rtt := summarizeRTT(delivered, a.cfg.PercentileBins)
	stats.RTTMeanUs = rtt.mean
	stats.RTTMinUs = rtt.min
	stats.RTTMaxUs = rtt.max
	stats.RTTStdDevUs = rtt.stdDev
	stats.RTTMadUs = rtt.mad
	stats.Percentiles = rtt.percentiles

	jitter := summarizeJitter(delivered)
	stats.JitterEwmaUs = jitter.ewma
	stats.JitterMaxUs = jitter.max
	stats.JitterPeakToPeakUs = jitter.peakToPeak
	// Prefer probe-reported jitter when the samples carry it, otherwise
	// fall back to the delay variation derived from the RTT series.
	if len(jitters) > 0 {
		var sum float64
		for _, j := range jitters {
			sum += j
		}
		stats.JitterAvgUs = sum / float64(len(jitters))
	} else {
		stats.JitterAvgUs = jitter.avg
	}

	return stats
}

// applyPenalty overwrites a dead link's latency and jitter fields with
// the fixed penalty constants.
func (a *Aggregator) applyPenalty(stats *models.AggregatedLinkStats) {
	stats.PenaltyApplied = true
	stats.RTTMeanUs = a.cfg.PenaltyRTTUs
	stats.RTTMinUs = a.cfg.PenaltyRTTUs
	stats.RTTMaxUs = a.cfg.PenaltyRTTUs
	stats.RTTStdDevUs = 0
	stats.RTTMadUs = 0
	stats.Percentiles = make(map[string]float64, len(a.cfg.PercentileBins))
	for _, q := range a.cfg.PercentileBins {
		stats.Percentiles[models.PercentileKey(q)] = a.cfg.PenaltyRTTUs
	}
	stats.JitterAvgUs = a.cfg.PenaltyJitterUs
	stats.JitterEwmaUs = a.cfg.PenaltyJitterUs
	stats.JitterMaxUs = a.cfg.PenaltyJitterUs
	stats.JitterPeakToPeakUs = a.cfg.PenaltyJitterUs
}

// resolveMissing applies the missing-data policy for a link with zero
// samples in the current window: bounded lookback into prior epochs for
// the same link, then the class default.
func (a *Aggregator) resolveMissing(ctx context.Context, key models.LinkKey, epoch uint64) *models.AggregatedLinkStats {
	if a.cfg.EnableLookback && a.lookback != nil {
		for back := uint64(1); back <= a.cfg.MaxEpochsLookback && back <= epoch; back++ {
			prior, ok := a.lookback.StatsFor(epoch-back, key)
			if !ok {
				continue
			}
			if prior.FromDefault {
				continue
			}
			if prior.UptimePercentage < a.cfg.MinCoverage || prior.SampleCount < a.cfg.MinSamplesPerLink {
				continue
			}
			substituted := *prior
			substituted.Percentiles = clonePercentiles(prior.Percentiles)
			a.logger.Debug(ctx, "substituted prior epoch stats for silent link",
				zap.String("link", string(key)),
				zap.Uint64("source_epoch", prior.SourceEpoch))
			return &substituted
		}
	}
	return a.defaultStats(key, epoch)
}

// defaultStats returns the private-link class default for a link with no
// usable data in the window or the lookback range.
func (a *Aggregator) defaultStats(key models.LinkKey, epoch uint64) *models.AggregatedLinkStats {
	defaultUs := a.cfg.DefaultLatencyMs * 1000
	percentiles := make(map[string]float64, len(a.cfg.PercentileBins))
	for _, q := range a.cfg.PercentileBins {
		percentiles[models.PercentileKey(q)] = defaultUs
	}
	return &models.AggregatedLinkStats{
		Key:         key,
		RTTMeanUs:   defaultUs,
		RTTMinUs:    defaultUs,
		RTTMaxUs:    defaultUs,
		Percentiles: percentiles,
		SourceEpoch: epoch,
		FromDefault: true,
	}
}

func clonePercentiles(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
