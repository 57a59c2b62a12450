package aggregator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// InternetAggregator applies the same statistical machinery to
// public-path baseline samples. Public paths are expected to show some
// baseline loss, so a dark window is resolved through lookback and
// class defaults instead of the dead-link penalty.
type InternetAggregator struct {
	cfg      config.InternetConfig
	logger   logging.Logger
	lookback LookbackProvider
}

// NewInternet creates an InternetAggregator. lookback may be nil.
func NewInternet(cfg config.InternetConfig, logger logging.Logger, lookback LookbackProvider) *InternetAggregator {
	return &InternetAggregator{cfg: cfg, logger: logger, lookback: lookback}
}

// Aggregate computes per-path stats over the store's internet samples.
func (a *InternetAggregator) Aggregate(ctx context.Context, store *models.DataStore) (map[models.LinkKey]*models.AggregatedLinkStats, error) {
	meta := store.Metadata
	if meta.BeforeUs <= meta.AfterUs {
		return nil, fmt.Errorf("%w: after_us=%d before_us=%d", ErrInvalidWindow, meta.AfterUs, meta.BeforeUs)
	}

	grouped := make(map[models.LinkKey][]models.InternetSample)
	for _, s := range store.InternetSamples {
		key := models.InternetLinkKey(s.OriginExchange, s.TargetExchange, s.Provider)
		grouped[key] = append(grouped[key], s)
	}

	out := make(map[models.LinkKey]*models.AggregatedLinkStats, len(grouped))
	for key, samples := range grouped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[key] = a.summarize(ctx, key, samples, meta.Epoch)
	}

	a.logger.Info(ctx, "internet aggregation complete",
		zap.Uint64("epoch", meta.Epoch),
		zap.Int("paths", len(out)),
		zap.Int("raw_samples", len(store.InternetSamples)))

	return out, nil
}

func (a *InternetAggregator) summarize(ctx context.Context, key models.LinkKey, samples []models.InternetSample, epoch uint64) *models.AggregatedLinkStats {
	samples = dedupInternet(samples, a.cfg.DedupWindowUs)

	rtts := make([]float64, len(samples))
	losses := make([]float64, len(samples))
	for i, s := range samples {
		rtts[i] = s.RTTUs
		losses[i] = s.LossFraction
	}

	loss := summarizeLoss(rtts, losses, a.cfg.LossThreshold)

	if loss.successCount == 0 {
		return a.resolveMissing(ctx, key, epoch)
	}

	delivered := make([]float64, 0, len(rtts))
	for i := range rtts {
		if !isLost(rtts[i], losses[i], a.cfg.LossThreshold) {
			delivered = append(delivered, rtts[i])
		}
	}

	rtt := summarizeRTT(delivered, a.cfg.PercentileBins)
	jitter := summarizeJitter(delivered)

	return &models.AggregatedLinkStats{
		Key:                key,
		SampleCount:        len(samples),
		UptimePercentage:   loss.uptime,
		LossRate:           loss.lossRate,
		SuccessCount:       loss.successCount,
		LossCount:          loss.lossCount,
		RTTMeanUs:          rtt.mean,
		RTTMinUs:           rtt.min,
		RTTMaxUs:           rtt.max,
		RTTStdDevUs:        rtt.stdDev,
		RTTMadUs:           rtt.mad,
		Percentiles:        rtt.percentiles,
		JitterAvgUs:        jitter.avg,
		JitterEwmaUs:       jitter.ewma,
		JitterMaxUs:        jitter.max,
		JitterPeakToPeakUs: jitter.peakToPeak,
		SourceEpoch:        epoch,
	}
}

func (a *InternetAggregator) resolveMissing(ctx context.Context, key models.LinkKey, epoch uint64) *models.AggregatedLinkStats {
	if a.cfg.EnableLookback && a.lookback != nil {
		for back := uint64(1); back <= a.cfg.MaxEpochsLookback && back <= epoch; back++ {
			prior, ok := a.lookback.StatsFor(epoch-back, key)
			if !ok || prior.FromDefault {
				continue
			}
			if prior.UptimePercentage < a.cfg.MinCoverage || prior.SampleCount < a.cfg.MinSamplesPerLink {
				continue
			}
			substituted := *prior
			substituted.Percentiles = clonePercentiles(prior.Percentiles)
			a.logger.Debug(ctx, "substituted prior epoch stats for silent path",
				zap.String("path", string(key)),
				zap.Uint64("source_epoch", prior.SourceEpoch))
			return &substituted
		}
	}

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

func dedupInternet(samples []models.InternetSample, windowUs uint64) []models.InternetSample {
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
