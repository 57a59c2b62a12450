package aggregator

import (
	"math"
	"sort"

	"github.com/network-contribution-rewards/ncr/internal/models"
)

// ewmaAlpha is the smoothing factor for the jitter estimator, matching
// the RFC 3550 interarrival jitter gain of 1/16.
const ewmaAlpha = 1.0 / 16.0

// rttSummary holds distribution statistics over one link's RTT series.
type rttSummary struct {
	mean        float64
	min         float64
	max         float64
	stdDev      float64
	mad         float64
	percentiles map[string]float64
}

// summarizeRTT computes distribution statistics over a series of RTT
// values in microseconds. The input slice is not modified.
func summarizeRTT(values []float64, bins []float64) rttSummary {
	if len(values) == 0 {
		return rttSummary{percentiles: map[string]float64{}}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	// Welford's online algorithm for mean and variance.
	var mean, m2 float64
	for i, v := range sorted {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}
	// Population variance over the full window of delivered probes.
	variance := m2 / float64(len(sorted))

	percentiles := make(map[string]float64, len(bins))
	for _, q := range bins {
		percentiles[models.PercentileKey(q)] = percentile(sorted, q)
	}

	return rttSummary{
		mean:        mean,
		min:         sorted[0],
		max:         sorted[len(sorted)-1],
		stdDev:      math.Sqrt(variance),
		mad:         medianAbsoluteDeviation(sorted),
		percentiles: percentiles,
	}
}

// percentile returns the q-th percentile of an ascending-sorted series
// using the nearest-rank rule: index ceil(n*q)-1 clamped to the series
// bounds. The result is always an observed value, never interpolated.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*q)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// medianAbsoluteDeviation computes the MAD of an ascending-sorted series.
func medianAbsoluteDeviation(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	med := percentile(sorted, 0.50)
	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - med)
	}
	sort.Float64s(deviations)
	return percentile(deviations, 0.50)
}

// jitterSummary holds inter-packet delay variation statistics.
type jitterSummary struct {
	avg        float64
	ewma       float64
	max        float64
	peakToPeak float64
}

// summarizeJitter computes IPDV statistics over an RTT series in arrival
// order. Deltas are taken between consecutive non-zero samples; zero RTT
// marks a lost probe and contributes no delay variation.
func summarizeJitter(rtts []float64) jitterSummary {
	var (
		s        jitterSummary
		prev     float64
		havePrev bool
		sum      float64
		count    int
		minRTT   = math.Inf(1)
		maxRTT   = math.Inf(-1)
	)

	for _, rtt := range rtts {
		if rtt == 0 {
			continue
		}
		if rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
		if havePrev {
			delta := math.Abs(rtt - prev)
			sum += delta
			count++
			if delta > s.max {
				s.max = delta
			}
			s.ewma += ewmaAlpha * (delta - s.ewma)
		}
		prev = rtt
		havePrev = true
	}

	if count > 0 {
		s.avg = sum / float64(count)
	}
	if maxRTT >= minRTT {
		s.peakToPeak = maxRTT - minRTT
	}
	return s
}

// lossSummary holds packet delivery statistics for one link.
type lossSummary struct {
	successCount int
	lossCount    int
	lossRate     float64
	uptime       float64
}

// isLost reports whether a sample counts as a lost probe: a zero RTT
// means the probe never came back, and a loss fraction at or above the
// threshold means the window was effectively dark.
func isLost(rttUs, lossFraction, lossThreshold float64) bool {
	return rttUs == 0 || lossFraction >= lossThreshold
}

// summarizeLoss computes delivery statistics given per-sample RTT and
// loss fractions of equal length.
func summarizeLoss(rtts, lossFractions []float64, lossThreshold float64) lossSummary {
	var s lossSummary
	for i := range rtts {
		if isLost(rtts[i], lossFractions[i], lossThreshold) {
			s.lossCount++
		} else {
			s.successCount++
		}
	}
	total := s.successCount + s.lossCount
	if total > 0 {
		s.lossRate = float64(s.lossCount) / float64(total)
		s.uptime = float64(s.successCount) / float64(total)
	}
	return s
}
