package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultBins = []float64{0.50, 0.75, 0.90, 0.95, 0.99}

func TestSummarizeRTT(t *testing.T) {
	t.Run("Known Distribution", func(t *testing.T) {
		values := []float64{100, 200, 300, 400, 500}
		s := summarizeRTT(values, defaultBins)

		assert.Equal(t, 300.0, s.mean)
		assert.Equal(t, 100.0, s.min)
		assert.Equal(t, 500.0, s.max)
		assert.InDelta(t, 141.4214, s.stdDev, 0.001)
		assert.Equal(t, 100.0, s.mad)

		assert.Equal(t, 300.0, s.percentiles["p50"])
		assert.Equal(t, 400.0, s.percentiles["p75"])
		assert.Equal(t, 500.0, s.percentiles["p90"])
		assert.Equal(t, 500.0, s.percentiles["p95"])
		assert.Equal(t, 500.0, s.percentiles["p99"])
	})

	t.Run("Input Not Mutated", func(t *testing.T) {
		values := []float64{500, 100, 300}
		summarizeRTT(values, defaultBins)
		assert.Equal(t, []float64{500, 100, 300}, values)
	})

	t.Run("Single Value", func(t *testing.T) {
		s := summarizeRTT([]float64{42}, defaultBins)
		assert.Equal(t, 42.0, s.mean)
		assert.Equal(t, 0.0, s.stdDev)
		assert.Equal(t, 42.0, s.percentiles["p50"])
		assert.Equal(t, 42.0, s.percentiles["p99"])
	})

	t.Run("Empty Series", func(t *testing.T) {
		s := summarizeRTT(nil, defaultBins)
		assert.Equal(t, 0.0, s.mean)
		assert.Empty(t, s.percentiles)
	})

	t.Run("Percentile Ordering Holds", func(t *testing.T) {
		values := []float64{13, 9, 11, 10, 12, 10, 15, 8}
		s := summarizeRTT(values, defaultBins)
		require.LessOrEqual(t, s.percentiles["p50"], s.percentiles["p95"])
		require.LessOrEqual(t, s.percentiles["p95"], s.percentiles["p99"])
	})
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}

	assert.Equal(t, 2.0, percentile(sorted, 0.50))
	assert.Equal(t, 3.0, percentile(sorted, 0.75))
	assert.Equal(t, 4.0, percentile(sorted, 0.90))
	assert.Equal(t, 1.0, percentile(sorted, 0.01))
	assert.Equal(t, 4.0, percentile(sorted, 1.0))
	assert.Equal(t, 0.0, percentile(nil, 0.5))
}

func TestSummarizeJitter(t *testing.T) {
	t.Run("Delay Variation", func(t *testing.T) {
		s := summarizeJitter([]float64{10, 12, 11, 13, 9})

		assert.InDelta(t, 2.25, s.avg, 1e-9)
		assert.Equal(t, 4.0, s.max)
		assert.Equal(t, 4.0, s.peakToPeak)
		assert.InDelta(t, 0.52507, s.ewma, 0.0001)
	})

	t.Run("Zero Samples Skipped", func(t *testing.T) {
		// Lost probes carry a zero RTT and contribute no variation.
		s := summarizeJitter([]float64{10, 0, 0, 12})
		assert.InDelta(t, 2.0, s.avg, 1e-9)
		assert.Equal(t, 2.0, s.max)
	})

	t.Run("Empty Series", func(t *testing.T) {
		s := summarizeJitter(nil)
		assert.Equal(t, 0.0, s.avg)
		assert.Equal(t, 0.0, s.peakToPeak)
	})
}

func TestSummarizeLoss(t *testing.T) {
	t.Run("Zero RTT Counts As Lost", func(t *testing.T) {
		rtts := []float64{10, 0, 12, 0}
		losses := []float64{0, 0, 0, 0}
		s := summarizeLoss(rtts, losses, 1.0)

		assert.Equal(t, 2, s.successCount)
		assert.Equal(t, 2, s.lossCount)
		assert.Equal(t, 0.5, s.lossRate)
		assert.Equal(t, 0.5, s.uptime)
	})

	t.Run("Loss Fraction At Threshold Counts As Lost", func(t *testing.T) {
		rtts := []float64{10, 11}
		losses := []float64{1.0, 0.2}
		s := summarizeLoss(rtts, losses, 1.0)

		assert.Equal(t, 1, s.successCount)
		assert.Equal(t, 1, s.lossCount)
	})

	t.Run("All Delivered", func(t *testing.T) {
		rtts := []float64{10, 11, 12}
		losses := []float64{0, 0, 0}
		s := summarizeLoss(rtts, losses, 1.0)

		assert.Equal(t, 1.0, s.uptime)
		assert.Equal(t, 0.0, s.lossRate)
	})
}
