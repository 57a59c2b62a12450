package aggregator

import (
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// MemoryLookback is a LookbackProvider over pre-loaded per-epoch stats,
// typically hydrated from cached snapshots of prior epochs.
type MemoryLookback struct {
	epochs map[uint64]map[models.LinkKey]*models.AggregatedLinkStats
}

// NewMemoryLookback returns an empty lookback table.
func NewMemoryLookback() *MemoryLookback {
	return &MemoryLookback{
		epochs: make(map[uint64]map[models.LinkKey]*models.AggregatedLinkStats),
	}
}

// Add registers one epoch's aggregated stats.
func (m *MemoryLookback) Add(epoch uint64, stats map[models.LinkKey]*models.AggregatedLinkStats) {
	m.epochs[epoch] = stats
}

// Epochs returns the number of epochs loaded.
func (m *MemoryLookback) Epochs() int {
	return len(m.epochs)
}

// StatsFor returns the stats recorded for a link in the given epoch.
func (m *MemoryLookback) StatsFor(epoch uint64, key models.LinkKey) (*models.AggregatedLinkStats, bool) {
	links, ok := m.epochs[epoch]
	if !ok {
		return nil, false
	}
	stats, ok := links[key]
	return stats, ok
}
