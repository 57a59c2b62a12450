// Package fetch is the ledger boundary: it produces raw telemetry
// samples and the topology snapshot for a requested epoch.
package fetch

import (
	"context"

	"github.com/network-contribution-rewards/ncr/internal/models"
)

// RawFetchResult bundles everything one run needs from the ledger.
type RawFetchResult struct {
	Topology         *models.DataStore
	Epoch            uint64
	TelemetrySamples []models.RawSample
	InternetSamples  []models.InternetSample
}

// Fetcher retrieves raw data for an epoch. A nil epoch requests the
// most recently closed epoch (current minus one). Implementations may
// fail with ErrRPC, ErrDeserialization, ErrNoAccountsFound,
// ErrInvalidEpoch, or ErrConfiguration.
type Fetcher interface {
	Fetch(ctx context.Context, epoch *uint64) (*RawFetchResult, error)
	CurrentEpoch(ctx context.Context) (uint64, error)
}
