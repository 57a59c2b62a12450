// Package datastore persists epoch-scoped pipeline snapshots to a JSON
// cache so any epoch can be replayed without refetching the ledger.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// SchemaVersion is bumped whenever the snapshot layout changes
// incompatibly. Cache files outlive code versions.
const SchemaVersion = 1

var (
	// ErrNotFound indicates no snapshot exists for the requested epoch.
	ErrNotFound = errors.New("cache snapshot not found")
	// ErrCorrupt indicates a snapshot that cannot be trusted: malformed
	// JSON, an incompatible schema, or an epoch mismatch.
	ErrCorrupt = errors.New("cache snapshot corrupt")
	// ErrIoFailure indicates a filesystem-level read or write failure.
	ErrIoFailure = errors.New("cache io failure")
)

// CachedSnapshot is the unit of on-disk persistence: one complete
// DataStore plus optional derived sections.
type CachedSnapshot struct {
	SchemaVersion int                      `json:"schema_version"`
	CreatedAt     time.Time                `json:"created_at"`
	Store         *models.DataStore        `json:"data_store"`
	Metrics       *models.ProcessedMetrics `json:"processed_metrics,omitempty"`
	Inputs        *models.ShapleyInputs    `json:"shapley_inputs,omitempty"`
}

// CacheManager reads and writes snapshots under a single directory,
// one file per epoch.
type CacheManager struct {
	dir    string
	logger logging.Logger
}

// NewCacheManager creates a CacheManager rooted at dir.
func NewCacheManager(dir string, logger logging.Logger) *CacheManager {
	return &CacheManager{dir: dir, logger: logger}
}

// Path returns the snapshot file path for an epoch.
func (c *CacheManager) Path(epoch uint64) string {
	return filepath.Join(c.dir, fmt.Sprintf("epoch-%d.json", epoch))
}

// Save writes a complete snapshot for the store's epoch, replacing any
// existing file. The write is atomic: a temp file is written and synced,
// then renamed over the target.
func (c *CacheManager) Save(ctx context.Context, snapshot *CachedSnapshot) error {
	if snapshot.Store == nil {
		return fmt.Errorf("%w: snapshot has no data store", ErrIoFailure)
	}
	snapshot.SchemaVersion = SchemaVersion
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("%w: creating cache dir: %v", ErrIoFailure, err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: encoding snapshot: %v", ErrIoFailure, err)
	}

	target := c.Path(snapshot.Store.Metadata.Epoch)
	tmp, err := os.CreateTemp(c.dir, ".epoch-*.json.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrIoFailure, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing snapshot: %v", ErrIoFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing snapshot: %v", ErrIoFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrIoFailure, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%w: replacing snapshot: %v", ErrIoFailure, err)
	}

	c.logCounts(ctx, "snapshot saved", target, snapshot)
	return nil
}

// Load reads the snapshot for an epoch and validates that it actually
// describes that epoch. A mismatched or incompatible snapshot is never
// partially hydrated.
func (c *CacheManager) Load(ctx context.Context, epoch uint64) (*CachedSnapshot, error) {
	snapshot, err := c.LoadPath(ctx, c.Path(epoch))
	if err != nil {
		return nil, err
	}
	if snapshot.Store.Metadata.Epoch != epoch {
		return nil, fmt.Errorf("%w: snapshot epoch %d does not match requested %d",
			ErrCorrupt, snapshot.Store.Metadata.Epoch, epoch)
	}
	return snapshot, nil
}

// LoadPath reads and validates a snapshot from an explicit file path.
func (c *CacheManager) LoadPath(ctx context.Context, path string) (*CachedSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIoFailure, path, err)
	}

	var snapshot CachedSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, path, err)
	}
	if snapshot.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, expected %d",
			ErrCorrupt, snapshot.SchemaVersion, SchemaVersion)
	}
	if snapshot.Store == nil {
		return nil, fmt.Errorf("%w: snapshot has no data store", ErrCorrupt)
	}

	c.logCounts(ctx, "snapshot loaded", path, &snapshot)
	return &snapshot, nil
}

// LoadRange loads the snapshots for epochs [from, to], skipping epochs
// with no usable snapshot. Used to hydrate the lookback table.
func (c *CacheManager) LoadRange(ctx context.Context, from, to uint64) map[uint64]*CachedSnapshot {
	out := make(map[uint64]*CachedSnapshot)
	for epoch := from; epoch <= to; epoch++ {
		snapshot, err := c.Load(ctx, epoch)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.logger.Warn(ctx, "skipping unusable cached snapshot",
					zap.Uint64("epoch", epoch), zap.Error(err))
			}
			continue
		}
		out[epoch] = snapshot
	}
	return out
}

func (c *CacheManager) logCounts(ctx context.Context, msg, path string, snapshot *CachedSnapshot) {
	fields := []zap.Field{
		zap.String("path", path),
		zap.Uint64("epoch", snapshot.Store.Metadata.Epoch),
		zap.Int("devices", len(snapshot.Store.Devices)),
		zap.Int("locations", len(snapshot.Store.Locations)),
		zap.Int("links", len(snapshot.Store.Links)),
		zap.Int("telemetry_samples", len(snapshot.Store.TelemetrySamples)),
		zap.Int("internet_samples", len(snapshot.Store.InternetSamples)),
	}
	if snapshot.Metrics != nil {
		fields = append(fields, zap.Int("link_stats", len(snapshot.Metrics.LinkStats)))
	}
	if snapshot.Inputs != nil {
		fields = append(fields,
			zap.Int("private_links", len(snapshot.Inputs.PrivateLinks)),
			zap.Int("demands", len(snapshot.Inputs.Demands)))
	}
	c.logger.Info(ctx, msg, fields...)
}
