// Package scheduler drives the rewards pipeline on a fixed interval
// with durable progress tracking and bounded-failure semantics.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/logging"
)

// State is the scheduler's durable progress record. It is read at
// startup and written after every run attempt.
type State struct {
	LastProcessedEpoch  *uint64   `json:"last_processed_epoch,omitempty"`
	LastCheckTime       time.Time `json:"last_check_time"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
}

// LoadState reads the state file, returning a fresh default when the
// file does not exist. A corrupt file is backed up and replaced with a
// default rather than halting startup.
func LoadState(ctx context.Context, path string, logger logging.Logger) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info(ctx, "no scheduler state file, starting fresh", zap.String("path", path))
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading scheduler state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("backing up corrupt scheduler state: %w", renameErr)
		}
		logger.Warn(ctx, "scheduler state file corrupt, backed up and reset",
			zap.String("path", path), zap.String("backup", backup), zap.Error(err))
		return &State{}, nil
	}
	return &state, nil
}

// Save atomically persists the state: write to a temp file, sync, then
// rename over the target. A crash mid-write never corrupts recovery
// state.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scheduler state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing scheduler state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing scheduler state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing scheduler state: %w", err)
	}
	return nil
}

// MarkSuccess records a processed epoch and clears the failure streak.
func (s *State) MarkSuccess(epoch uint64) {
	s.LastProcessedEpoch = &epoch
	s.LastSuccessTime = time.Now().UTC()
	s.ConsecutiveFailures = 0
}

// MarkFailure increments the failure streak.
func (s *State) MarkFailure() {
	s.ConsecutiveFailures++
}

// ShouldProcess reports whether an epoch is newer than the last one
// successfully processed.
func (s *State) ShouldProcess(epoch uint64) bool {
	return s.LastProcessedEpoch == nil || epoch > *s.LastProcessedEpoch
}

// InFailureState reports whether the failure streak has reached the
// configured ceiling.
func (s *State) InFailureState(max uint32) bool {
	return s.ConsecutiveFailures >= max
}
