package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/network-contribution-rewards/ncr/internal/logging"
)

func TestLoadStateMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.state")

	state, err := LoadState(context.Background(), path, logging.NewNop())
	require.NoError(t, err)
	assert.Nil(t, state.LastProcessedEpoch)
	assert.Equal(t, uint32(0), state.ConsecutiveFailures)
}

func TestStateSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.state")

	state := &State{}
	state.MarkSuccess(42)
	require.NoError(t, state.Save(path))

	loaded, err := LoadState(context.Background(), path, logging.NewNop())
	require.NoError(t, err)
	require.NotNil(t, loaded.LastProcessedEpoch)
	assert.Equal(t, uint64(42), *loaded.LastProcessedEpoch)
	assert.Equal(t, uint32(0), loaded.ConsecutiveFailures)
	assert.False(t, loaded.LastSuccessTime.IsZero())
}

func TestLoadStateCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.state")
	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0644))

	state, err := LoadState(context.Background(), path, logging.NewNop())
	require.NoError(t, err)
	assert.Nil(t, state.LastProcessedEpoch)

	// The corrupt file is preserved under a backup name.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), ".corrupt-")
}

func TestStateSaveAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.state")

	state := &State{}
	state.MarkSuccess(7)
	require.NoError(t, state.Save(path))
	require.NoError(t, state.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker.state", entries[0].Name())
}

func TestStateTransitions(t *testing.T) {
	state := &State{}

	t.Run("Failures Accumulate", func(t *testing.T) {
		state.MarkFailure()
		state.MarkFailure()
		assert.Equal(t, uint32(2), state.ConsecutiveFailures)
		assert.False(t, state.InFailureState(3))
		state.MarkFailure()
		assert.True(t, state.InFailureState(3))
	})

	t.Run("Success Resets Failures", func(t *testing.T) {
		state.MarkSuccess(10)
		assert.Equal(t, uint32(0), state.ConsecutiveFailures)
		require.NotNil(t, state.LastProcessedEpoch)
		assert.Equal(t, uint64(10), *state.LastProcessedEpoch)
	})

	t.Run("Should Process Only Newer Epochs", func(t *testing.T) {
		assert.False(t, state.ShouldProcess(9))
		assert.False(t, state.ShouldProcess(10))
		assert.True(t, state.ShouldProcess(11))
	})

	t.Run("Fresh State Processes Anything", func(t *testing.T) {
		fresh := &State{}
		assert.True(t, fresh.ShouldProcess(0))
		assert.True(t, fresh.ShouldProcess(100))
	})
}
