package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore(t *testing.T) {
	t.Run("LoadNonExistent", func(t *testing.T) {
		store := NewStateStore(filepath.Join(t.TempDir(), "nonexistent.json"))

		got, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.Companions)
		_, ok := got.Companion("AA:BB")
		assert.False(t, ok)
	})

	t.Run("CompanionRoundTrip", func(t *testing.T) {
		store := NewStateStore(filepath.Join(t.TempDir(), "nested", "state.json"))

		state := &State{}
		state.SetCompanion("AA:BB:CC:DD:EE:FF", CompanionRecord{
			Protocol:  1,
			Version:   1,
			Failures:  3,
			UpdatedAt: time.Now().Add(-time.Hour),
		})
		state.SetCompanion("11:22:33:44:55:66", CompanionRecord{
			Protocol:        1,
			Version:         2,
			PSM:             0x81,
			ChannelChangeID: 4,
		})
		require.NoError(t, store.Save(state))

		got, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, StateVersion, got.Version)
		assert.False(t, got.SavedAt.IsZero())
		require.Len(t, got.Companions, 2)

		rec, ok := got.Companion("11:22:33:44:55:66")
		require.True(t, ok)
		assert.Equal(t, 0x81, rec.PSM)
		assert.Equal(t, 4, rec.ChannelChangeID)

		rec, ok = got.Companion("AA:BB:CC:DD:EE:FF")
		require.True(t, ok)
		assert.Equal(t, 3, rec.Failures)
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := NewStateStore(filepath.Join(t.TempDir(), "state.json"))

		state := &State{}
		state.SetCompanion("AA", CompanionRecord{Protocol: 2})
		require.NoError(t, store.Save(state))

		state.SetCompanion("AA", CompanionRecord{Protocol: 1, Version: 1})
		require.NoError(t, store.Save(state))

		got, err := store.Load()
		require.NoError(t, err)
		rec, _ := got.Companion("AA")
		assert.Equal(t, uint8(1), rec.Protocol)

		_, err = os.Stat(store.Path() + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := NewStateStore(path).Load()
		assert.Error(t, err)
	})

	t.Run("Clear", func(t *testing.T) {
		store := NewStateStore(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, store.Save(&State{}))
		require.NoError(t, store.Clear())
		require.NoError(t, store.Clear())

		_, err := os.Stat(store.Path())
		assert.True(t, os.IsNotExist(err))
	})
}
