package prefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Parallel()

	t.Run("absent key", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		_, ok := m.Int64("timestamp")
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.SetAll(map[string]int64{
			"timestamp": 1700000000000,
			"crc":       -1,
		}))

		ts, ok := m.Int64("timestamp")
		require.True(t, ok)
		assert.Equal(t, int64(1700000000000), ts)

		crc, ok := m.Int64("crc")
		require.True(t, ok)
		assert.Equal(t, int64(-1), crc)
	})

	t.Run("writes merge", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.SetAll(map[string]int64{"dex.number": 3}))
		require.NoError(t, m.SetAll(map[string]int64{"dex.crc.2": 42}))

		n, ok := m.Int64("dex.number")
		require.True(t, ok)
		assert.Equal(t, int64(3), n)

		crc, ok := m.Int64("dex.crc.2")
		require.True(t, ok)
		assert.Equal(t, int64(42), crc)
	})

	t.Run("later write wins", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.SetAll(map[string]int64{"crc": 1}))
		require.NoError(t, m.SetAll(map[string]int64{"crc": 2}))

		crc, ok := m.Int64("crc")
		require.True(t, ok)
		assert.Equal(t, int64(2), crc)
	})
}
