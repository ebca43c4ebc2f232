package bolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(tb testing.TB, path string) *Store {
	tb.Helper()
	s, err := Open(path)
	require.NoError(tb, err, "open store")
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("absent key", func(t *testing.T) {
		t.Parallel()
		s := openTestStore(t, filepath.Join(t.TempDir(), "record.db"))
		_, ok := s.Int64("timestamp")
		assert.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		s := openTestStore(t, filepath.Join(t.TempDir(), "record.db"))
		require.NoError(t, s.SetAll(map[string]int64{
			"timestamp":  1700000000000,
			"crc":        987654321,
			"dex.number": 3,
		}))

		ts, ok := s.Int64("timestamp")
		require.True(t, ok)
		assert.Equal(t, int64(1700000000000), ts)

		n, ok := s.Int64("dex.number")
		require.True(t, ok)
		assert.Equal(t, int64(3), n)
	})

	t.Run("negative markers", func(t *testing.T) {
		t.Parallel()
		s := openTestStore(t, filepath.Join(t.TempDir(), "record.db"))
		require.NoError(t, s.SetAll(map[string]int64{"crc": -1}))

		crc, ok := s.Int64("crc")
		require.True(t, ok)
		assert.Equal(t, int64(-1), crc)
	})

	t.Run("survives reopen", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "record.db")

		s, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, s.SetAll(map[string]int64{"dex.crc.2": 42}))
		require.NoError(t, s.Close())

		s = openTestStore(t, path)
		crc, ok := s.Int64("dex.crc.2")
		require.True(t, ok)
		assert.Equal(t, int64(42), crc)
	})

	t.Run("writes merge", func(t *testing.T) {
		t.Parallel()
		s := openTestStore(t, filepath.Join(t.TempDir(), "record.db"))
		require.NoError(t, s.SetAll(map[string]int64{"timestamp": 10}))
		require.NoError(t, s.SetAll(map[string]int64{"crc": 20}))

		ts, ok := s.Int64("timestamp")
		require.True(t, ok)
		assert.Equal(t, int64(10), ts)
		crc, ok := s.Int64("crc")
		require.True(t, ok)
		assert.Equal(t, int64(20), crc)
	})
}
