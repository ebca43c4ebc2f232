package zipcrc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lycold/multidex/internal/testutil"
)

// buildArchive writes a two-entry archive with fixed timestamps so
// identical inputs produce identical bytes.
func buildArchive(tb testing.TB, comment string) []byte {
	tb.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"classes.dex", "classes2.dex"} {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		})
		require.NoError(tb, err, "create entry")
		_, err = w.Write([]byte("payload of " + name))
		require.NoError(tb, err, "write entry")
	}
	if comment != "" {
		require.NoError(tb, zw.SetComment(comment), "set comment")
	}
	require.NoError(tb, zw.Close(), "close archive")
	return buf.Bytes()
}

func writeFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, data, 0o644), "write file")
	return path
}

func TestSum(t *testing.T) {
	t.Parallel()

	t.Run("deterministic and non-negative", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := testutil.SecondaryArchive(t, dir, "app.apk", 2)

		first, err := Sum(path)
		require.NoError(t, err)
		second, err := Sum(path)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first, int64(0))
	})

	t.Run("identical archives match", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		data := buildArchive(t, "")
		a := writeFile(t, dir, "a.zip", data)
		b := writeFile(t, dir, "b.zip", data)

		sumA, err := Sum(a)
		require.NoError(t, err)
		sumB, err := Sum(b)
		require.NoError(t, err)
		assert.Equal(t, sumA, sumB)
	})

	t.Run("entry change is detected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		before := testutil.WriteArchive(t, dir, "a.zip", []testutil.TestEntry{
			{Name: "classes.dex", Data: []byte("one")},
		})
		sumBefore, err := Sum(before)
		require.NoError(t, err)

		after := testutil.WriteArchive(t, dir, "b.zip", []testutil.TestEntry{
			{Name: "classes.dex", Data: []byte("two")},
		})
		sumAfter, err := Sum(after)
		require.NoError(t, err)
		assert.NotEqual(t, sumBefore, sumAfter)
	})

	t.Run("entry rename is detected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		a := testutil.WriteArchive(t, dir, "a.zip", []testutil.TestEntry{
			{Name: "classes.dex", Data: []byte("same")},
		})
		b := testutil.WriteArchive(t, dir, "b.zip", []testutil.TestEntry{
			{Name: "classes2.dex", Data: []byte("same")},
		})

		sumA, err := Sum(a)
		require.NoError(t, err)
		sumB, err := Sum(b)
		require.NoError(t, err)
		assert.NotEqual(t, sumA, sumB)
	})

	t.Run("archive comment does not change the sum", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		plain := writeFile(t, dir, "plain.zip", buildArchive(t, ""))
		commented := writeFile(t, dir, "commented.zip", buildArchive(t, "release build"))

		sumPlain, err := Sum(plain)
		require.NoError(t, err)
		sumCommented, err := Sum(commented)
		require.NoError(t, err)
		assert.Equal(t, sumPlain, sumCommented)
	})

	t.Run("trailing bytes do not change the sum", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		data := buildArchive(t, "")
		clean := writeFile(t, dir, "clean.zip", data)
		padded := writeFile(t, dir, "padded.zip", append(bytes.Clone(data), bytes.Repeat([]byte{'j'}, 100)...))

		sumClean, err := Sum(clean)
		require.NoError(t, err)
		sumPadded, err := Sum(padded)
		require.NoError(t, err)
		assert.Equal(t, sumClean, sumPadded)
	})

	t.Run("not a zip", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeFile(t, dir, "not.zip", bytes.Repeat([]byte{'x'}, 64))

		_, err := Sum(path)
		assert.ErrorIs(t, err, ErrNotZip)
	})

	t.Run("too short", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeFile(t, dir, "tiny.zip", []byte("PK"))

		_, err := Sum(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Sum(filepath.Join(t.TempDir(), "absent.zip"))
		assert.Error(t, err)
	})
}
