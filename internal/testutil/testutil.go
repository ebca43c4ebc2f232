// Package testutil builds the source archives the package tests extract
// from.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

// TestEntry holds data for building one archive entry.
type TestEntry struct {
	Name     string
	Data     []byte
	Modified time.Time // defaults to a fixed instant for reproducible archives
}

// BuildArchive creates a zip archive from test entries and returns its
// bytes.
func BuildArchive(tb testing.TB, entries []TestEntry) []byte {
	tb.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		mod := e.Modified
		if mod.IsZero() {
			mod = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: mod,
		})
		if err != nil {
			tb.Fatalf("create entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			tb.Fatalf("write entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// WriteArchive builds an archive from entries and writes it to dir under
// name, returning the full path.
func WriteArchive(tb testing.TB, dir, name string, entries []TestEntry) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, BuildArchive(tb, entries), 0o644); err != nil {
		tb.Fatalf("write archive: %v", err)
	}
	return path
}

// SecondaryArchive writes an archive with a primary unit plus count
// secondary units (classes2.dex through classes<count+1>.dex), each with
// distinct content, and returns its path.
func SecondaryArchive(tb testing.TB, dir, name string, count int) string {
	tb.Helper()

	entries := []TestEntry{{Name: "classes.dex", Data: []byte("primary unit")}}
	for i := 0; i < count; i++ {
		n := i + 2
		entries = append(entries, TestEntry{
			Name: fmt.Sprintf("classes%d.dex", n),
			Data: []byte(fmt.Sprintf("secondary unit %d payload", n)),
		})
	}
	return WriteArchive(tb, dir, name, entries)
}
