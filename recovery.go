package multidex

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Handler examines a failed installation attempt and tries to remediate
// the underlying condition, reporting whether a retry is worthwhile. Every
// registered handler runs on every failure; a single positive answer
// triggers the retry.
type Handler interface {
	Handle(proc Process, err error) bool
}

// IsNoSpace reports whether err was caused by an exhausted filesystem.
func IsNoSpace(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no space left on device")
}

// IsReadOnlyFS reports whether err was caused by a read-only filesystem.
func IsReadOnlyFS(err error) bool {
	if errors.Is(err, syscall.EROFS) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "read-only file system")
}

// NoSpaceHandler reacts to installations that failed for lack of disk
// space by freeing what the library can free on its own: temp files left
// in the unit cache and the legacy extraction directory.
type NoSpaceHandler struct {
	Logger Logger // optional
}

func (h *NoSpaceHandler) Handle(proc Process, err error) bool {
	if !IsNoSpace(err) {
		return false
	}
	log := h.logger()
	log.Logf("no space left on device, clearing reclaimable cache files")
	if info := proc.Info(); info != nil {
		h.removeTempFiles(log, filepath.Join(info.DataDir, codeCacheName, cacheFolderName))
	}
	if files := proc.FilesDir(); files != "" {
		legacy := filepath.Join(files, legacyFolderName)
		if rerr := os.RemoveAll(legacy); rerr != nil {
			log.Errorf(rerr, "could not remove legacy extraction dir %s", legacy)
		}
	}
	return true
}

func (h *NoSpaceHandler) removeTempFiles(log Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Errorf(err, "could not remove %s", path)
		}
	}
}

func (h *NoSpaceHandler) logger() Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return nopLogger{}
}

// ReadOnlyFSHandler reacts to installations that failed because storage
// was mounted read-only. The mount settles shortly after boot on the
// affected devices, so the handler only signals that retrying makes sense.
type ReadOnlyFSHandler struct {
	Logger Logger // optional
}

func (h *ReadOnlyFSHandler) Handle(proc Process, err error) bool {
	if !IsReadOnlyFS(err) {
		return false
	}
	if h.Logger != nil {
		h.Logger.Logf("storage reported read-only, retrying installation")
	}
	return true
}

var (
	_ Handler = (*NoSpaceHandler)(nil)
	_ Handler = (*ReadOnlyFSHandler)(nil)
)
