package multidex

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/lycold/multidex/prefs"
	"github.com/lycold/multidex/zipcrc"
)

// Record keys, stored as <keyPrefix><key>. The unit count includes the
// primary unit, so an archive with two secondary units records 3.
const (
	keyTimestamp = "timestamp"
	keyCRC       = "crc"
	keyUnitCount = "dex.number"
	keyUnitCRC   = "dex.crc."
	keyUnitTime  = "dex.time."
)

const (
	// Secondary units inside a source archive: classes2.dex, classes3.dex
	// and so on, contiguous from 2.
	entryPrefix = "classes"
	entrySuffix = ".dex"

	// Each unit is materialized as a single-entry zip holding classes.dex.
	unitEntryName = "classes.dex"
	unitNameInfix = ".classes"
	unitSuffix    = ".zip"

	tempPrefix   = "tmp-"
	lockFileName = "MultiDex.lock"

	maxExtractAttempts = 3
	copyBufferSize     = 0x4000

	// noValue marks an absent record field. Archive timestamps that would
	// collide with it are shifted before storing.
	noValue int64 = -1
)

// Unit is a materialized secondary unit archive in the cache directory.
type Unit struct {
	Path    string // single-entry zip holding the unit
	Index   int    // position in the source archive, counting from 2
	CRC     int64  // checksum of the materialized zip
	ModTime int64  // modification time in unix milliseconds
}

// An ExtractorOption adjusts Extractor construction.
type ExtractorOption func(*Extractor)

// ExtractorWithLogger routes extraction diagnostics to logger.
func ExtractorWithLogger(logger Logger) ExtractorOption {
	return func(e *Extractor) { e.log = logger }
}

// ExtractorWithLocking toggles the advisory cache lock. Disable it only
// when no other process can reach the cache directory.
func ExtractorWithLocking(enabled bool) ExtractorOption {
	return func(e *Extractor) { e.useLock = enabled }
}

// ExtractorWithWorkers bounds concurrent extractions when a unit callback
// is installed. Zero picks the host parallelism; a negative count forces
// serial extraction.
func ExtractorWithWorkers(n int) ExtractorOption {
	return func(e *Extractor) { e.workers = n }
}

// Extractor materializes the secondary units of an archive into a cache
// directory, reusing prior extractions whenever the archive and the cached
// files still match the stored record.
type Extractor struct {
	store   prefs.Store
	log     Logger
	useLock bool
	workers int

	// verifyUnit computes the checksum a materialized unit is validated
	// with, both after writing and before reuse.
	verifyUnit func(path string) (int64, error)
}

// NewExtractor returns an Extractor recording extraction state in store.
// A nil store keeps the record in memory, which limits reuse to the
// lifetime of the process.
func NewExtractor(store prefs.Store, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		store:      store,
		log:        defaultLogger(),
		useLock:    true,
		verifyUnit: zipcrc.Sum,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.store == nil {
		e.store = prefs.NewMemory()
	}
	if e.log == nil {
		e.log = defaultLogger()
	}
	return e
}

// Load returns the archive's secondary units, extracting into cacheDir
// only when forceReload is set or the stored record no longer matches the
// archive. Cached units are verified against the record before reuse; any
// divergence triggers a fresh extraction pass.
//
// When onReady is non-nil it is invoked once per freshly extracted unit as
// soon as the unit is materialized and verified. With a worker limit above
// one the calls come from extraction workers, concurrently. Reused units
// do not trigger the callback.
func (e *Extractor) Load(archive, cacheDir, keyPrefix string, forceReload bool, onReady func(Unit) error) ([]Unit, error) {
	e.log.Logf("load %s (force reload %t)", archive, forceReload)

	sourceCRC, err := zipcrc.Sum(archive)
	if err != nil {
		return nil, fmt.Errorf("multidex: reading crc of %s: %w", archive, err)
	}
	sourceTime, err := timestampOf(archive)
	if err != nil {
		return nil, fmt.Errorf("multidex: reading timestamp of %s: %w", archive, err)
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("multidex: creating cache dir: %w", err)
	}

	var (
		units   []Unit
		loadErr error
	)
	if e.useLock {
		lockPath := filepath.Join(cacheDir, lockFileName)
		lock := flock.New(lockPath)
		e.log.Logf("blocking on lock %s", lockPath)
		if err := lock.Lock(); err != nil {
			return nil, &LockError{Path: lockPath, Op: "acquire", Err: err}
		}
		e.log.Logf("%s locked", lockPath)
		units, loadErr = e.loadLocked(archive, cacheDir, keyPrefix, sourceCRC, sourceTime, forceReload, onReady)
		// A release failure matters only when the critical section
		// succeeded; otherwise the original error wins.
		if err := lock.Unlock(); err != nil && loadErr == nil {
			loadErr = &LockError{Path: lockPath, Op: "release", Err: err}
		}
	} else {
		units, loadErr = e.loadLocked(archive, cacheDir, keyPrefix, sourceCRC, sourceTime, forceReload, onReady)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	e.log.Logf("load found %d secondary units", len(units))
	return units, nil
}

func (e *Extractor) loadLocked(archive, cacheDir, keyPrefix string, sourceCRC, sourceTime int64, forceReload bool, onReady func(Unit) error) ([]Unit, error) {
	if !forceReload && !e.isModified(keyPrefix, sourceCRC, sourceTime) {
		units, err := e.loadExisting(archive, cacheDir, keyPrefix)
		if err == nil {
			return units, nil
		}
		e.log.Errorf(err, "cached units for %s are unusable, extracting again", archive)
	} else if forceReload {
		e.log.Logf("forced reload of %s", archive)
	} else {
		e.log.Logf("archive changed, extraction required for %s", archive)
	}

	units, err := e.performExtractions(archive, cacheDir, onReady)
	if err != nil {
		return nil, err
	}
	if err := e.putStoredArchiveInfo(keyPrefix, sourceCRC, sourceTime, units); err != nil {
		return nil, fmt.Errorf("multidex: recording extraction state: %w", err)
	}
	return units, nil
}

// isModified reports whether the archive's crc or timestamp diverge from
// the stored record. An absent record counts as modified.
func (e *Extractor) isModified(keyPrefix string, sourceCRC, sourceTime int64) bool {
	return e.storedInt64(keyPrefix+keyTimestamp) != sourceTime ||
		e.storedInt64(keyPrefix+keyCRC) != sourceCRC
}

func (e *Extractor) storedInt64(key string) int64 {
	v, ok := e.store.Int64(key)
	if !ok {
		return noValue
	}
	return v
}

// loadExisting walks the recorded units and verifies each against the
// record. Any divergence aborts; the caller then re-extracts.
func (e *Extractor) loadExisting(archive, cacheDir, keyPrefix string) ([]Unit, error) {
	e.log.Logf("loading existing secondary units for %s", archive)
	total, ok := e.store.Int64(keyPrefix + keyUnitCount)
	if !ok {
		total = 1
	}
	prefix := unitPrefix(archive)
	units := make([]Unit, 0, max(0, int(total)-1))
	for index := 2; index <= int(total); index++ {
		path := filepath.Join(cacheDir, prefix+strconv.Itoa(index)+unitSuffix)
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: missing unit archive %s: %v", errStaleExtraction, path, err)
		}
		if !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", errStaleExtraction, path)
		}
		crc, err := e.verifyUnit(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading crc of %s: %v", errStaleExtraction, path, err)
		}
		modTime := fi.ModTime().UnixMilli()
		wantCRC := e.storedInt64(keyPrefix + keyUnitCRC + strconv.Itoa(index))
		wantTime := e.storedInt64(keyPrefix + keyUnitTime + strconv.Itoa(index))
		if crc != wantCRC || modTime != wantTime {
			return nil, fmt.Errorf("%w: %s does not match the record (crc %d want %d, time %d want %d)",
				errStaleExtraction, path, crc, wantCRC, modTime, wantTime)
		}
		units = append(units, Unit{Path: path, Index: index, CRC: crc, ModTime: modTime})
	}
	return units, nil
}

func (e *Extractor) performExtractions(archive, cacheDir string, onReady func(Unit) error) ([]Unit, error) {
	prefix := unitPrefix(archive)
	e.prepareCacheDir(cacheDir, prefix)

	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("multidex: opening %s: %w", archive, err)
	}
	defer r.Close()

	entries := secondaryEntries(&r.Reader)
	units := make([]Unit, len(entries))

	workers := e.workerLimit()
	if onReady == nil || workers < 2 {
		for i, entry := range entries {
			unit, err := e.extractWithRetry(entry, cacheDir, prefix, i+2)
			if err != nil {
				return nil, err
			}
			if onReady != nil {
				if err := onReady(unit); err != nil {
					return nil, err
				}
			}
			units[i] = unit
		}
		return units, nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	for i, entry := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			unit, err := e.extractWithRetry(entry, cacheDir, prefix, i+2)
			if err != nil {
				return err
			}
			if err := onReady(unit); err != nil {
				return err
			}
			units[i] = unit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return units, nil
}

// prepareCacheDir removes leftovers of other archives and abandoned temp
// files from dir. Files carrying the current archive's prefix stay; the
// upcoming renames replace them.
func (e *Extractor) prepareCacheDir(dir, prefix string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		e.log.Errorf(err, "could not list cache dir %s", dir)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) || name == lockFileName {
			continue
		}
		path := filepath.Join(dir, name)
		e.log.Logf("removing stale cache file %s", path)
		if err := os.RemoveAll(path); err != nil {
			e.log.Errorf(err, "could not remove %s", path)
		}
	}
}

// secondaryEntries returns the archive's secondary unit entries in index
// order. The scan stops at the first gap; entries past a gap are ignored.
func secondaryEntries(r *zip.Reader) []*zip.File {
	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		byName[f.Name] = f
	}
	var entries []*zip.File
	for index := 2; ; index++ {
		f, ok := byName[entryPrefix+strconv.Itoa(index)+entrySuffix]
		if !ok {
			return entries
		}
		entries = append(entries, f)
	}
}

// extractWithRetry materializes one unit, deleting whatever a failed
// attempt left behind before trying again.
func (e *Extractor) extractWithRetry(entry *zip.File, cacheDir, prefix string, index int) (Unit, error) {
	path := filepath.Join(cacheDir, prefix+strconv.Itoa(index)+unitSuffix)
	e.log.Logf("extraction needed for %s", path)

	var lastErr error
	for attempt := 1; attempt <= maxExtractAttempts; attempt++ {
		unit, err := e.attemptExtract(entry, path, prefix, index)
		if err == nil {
			e.log.Logf("extraction succeeded for %s (crc %d)", path, unit.CRC)
			return unit, nil
		}
		lastErr = err
		e.log.Errorf(err, "extraction attempt %d of %d failed for %s", attempt, maxExtractAttempts, path)
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			e.log.Errorf(rerr, "could not delete corrupted unit archive %s", path)
		}
	}
	return Unit{}, &ExtractionError{Index: index, Path: path, Err: lastErr}
}

// attemptExtract runs one write-and-verify cycle for a unit.
func (e *Extractor) attemptExtract(entry *zip.File, path, prefix string, index int) (Unit, error) {
	if err := e.extract(entry, path, prefix); err != nil {
		return Unit{}, err
	}
	crc, err := e.verifyUnit(path)
	if err != nil {
		return Unit{}, fmt.Errorf("verifying %s: %w", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Unit{}, err
	}
	return Unit{Path: path, Index: index, CRC: crc, ModTime: fi.ModTime().UnixMilli()}, nil
}

// extract writes entry into a fresh single-entry zip at dest. The write
// goes through a temp file in the same directory and lands with a rename,
// so a crash mid-write never leaves a file that passes for a unit.
func (e *Extractor) extract(entry *zip.File, dest, prefix string) (err error) {
	in, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %s: %w", entry.Name, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), tempPrefix+prefix+"*"+unitSuffix)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	e.log.Logf("extracting %s", tmpPath)
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     unitEntryName,
		Method:   zip.Deflate,
		Modified: entry.Modified,
	})
	if err == nil {
		buf := make([]byte, copyBufferSize)
		_, err = io.CopyBuffer(w, in, buf)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if cherr := os.Chmod(tmpPath, 0o444); cherr != nil {
		e.log.Errorf(cherr, "could not mark %s read-only", tmpPath)
	}
	e.log.Logf("renaming to %s", dest)
	if err = os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, dest, err)
	}
	return nil
}

// putStoredArchiveInfo replaces the record for keyPrefix in one write.
func (e *Extractor) putStoredArchiveInfo(keyPrefix string, sourceCRC, sourceTime int64, units []Unit) error {
	values := make(map[string]int64, 3+2*len(units))
	values[keyPrefix+keyTimestamp] = sourceTime
	values[keyPrefix+keyCRC] = sourceCRC
	values[keyPrefix+keyUnitCount] = int64(len(units) + 1)
	for _, u := range units {
		values[keyPrefix+keyUnitCRC+strconv.Itoa(u.Index)] = u.CRC
		values[keyPrefix+keyUnitTime+strconv.Itoa(u.Index)] = u.ModTime
	}
	return e.store.SetAll(values)
}

// ClearArchiveInfo invalidates the stored record for keyPrefix without
// touching extracted files. The next Load re-extracts.
func (e *Extractor) ClearArchiveInfo(keyPrefix string) error {
	return e.store.SetAll(map[string]int64{
		keyPrefix + keyTimestamp: noValue,
		keyPrefix + keyCRC:       noValue,
	})
}

// Verify checks the cached units for archive against the stored record
// without extracting anything. It returns the verified units, or an error
// describing the first divergence.
func (e *Extractor) Verify(archive, cacheDir, keyPrefix string) ([]Unit, error) {
	sourceCRC, err := zipcrc.Sum(archive)
	if err != nil {
		return nil, fmt.Errorf("multidex: reading crc of %s: %w", archive, err)
	}
	sourceTime, err := timestampOf(archive)
	if err != nil {
		return nil, fmt.Errorf("multidex: reading timestamp of %s: %w", archive, err)
	}
	if e.isModified(keyPrefix, sourceCRC, sourceTime) {
		return nil, fmt.Errorf("%w: record does not match %s", errStaleExtraction, archive)
	}
	return e.loadExisting(archive, cacheDir, keyPrefix)
}

// unitPrefix derives the cache file prefix for an archive. Units of
// /data/app/base.apk land as base.apk.classes2.zip and up.
func unitPrefix(archive string) string {
	return filepath.Base(archive) + unitNameInfix
}

// timestampOf returns the archive's modification time in unix
// milliseconds, shifted by one when it would collide with the absent-value
// marker.
func timestampOf(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	ts := fi.ModTime().UnixMilli()
	if ts == noValue {
		ts--
	}
	return ts, nil
}

// workerLimit resolves the configured worker count. Zero picks the host
// parallelism, negative forces serial extraction.
func (e *Extractor) workerLimit() int {
	switch {
	case e.workers > 0:
		return e.workers
	case e.workers < 0:
		return 1
	default:
		return runtime.GOMAXPROCS(0)
	}
}
