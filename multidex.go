package multidex

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/lycold/multidex/prefs"
	"github.com/lycold/multidex/prefs/file"
)

const (
	codeCacheName = "code_cache"

	// cacheFolderName lives under the code cache; legacyFolderName is the
	// same name under the files dir, where older releases extracted.
	cacheFolderName  = "secondary-dexes"
	legacyFolderName = "secondary-dexes"

	prefsFileName = "multidex.version.toml"
)

// Process is the running program whose loader gets patched.
// Implementations adapt the host platform's notion of an application
// context.
type Process interface {
	// Info describes the program's installation on disk. A nil result
	// disables installation, which suits synthetic test processes.
	Info() *ProcessInfo

	// FilesDir is the program's general-purpose data directory. It holds
	// the legacy extraction dir and backs the code cache when the data
	// dir cannot.
	FilesDir() string

	// Loader returns the loader to patch. A nil result skips patching.
	Loader() Loader

	// Runtime describes the VM the process runs on.
	Runtime() RuntimeInfo
}

// ProcessInfo locates a process's code on disk.
type ProcessInfo struct {
	// SourceArchive is the installed archive holding the primary and
	// secondary units.
	SourceArchive string

	// DataDir is the root of the program's private storage.
	DataDir string
}

// An Option adjusts Installer construction.
type Option func(*Installer)

// WithLogger routes installation diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(in *Installer) { in.log = logger }
}

// WithStore records extraction state in store instead of the default
// per-process file under the data dir.
func WithStore(store prefs.Store) Option {
	return func(in *Installer) { in.store = store }
}

// WithRecoveryHandlers replaces the default handler chain. Calling it
// with no arguments disables recovery entirely.
func WithRecoveryHandlers(handlers ...Handler) Option {
	return func(in *Installer) {
		in.handlers = append([]Handler{}, handlers...)
	}
}

// WithKeyPrefix namespaces the record keys, letting several archives
// share one store.
func WithKeyPrefix(prefix string) Option {
	return func(in *Installer) { in.keyPrefix = prefix }
}

// WithLocking toggles the advisory cache lock and the write probe taken
// while setting up cache directories. Disable it only when no other
// process can reach the cache.
func WithLocking(enabled bool) Option {
	return func(in *Installer) { in.useLock = enabled }
}

// WithWorkers bounds concurrent extractions in the parallel modes. Zero
// picks the host parallelism; a negative count forces serial extraction.
func WithWorkers(n int) Option {
	return func(in *Installer) { in.workers = n }
}

// WithForceReinstall makes every Install start from scratch: the
// installed-archive memory is bypassed and cached units are purged and
// re-extracted. Intended for test harnesses.
func WithForceReinstall(enabled bool) Option {
	return func(in *Installer) { in.forceReinstall = enabled }
}

// Installer patches process loaders so secondary units resolve through
// them. One Installer serves any number of processes and archives; an
// archive already installed into a loader is not installed again.
type Installer struct {
	log            Logger
	store          prefs.Store
	handlers       []Handler
	keyPrefix      string
	useLock        bool
	workers        int
	forceReinstall bool

	mu        sync.Mutex
	installed map[string]struct{}
	snapshots map[string][]string
}

// New returns an Installer with the default recovery handlers installed.
func New(opts ...Option) *Installer {
	in := &Installer{
		log:       defaultLogger(),
		useLock:   true,
		installed: make(map[string]struct{}),
		snapshots: make(map[string][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	if in.log == nil {
		in.log = defaultLogger()
	}
	if in.handlers == nil {
		in.handlers = []Handler{
			&ReadOnlyFSHandler{Logger: in.log},
			&NoSpaceHandler{Logger: in.log},
		}
	}
	return in
}

// Install patches proc's loader so code in the source archive's secondary
// units resolves through it. Repeated calls for an already installed
// archive are no-ops. When an attempt fails every recovery handler
// examines the failure; if any reports it handled, the loader is restored
// to its pre-install entries and the attempt runs once more.
//
// Optional entryPoints are resolved through the loader after the splice.
// The first one that fails to resolve switches the loader to injected
// entries, with the units placed in front of its original entry list.
func (in *Installer) Install(proc Process, mode Mode, entryPoints ...string) error {
	in.log.Logf("installing application")
	rt := proc.Runtime()
	if rt.NativeMultidex() {
		in.log.Logf("vm version %s loads secondary units natively, installation disabled", rt.Version)
		return nil
	}
	if rt.API < MinSupportedAPI {
		return fmt.Errorf("%w: API %d is below the minimum %d", ErrUnsupportedRuntime, rt.API, MinSupportedAPI)
	}
	if proc.Info() == nil {
		in.log.Logf("process has no install info, installation disabled")
		return nil
	}

	err := in.installAttempt(proc, mode, entryPoints)
	if err == nil {
		in.log.Logf("install done")
		return nil
	}
	in.log.Errorf(err, "installation failed")
	if !in.runHandlers(proc, err) {
		return fmt.Errorf("multidex: installation failed: %w", err)
	}
	in.log.Logf("a recovery handler fixed the failure, retrying installation")
	if loader := proc.Loader(); loader != nil {
		if rerr := in.Restore(loader); rerr != nil {
			return fmt.Errorf("multidex: retry installation failed (%v): %w", err, rerr)
		}
	}
	if err2 := in.installAttempt(proc, mode, entryPoints); err2 != nil {
		return fmt.Errorf("multidex: retry installation failed (%v): %w", err, err2)
	}
	in.log.Logf("install done")
	return nil
}

// InstallWithRecovery runs fn under the installer's recovery protocol:
// when fn fails and a handler reports the failure handled, fn runs once
// more. Unlike Install, no loader restore happens between attempts; fn is
// responsible for being safe to rerun.
func (in *Installer) InstallWithRecovery(proc Process, fn func() error) error {
	err := fn()
	if err == nil {
		in.log.Logf("install done")
		return nil
	}
	in.log.Errorf(err, "installation failed")
	if !in.runHandlers(proc, err) {
		return fmt.Errorf("multidex: installation failed: %w", err)
	}
	in.log.Logf("a recovery handler fixed the failure, retrying installation")
	if err2 := fn(); err2 != nil {
		return fmt.Errorf("multidex: retry installation failed (%v): %w", err, err2)
	}
	in.log.Logf("install done")
	return nil
}

// Restore resets loader to the entries snapshotted before its first
// splice. Loaders that were never spliced are left alone.
func (in *Installer) Restore(loader Loader) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.restoreLocked(loader)
}

func (in *Installer) installAttempt(proc Process, mode Mode, entryPoints []string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	info := proc.Info()
	archive := info.SourceArchive
	if !in.forceReinstall {
		if _, done := in.installed[archive]; done {
			return nil
		}
	}

	rt := proc.Runtime()
	if rt.API > MaxSupportedAPI {
		in.log.Logf("installation is not guaranteed on API %d: runtimes past API %d load secondary units natively, but this one reports vm version %q",
			rt.API, MaxSupportedAPI, rt.Version)
	}

	loader := proc.Loader()
	if loader == nil {
		in.log.Logf("process has no loader, skipping patch")
		return nil
	}

	in.clearLegacyCacheDir(proc)

	cacheDir, err := in.resolveCacheDir(proc, info.DataDir)
	if err != nil {
		return err
	}
	if in.forceReinstall {
		in.purgeCacheDir(cacheDir)
	}

	if mode&ModeAuto != 0 {
		cores := runtime.GOMAXPROCS(0)
		if cores > 1 {
			mode = ModeParallel
		} else {
			mode = ModeSerial
		}
		in.log.Logf("host has %d cores, choosing %s mode", cores, mode)
	}
	in.log.Logf("using %s mode for extraction and unit preparation", mode)

	var onReady func(Unit) error
	if mode&ModeExtractParallel != 0 {
		onReady = in.optimizeFn(loader, cacheDir, mode)
	}
	units, err := in.newExtractor(info).Load(archive, cacheDir, in.keyPrefix, in.forceReinstall, onReady)
	if err != nil {
		return err
	}
	if err := in.spliceLocked(loader, cacheDir, units, rt.API); err != nil {
		return err
	}
	if len(units) > 0 && len(entryPoints) > 0 {
		if err := in.resolveEntryPoints(loader, units, entryPoints); err != nil {
			return err
		}
	}
	in.installed[archive] = struct{}{}
	return nil
}

// runHandlers gives every handler a look at the failure. All of them run
// so each can clean up its own concern; a single positive answer makes
// the attempt worth retrying.
func (in *Installer) runHandlers(proc Process, err error) bool {
	handled := false
	for _, h := range in.handlers {
		if h.Handle(proc, err) {
			handled = true
		}
	}
	return handled
}

// spliceLocked appends the units to the loader using the strategy for the
// runtime tier, snapshotting the loader's original entries first so
// recovery and injection can rewind. A loader with an existing snapshot
// is rewound before splicing so repeated installs do not stack entries.
func (in *Installer) spliceLocked(loader Loader, scratchDir string, units []Unit, api int) error {
	if len(units) == 0 {
		in.log.Logf("no secondary units to install")
		return nil
	}
	key := loader.Key()
	if _, ok := in.snapshots[key]; ok {
		if err := in.restoreLocked(loader); err != nil {
			return err
		}
	} else {
		in.snapshots[key] = slices.Clone(loader.Entries())
	}
	strat := strategyFor(api, in.log)
	start := time.Now()
	if err := strat.Install(loader, unitPaths(units), scratchDir); err != nil {
		return err
	}
	in.log.Logf("spliced %d units with the %s strategy in %s", len(units), strat.Name(), time.Since(start))
	return nil
}

func (in *Installer) restoreLocked(loader Loader) error {
	snap, ok := in.snapshots[loader.Key()]
	if !ok {
		return nil
	}
	if err := loader.SetEntries(slices.Clone(snap)); err != nil {
		return fmt.Errorf("multidex: restoring loader %s: %w", loader.Key(), err)
	}
	in.log.Logf("restored loader %s to its pre-install entries", loader.Key())
	return nil
}

// resolveEntryPoints checks that the given names resolve through the
// spliced loader. The first failure switches to injected entries; the
// remaining names are not checked again.
func (in *Installer) resolveEntryPoints(loader Loader, units []Unit, entryPoints []string) error {
	for _, name := range entryPoints {
		err := loader.Resolve(name)
		if err == nil {
			continue
		}
		in.log.Errorf(err, "entry point %s did not resolve after splice, switching to injected entries", name)
		return in.injectLocked(loader, units)
	}
	return nil
}

// injectLocked reverts the splice and rebuilds the loader's entry list
// with the units in front of the original entries.
func (in *Installer) injectLocked(loader Loader, units []Unit) error {
	if err := in.restoreLocked(loader); err != nil {
		return err
	}
	entries := slices.Concat(unitPaths(units), loader.Entries())
	if err := loader.SetEntries(entries); err != nil {
		return fmt.Errorf("multidex: injecting unit entries: %w", err)
	}
	in.log.Logf("injected %d units in front of loader %s", len(units), loader.Key())
	return nil
}

// optimizeFn returns the per-unit callback for the parallel modes. When
// the loader can prepare units ahead of time the callback drives it,
// serialized unless ModeOptParallel is set; otherwise the callback does
// nothing and exists only to schedule extraction on the worker pool.
func (in *Installer) optimizeFn(loader Loader, scratchDir string, mode Mode) func(Unit) error {
	opt, ok := loader.(Optimizer)
	if !ok {
		return func(Unit) error { return nil }
	}
	var mu sync.Mutex
	return func(u Unit) error {
		if mode&ModeOptParallel == 0 {
			mu.Lock()
			defer mu.Unlock()
		}
		start := time.Now()
		if err := opt.Optimize(u.Path, scratchDir); err != nil {
			return fmt.Errorf("multidex: preparing %s: %w", u.Path, err)
		}
		in.log.Logf("unit preparation succeeded in %s for %s", time.Since(start), u.Path)
		return nil
	}
}

func (in *Installer) newExtractor(info *ProcessInfo) *Extractor {
	store := in.store
	if store == nil {
		store = file.New(filepath.Join(info.DataDir, prefsFileName))
	}
	return NewExtractor(store,
		ExtractorWithLogger(in.log),
		ExtractorWithLocking(in.useLock),
		ExtractorWithWorkers(in.workers),
	)
}

// resolveCacheDir returns the unit cache directory, creating it if
// needed. The code cache under the data dir is preferred; when it cannot
// be set up the files dir backs it instead.
func (in *Installer) resolveCacheDir(proc Process, dataDir string) (string, error) {
	cache := filepath.Join(dataDir, codeCacheName)
	if err := in.mkdirChecked(cache); err != nil {
		in.log.Errorf(err, "could not set up %s, falling back to the files dir", cache)
		cache = filepath.Join(proc.FilesDir(), codeCacheName)
		if err := in.mkdirChecked(cache); err != nil {
			return "", err
		}
	}
	dir := filepath.Join(cache, cacheFolderName)
	if err := in.mkdirChecked(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// mkdirChecked creates one directory level and verifies the result is a
// usable directory, probing for write access when locking is on. The
// probe surfaces read-only and full filesystems before extraction starts.
func (in *Installer) mkdirChecked(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		_ = os.Mkdir(dir, 0o700)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		in.logDirFailure(dir)
		return fmt.Errorf("multidex: could not create directory %s", dir)
	}
	if in.useLock {
		probe := filepath.Join(dir, "temp")
		werr := os.WriteFile(probe, []byte("1"), 0o600)
		_ = os.Remove(probe)
		if werr != nil {
			return fmt.Errorf("multidex: probing %s for write access: %w", dir, werr)
		}
	}
	return nil
}

func (in *Installer) logDirFailure(dir string) {
	parent := filepath.Dir(dir)
	fi, err := os.Stat(parent)
	switch {
	case err != nil:
		in.log.Logf("could not create %s, parent %s is not statable: %v", dir, parent, err)
	case !fi.IsDir():
		in.log.Logf("could not create %s, parent %s is not a directory", dir, parent)
	default:
		in.log.Logf("could not create %s, parent %s has mode %v", dir, parent, fi.Mode())
	}
}

// clearLegacyCacheDir removes extractions left under the files dir by
// older releases. Failures are logged and installation continues.
func (in *Installer) clearLegacyCacheDir(proc Process) {
	files := proc.FilesDir()
	if files == "" {
		return
	}
	dir := filepath.Join(files, legacyFolderName)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return
	}
	in.log.Logf("clearing legacy extraction dir %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		in.log.Errorf(err, "could not clear legacy extraction dir, continuing without cleaning")
	}
}

// purgeCacheDir deletes every cached file so a force reinstall starts
// from an empty cache.
func (in *Installer) purgeCacheDir(dir string) {
	start := time.Now()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
	in.log.Logf("purged cached unit files in %s", time.Since(start))
}

// unitPaths lists the cache paths of units in index order.
func unitPaths(units []Unit) []string {
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.Path
	}
	return paths
}
