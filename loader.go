package multidex

// Loader is the process's code resolution path. Entries are opaque loader
// tokens ordered by resolution priority; implementations typically back
// them with the platform's dex element objects.
//
// The optional capability interfaces below decide which installation
// strategy applies to a loader. A loader for a modern runtime implements
// EntryMaker; first-generation loaders implement PathLoader instead.
type Loader interface {
	// Key identifies the loader instance. The installer snapshots a
	// loader's original entries under this key before the first splice and
	// restores from that snapshot during recovery.
	Key() string

	// Entries returns the current resolution entries. Callers must not
	// mutate the returned slice.
	Entries() []string

	// SetEntries replaces the resolution entries.
	SetEntries(entries []string) error

	// Resolve looks a name up through the loader, returning an error when
	// the name cannot be resolved.
	Resolve(name string) error
}

// EntryMaker converts materialized unit archives into resolution entries
// in one batch. Conversions that fail are reported through suppressed
// without aborting the batch.
type EntryMaker interface {
	MakeEntries(files []string, scratchDir string) (entries []string, suppressed []error)
}

// SingleEntryMaker converts one materialized unit archive into a
// resolution entry.
type SingleEntryMaker interface {
	MakeEntry(file, scratchDir string) (string, error)
}

// SuppressedRecorder stores conversion failures on the loader so the
// runtime can surface them alongside later resolution errors.
type SuppressedRecorder interface {
	RecordSuppressed(errs []error)
}

// PathLoader is implemented by first-generation loaders that resolve code
// through a colon-joined search path string in addition to their entry
// list.
type PathLoader interface {
	Path() string
	SetPath(path string) error
}

// Optimizer is implemented by loaders that can prepare a materialized unit
// ahead of time. Parallel installation modes drive it as soon as each unit
// lands on disk.
type Optimizer interface {
	Optimize(file, scratchDir string) error
}
