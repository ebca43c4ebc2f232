// Package multidex loads secondary code units on runtimes that only map
// the primary unit of an application archive.
//
// An application archive may carry additional code units named
// classes2.dex, classes3.dex and so on next to its primary unit. Runtimes
// that predate native multidex support ignore them. This package
// materializes each secondary unit into the application's cache directory
// as a standalone single-entry archive and splices the results into the
// process's code resolution path.
//
// # Quick start
//
// Call [Installer.Install] once, as early as possible during process
// bootstrap:
//
//	inst := multidex.New()
//	if err := inst.Install(proc, multidex.ModeAuto); err != nil {
//	    return err
//	}
//
// proc describes the running process: where its archive lives, where its
// data directory is, which [Loader] resolves code and which runtime
// version it runs on. Materialized units are cached under the data
// directory and validated against the archive's timestamp and checksum on
// later starts, so extraction normally happens once per application
// update.
//
// # Caching
//
// Extraction state is recorded through a [prefs.Store]. The default keeps
// the record in a TOML file in the data directory; the prefs/bolt
// subpackage offers a bbolt-backed alternative. A cross-process file lock
// serializes access to one cache directory, so several processes of the
// same application can start concurrently and exactly one of them performs
// the extraction work.
//
// # Recovery
//
// Installation failures run through a chain of [Handler] values. A handler
// that recognizes and remediates the failure (device full, storage still
// mounted read-only) triggers a single retry after the loader is restored
// to its pre-install state. See [NoSpaceHandler] and [ReadOnlyFSHandler].
package multidex
