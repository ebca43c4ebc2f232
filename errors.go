package multidex

import (
	"errors"
	"fmt"
)

// ErrUnsupportedRuntime is returned by Install when the runtime's API
// level is below the supported minimum. No recovery handler runs for it.
var ErrUnsupportedRuntime = errors.New("multidex: unsupported runtime")

// errStaleExtraction marks a cached unit that no longer matches the stored
// record. Load falls back to a fresh extraction pass whenever it appears;
// Verify reports it to the caller.
var errStaleExtraction = errors.New("multidex: stale extraction")

// ExtractionError reports a secondary unit that could not be materialized
// after the extraction attempt budget was spent.
type ExtractionError struct {
	Index int    // archive index of the unit, counting from 2
	Path  string // destination the unit was written to
	Err   error  // failure of the last attempt
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("multidex: could not create unit archive %s for secondary unit %d: %v",
		e.Path, e.Index, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// LockError reports a failure to acquire or release the cache lock.
type LockError struct {
	Path string // lock file path
	Op   string // "acquire" or "release"
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("multidex: %s lock %s: %v", e.Op, e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// SpliceError reports that a loader strategy could not extend the
// process's code resolution path. Per-unit failures the loader reported
// without aborting are collected in Suppressed.
type SpliceError struct {
	Strategy   string
	Err        error
	Suppressed []error
}

func (e *SpliceError) Error() string {
	switch {
	case len(e.Suppressed) > 0:
		return fmt.Sprintf("multidex: %s strategy failed with %d suppressed unit errors, first: %v",
			e.Strategy, len(e.Suppressed), e.Suppressed[0])
	case e.Err != nil:
		return fmt.Sprintf("multidex: %s strategy failed: %v", e.Strategy, e.Err)
	default:
		return fmt.Sprintf("multidex: %s strategy failed", e.Strategy)
	}
}

func (e *SpliceError) Unwrap() error { return e.Err }
