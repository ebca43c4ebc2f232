package multidex

import "fmt"

// Mode selects how extraction and ahead-of-time unit preparation are
// scheduled during installation.
type Mode uint32

const (
	// ModeSerial extracts units one at a time on the calling goroutine and
	// leaves unit preparation to the runtime.
	ModeSerial Mode = 0

	// ModeExtractParallel extracts units concurrently on a bounded worker
	// pool.
	ModeExtractParallel Mode = 1 << 0

	// ModeOptParallel prepares extracted units concurrently instead of
	// serializing preparation across extraction workers. Only meaningful
	// combined with ModeExtractParallel.
	ModeOptParallel Mode = 1 << 1

	// ModeParallel extracts and prepares units concurrently.
	ModeParallel Mode = ModeExtractParallel | ModeOptParallel

	// ModeAuto picks ModeParallel on multi-core hosts and ModeSerial
	// otherwise.
	ModeAuto Mode = 1 << 31
)

func (m Mode) String() string {
	switch m {
	case ModeSerial:
		return "serial"
	case ModeExtractParallel:
		return "extract-parallel"
	case ModeOptParallel:
		return "opt-parallel"
	case ModeParallel:
		return "parallel"
	}
	if m&ModeAuto != 0 {
		return "auto"
	}
	return fmt.Sprintf("mode(%d)", uint32(m))
}
