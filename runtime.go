package multidex

import (
	"regexp"
	"strconv"
)

// API levels bracketing the runtimes the installer patches. Runtimes past
// MaxSupportedAPI are expected to load secondary units natively; runtimes
// below MinSupportedAPI cannot be patched at all.
const (
	MinSupportedAPI = 4
	MaxSupportedAPI = 20
)

// First VM release that loads secondary units without help.
const (
	nativeMultidexMajor = 2
	nativeMultidexMinor = 1
)

var runtimeVersionRE = regexp.MustCompile(`^(\d+)\.(\d+)(\.\d+)?$`)

// RuntimeInfo describes the virtual machine the process runs on.
type RuntimeInfo struct {
	// Version is the VM version string, for example "2.1.0". An empty or
	// unparseable string is treated as a VM without native support.
	Version string
	// API is the platform API level.
	API int
}

// NativeMultidex reports whether the VM loads secondary units on its own,
// making installation unnecessary.
func (r RuntimeInfo) NativeMultidex() bool {
	m := runtimeVersionRE.FindStringSubmatch(r.Version)
	if m == nil {
		return false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return false
	}
	return major > nativeMultidexMajor ||
		(major == nativeMultidexMajor && minor >= nativeMultidexMinor)
}
