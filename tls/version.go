package tls

import (
	"runtime"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/kolkov/tlsmux/internal/tls/native"
)

// Version information for tlsmux.
const (
	// Version is the current version of the library.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Goroutine IDs are parsed from runtime.Stack headers. The format has been
// verified on Go releases in [goidVerifiedMin, goidVerifiedMax).
const (
	goidVerifiedMin = "v1.21"
	goidVerifiedMax = "v1.27"
)

// Info provides runtime information about the library.
type Info struct {
	// Version is the library version string.
	Version string

	// Capacity is the number of slots per Service.
	Capacity int

	// NativeKeys is the number of native keys the platform offers.
	NativeKeys int

	// GoVersion is the Go release the program runs on.
	GoVersion string

	// GoVerified reports whether goroutine identification was verified for
	// GoVersion. Development builds report false.
	GoVerified bool
}

// GetInfo returns information about the library and runtime.
//
// Example:
//
//	info := tls.GetInfo()
//	fmt.Printf("tlsmux %s (%d slots)\n", info.Version, info.Capacity)
func GetInfo() Info {
	gov := runtime.Version()
	return Info{
		Version:    Version,
		Capacity:   Capacity,
		NativeKeys: native.MaxKeys,
		GoVersion:  gov,
		GoVerified: goVerified(gov),
	}
}

// goVerified reports whether a runtime.Version string such as "go1.24.3"
// falls in the verified range.
func goVerified(gov string) bool {
	v := "v" + strings.TrimPrefix(gov, "go")
	if !semver.IsValid(v) {
		// "devel go1.25-abcdef" and similar.
		return false
	}
	return semver.Compare(v, goidVerifiedMin) >= 0 && semver.Compare(v, goidVerifiedMax) < 0
}
