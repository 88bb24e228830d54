// Package version reports the build identity of a Recast binary.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the release tag, stamped at build time with
//
//	-ldflags "-X github.com/recasthq/recast/version.Version=v1.2.3"
//
// Unstamped builds report "dev".
var Version = "dev"

// Revision returns the VCS commit recorded by the toolchain, shortened
// to twelve characters and suffixed with -dirty for modified trees.
// Builds outside a checkout return the empty string.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty && rev != "" {
		rev += "-dirty"
	}
	return rev
}

// String renders the version, with the revision when one is known.
func String() string {
	if rev := Revision(); rev != "" {
		return Version + " (" + rev + ")"
	}
	return Version
}

// GoVersion reports the toolchain that built the binary.
func GoVersion() string { return runtime.Version() }
