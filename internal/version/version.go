// ABOUTME: Build and product identification
// ABOUTME: Version is overridden at link time with -ldflags "-X ...version.Version=..."
package version

import "runtime/debug"

// Version is the release string, set by the build
var Version = "dev"

const (
	// Product names the application in logs, the API and the TUI
	Product = "picapico audio share"

	// Manufacturer is shown in the about line of the TUI
	Manufacturer = "picapico"
)

// String returns the version, falling back to module build info for
// binaries installed with go install
func String() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
