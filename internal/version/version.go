// Package version holds build metadata. The variables are overridden at
// link time, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/eventcam/internal/version.Version=v1.2.0"
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String returns a one-line description for -version output.
func String() string {
	return fmt.Sprintf("eventcam %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
