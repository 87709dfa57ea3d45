// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/cerebra/internal/version.Version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for the version subcommand and the
// startup log line.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("cerebra %s (%s, built %s, %s)", Version, sha, BuildTime, runtime.Version())
}
