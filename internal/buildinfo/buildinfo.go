// Package buildinfo carries version metadata stamped by the build.
package buildinfo

import "fmt"

// Overridden at build time with
// -ldflags "-X github.com/wrenwood/tapband/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// String renders the one-line banner printed by the version command
// and logged at startup.
func String() string {
	return fmt.Sprintf("tapband %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
