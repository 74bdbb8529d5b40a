// Package version carries build metadata injected at link time via
// -ldflags "-X modelgate/internal/version.Version=...".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return fmt.Sprintf("modelgate %s (commit %s, built %s)", Version, Commit, Date)
}
