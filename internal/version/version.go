// Package version holds build information set through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at build time with -ldflags "-X github.com/kylemclaren/claude-goals/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Short returns the version without a leading "v"
func Short() string {
	return strings.TrimPrefix(Version, "v")
}

// Info returns the full build description printed by the version command
func Info() string {
	return fmt.Sprintf("claude-goals %s (commit %s, built %s, %s/%s)",
		Version, Commit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent with outgoing HTTP requests
func UserAgent() string {
	return "claude-goals/" + Short()
}
