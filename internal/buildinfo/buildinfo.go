// Package buildinfo holds version and build metadata stamped at compile
// time via -ldflags "-X github.com/nugget/reimburse-agent/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata as a flat map, suitable for
// JSON output from the version subcommand.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("reimburse %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent returns the User-Agent header sent on outbound HTTP calls.
func UserAgent() string {
	return "reimburse-agent/" + Version
}
