// Package version reports the build identity of the autopilot binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via ldflags:
//
//	go build -ldflags="-X github.com/andywolf/autopilot/internal/version.Version=v1.0.0"
//
// When left unset, Commit and BuildDate fall back to the VCS stamp the Go
// toolchain embeds in the binary.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var stampOnce sync.Once

// stamp fills Commit and BuildDate from debug.ReadBuildInfo once.
func stamp() {
	stampOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "unknown" && s.Value != "" {
					Commit = s.Value
				}
			case "vcs.time":
				if BuildDate == "unknown" && s.Value != "" {
					BuildDate = s.Value
				}
			}
		}
	})
}

// Short returns the version string (e.g., "v1.2.3" or "dev").
func Short() string {
	return Version
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// Info returns a single line:
// "autopilot v1.2.3 (commit: abc1234, built: 2026-01-15T10:30:00Z, go: go1.24.x)"
func Info() string {
	stamp()
	return fmt.Sprintf("autopilot %s (commit: %s, built: %s, go: %s)",
		Version, shortCommit(Commit), BuildDate, runtime.Version())
}

// Full returns the verbose multi-line form used by "autopilot version -v".
func Full() string {
	stamp()
	return fmt.Sprintf(`autopilot %s
  Commit:     %s
  Built:      %s
  Go version: %s
  OS/Arch:    %s/%s`,
		Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Labels identifies the build on records mirrored to Cloud Logging.
func Labels() map[string]string {
	stamp()
	return map[string]string{
		"service": "autopilot",
		"version": Version,
		"commit":  shortCommit(Commit),
		"goos":    runtime.GOOS,
	}
}
