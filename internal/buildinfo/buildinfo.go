// Package buildinfo reports what FluxMind binary is running: the
// release stamped in with -ldflags, the VCS revision Go embedded when
// no release was stamped, and how long the process has been up.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Release metadata, set with e.g.
//
//	-ldflags "-X github.com/fluxmind/fluxmind/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	started = time.Now()
	vcsOnce sync.Once
)

// fillFromVCS replaces unstamped commit and build time with the VCS
// settings recorded by the go command, when present.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && GitCommit == "unknown":
				GitCommit = shortRevision(s.Value)
			case s.Key == "vcs.time" && BuildTime == "unknown":
				BuildTime = s.Value
			}
		}
	})
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Info is served by /v1/version and printed by `fluxmind version`.
func Info() map[string]string {
	fillFromVCS()
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

// Uptime is whole seconds since the process started.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent returns the User-Agent sent on outbound requests.
func UserAgent() string {
	return fmt.Sprintf("FluxMind/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line banner logged at startup.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("FluxMind %s (%s) built %s", Version, GitCommit, BuildTime)
}
