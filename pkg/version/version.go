// Package version holds build information, set with -ldflags at build time.
package version

import "runtime"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
)

// BuildInfo is reported by `spmtcal version` and the daemon.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
}

func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
}
