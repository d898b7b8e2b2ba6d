// Package buildinfo reports what binary is running. Release builds set
// the variables with -ldflags; plain `go build` falls back to the VCS
// stamp the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info is the payload of GET /v1/version and `postern version -o json`.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Get returns the current build and runtime details.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromVCS(&info, bi.Settings)
	}
	return info
}

// fromVCS fills fields the linker left unset from vcs.* settings.
func fromVCS(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && len(s.Value) >= 12 {
				info.GitCommit = s.Value[:12]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies outbound HTTP requests.
func UserAgent() string { return "postern/" + Version }

// String is the one-line banner for logs and `postern version`.
func (i Info) String() string {
	s := fmt.Sprintf("postern %s (%s@%s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
	if i.Modified {
		s += " +dirty"
	}
	return s
}
