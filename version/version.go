package version

import (
	"runtime/debug"
	"strings"
	"sync"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/kbukum/streamkit/version.Version=1.2.0"
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Dirty     bool   `json:"dirty"`
}

var (
	buildOnce sync.Once
	build     *debug.BuildInfo
)

func readBuildInfo() *debug.BuildInfo {
	buildOnce.Do(func() {
		if bi, ok := debug.ReadBuildInfo(); ok {
			build = bi
		}
	})
	return build
}

// Get returns the ldflags values, completed from the VCS stamp of the
// binary when they were not set.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	bi := readBuildInfo()
	if bi == nil {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	if len(info.Commit) > 7 {
		info.Commit = info.Commit[:7]
	}
	return info
}

// String renders "version-commit[-dirty]", or just the version without a commit.
func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	parts := []string{i.Version, i.Commit}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "-")
}
