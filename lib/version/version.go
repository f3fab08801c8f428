// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// buildInfo fills unset ldflags values from the VCS stamp the go
// command embeds in module builds.
var buildInfo = sync.OnceValue(func() build {
	result := build{commit: GitCommit, dirty: GitDirty == "true", time: BuildTime}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return result
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if result.commit == "unknown" && len(setting.Value) >= 7 {
				result.commit = setting.Value[:7]
			}
		case "vcs.time":
			if result.time == "unknown" {
				result.time = setting.Value
			}
		case "vcs.modified":
			if GitCommit == "unknown" {
				result.dirty = setting.Value == "true"
			}
		}
	}
	return result
})

type build struct {
	commit string
	dirty  bool
	time   string
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	info := buildInfo()
	dirty := ""
	if info.dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, info.commit, dirty, info.time)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Commit returns the git commit SHA.
func Commit() string {
	return buildInfo().commit
}
