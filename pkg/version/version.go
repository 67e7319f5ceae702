// Package version reports the build identity of the relayd binary.
package version

import (
	"runtime/debug"
	"strings"
)

// Overridable at build time:
//
//	-ldflags "-X github.com/voxhall/relayd/pkg/version.Version=v1.2.3
//	          -X github.com/voxhall/relayd/pkg/version.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
)

// Current resolves the release version and commit, preferring the ldflags
// values and falling back to the VCS metadata Go embeds in the binary. The
// commit is shortened to 12 characters and suffixed with "-dirty" when the
// working tree was modified.
func Current() (version, commit string) {
	version = strings.TrimSpace(Version)
	if version == "" {
		version = "dev"
	}
	commit = strings.TrimSpace(Commit)

	var modified bool
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.modified":
				modified = s.Value == "true"
			}
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if modified && commit != "" {
		commit += "-dirty"
	}
	return version, commit
}

// Detailed renders "component version (commit)" for the version subcommand.
func Detailed(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "relayd"
	}
	version, commit := Current()
	if commit == "" {
		return component + " " + version
	}
	return component + " " + version + " (" + commit + ")"
}
