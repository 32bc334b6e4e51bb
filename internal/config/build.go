package config

import (
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X momentwatch/internal/config.version=1.2.3 ...".
// When left at their defaults, the VCS stamp the Go toolchain embeds in the
// binary is used instead.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the build metadata of the running binary.
func NewBuildInfo() BuildInfo {
	bi, _ := debug.ReadBuildInfo()
	return buildInfoFrom(version, commit, buildTime, bi)
}

// buildInfoFrom prefers linker-injected values and fills the gaps from the
// embedded module and VCS information.
func buildInfoFrom(ver, rev, built string, bi *debug.BuildInfo) BuildInfo {
	info := BuildInfo{Version: ver, Commit: rev, BuildTime: built}
	if bi == nil {
		return info
	}

	if info.Version == "dev" && isReleaseVersion(bi.Main.Version) {
		info.Version = strings.TrimPrefix(bi.Main.Version, "v")
	}

	var modified bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && info.Commit != "none" && !strings.HasSuffix(info.Commit, "-dirty") {
		info.Commit += "-dirty"
	}
	return info
}

// isReleaseVersion rejects "(devel)" and the pseudo-versions the toolchain
// stamps on untagged or dirty checkouts.
func isReleaseVersion(v string) bool {
	if v == "" || v == "(devel)" || strings.Contains(v, "+") {
		return false
	}
	return !strings.HasPrefix(v, "v0.0.0-")
}

// UserAgent is the User-Agent sent to the moment API when MOMENT_USER_AGENT is
// not set, e.g. "momentwatch/1.4.0 (3f2a9c1d0b7e)".
func (b BuildInfo) UserAgent(service string) string {
	if service == "" {
		service = "momentwatch"
	}
	ua := service + "/" + b.Version
	if b.Commit != "" && b.Commit != "none" {
		ua += " (" + b.Commit + ")"
	}
	return ua
}
