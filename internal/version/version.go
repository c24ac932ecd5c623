// Package version reports the harmonyd build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/harmonyd"

// buildVersion is set via -ldflags "-X pkt.systems/harmonyd/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string: the linker-injected
// value, the module version, or a pseudo-version derived from VCS stamps.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := vcsPseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// UserAgent identifies harmonyd in logs and HTTP responses.
func UserAgent() string {
	return "harmonyd/" + Current()
}

func vcsPseudoVersion(settings []debug.BuildSetting) string {
	stamps := make(map[string]string, len(settings))
	for _, s := range settings {
		stamps[s.Key] = s.Value
	}
	revision, vcsTime := stamps["vcs.revision"], stamps["vcs.time"]
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if stamps["vcs.modified"] == "true" {
		ver += "+dirty"
	}
	return ver
}
