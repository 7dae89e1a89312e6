package version

import (
	"runtime/debug"
	"strings"
)

// buildVersion is set via -ldflags "-X pkt.systems/watchd/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string.
func Current() string {
	if strings.TrimSpace(buildVersion) != "" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// ServerHeader returns the identification string sent in the Server response
// header of every API response.
func ServerHeader() string {
	return "watchd/" + Current()
}
