// Package version holds build metadata, set at build time via ldflags:
//
//	go build -ldflags "-X github.com/ehrlich-b/historian/internal/version.Version=v1.2.0"
package version

import "runtime/debug"

// Version is the release version. Default is "dev" for development builds.
var Version = "dev"

// String returns Version plus the VCS revision when the binary carries one.
func String() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return Version + " (" + s.Value[:7] + ")"
		}
	}
	return Version
}
