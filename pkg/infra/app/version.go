package app

import "github.com/kart-io/version"

// GetVersion returns the git version stamped by the build, or "unknown" for
// plain `go build` binaries.
func GetVersion() string {
	if v := version.Get().GitVersion; v != "" {
		return v
	}
	return "unknown"
}
