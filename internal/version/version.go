// Package version exposes the build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// override is set at link time with
// -ldflags "-X github.com/ShayCichocki/ralph/internal/version.override=v1.2.3".
var override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if override != "" {
		return override
	}
	return strings.TrimSpace(versionContent)
}
