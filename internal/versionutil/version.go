// Package versionutil normalizes build version strings.
package versionutil

import "strings"

// Dev is reported when neither a release version nor a git description is
// available.
const Dev = "dev"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve picks the reported version. A release version set at build time
// wins; a development build falls back to the git description with a "-dev"
// suffix. Release tooling strips the "v" that git tags carry, so it is put
// back.
func Resolve(buildVersion, gitDescribe string) string {
	v := strings.TrimSpace(buildVersion)
	if v == "" || v == Dev {
		d := strings.TrimSpace(gitDescribe)
		if d == "" {
			return Dev
		}
		v = d + "-dev"
	}
	return EnsureVPrefix(v)
}
