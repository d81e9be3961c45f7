// Package versions compares package version strings across registries.
// Registries report versions in mostly-semver shapes; anything unparseable
// falls back to lexicographic ordering rather than failing.
package versions

import "github.com/Masterminds/semver/v3"

// IsNewer reports whether version a is strictly newer than version b. Both
// strings are compared as semantic versions when possible, with a
// lexicographic fallback for registries that use free-form version strings.
func IsNewer(a, b string) bool {
	av, errA := semver.NewVersion(a)
	bv, errB := semver.NewVersion(b)

	if errA != nil || errB != nil {
		return a > b
	}

	return av.GreaterThan(bv)
}
