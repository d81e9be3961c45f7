// Package license implements the free-license gate applied when a package is
// first seen. Deny-list keywords always win over allow-list matches, and an
// empty or unrecognized license string is treated as non-free.
package license

import "strings"

// denyKeywords mark a license string as non-free regardless of anything else
// it contains. "proprietary MIT" is rejected even though MIT alone would pass.
var denyKeywords = []string{
	"proprietary",
	"commercial",
	"all rights reserved",
	"all-rights-reserved",
	"cc-by-nc",
	"cc by-nc",
	"noncommercial",
	"non-commercial",
	"shareware",
	"unfree",
}

// allowKeywords are substrings of well-known free and open-source licenses.
var allowKeywords = []string{
	"mit",
	"apache",
	"gpl", // also covers LGPL and AGPL
	"bsd",
	"mpl",
	"mozilla",
	"isc",
	"unlicense",
	"cc0",
	"zlib",
	"artistic",
	"epl",
	"eupl",
	"wtfpl",
	"boost",
	"bsl-1.0",
	"public domain",
	"0bsd",
	"openssl",
	"ofl",
	"x11",
	"ruby",
	"postgresql",
	"python",
	"php",
	"ncsa",
	"vim",
}

// IsFree reports whether the given license string is acceptable for
// ingestion. Matching is a case-insensitive keyword scan, so compound SPDX
// expressions like "MIT OR Apache-2.0" pass on either operand.
func IsFree(license string) bool {
	s := strings.ToLower(strings.TrimSpace(license))
	if s == "" {
		return false
	}

	for _, deny := range denyKeywords {
		if strings.Contains(s, deny) {
			return false
		}
	}

	for _, allow := range allowKeywords {
		if strings.Contains(s, allow) {
			return true
		}
	}

	// Unrecognized licenses are non-free until classified.
	return false
}
