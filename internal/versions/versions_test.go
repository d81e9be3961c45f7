package versions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fossable/fossdb/internal/versions"
)

func TestIsNewer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a        string
		b        string
		expected bool
	}{
		{name: "newer major", a: "2.0.0", b: "1.0.0", expected: true},
		{name: "newer minor", a: "1.2.0", b: "1.1.0", expected: true},
		{name: "newer patch", a: "1.0.2", b: "1.0.1", expected: true},
		{name: "older major", a: "1.0.0", b: "2.0.0", expected: false},
		{name: "equal", a: "1.0.0", b: "1.0.0", expected: false},
		{name: "release beats prerelease", a: "1.0.0", b: "1.0.0-alpha", expected: true},
		{name: "prerelease loses to release", a: "1.0.0-alpha", b: "1.0.0", expected: false},
		{name: "newer prerelease", a: "1.0.0-beta", b: "1.0.0-alpha", expected: true},
		{name: "v prefix", a: "v2.0.0", b: "v1.0.0", expected: true},
		{name: "free-form newer", a: "build-b", b: "build-a", expected: true},
		{name: "free-form equal", a: "nightly", b: "nightly", expected: false},
		{name: "empty a", a: "", b: "1.0.0", expected: false},
		{name: "empty b", a: "1.0.0", b: "", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, versions.IsNewer(tt.a, tt.b))
		})
	}
}
