package sources_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/ratelimit"
	"github.com/fossable/fossdb/internal/sources"
)

// newTestClient returns a client whose limiter never slows tests down.
func newTestClient(t *testing.T) httpclient.Client {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{
		Initial: 1000, Min: 100, Max: 2000, Burst: 100,
	}, nil)
	require.NoError(t, err)
	return httpclient.New(limiter, 5*time.Second)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestCratesSource_FetchRecent(t *testing.T) {
	t.Parallel()

	updated := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/crates", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "recent-updates", r.URL.Query().Get("sort"))
		writeJSON(t, w, map[string]any{
			"crates": []map[string]any{
				{"name": "serde", "description": "serialization framework", "updated_at": updated},
			},
		})
	})
	mux.HandleFunc("/api/v1/crates/serde", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"crate": map[string]any{
				"name":        "serde",
				"description": "A serialization framework",
				"homepage":    "https://serde.rs",
				"repository":  "https://github.com/serde-rs/serde",
				"keywords":    []string{"serialization"},
			},
			"versions": []map[string]any{
				{"num": "1.0.201", "created_at": updated, "dl_path": "/api/v1/crates/serde/1.0.201/download", "checksum": "aa", "license": "MIT OR Apache-2.0"},
				{"num": "1.0.200", "created_at": updated.Add(-time.Hour), "dl_path": "/api/v1/crates/serde/1.0.200/download", "checksum": "bb", "license": "MIT OR Apache-2.0", "yanked": true},
				{"num": "1.0.199", "created_at": updated.Add(-2 * time.Hour), "dl_path": "/api/v1/crates/serde/1.0.199/download", "checksum": "cc", "license": "MIT OR Apache-2.0"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := sources.NewCrates(newTestClient(t), srv.URL, nil, nil)
	assert.Equal(t, "crates.io", src.Name())

	candidates, err := src.FetchRecent(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, "serde", got.Name)
	assert.Equal(t, "A serialization framework", got.Description)
	assert.Equal(t, "https://serde.rs", got.Homepage)
	assert.Equal(t, "MIT OR Apache-2.0", got.License)
	assert.Equal(t, updated, got.LastUpdated)
	assert.Contains(t, got.Tags, "rust")
	assert.Contains(t, got.Tags, "serialization")

	// The yanked version is filtered out.
	require.Len(t, got.Versions, 2)
	assert.Equal(t, "1.0.201", got.Versions[0].Version)
	assert.Equal(t, srv.URL+"/api/v1/crates/serde/1.0.201/download", got.Versions[0].DownloadURL)
	assert.Equal(t, "1.0.199", got.Versions[1].Version)
}

func TestCratesSource_SkipsUnchangedPackages(t *testing.T) {
	t.Parallel()

	updated := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var detailFetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/crates", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"crates": []map[string]any{
				{"name": "tokio", "updated_at": updated},
			},
		})
	})
	mux.HandleFunc("/api/v1/crates/tokio", func(w http.ResponseWriter, _ *http.Request) {
		detailFetches.Add(1)
		writeJSON(t, w, map[string]any{"crate": map[string]any{"name": "tokio"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// Stored timestamp matches the listing: no detail fetch, no candidate.
	stored := func(context.Context, string) (time.Time, bool) {
		return updated, true
	}
	src := sources.NewCrates(newTestClient(t), srv.URL, stored, nil)

	candidates, err := src.FetchRecent(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Zero(t, detailFetches.Load())

	// An older stored timestamp triggers the detail fetch.
	stale := func(context.Context, string) (time.Time, bool) {
		return updated.Add(-time.Hour), true
	}
	src = sources.NewCrates(newTestClient(t), srv.URL, stale, nil)
	candidates, err = src.FetchRecent(context.Background())
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, int32(1), detailFetches.Load())
}

func TestCratesSource_DetailFailureSkipsCrateOnly(t *testing.T) {
	t.Parallel()

	updated := time.Now().UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/crates", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"crates": []map[string]any{
				{"name": "broken", "updated_at": updated},
				{"name": "rand", "updated_at": updated},
			},
		})
	})
	mux.HandleFunc("/api/v1/crates/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v1/crates/rand", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"crate": map[string]any{"name": "rand"},
			"versions": []map[string]any{
				{"num": "0.8.5", "created_at": updated, "dl_path": "/dl", "license": "MIT"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := sources.NewCrates(newTestClient(t), srv.URL, nil, nil)
	candidates, err := src.FetchRecent(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "rand", candidates[0].Name)
}

func TestCratesSource_ListingFailureAbortsPoll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	src := sources.NewCrates(newTestClient(t), srv.URL, nil, nil)
	_, err := src.FetchRecent(context.Background())
	require.Error(t, err)

	var httpErr *httpclient.HTTPError
	assert.ErrorAs(t, err, &httpErr)
}
