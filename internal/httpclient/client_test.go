package httpclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/ratelimit"
)

// newTestServer creates a test server with keep-alives disabled to avoid
// cross-test interference on the shared transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{Initial: 100, Min: 1, Max: 1000}, nil)
	require.NoError(t, err)
	return l
}

func TestGetSuccess(t *testing.T) {
	t.Parallel()

	var receivedUserAgent string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	limiter := newTestLimiter(t)
	client := httpclient.New(limiter, 5*time.Second)

	body, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), body)
	assert.Equal(t, httpclient.UserAgent, receivedUserAgent)
}

func TestGetNonOKStatusReturnsHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "throttled", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := httpclient.New(newTestLimiter(t), 5*time.Second)

			_, err := client.Get(context.Background(), server.URL)
			require.Error(t, err)
			assert.True(t, httpclient.IsStatus(err, tt.status))
		})
	}
}

func TestGetFeedsStatusIntoLimiter(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	limiter, err := ratelimit.New(ratelimit.Config{Initial: 100, Min: 1, Max: 1000}, nil)
	require.NoError(t, err)
	client := httpclient.New(limiter, 5*time.Second)

	_, err = client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.InDelta(t, 50, limiter.Rate(), 0.001)
}

func TestGetNetworkErrorLeavesRateUnchanged(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t)
	client := httpclient.New(limiter, 500*time.Millisecond)

	// Closed server: connection refused, no status code.
	server := newTestServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := client.Get(context.Background(), url)
	require.Error(t, err)
	assert.False(t, httpclient.IsStatus(err, http.StatusInternalServerError))
	assert.Equal(t, 100.0, limiter.Rate())
}

func TestGetContextCancellation(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := httpclient.New(newTestLimiter(t), 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, server.URL)
	assert.Error(t, err)
}
