package fetchclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

func newTestFetcher() *Fetcher {
	det := monitor.NewHeuristicBlockDetector(nil, nil, nil)
	return New(Config{Timeout: 5 * time.Second}, det, nil)
}

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><span class="price">$19.99</span></body></html>`))
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, monitor.Identity{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Content), "$19.99")
	require.Positive(t, res.Duration)
}

func TestFetchAppliesIdentityHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	identity := monitor.Identity{
		Name:           "chrome-linux",
		UserAgent:      "test-agent/1.0",
		AcceptLanguage: "en-US,en;q=0.9",
		Headers:        map[string]string{"Sec-Fetch-Mode": "navigate"},
	}

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, identity)
	require.NoError(t, err)
	require.Equal(t, "test-agent/1.0", got.Get("User-Agent"))
	require.Equal(t, "en-US,en;q=0.9", got.Get("Accept-Language"))
	require.Equal(t, "navigate", got.Get("Sec-Fetch-Mode"))
}

func TestFetchClassifiesForbiddenAsBlocked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, monitor.Identity{})
	require.Error(t, err)
	require.True(t, monitor.IsBlocked(err), "403 should classify as blocked, got %v", err)
}

func TestFetchClassifiesChallengePageAsBlocked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>Please complete the CAPTCHA</body></html>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, monitor.Identity{})
	require.Error(t, err)
	require.True(t, monitor.IsBlocked(err), "captcha body behind a 200 should classify as blocked")
}

func TestFetchClassifiesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, monitor.Identity{})
	require.Error(t, err)
	require.True(t, monitor.IsRetryableFetch(err))
	require.False(t, monitor.IsBlocked(err))
}

func TestFetchClassifiesNotFoundAsClientError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL, nil, monitor.Identity{})
	require.Error(t, err)
	require.False(t, monitor.IsRetryableFetch(err), "a 404 answers the question; retrying cannot change it")
	require.False(t, monitor.IsBlocked(err))

	var fe *monitor.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, monitor.FetchClient, fe.Kind)
}

func TestFetchClassifiesConnectionRefused(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close the listener so connections are refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), url, nil, monitor.Identity{})
	require.Error(t, err)
	require.True(t, monitor.IsRetryableFetch(err))
	require.False(t, monitor.IsBlocked(err))
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestFetcher().Fetch(ctx, srv.URL, nil, monitor.Identity{})
	require.Error(t, err)
	require.True(t, monitor.IsRetryableFetch(err))
}
