package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calegria/periscope/pkg/ruleset"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 2 * time.Second
	opts.RetryDelay = 10 * time.Millisecond
	return opts
}

func newFetcher(t *testing.T, rules ruleset.Ruleset) *Fetcher {
	t.Helper()
	return New(testOptions(), rules, zap.NewNop())
}

// dropConnection kills the TCP connection without writing a response, so
// the client sees a transport-level failure rather than a status code.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("test server does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func TestSuccessAfterTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			dropConnection(w)
			return
		}
		io.WriteString(w, "finally")
	}))
	defer srv.Close()

	resp, err := newFetcher(t, nil).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "finally", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "two retries then success")
}

func TestUnavailableAfterAllRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		dropConnection(w)
	}))
	defer srv.Close()

	_, err := newFetcher(t, nil).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt plus two retries")
}

func TestNon2xxIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := newFetcher(t, nil).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusNotFound, upErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "application-level rejection must not retry")

	// The body is still readable so the router can pass it through.
	require.NotNil(t, resp)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "gone")
}

func TestDefaultIdentityHeaders(t *testing.T) {
	var gotUA, gotXFF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotXFF = r.Header.Get("X-Forwarded-For")
	}))
	defer srv.Close()

	resp, err := newFetcher(t, nil).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, gotUA, "Googlebot")
	assert.Equal(t, "66.249.66.1", gotXFF)
}

func TestCallerHeaderOverridesDefaultUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("User-Agent", "CustomAgent/2.0")
	resp, err := newFetcher(t, nil).Do(context.Background(), http.MethodGet, srv.URL, nil, hdr)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "CustomAgent/2.0", gotUA)
}

func TestRulesetOverrides(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
	}))
	defer srv.Close()

	host, err := url.Parse(srv.URL)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- domain: `+host.Hostname()+`
  headers:
    user-agent: "RuleBot/1.0"
    cookie: "session=abc"
`), 0o644))
	rules, err := ruleset.Load(path)
	require.NoError(t, err)

	resp, err := newFetcher(t, rules).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "RuleBot/1.0", gotUA)
	assert.Equal(t, "session=abc", gotCookie)
}

func TestPostForwardsFormBody(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	form := url.Values{}
	form.Set("q", "search term")
	resp, err := newFetcher(t, nil).Do(context.Background(), http.MethodPost, srv.URL, form, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "q=search+term", gotBody)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
}

func TestContextCancellationAbortsFetch(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := newFetcher(t, nil).Do(ctx, http.MethodGet, srv.URL, nil, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation should abort promptly")
}
