// Package fetch performs the outbound request to the target origin with a
// bounded timeout and a bounded, fixed-delay retry on transport failure.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/calegria/periscope/pkg/ruleset"
)

// ErrUpstreamUnavailable covers timeouts and connection-level failures
// that survived every retry attempt.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamError is a non-2xx answer from the origin. It is an
// application-level response, never retried; the router propagates the
// status to the client.
type UpstreamError struct {
	Status     int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Status, e.StatusText)
}

// Options bound the fetcher. Timeout applies per attempt; Retries counts
// additional attempts after the first.
type Options struct {
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	UserAgent    string
	ForwardedFor string
}

// DefaultOptions mirror what most origins tolerate. The Googlebot
// identity is deliberate: many origins reject default client identifiers
// outright.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		Retries:      2,
		RetryDelay:   time.Second,
		UserAgent:    "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		ForwardedFor: "66.249.66.1",
	}
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client *retryablehttp.Client
	opts   Options
	rules  ruleset.Ruleset
	log    *zap.Logger
}

// New builds a Fetcher on top of retryablehttp with the retry policy
// narrowed to connection-level failures.
func New(opts Options, rules ruleset.Ruleset, log *zap.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.RetryWaitMin = opts.RetryDelay
	client.RetryWaitMax = opts.RetryDelay
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = nil

	// Retry is reserved for transport failure. Any response from the
	// origin, 5xx included, is an answer and goes back to the caller.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return min
	}

	return &Fetcher{client: client, opts: opts, rules: rules, log: log}
}

// Do requests target with the given method. A form body, when present, is
// sent URL-encoded. The response body is returned unread so binary
// payloads can be streamed; the caller owns closing it. Non-2xx responses
// come back alongside an *UpstreamError with the body still readable.
func (f *Fetcher) Do(ctx context.Context, method, target string, form url.Values, header http.Header) (*http.Response, error) {
	var rawBody interface{}
	if method == http.MethodPost && form != nil {
		rawBody = []byte(form.Encode())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, rawBody)
	if err != nil {
		return nil, fmt.Errorf("building upstream request for %q: %w", target, err)
	}
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	f.applyIdentity(req)

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("upstream fetch failed",
			zap.String("url", target),
			zap.Int("retries", f.opts.Retries),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &UpstreamError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}
	return resp, nil
}

// applyIdentity sets the outbound identity headers, letting a matching
// ruleset rule override the defaults and "none" suppress a header.
func (f *Fetcher) applyIdentity(req *retryablehttp.Request) {
	rule := f.rules.Match(req.URL.Host)

	switch {
	case rule.Headers.UserAgent == "none":
		req.Header.Del("User-Agent")
	case rule.Headers.UserAgent != "":
		req.Header.Set("User-Agent", rule.Headers.UserAgent)
	case req.Header.Get("User-Agent") == "":
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	switch {
	case rule.Headers.XForwardedFor == "none":
		req.Header.Del("X-Forwarded-For")
	case rule.Headers.XForwardedFor != "":
		req.Header.Set("X-Forwarded-For", rule.Headers.XForwardedFor)
	case req.Header.Get("X-Forwarded-For") == "":
		req.Header.Set("X-Forwarded-For", f.opts.ForwardedFor)
	}

	if rule.Headers.Referer != "" && rule.Headers.Referer != "none" {
		req.Header.Set("Referer", rule.Headers.Referer)
	}
	if rule.Headers.Cookie != "" {
		req.Header.Set("Cookie", rule.Headers.Cookie)
	}
}
