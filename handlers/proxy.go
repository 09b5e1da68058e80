// Package handlers wires the codec, fetcher, cache and rewriter behind
// the proxy's HTTP endpoints.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/calegria/periscope/internal/metrics"
	"github.com/calegria/periscope/pkg/fetch"
	"github.com/calegria/periscope/pkg/proxycache"
	"github.com/calegria/periscope/pkg/rewrite"
	"github.com/calegria/periscope/pkg/urlcodec"
)

// Proxy holds the per-process collaborators of the request flow. One
// instance serves every request; all fields are safe for concurrent use.
type Proxy struct {
	Fetcher  *fetch.Fetcher
	Cache    *proxycache.Cache
	Rewriter *rewrite.Rewriter
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	// BaseURL, when set, fixes the origin used in rewritten references.
	// Empty means derive it from each inbound request.
	BaseURL string
}

// Page handles GET and POST /go: decode the target, consult the cache
// (GET only), fetch, then branch on content type into the rewrite path or
// a streamed passthrough.
func (p *Proxy) Page() fiber.Handler {
	return func(c *fiber.Ctx) error {
		target, token, ok := p.decodeTarget(c)
		if !ok {
			return nil
		}

		method := c.Method()
		key := proxycache.Key{Method: method, Token: token}
		if method == fiber.MethodGet {
			if entry, ok := p.Cache.Get(key); ok {
				p.Metrics.CacheHits.Inc()
				c.Set(fiber.HeaderContentType, entry.ContentType)
				return c.Send(entry.Body)
			}
			p.Metrics.CacheMisses.Inc()
		}

		var form url.Values
		if method == fiber.MethodPost {
			form = url.Values{}
			c.Request().PostArgs().VisitAll(func(k, v []byte) {
				form.Add(string(k), string(v))
			})
		}

		resp, err := p.fetchUpstream(c, method, target, form)
		if resp == nil {
			return err
		}

		// Non-2xx answers keep their status and body untouched; only
		// successful HTML goes through the rewrite pass.
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return p.passthrough(c, resp)
		}
		if !isHTML(resp.Header.Get("Content-Type")) {
			return p.passthrough(c, resp)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			p.Log.Error("reading upstream body failed", zap.String("url", target), zap.Error(err))
			return c.Status(fiber.StatusBadGateway).SendString("error reading upstream response")
		}

		targetURL, err := url.Parse(target)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("malformed target URL")
		}
		rc := rewrite.Context{Target: targetURL, ProxyBase: p.baseURL(c)}
		rewritten, err := p.Rewriter.Rewrite(string(body), rc)
		if err != nil {
			p.Log.Error("rewrite failed", zap.String("url", target), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).SendString("failed to rewrite document")
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		if method == fiber.MethodGet {
			p.Cache.Put(key, &proxycache.Entry{
				TargetURL:   target,
				ContentType: contentType,
				Body:        []byte(rewritten),
			})
		}

		c.Set(fiber.HeaderContentType, contentType)
		return c.SendString(rewritten)
	}
}

// Asset handles GET /asset: fetch and stream the resource as-is, never
// rewritten and never cached. The control panel uses it for resources
// that must not grow a behavior patch.
func (p *Proxy) Asset() fiber.Handler {
	return func(c *fiber.Ctx) error {
		target, _, ok := p.decodeTarget(c)
		if !ok {
			return nil
		}

		resp, err := p.fetchUpstream(c, fiber.MethodGet, target, nil)
		if resp == nil {
			return err
		}
		return p.passthrough(c, resp)
	}
}

// decodeTarget validates the url query parameter, writing the 400
// response itself. Rejection happens here, before any fetch.
func (p *Proxy) decodeTarget(c *fiber.Ctx) (target, token string, ok bool) {
	token = c.Query("url")
	if token == "" {
		_ = c.Status(fiber.StatusBadRequest).SendString("missing url parameter")
		return "", "", false
	}
	target, err := urlcodec.Decode(token)
	if err != nil {
		p.Log.Warn("rejected malformed target", zap.String("token", token), zap.Error(err))
		_ = c.Status(fiber.StatusBadRequest).SendString("malformed target URL")
		return "", "", false
	}
	return target, token, true
}

// fetchUpstream performs the outbound request and maps fetch errors onto
// client responses. A nil response means the error was already written.
// Non-2xx upstream answers come back with their original status and are
// streamed to the client by the caller.
func (p *Proxy) fetchUpstream(c *fiber.Ctx, method, target string, form url.Values) (*http.Response, error) {
	resp, err := p.Fetcher.Do(c.UserContext(), method, target, form, nil)

	var upErr *fetch.UpstreamError
	switch {
	case errors.As(err, &upErr):
		// Application-level rejection from the origin: propagate as-is.
		return resp, nil
	case err != nil:
		p.Metrics.UpstreamErrors.Inc()
		p.Log.Error("upstream unavailable", zap.String("url", target), zap.Error(err))
		return nil, c.Status(fiber.StatusBadGateway).SendString("upstream unavailable")
	}
	return resp, nil
}

// passthrough forwards the upstream response without parsing or caching
// it. The body is streamed; fasthttp closes it once written.
func (p *Proxy) passthrough(c *fiber.Ctx, resp *http.Response) error {
	for _, h := range []string{fiber.HeaderContentType, fiber.HeaderCacheControl} {
		if v := resp.Header.Get(h); v != "" {
			c.Set(h, v)
		}
	}
	c.Status(resp.StatusCode)
	if resp.ContentLength >= 0 {
		return c.SendStream(resp.Body, int(resp.ContentLength))
	}
	return c.SendStream(resp.Body)
}

func (p *Proxy) baseURL(c *fiber.Ctx) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return c.BaseURL()
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
