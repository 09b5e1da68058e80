// Package urlcodec encodes absolute URLs into tokens that survive being
// embedded as query-string values, and decodes them back.
package urlcodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedTarget is returned when a token is not valid codec input or
// does not decode to an absolute http(s) URL.
var ErrMalformedTarget = errors.New("malformed proxy target")

// Encode converts an absolute URL into a query-safe token. The token uses
// the URL-safe base64 alphabet without padding, so it can be pasted into a
// query string without further escaping.
func Encode(absoluteURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(absoluteURL))
}

// Decode is the inverse of Encode. It fails with ErrMalformedTarget when
// the token is not valid base64, or when the decoded string is not an
// absolute URL with scheme http or https. Relative paths, scheme-relative
// references and javascript:/data: URLs are never valid proxy targets;
// those forms only appear as sub-references inside a document and are the
// rewriter's problem, not the codec's.
func Decode(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedTarget)
	}
	// Tolerate padded tokens from clients using plain btoa output.
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}

	target := string(raw)
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: not an absolute http(s) URL: %q", ErrMalformedTarget, target)
	}
	return target, nil
}
