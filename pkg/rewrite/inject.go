package rewrite

import (
	_ "embed"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// patchTemplate is the client behavior patch: it intercepts navigation
// and form submission, wraps the dynamic request APIs, and exposes the
// postMessage command channel. It is a fixed template with exactly one
// interpolation point, the proxy base URL.
//
//go:embed patch.js
var patchTemplate string

const patchPlaceholder = "__PROXY_BASE__"

// Patch renders the behavior patch for a proxy base URL.
func Patch(proxyBase string) string {
	return strings.ReplaceAll(patchTemplate, patchPlaceholder, proxyBase)
}

// injectPatch appends the patch as the document's last script so it runs
// after the page's own markup is in place.
func (r *Rewriter) injectPatch(doc *goquery.Document, rc Context) {
	doc.Find("body").First().AppendHtml("<script>" + Patch(rc.ProxyBase) + "</script>")
}
