// Package rewrite parses a fetched HTML document and redirects every
// recognized resource reference through the proxy, then appends the
// client behavior patch.
package rewrite

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/calegria/periscope/pkg/urlcodec"
)

// Context carries the two inputs of one rewrite pass: the document's own
// URL, used as the resolution base for every reference, and the proxy
// origin rewritten references must land on. Immutable for the pass.
type Context struct {
	Target    *url.URL
	ProxyBase string
}

// urlAttrs is the fixed set of attributes that can carry a resource URL.
// srcset is handled separately because its value is a candidate list,
// not a single URL.
var urlAttrs = []string{
	"href", "src", "data-src", "data-href", "action", "poster",
	"background", "cite", "formaction", "icon", "manifest", "archive",
	"code", "codebase", "usemap",
}

// skipSchemes are reference forms that are not fetchable through the
// proxy and must be left untouched where they appear.
var skipSchemes = []string{"data:", "javascript:", "mailto:", "blob:", "tel:", "about:"}

var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*('[^']*'|"[^"]*"|[^)'"\s][^)\s]*)\s*\)`)

type Rewriter struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Rewriter {
	return &Rewriter{log: log}
}

// ProxyURL is the canonical shape of a rewritten reference.
func ProxyURL(proxyBase, absoluteURL string) string {
	return proxyBase + "/go?url=" + urlcodec.Encode(absoluteURL)
}

// Rewrite runs one pass over the document: strip CSP meta directives,
// prepend a <base> pointing at the true origin, rewrite resource
// references, replace external scripts with fetch-and-execute shims, and
// append the behavior patch. A reference that fails to resolve is logged
// and left unmodified; only failure to parse or serialize the whole
// document is an error.
func (r *Rewriter) Rewrite(rawHTML string, rc Context) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parsing document from %q: %w", rc.Target, err)
	}

	r.stripCSP(doc)
	r.prependBase(doc, rc)
	r.rewriteAttributes(doc, rc)
	r.rewriteInlineStyles(doc, rc)
	r.rewriteMetaContent(doc, rc)
	r.rewriteScripts(doc, rc)
	r.injectPatch(doc, rc)

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serializing document from %q: %w", rc.Target, err)
	}
	return out, nil
}

// stripCSP drops Content-Security-Policy meta directives: the page's own
// policy would block the rewritten, cross-origin-looking references.
func (r *Rewriter) stripCSP(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if equiv, _ := s.Attr("http-equiv"); strings.EqualFold(equiv, "Content-Security-Policy") {
			s.Remove()
		}
	})
}

// prependBase anchors any reference the pass did not recognize to the
// true origin instead of the proxy's origin.
func (r *Rewriter) prependBase(doc *goquery.Document, rc Context) {
	doc.Find("head").First().PrependHtml(
		fmt.Sprintf(`<base href="%s">`, html.EscapeString(rc.Target.String())))
}

// resolve turns a document reference into an absolute http(s) URL against
// the target, inheriting the target's scheme for scheme-relative forms.
// The second return is false for fragments, unsupported schemes and
// unparseable values.
func (r *Rewriter) resolve(ref string, rc Context) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range skipSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	u, err := url.Parse(ref)
	if err != nil {
		r.log.Debug("unresolvable reference left as-is",
			zap.String("ref", ref), zap.String("base", rc.Target.String()), zap.Error(err))
		return "", false
	}
	abs := rc.Target.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// rewriteAttributes handles the fixed attribute set plus srcset.
func (r *Rewriter) rewriteAttributes(doc *goquery.Document, rc Context) {
	for _, attr := range urlAttrs {
		attr := attr
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			// The <base> element is ours; it must keep pointing at the
			// true origin.
			if goquery.NodeName(s) == "base" {
				return
			}
			val, _ := s.Attr(attr)
			if abs, ok := r.resolve(val, rc); ok {
				s.SetAttr(attr, ProxyURL(rc.ProxyBase, abs))
			}
		})
	}

	doc.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		val, _ := s.Attr("srcset")
		s.SetAttr("srcset", r.rewriteSrcset(val, rc))
	})
}

// rewriteSrcset rewrites each comma-separated candidate independently,
// preserving its width/density descriptor.
func (r *Rewriter) rewriteSrcset(val string, rc Context) string {
	candidates := strings.Split(val, ",")
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		rewritten := fields[0]
		if abs, ok := r.resolve(fields[0], rc); ok {
			rewritten = ProxyURL(rc.ProxyBase, abs)
		}
		if len(fields) > 1 {
			rewritten += " " + strings.Join(fields[1:], " ")
		}
		out = append(out, rewritten)
	}
	return strings.Join(out, ", ")
}

// rewriteInlineStyles rewrites url(...) values inside style attributes,
// leaving anything that does not resolve untouched.
func (r *Rewriter) rewriteInlineStyles(doc *goquery.Document, rc Context) {
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		rewritten := cssURLPattern.ReplaceAllStringFunc(style, func(match string) string {
			inner := cssURLPattern.FindStringSubmatch(match)[1]
			inner = strings.Trim(inner, `'"`)
			abs, ok := r.resolve(inner, rc)
			if !ok {
				return match
			}
			return fmt.Sprintf("url('%s')", ProxyURL(rc.ProxyBase, abs))
		})
		if rewritten != style {
			s.SetAttr("style", rewritten)
		}
	})
}

// rewriteMetaContent covers meta tags whose content is a URL: og-style
// absolute URLs and the "N; url=..." refresh form.
func (r *Rewriter) rewriteMetaContent(doc *goquery.Document, rc Context) {
	doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		lower := strings.ToLower(content)

		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			if abs, ok := r.resolve(content, rc); ok {
				s.SetAttr("content", ProxyURL(rc.ProxyBase, abs))
			}
			return
		}

		if equiv, _ := s.Attr("http-equiv"); strings.EqualFold(equiv, "refresh") {
			if idx := strings.Index(lower, "url="); idx >= 0 {
				target := strings.TrimSpace(content[idx+len("url="):])
				if abs, ok := r.resolve(target, rc); ok {
					s.SetAttr("content", content[:idx]+"url="+ProxyURL(rc.ProxyBase, abs))
				}
			}
		}
	})
}

// rewriteScripts replaces every external script with an inline shim that
// fetches the proxy-encoded source at runtime and executes it in the
// page's global scope. The src attribute has already been rewritten to a
// proxy URL by the attribute pass; anything else (data:, unresolvable)
// keeps its element.
func (r *Rewriter) rewriteScripts(doc *goquery.Document, rc Context) {
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if !strings.HasPrefix(src, rc.ProxyBase+"/go?url=") {
			return
		}
		shim := fmt.Sprintf(
			`(function(){fetch(%q).then(function(r){return r.text()}).then(function(t){(0,eval)(t)}).catch(function(e){console.warn("proxied script failed",e)})})();`,
			src)
		s.ReplaceWithHtml("<script>" + shim + "</script>")
	})
}
