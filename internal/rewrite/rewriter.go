// Package rewrite transforms a browsed HTML document so that every outgoing
// reference routes back through the proxy: anchors become visit links,
// resource references become ref links, and an injected script reroutes
// in-page dynamic fetches through the fetch operation.
package rewrite

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// resourceAttrs maps non-anchor elements to the attribute carrying their
// resource reference.
var resourceAttrs = map[string]string{
	"img":    "src",
	"script": "src",
	"iframe": "src",
	"frame":  "src",
	"embed":  "src",
	"source": "src",
	"audio":  "src",
	"video":  "src",
	"track":  "src",
	"input":  "src",
	"link":   "href",
}

// srcsetTags carry a srcset attribute listing several image candidates, each
// a URL with an optional width or density descriptor.
var srcsetTags = []string{"img", "source"}

// fetchPatchScript reroutes same-document dynamic requests. Relative URLs in
// the rewritten document resolve against the proxy's own host, so any target
// landing on the proxy host is first corrected back to the true origin; if the
// corrected target belongs to the true origin it is redirected through the
// proxy's fetch endpoint, which replays it from inside the page.
const fetchPatchScript = `(function () {
  var TRUE_ORIGIN = "{{origin}}";
  var PROXY_ROOT = "{{root}}";
  function reroute(raw) {
    try {
      var u = new URL(raw, window.location.href);
      var t = new URL(TRUE_ORIGIN);
      if (u.host === window.location.host) {
        u.protocol = t.protocol;
        u.host = t.host;
      }
      if (u.host === t.host) {
        return PROXY_ROOT + "/fetch/" + encodeURIComponent(u.pathname + u.search);
      }
      return raw;
    } catch (e) {
      return raw;
    }
  }
  var origFetch = window.fetch;
  window.fetch = function (input, init) {
    if (typeof input === "string") {
      return origFetch.call(this, reroute(input), init);
    }
    if (input instanceof Request) {
      return origFetch.call(this, new Request(reroute(input.url), input), init);
    }
    return origFetch.call(this, input, init);
  };
  var origOpen = XMLHttpRequest.prototype.open;
  XMLHttpRequest.prototype.open = function (method, url) {
    arguments[1] = reroute(url);
    return origOpen.apply(this, arguments);
  };
})();`

// Rewriter rewrites fetched documents for re-serving under a proxy root.
type Rewriter struct {
	logger *zap.Logger
}

// New creates a Rewriter.
func New(logger *zap.Logger) *Rewriter {
	return &Rewriter{logger: logger.Named("rewrite")}
}

// Rewrite parses doc, rewrites its references relative to base (the page's
// true location) so they route through proxyRoot, injects the fetch-patching
// script, and serializes the result. The output preserves the document's
// nodes and attributes aside from the rewritten references.
func (r *Rewriter) Rewrite(doc string, base *url.URL, proxyRoot string) (string, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("error parsing document: %w", err)
	}

	d.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs, ok := r.absolutize(base, href)
		if !ok || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		sel.SetAttr("href", proxyRoot+"/visit/"+url.QueryEscape(abs.String()))
	})

	for tag, attr := range resourceAttrs {
		d.Find(tag + "[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
			ref, _ := sel.Attr(attr)
			abs, ok := r.absolutize(base, ref)
			if !ok || (abs.Scheme != "http" && abs.Scheme != "https") {
				return
			}
			sel.SetAttr(attr, proxyRoot+"/ref/"+url.QueryEscape(abs.String()))
		})
	}

	for _, tag := range srcsetTags {
		d.Find(tag + "[srcset]").Each(func(_ int, sel *goquery.Selection) {
			srcset, _ := sel.Attr("srcset")
			sel.SetAttr("srcset", r.rewriteSrcset(base, proxyRoot, srcset))
		})
	}

	script := strings.NewReplacer(
		"{{origin}}", base.Scheme+"://"+base.Host,
		"{{root}}", proxyRoot,
	).Replace(fetchPatchScript)
	d.Find("head").First().AppendHtml("<script>" + script + "</script>")

	out, err := d.Html()
	if err != nil {
		return "", fmt.Errorf("error serializing document: %w", err)
	}
	return out, nil
}

// rewriteSrcset rewrites every candidate URL in a srcset attribute to the ref
// route, keeping descriptors. Candidates that do not resolve to a network URL
// pass through unchanged.
func (r *Rewriter) rewriteSrcset(base *url.URL, proxyRoot, srcset string) string {
	candidates := strings.Split(srcset, ",")
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		if abs, ok := r.absolutize(base, fields[0]); ok && (abs.Scheme == "http" || abs.Scheme == "https") {
			fields[0] = proxyRoot + "/ref/" + url.QueryEscape(abs.String())
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// absolutize resolves ref against base, skipping empty, fragment-only and
// non-network references.
func (r *Rewriter) absolutize(base *url.URL, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, false
	}
	switch {
	case strings.HasPrefix(ref, "data:"),
		strings.HasPrefix(ref, "javascript:"),
		strings.HasPrefix(ref, "mailto:"),
		strings.HasPrefix(ref, "blob:"):
		return nil, false
	}
	u, err := url.Parse(ref)
	if err != nil {
		r.logger.Debug("Skipping unparsable reference", zap.String("ref", ref), zap.Error(err))
		return nil, false
	}
	return base.ResolveReference(u), true
}
