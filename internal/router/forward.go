package router

import (
	"context"
	"net/http"
	"strings"

	"github.com/wudi/edgegate/internal/origin"
)

// Hop-by-hop headers are not forwarded to origins (RFC 7230 §6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardRequest builds the origin-bound copy of r according to the resolved
// behavior: query dropped unless forwarded, cookies filtered, hop-by-hop
// headers removed, and "/" replaced by the origin's default root object when
// the default behavior was selected.
func (res Resolution) ForwardRequest(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Close = false

	if !res.Behavior.ForwardQueryString {
		out.URL.RawQuery = ""
		out.URL.ForceQuery = false
	}

	if res.Behavior.isDefault && (out.URL.Path == "/" || out.URL.Path == "") {
		if ro, ok := res.Origin.(origin.RootObjecter); ok && ro.DefaultRootObject() != "" {
			out.URL.Path = "/" + strings.TrimPrefix(ro.DefaultRootObject(), "/")
			out.URL.RawPath = ""
		}
	}

	removeHopHeaders(out.Header)
	filterCookies(out, res.Behavior)
	return out
}

func removeHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func filterCookies(r *http.Request, b *Behavior) {
	if b.Cookies.Forward == CookiesAll {
		return
	}
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	if b.Cookies.Forward == CookiesNone {
		return
	}
	for _, c := range cookies {
		if b.Cookies.allows(c.Name) {
			r.AddCookie(c)
		}
	}
}
