package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Hop-by-hop headers that should be removed
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

// RemoveHopHeaders deletes hop-by-hop headers and any header named in Connection.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// CopyResponseHeaders copies upstream headers to dst. Access-Control-*
// headers are dropped since the gateway owns CORS. Vary is merged with
// whatever the gateway already set.
func CopyResponseHeaders(dst, src http.Header) {
	RemoveHopHeaders(src)
	for k, vv := range src {
		switch {
		case strings.HasPrefix(k, "Access-Control-"):
			continue
		case k == "Vary":
			mergeVary(dst, vv)
		default:
			dst[k] = append(dst[k][:0:0], vv...)
		}
	}
}

// mergeVary adds the field names in values to dst's Vary header, skipping
// names already present.
func mergeVary(dst http.Header, values []string) {
	seen := make(map[string]bool)
	for _, v := range dst.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			seen[strings.ToLower(textproto.TrimString(name))] = true
		}
	}
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			name = textproto.TrimString(name)
			if name == "" || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			dst.Add("Vary", name)
		}
	}
}

// OutboundHeader builds the header sent upstream for r: hop-by-hop headers
// removed and X-Forwarded-* set. Authorization and cookies pass verbatim.
func OutboundHeader(r *http.Request) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header, 3)
	}
	RemoveHopHeaders(h)

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && clientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}

	h.Set("X-Forwarded-Host", r.Host)
	return h
}
