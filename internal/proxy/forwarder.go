package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"
	"time"

	"github.com/die-net/bindproxy/internal/metrics"
)

const (
	kindConnect = "connect"
	kindForward = "forward"

	outcomeOK         = "ok"
	outcomeError      = "error"
	outcomeBadRequest = "bad_request"
)

// hopHeaders are removed in both directions; Connection may name more.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Diagnostic headers added to every forwarded request.
var requestDiagnostics = map[string]string{
	"X-DNS-Prefetch-Control": "on",
	"CF-DNS-ID":              "cloudflare-dns",
}

func newForwarder(cfg Config, up Upstream, m *metrics.Metrics) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}

		// Allow schema override through a non-standard header.
		if s, ok := r.Header["X-Proxy-Scheme"]; ok {
			delete(r.Header, "X-Proxy-Scheme")
			if r.URL.Scheme == "" && len(s) > 0 {
				r.URL.Scheme = s[0]
			}
		}
		if r.URL.Scheme == "" {
			r.URL.Scheme = schemeFor(r.URL.Host)
		}
		r.Host = r.URL.Host

		removeHopHeaders(r.Header)

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil

		for k, v := range requestDiagnostics {
			r.Header.Set(k, v)
		}
	}

	modify := func(resp *http.Response) error {
		removeHopHeaders(resp.Header)
		if cfg.DNSServerHost != "" {
			resp.Header.Set("CF-DNS-Used", cfg.DNSServerHost)
		}
		m.Request(kindForward, outcomeOK)
		return nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		m.Request(kindForward, outcomeError)
		loggerFrom(r.Context()).Warn("forward failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:       director,
		Transport:      newTransport(cfg, up),
		FlushInterval:  10 * time.Millisecond, // Only buffer incomplete responses briefly
		ModifyResponse: modify,
		ErrorHandler:   errHandler,
		BufferPool:     NewBufferPool(forwardBufferSize),
	}
}

// Every upstream connection carries exactly one request, so keep-alives
// and HTTP/2 are off.
func newTransport(cfg Config, up Upstream) http.RoundTripper {
	return &http.Transport{
		DialContext:           up.DialContext,
		DialTLSContext:        up.DialTLSContext,
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		TLSHandshakeTimeout:   cfg.SocketTimeout,
	}
}

// schemeFor picks https only for an explicit port 443.
func schemeFor(hostport string) string {
	if _, port, err := net.SplitHostPort(hostport); err == nil && port == "443" {
		return "https"
	}
	return "http"
}

func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
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
