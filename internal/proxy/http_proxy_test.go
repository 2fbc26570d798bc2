package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/bindproxy/internal/dialer"
	"github.com/die-net/bindproxy/internal/resolver"
	"github.com/die-net/bindproxy/internal/socks5"
	"github.com/die-net/bindproxy/internal/testutil"
	"github.com/die-net/bindproxy/internal/upstream"
)

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, host string) resolver.Record {
	if ip, ok := s[host]; ok {
		return resolver.Record{Hostname: host, IP: ip, Method: resolver.MethodDirect}
	}
	return resolver.Record{Hostname: host, IP: host, Method: resolver.MethodLiteral}
}

func testConfig() Config {
	return Config{
		SocketTimeout: 2 * time.Second,
		DNSServerHost: "1.1.1.1",
		Dialer:        dialer.Config{DialTimeout: 2 * time.Second, IOTimeout: 2 * time.Second},
	}
}

func credFor(t *testing.T, ln net.Listener, user, pass string) upstream.Credential {
	t.Helper()
	host, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return upstream.Credential{Username: user, Password: pass, Host: host, Port: port}
}

// startProxy binds a supervised listener for cred and returns its address.
func startProxy(t *testing.T, ctx context.Context, sup *Supervisor, cred upstream.Credential) string {
	t.Helper()
	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	require.NoError(t, err)
	r := sup.Start(ln, cred)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(sctx)
	})
	return ln.Addr().String()
}

func proxyClient(t *testing.T, addr string) *http.Client {
	t.Helper()
	u, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u), DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}
}

func TestHTTPProxyForward(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(chan http.Header, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = io.WriteString(w, "hello")
	}))
	defer origin.Close()
	_, originPort, _ := net.SplitHostPort(origin.Listener.Addr().String())

	up := testutil.StartSOCKS5Server(t, ctx, socks5.Auth{Username: "u", Password: "p"})
	sup := NewSupervisor(ctx, testConfig(), staticResolver{"example.test": "127.0.0.1"}, nil, nil)
	addr := startProxy(t, ctx, sup, credFor(t, up, "u", "p"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.test:"+originPort+"/path", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("X-Kept", "yes")

	resp, err := proxyClient(t, addr).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))
	require.Equal(t, "1.1.1.1", resp.Header.Get("CF-DNS-Used"))
	require.Empty(t, resp.Header.Get("Keep-Alive"))

	h := <-seen
	require.Equal(t, "yes", h.Get("X-Kept"))
	require.Equal(t, "on", h.Get("X-DNS-Prefetch-Control"))
	require.Equal(t, "cloudflare-dns", h.Get("CF-DNS-ID"))
	require.Empty(t, h.Get("X-Hop"))
	require.Empty(t, h.Get("Proxy-Connection"))
	require.Empty(t, h.Values("X-Forwarded-For"))

	require.Equal(t, []string{"127.0.0.1:" + originPort}, up.Requests())
}

func TestHTTPProxyBadCredentials(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer origin.Close()

	up := testutil.StartSOCKS5Server(t, ctx, socks5.Auth{Username: "u", Password: "p"})
	sup := NewSupervisor(ctx, testConfig(), staticResolver{}, nil, nil)
	badAddr := startProxy(t, ctx, sup, credFor(t, up, "u", "wrong"))
	goodAddr := startProxy(t, ctx, sup, credFor(t, up, "u", "p"))

	get := func(addr string) (int, string) {
		resp, err := proxyClient(t, addr).Get(origin.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get(badAddr)
	require.Equal(t, http.StatusBadGateway, code)
	require.NotContains(t, body, "wrong")

	code, body = get(goodAddr)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	// The failing listener is still serving.
	code, _ = get(badAddr)
	require.Equal(t, http.StatusBadGateway, code)
	require.Eventually(t, func() bool { return up.AuthFailures() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Once the upstream accepts its credentials, the same listener succeeds.
	up.SetAuth(socks5.Auth{Username: "u", Password: "wrong"})
	code, body = get(badAddr)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)
}

func TestHTTPProxyMissingHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sup := NewSupervisor(ctx, testConfig(), staticResolver{}, nil, nil)
	addr := startProxy(t, ctx, sup, upstream.Credential{Username: "u", Password: "p", Host: "127.0.0.1", Port: 1})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPProxyConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	_, echoPort, _ := net.SplitHostPort(echoLn.Addr().String())

	up := testutil.StartSOCKS5Server(t, ctx, socks5.Auth{Username: "u", Password: "p"})
	sup := NewSupervisor(ctx, testConfig(), staticResolver{"echo.test": "127.0.0.1"}, nil, nil)
	addr := startProxy(t, ctx, sup, credFor(t, up, "u", "p"))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	// The first tunnel bytes ride in the same write as the CONNECT request.
	target := "echo.test:" + echoPort
	_, err = io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\nearly")
	require.NoError(t, err)

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, len("early"))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	require.Equal(t, "early", string(buf))

	for i := range 20 {
		testutil.AssertEcho(t, c, br, []byte(strings.Repeat(strconv.Itoa(i%10), 100+i*1000)))
	}

	require.Equal(t, []string{"127.0.0.1:" + echoPort}, up.Requests())
}

func TestHTTPProxyConnectUpstreamFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Grab a port nothing listens on.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cred := credFor(t, dead, "u", "p")
	_ = dead.Close()

	sup := NewSupervisor(ctx, testConfig(), staticResolver{}, nil, nil)
	addr := startProxy(t, ctx, sup, cred)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = io.WriteString(c, "CONNECT example.test HTTP/1.1\r\nHost: example.test\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestConnectTarget(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		wantErr bool
	}{
		{in: "example.com:8443", host: "example.com", port: 8443},
		{in: "example.com", host: "example.com", port: 443},
		{in: "[::1]:22", host: "::1", port: 22},
		{in: "[::1]", host: "::1", port: 443},
		{in: "example.com:0", wantErr: true},
		{in: "example.com:http", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := connectTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.host, host)
			require.Equal(t, tt.port, port)
		})
	}
}

func TestSchemeFor(t *testing.T) {
	require.Equal(t, "https", schemeFor("example.com:443"))
	require.Equal(t, "http", schemeFor("example.com:80"))
	require.Equal(t, "http", schemeFor("example.com"))
	require.Equal(t, "http", schemeFor("example.com:8443"))
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Custom")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("Upgrade", "websocket")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/plain")

	removeHopHeaders(h)

	require.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}
