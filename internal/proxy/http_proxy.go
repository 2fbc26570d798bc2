package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/die-net/bindproxy/internal/metrics"
)

// Upstream is the credential-bound connector a server sends all traffic
// through.
type Upstream interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
	DialTLSContext(ctx context.Context, network, address string) (net.Conn, error)
	Connect(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error)
}

// HTTPProxyServer serves an HTTP forward proxy for a single binding.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying (via httputil.ReverseProxy)
type HTTPProxyServer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      Config
	upstream Upstream
	srv      *http.Server
	rp       *httputil.ReverseProxy
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHTTPProxyServer constructs an HTTP proxy server that reaches every
// destination through up.
//
// Serve starts accepting connections on a listener; Shutdown and Close
// cancel the server context, which also ends active tunnels.
func NewHTTPProxyServer(ctx context.Context, cfg Config, up Upstream, logger *slog.Logger, m *metrics.Metrics) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &HTTPProxyServer{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		upstream: up,
		logger:   logger,
		metrics:  m,
	}
	h.rp = newForwarder(cfg, up, m)
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.SocketTimeout,
		IdleTimeout:       cfg.SocketTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return h
}

// Serve serves HTTP proxy requests on ln. It returns nil once the server has
// been shut down.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting, ends active tunnels and waits for in-flight
// requests until ctx expires. Connections still open after that are left to
// Close.
func (s *HTTPProxyServer) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}

// Close stops the HTTP server immediately, dropping every open connection.
func (s *HTTPProxyServer) Close() error {
	s.cancel()
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With("request_id", uuid.NewString(), "method", r.Method, "target", r.Host)
	r = r.WithContext(withLogger(r.Context(), log))

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r, log)
		return
	}

	if r.URL.Host == "" && r.Host == "" {
		s.metrics.Request(kindForward, outcomeBadRequest)
		http.Error(w, "missing target host", http.StatusBadRequest)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	host, port, err := connectTarget(r.Host)
	if err != nil {
		s.metrics.Request(kindConnect, outcomeBadRequest)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	_ = brw.Flush()

	ctx := r.Context()

	serverConn, err := s.upstream.Connect(ctx, host, port, false)
	if err != nil {
		s.metrics.Request(kindConnect, outcomeError)
		log.Warn("connect failed", "error", err)
		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}
	s.metrics.Request(kindConnect, outcomeOK)

	client := clientConn
	if brw.Reader.Buffered() > 0 {
		// The client may pipeline tunnel bytes right behind the CONNECT.
		client = &bufferedConn{Conn: clientConn, r: brw.Reader}
	}

	s.metrics.TunnelOpened()
	up, down, err := CopyBidirectional(ctx, client, serverConn, s.cfg.SocketTimeout)
	s.metrics.TunnelClosed(up, down)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("tunnel closed", "error", err, "bytes_up", up, "bytes_down", down)
		return
	}
	log.Debug("tunnel closed", "bytes_up", up, "bytes_down", down)
}

// connectTarget splits a CONNECT authority, defaulting to port 443.
func connectTarget(authority string) (string, int, error) {
	if authority == "" {
		return "", 0, errors.New("missing CONNECT authority")
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		portStr = "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("invalid CONNECT authority %q", authority)
	}
	return host, port, nil
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

// bufferedConn drains bytes the HTTP server already read from the client,
// then reads the raw socket so read errors never reach net/http's reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(b)
	}
	return c.Conn.Read(b)
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
