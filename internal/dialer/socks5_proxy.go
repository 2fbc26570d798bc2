package dialer

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/bindproxy/internal/metrics"
	"github.com/die-net/bindproxy/internal/socks5"
	"github.com/die-net/bindproxy/internal/upstream"
)

// SOCKS5ProxyDialer connects to targets through one credentialed SOCKS5
// upstream. Target hostnames are resolved locally and the upstream is asked
// to CONNECT to the resulting IP.
type SOCKS5ProxyDialer struct {
	cfg      Config
	cred     upstream.Credential
	resolver Resolver
	direct   ContextDialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewSOCKS5ProxyDialer(cfg Config, cred upstream.Credential, r Resolver, logger *slog.Logger, m *metrics.Metrics) *SOCKS5ProxyDialer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SOCKS5ProxyDialer{
		cfg:      cfg,
		cred:     cred,
		resolver: r,
		direct:   NewDirectDialer(cfg),
		logger:   logger,
		metrics:  m,
	}
}

// DialContext returns a plain connection to address via the upstream.
func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := d.splitTarget(network, address)
	if err != nil {
		return nil, err
	}
	c, err := d.Connect(ctx, host, port, false)
	if err != nil {
		return nil, err
	}
	return withIOTimeout(c, d.cfg.IOTimeout), nil
}

// DialTLSContext is DialContext followed by a TLS client handshake with the
// target, using the target hostname as server name.
func (d *SOCKS5ProxyDialer) DialTLSContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := d.splitTarget(network, address)
	if err != nil {
		return nil, err
	}
	raw, err := d.Connect(ctx, host, port, false)
	if err != nil {
		return nil, err
	}
	return d.handshakeTLS(ctx, withIOTimeout(raw, d.cfg.IOTimeout), host, address)
}

// Connect resolves host, opens an authenticated SOCKS5 session to the
// upstream and has it CONNECT to host's address on port. With useTLS the
// result is a client TLS session with host.
//
// The returned connection carries no deadlines.
func (d *SOCKS5ProxyDialer) Connect(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))

	rec := d.resolver.Resolve(ctx, host)

	conn, err := d.direct.DialContext(ctx, "tcp", d.cred.Addr())
	if err != nil {
		return nil, d.fail(StageDial, target, err)
	}

	stop := d.handshakeDeadline(ctx, conn)
	err = socks5.ClientDial(conn, socks5.Auth{Username: d.cred.Username, Password: d.cred.Password}, rec.IP, port)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, d.fail(StageSOCKS5, target, err)
	}

	d.logger.DebugContext(ctx, "upstream connected", "upstream", d.cred.Redacted(), "target", target, "ip", rec.IP, "dns", rec.Method)

	if useTLS {
		return d.handshakeTLS(ctx, conn, host, target)
	}
	return conn, nil
}

func (d *SOCKS5ProxyDialer) handshakeTLS(ctx context.Context, conn net.Conn, host, target string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // Upstream trust model; see Config.
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	})

	stop := d.handshakeDeadline(ctx, conn)
	err := tlsConn.HandshakeContext(ctx)
	stop()
	if err != nil {
		_ = tlsConn.Close()
		return nil, d.fail(StageTLS, target, err)
	}
	return tlsConn, nil
}

// handshakeDeadline bounds a handshake on conn by DialTimeout and by ctx. The
// returned func clears the deadline.
func (d *SOCKS5ProxyDialer) handshakeDeadline(ctx context.Context, conn net.Conn) func() {
	if d.cfg.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	}
	stopAfter := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stopAfter()
		_ = conn.SetDeadline(time.Time{})
	}
}

func (d *SOCKS5ProxyDialer) splitTarget(network, address string) (string, int, error) {
	if !strings.HasPrefix(network, "tcp") {
		return "", 0, d.fail(StageDial, address, errUnsupportedNetwork)
	}
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, d.fail(StageDial, address, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, d.fail(StageDial, address, &net.AddrError{Err: "invalid port", Addr: address})
	}
	return host, port, nil
}

func (d *SOCKS5ProxyDialer) fail(stage, target string, err error) error {
	d.metrics.UpstreamError(stage)
	return &UpstreamConnectError{Stage: stage, Upstream: d.cred.Addr(), Target: target, Err: err}
}
