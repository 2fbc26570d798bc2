package proxy

import (
	"context"
	"log/slog"
	"net"

	"github.com/die-net/bindproxy/internal/dialer"
	"github.com/die-net/bindproxy/internal/metrics"
	"github.com/die-net/bindproxy/internal/upstream"
)

// Runner is a started listener.
type Runner interface {
	// Stop closes the listener, ends its tunnels and waits for in-flight
	// requests until ctx expires, then drops the connections left over.
	Stop(ctx context.Context) error
}

// Supervisor starts one HTTPProxyServer per bound port. All servers share
// the resolver and the parent context; each gets its own upstream connector.
type Supervisor struct {
	ctx      context.Context
	cfg      Config
	resolver dialer.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSupervisor returns a Supervisor whose servers stop when ctx is done.
func NewSupervisor(ctx context.Context, cfg Config, r dialer.Resolver, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{ctx: ctx, cfg: cfg, resolver: r, logger: logger, metrics: m}
}

// Start serves the proxy for cred on ln in a new goroutine. The listener is
// owned by the returned Runner from now on.
func (s *Supervisor) Start(ln net.Listener, cred upstream.Credential) Runner {
	log := s.logger.With("listen", ln.Addr().String(), "upstream", cred.Redacted())

	up := dialer.NewSOCKS5ProxyDialer(s.cfg.Dialer, cred, s.resolver, log, s.metrics)
	srv := NewHTTPProxyServer(s.ctx, s.cfg, up, log, s.metrics)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(WithKeepAlive(ln, s.cfg.KeepAlive)); err != nil {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("listener started")

	return &runner{srv: srv, ln: ln, done: done, logger: log}
}

type runner struct {
	srv    *HTTPProxyServer
	ln     net.Listener
	done   chan struct{}
	logger *slog.Logger
}

func (r *runner) Stop(ctx context.Context) error {
	err := r.srv.Shutdown(ctx)
	if err != nil {
		_ = r.srv.Close()
	}
	// Serve may not have taken ownership of ln yet.
	_ = r.ln.Close()

	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.logger.Info("listener stopped")
	return err
}
