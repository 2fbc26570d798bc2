package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/die-net/bindproxy/internal/resolver"
)

// ContextDialer mirrors the net.Dialer interface.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver is the subset of *resolver.Resolver the dialer needs.
type Resolver interface {
	Resolve(ctx context.Context, host string) resolver.Record
}

// Stages reported by UpstreamConnectError.
const (
	StageDial   = "dial"
	StageSOCKS5 = "socks5"
	StageTLS    = "tls"
)

// UpstreamConnectError is returned for any failure to reach a target through
// the upstream.
type UpstreamConnectError struct {
	Stage    string
	Upstream string
	Target   string
	Err      error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream %s: %s %s: %v", e.Upstream, e.Stage, e.Target, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}

var errUnsupportedNetwork = errors.New("unsupported network")
