package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return WithKeepAlive(ln, keepAliveConfig), nil
}

// WithKeepAlive wraps ln so accepted TCP connections get keepAliveConfig.
// Listeners that are already wrapped are returned unchanged.
func WithKeepAlive(ln net.Listener, keepAliveConfig net.KeepAliveConfig) net.Listener {
	if _, ok := ln.(*KeepAliveListener); ok {
		return ln
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
