package proxy

import (
	"net"
	"time"

	"github.com/die-net/bindproxy/internal/dialer"
)

// Config configures the per-port HTTP proxy servers.
type Config struct {
	// SocketTimeout bounds header reads, upstream response headers and
	// tunnel idleness.
	SocketTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// DNSServerHost is reported back to clients in the CF-DNS-Used header.
	DNSServerHost string

	// Dialer configures the credential-bound upstream connectors.
	Dialer dialer.Config
}
