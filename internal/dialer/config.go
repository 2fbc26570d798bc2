package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds the TCP connect plus the SOCKS5 and TLS handshakes.
	DialTimeout time.Duration
	// IOTimeout is applied as a fresh deadline before every read and write
	// on connections returned by DialContext and DialTLSContext.
	IOTimeout time.Duration
	KeepAlive net.KeepAliveConfig
	// InsecureSkipVerify disables certificate checks on upstream TLS.
	InsecureSkipVerify bool
}
