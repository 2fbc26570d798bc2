package dialer

import (
	"net"
	"time"
)

// ioTimeoutConn refreshes the read or write deadline before each operation,
// so a connection only times out after timeout of inactivity in that
// direction.
type ioTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func withIOTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &ioTimeoutConn{Conn: c, timeout: timeout}
}

func (c *ioTimeoutConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *ioTimeoutConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
