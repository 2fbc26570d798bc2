package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/die-net/bindproxy/internal/socks5"
)

// SOCKS5Server is a loopback SOCKS5 upstream that requires its credentials
// (or no auth when the username is empty) and connects directly to requested
// targets.
type SOCKS5Server struct {
	net.Listener

	mu        sync.Mutex
	auth      socks5.Auth
	requests  []string
	authFails int
	conns     map[net.Conn]struct{}
}

// StartSOCKS5Server serves until the test ends.
func StartSOCKS5Server(t *testing.T, ctx context.Context, auth socks5.Auth) *SOCKS5Server {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SOCKS5Server{Listener: ln, auth: auth, conns: make(map[net.Conn]struct{})}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Go(func() { s.handle(ctx, c) })
		}
	})

	return s
}

// SetAuth replaces the accepted credentials for new connections.
func (s *SOCKS5Server) SetAuth(auth socks5.Auth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = auth
}

// Requests returns the CONNECT addresses received so far, in order.
func (s *SOCKS5Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// AuthFailures counts rejected credential attempts.
func (s *SOCKS5Server) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFails
}

func (s *SOCKS5Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *SOCKS5Server) handle(ctx context.Context, c net.Conn) {
	s.track(c, true)
	defer s.track(c, false)
	defer c.Close()

	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	if err := socks5.ServerNegotiate(c, auth); err != nil {
		s.mu.Lock()
		s.authFails++
		s.mu.Unlock()
		return
	}

	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req.Address())
	s.mu.Unlock()

	if req.Cmd != socks5.CmdConnect {
		socks5.WriteReply(c, 0x07, req.Atyp)
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		socks5.WriteReply(c, 0x05, req.Atyp)
		return
	}
	s.track(dst, true)
	defer s.track(dst, false)
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
		close(done)
	}()
	_, _ = io.Copy(c, dst)
	_ = c.Close()
	<-done
}
