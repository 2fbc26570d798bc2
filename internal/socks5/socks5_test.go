package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name    string
		auth    Auth
		host    string
		port    int
		address string
	}{
		{name: "no_auth", host: "127.0.0.1", port: 80, address: "127.0.0.1:80"},
		{name: "user_pass", auth: Auth{Username: "user", Password: "pass"}, host: "93.184.216.34", port: 443, address: "93.184.216.34:443"},
		{name: "domain", auth: Auth{Username: "user", Password: "pass"}, host: "example.com", port: 443, address: "example.com:443"},
		{name: "ipv6", host: "2001:db8::1", port: 8080, address: "[2001:db8::1]:8080"},
		{name: "mapped_ipv4", host: "::ffff:10.0.0.1", port: 22, address: "10.0.0.1:22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.auth); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Address() != tt.address {
					return fmt.Errorf("unexpected address: %s", req.Address())
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			if err := ClientDial(clientConn, tt.auth, tt.host, tt.port); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestClientDialBadCredentials(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServerNegotiate(serverConn, Auth{Username: "alice", Password: "secret"})
	}()

	err := ClientDial(clientConn, Auth{Username: "alice", Password: "wrong"}, "127.0.0.1", 80)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if err := <-done; !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("server: expected ErrAuthFailed, got %v", err)
	}
}

func TestClientConnectRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		if err := ServerNegotiate(serverConn, Auth{}); err != nil {
			return
		}
		req, err := ServerReadRequest(serverConn)
		if err != nil {
			return
		}
		WriteReply(serverConn, txsocks5.RepConnectionRefused, req.Atyp)
	}()

	err := ClientDial(clientConn, Auth{}, "127.0.0.1", 1)
	var rerr *ReplyError
	if !errors.As(err, &rerr) || rerr.Rep != txsocks5.RepConnectionRefused {
		t.Fatalf("expected connection refused reply, got %v", err)
	}
}

func TestClientDialBadDestination(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// Nothing is written for an unencodable destination, so the pipe never blocks.
	for _, tc := range []struct {
		host string
		port int
	}{
		{host: "", port: 80},
		{host: "example.com", port: 0},
		{host: "example.com", port: 70000},
		{host: string(make([]byte, 256)), port: 80},
	} {
		if err := ClientDial(clientConn, Auth{}, tc.host, tc.port); err == nil {
			t.Fatalf("expected error for %q:%d", tc.host, tc.port)
		}
	}
}
