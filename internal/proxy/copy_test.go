package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b := <-accepted
	require.NotNil(t, b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type copyResult struct {
	up, down int64
	err      error
}

func startCopy(ctx context.Context, left, right net.Conn, idle time.Duration) <-chan copyResult {
	done := make(chan copyResult, 1)
	go func() {
		up, down, err := CopyBidirectional(ctx, left, right, idle)
		done <- copyResult{up: up, down: down, err: err}
	}()
	return done
}

func TestCopyBidirectionalRelaysAndCounts(t *testing.T) {
	client, left := tcpPair(t)
	right, server := tcpPair(t)

	done := startCopy(context.Background(), left, right, 2*time.Second)

	_, err := io.WriteString(client, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = io.WriteString(server, "pong!")
	require.NoError(t, err)
	buf = make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "pong!", string(buf))

	require.NoError(t, client.Close())

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.EqualValues(t, 4, res.up)
		require.EqualValues(t, 5, res.down)
	case <-time.After(3 * time.Second):
		t.Fatal("copy did not finish after client EOF")
	}

	// The upstream side was closed too.
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = server.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestCopyBidirectionalIdleTimeout(t *testing.T) {
	_, left := tcpPair(t)
	right, _ := tcpPair(t)

	done := startCopy(context.Background(), left, right, 100*time.Millisecond)

	select {
	case res := <-done:
		var te *TunnelError
		require.ErrorAs(t, res.err, &te)
		var ne net.Error
		require.ErrorAs(t, res.err, &ne)
		require.True(t, ne.Timeout())
	case <-time.After(3 * time.Second):
		t.Fatal("idle tunnel was not closed")
	}
}

func TestCopyBidirectionalOneWayTrafficKeepsTunnel(t *testing.T) {
	client, left := tcpPair(t)
	right, server := tcpPair(t)

	const idle = 200 * time.Millisecond
	done := startCopy(context.Background(), left, right, idle)

	// Drain what the server streams so writes never block.
	go func() { _, _ = io.Copy(io.Discard, client) }()

	deadline := time.Now().Add(4 * idle)
	for time.Now().Before(deadline) {
		_, err := io.WriteString(server, "tick")
		require.NoError(t, err)
		time.Sleep(idle / 4)
	}

	select {
	case res := <-done:
		t.Fatalf("tunnel closed while one direction was active: %v", res.err)
	default:
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel stayed open after traffic stopped")
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	client, left := tcpPair(t)
	right, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := startCopy(ctx, left, right, time.Minute)

	cancel()

	select {
	case res := <-done:
		require.True(t, errors.Is(res.err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not end the tunnel")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
