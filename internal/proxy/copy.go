package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TunnelError reports an I/O failure in one direction of a relayed tunnel.
type TunnelError struct {
	Direction string
	Err       error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Direction, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// CopyBidirectional relays bytes between left and right until either side
// reaches EOF, an I/O error occurs, both directions stay idle for
// idleTimeout, or ctx is canceled. Both connections are closed exactly once
// before it returns. The counts are bytes written to right and to left.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) (toRight, toLeft int64, err error) {
	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	var closed atomic.Bool
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			closed.Store(true)
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// Closing both sides unblocks the pending reads.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	r := relay{idle: idleTimeout, lastActive: &lastActive, closed: &closed}

	var g errgroup.Group
	g.Go(func() error {
		n, err := r.pipe(right, left)
		toRight = n
		closeBoth()
		return wrapTunnelError("client->upstream", err)
	})
	g.Go(func() error {
		n, err := r.pipe(left, right)
		toLeft = n
		closeBoth()
		return wrapTunnelError("upstream->client", err)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return toRight, toLeft, ctx.Err()
	}
	return toRight, toLeft, err
}

type relay struct {
	idle       time.Duration
	lastActive *atomic.Int64
	closed     *atomic.Bool
}

func (r relay) pipe(dst, src net.Conn) (int64, error) {
	buf := tunnelBuffers.Get()
	defer tunnelBuffers.Put(buf)

	var total int64
	for {
		if r.idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(r.idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			r.lastActive.Store(time.Now().UnixNano())
			if r.idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(r.idle))
			}
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, r.filter(werr)
			}
			if w != n {
				return total, io.ErrShortWrite
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if r.otherSideActive(rerr) {
			continue
		}
		return total, r.filter(rerr)
	}
}

// otherSideActive reports whether err is a read timeout that should be
// ignored because the opposite direction moved data within the idle window.
func (r relay) otherSideActive(err error) bool {
	if r.idle <= 0 || r.closed.Load() {
		return false
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return false
	}
	return time.Since(time.Unix(0, r.lastActive.Load())) < r.idle
}

// filter drops the errors caused by our own close of the other side.
func (r relay) filter(err error) error {
	if r.closed.Load() && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func wrapTunnelError(direction string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{Direction: direction, Err: err}
}
