// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is the byte stream a channel owns exclusively. Implementations must
// never block past the given timeout or past the cancellation of ctx, and
// Close must be safe to call more than once.
type Conn interface {
	// Send writes b and returns the number of bytes written.
	Send(ctx context.Context, b []byte, timeout time.Duration) (int, error)
	// Receive reads whatever is available into b, waiting at most timeout.
	Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error)
	Close() error
}

// Dialer opens the Conn of a channel.
type Dialer interface {
	Dial(ctx context.Context, address string, timeout time.Duration) (Conn, error)
}

// DialFunc has the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TCPDialer connects to Modbus/TCP devices and Serial-over-LAN gateways.
type TCPDialer struct {
	// DialContext replaces net.Dialer when set, e.g. to reuse a pre-dialed
	// connection or to go through a proxy.
	DialContext DialFunc
	// TLSConfig wraps the connection in TLS when set.
	TLSConfig *tls.Config
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dial := d.DialContext
	if dial == nil {
		dialer := net.Dialer{Timeout: timeout}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if d.TLSConfig != nil {
		tlsConn := tls.Client(conn, d.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", address, err)
		}
		conn = tlsConn
	}
	return &netConn{conn: conn}, nil
}

// netConn adapts a net.Conn to Conn using deadlines.
type netConn struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *netConn) Send(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	stop, err := watchDeadline(ctx, timeout, c.conn.SetWriteDeadline)
	if err != nil {
		return 0, err
	}
	defer stop()
	n, err := c.conn.Write(b)
	return n, ioError(ctx, err)
}

func (c *netConn) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	stop, err := watchDeadline(ctx, timeout, c.conn.SetReadDeadline)
	if err != nil {
		return 0, err
	}
	defer stop()
	n, err := c.conn.Read(b)
	return n, ioError(ctx, err)
}

func (c *netConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// watchDeadline sets the deadline for the next operation and forces it to
// expire as soon as ctx is done.
func watchDeadline(ctx context.Context, timeout time.Duration, set func(time.Time) error) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Unix(1, 0))
	})
	return func() { stop() }, nil
}

// ioError reports cancellation as the context error and deadline expiry as
// ErrTimeout.
func ioError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
