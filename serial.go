// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Timeout of a single port read. Receive polls the port until its own
	// deadline, so this also bounds how far a receive can overshoot.
	serialPollTimeout = 20 * time.Millisecond
)

// SerialDialer drives a local RTU line instead of a Serial-over-LAN gateway.
// Channels created through it frame requests exactly like a tunneled
// channel, so several unit ids on one RS-485 bus share one port.
type SerialDialer struct {
	// Serial port configuration. An empty Address takes the host part of
	// the channel address, e.g. "/dev/ttyUSB0:1" opens /dev/ttyUSB0.
	serial.Config
}

// NewSerialDialer creates a serial dialer with default configuration.
func NewSerialDialer(address string) *SerialDialer {
	return &SerialDialer{
		Config: serial.Config{
			Address:  address,
			BaudRate: 19200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "E",
			Timeout:  serialPollTimeout,
		},
	}
}

// Dial implements Dialer. The port timeout is the poll interval of Receive.
func (d *SerialDialer) Dial(ctx context.Context, address string, _ time.Duration) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	config := d.Config
	if config.Address == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		config.Address = host
	}
	if config.Timeout <= 0 {
		config.Timeout = serialPollTimeout
	}
	port, err := serial.Open(&config)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", config.Address, err)
	}
	return &serialConn{port: port, address: config.Address}, nil
}

// FrameDelay roughly calculates the silent interval that has to separate two
// frames on the line.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (d *SerialDialer) FrameDelay() time.Duration {
	var frameDelay int // us

	if d.BaudRate <= 0 || d.BaudRate > 19200 {
		frameDelay = 1750
	} else {
		frameDelay = 35000000 / d.BaudRate
	}
	return time.Duration(frameDelay) * time.Microsecond
}

// serialConn adapts a serial port to Conn.
type serialConn struct {
	address string

	mu   sync.Mutex
	port io.ReadWriteCloser
}

func (c *serialConn) Send(ctx context.Context, b []byte, _ time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	port, err := c.current()
	if err != nil {
		return 0, err
	}
	return port.Write(b)
}

// Receive polls the port until data arrives or timeout elapses.
// It returns ErrTimeout when no data arrived in time.
func (c *serialConn) Receive(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port, err := c.current()
		if err != nil {
			return 0, err
		}
		n, err := port.Read(b)
		if n > 0 {
			if isEmptyRead(err) {
				err = nil
			}
			return n, err
		}
		if !isEmptyRead(err) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, fmt.Errorf("%w: no data on %s", ErrTimeout, c.address)
		}
		if err == nil || err == io.EOF {
			// The port returned at once, do not spin.
			if err := sleepContext(ctx, min(serialPollTimeout, time.Until(deadline))); err != nil {
				return 0, err
			}
		}
	}
}

// isEmptyRead reports whether a port read ended without an error worth
// reporting.
func isEmptyRead(err error) bool {
	return err == nil || err == io.EOF || errors.Is(err, serial.ErrTimeout)
}

func (c *serialConn) current() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil, fmt.Errorf("serial port %s: %w", c.address, net.ErrClosed)
	}
	return c.port, nil
}

// Close closes the serial port if it is open.
func (c *serialConn) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		err = c.port.Close()
		c.port = nil
	}
	return
}
