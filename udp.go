// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"net"
	"time"
)

// UDPDialer reaches Serial-over-LAN gateways that tunnel RTU frames in UDP
// datagrams instead of a TCP stream. Since UDP is connectionless, dialing
// does little more than binding a local socket to the gateway address.
type UDPDialer struct{}

// Dial implements Dialer.
func (UDPDialer) Dial(ctx context.Context, address string, timeout time.Duration) (Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return &netConn{conn: conn}, nil
}
