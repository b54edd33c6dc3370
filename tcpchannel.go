// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"
)

// TCPChannel talks native Modbus/TCP to a single endpoint.
type TCPChannel struct {
	address string
	dialer  Dialer

	// Transmission logger
	Logger logger

	gate gate

	mu     sync.Mutex
	conn   Conn
	closed bool

	// Only touched while holding gate.
	transactionID uint16
}

// NewTCPChannel allocates a channel to host:port. A nil dialer dials plain TCP.
func NewTCPChannel(host string, port int, dialer Dialer) *TCPChannel {
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	return &TCPChannel{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		dialer:  dialer,
		gate:    newGate(),
	}
}

// Address returns the host:port of the channel.
func (mb *TCPChannel) Address() string {
	return mb.address
}

// IsInitialized reports whether the channel holds a connection.
func (mb *TCPChannel) IsInitialized() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.conn != nil
}

// Initialize connects unless a connection exists already.
func (mb *TCPChannel) Initialize(ctx context.Context, timeout time.Duration) error {
	if err := mb.gate.acquire(ctx); err != nil {
		return mb.errorf(err, "failed to connect")
	}
	defer mb.gate.release()

	_, err := mb.connect(ctx, timeout)
	return err
}

// ProcessRequest implements Channel.
func (mb *TCPChannel) ProcessRequest(ctx context.Context, request Request, options RequestOptions) (*ProcessRequestResult, error) {
	start := time.Now()
	result := &ProcessRequestResult{}

	pdu, err := processWithRetries(ctx, mb.gate, options.Retries, mb.Logger, func(ctx context.Context, attempt int) ([]byte, error) {
		if attempt > 0 {
			mb.logf("modbus: close connection to %s and retry", mb.address)
			mb.disconnect()
		}
		conn, err := mb.connect(ctx, options.Timeout)
		if err != nil {
			return nil, err
		}
		pdu, err := mb.exchange(ctx, conn, request, options.Timeout, result)
		if err != nil && ctx.Err() != nil {
			mb.disconnect()
		}
		return pdu, err
	})
	if err != nil {
		return nil, asCommunicationError(mb.address, 0, err, "request failed")
	}

	response, err := ParseResponse(pdu, request)
	if err != nil {
		return nil, mb.errorf(err, "received an error response from modbus tcp device")
	}
	result.Response = response
	result.Duration = time.Since(start)
	return result, nil
}

// exchange sends one MBAP frame and reads the matching reply. Caller must
// hold the gate.
func (mb *TCPChannel) exchange(ctx context.Context, conn Conn, request Request, timeout time.Duration, result *ProcessRequestResult) ([]byte, error) {
	mb.transactionID++
	transactionID := mb.transactionID
	aduRequest := BuildDirectFrame(transactionID, request.UnitID(), request.PDU())

	mb.logf("modbus: send % x", aduRequest)
	n, err := conn.Send(ctx, aduRequest, timeout)
	result.BytesSent += n
	if err != nil {
		return nil, mb.errorf(err, "failed to send request")
	}
	result.PacketsSent++

	var data [receiveBufferSize]byte
	have, err := receiveUntil(ctx, conn, data[:], 0, func([]byte) int { return tcpHeaderSize }, newBudget(timeout), result)
	if err != nil {
		return nil, mb.errorf(err, "failed to receive response")
	}
	if have == 0 {
		return nil, mb.errorf(ErrNoData, "failed to receive response")
	}
	if have < tcpHeaderSize {
		return nil, mb.errorf(ErrTimeout, "failed to receive response header within the timeout period")
	}

	if protocolID := binary.BigEndian.Uint16(data[2:]); protocolID != tcpProtocolIdentifier {
		return nil, mb.errorf(nil, "response protocol id '%v' does not match request '%v'", protocolID, tcpProtocolIdentifier)
	}
	if responseID := binary.NativeEndian.Uint16(data[:]); responseID != transactionID {
		return nil, mb.errorf(nil, "response transaction id '%v' does not match request '%v'", responseID, transactionID)
	}
	if data[6] != request.UnitID() {
		return nil, mb.errorf(nil, "response unit id '%v' does not match request '%v'", data[6], request.UnitID())
	}
	length := int(binary.BigEndian.Uint16(data[4:])) - 1
	if length <= 0 || length > 0xFF {
		return nil, mb.errorf(nil, "length in response header '%v' must not be zero or greater than '%v'", length, 0xFF)
	}

	// The payload gets a budget of its own.
	total := tcpHeaderSize + length
	have, err = receiveUntil(ctx, conn, data[:], have, func([]byte) int { return total }, newBudget(timeout), result)
	if err != nil {
		return nil, mb.errorf(err, "failed to receive response")
	}
	if have == tcpHeaderSize {
		return nil, mb.errorf(ErrNoData, "failed to receive response after header")
	}
	if have < total {
		return nil, mb.errorf(ErrTimeout, "failed to receive response within the timeout period")
	}
	mb.logf("modbus: recv % x", data[:total])

	pdu := make([]byte, length)
	copy(pdu, data[tcpHeaderSize:total])
	return pdu, nil
}

// connect returns the current connection, dialing a new one if there is none.
func (mb *TCPChannel) connect(ctx context.Context, timeout time.Duration) (Conn, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil, mb.errorf(ErrChannelClosed, "failed to connect")
	}
	if mb.conn != nil {
		return mb.conn, nil
	}
	conn, err := mb.dialer.Dial(ctx, mb.address, timeout)
	if err != nil {
		return nil, mb.errorf(err, "failed to connect")
	}
	mb.conn = conn
	return conn, nil
}

// disconnect drops the current connection so the next attempt dials anew.
func (mb *TCPChannel) disconnect() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.close()
}

// Close closes the connection. The channel cannot be used afterwards.
func (mb *TCPChannel) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	return mb.close()
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *TCPChannel) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

func (mb *TCPChannel) errorf(err error, format string, v ...interface{}) error {
	return newCommunicationError(mb.address, 0, err, format, v...)
}

func (mb *TCPChannel) logf(format string, v ...interface{}) {
	logf(mb.Logger, format, v...)
}
