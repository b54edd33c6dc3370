// Copyright 2018 xft. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// Upper bound of the reconnect backoff, in seconds.
	maxInitializeBackoff = 10
)

// RTUOverTCPChannel tunnels RTU frames through a TCP connection to a
// serial gateway. Several devices on the serial line share one channel.
type RTUOverTCPChannel struct {
	address string
	dialer  Dialer

	// VerifyCRC rejects responses whose checksum does not match. Off by
	// default, in which case the checksum is stripped unchecked.
	VerifyCRC bool
	// Transmission logger
	Logger logger

	requestGate gate
	initGate    gate

	mu             sync.Mutex
	conn           Conn
	initialized    bool
	closed         bool
	devices        map[string]struct{}
	lastInitialize time.Time

	// Only touched while holding requestGate.
	activity rtuActivityTracker

	now func() time.Time
}

// NewRTUOverTCPChannel allocates a channel to the gateway at host:port. A
// nil dialer dials plain TCP.
func NewRTUOverTCPChannel(host string, port int, dialer Dialer) *RTUOverTCPChannel {
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	mb := &RTUOverTCPChannel{
		address:     net.JoinHostPort(host, strconv.Itoa(port)),
		dialer:      dialer,
		requestGate: newGate(),
		initGate:    newGate(),
		devices:     make(map[string]struct{}),
		now:         time.Now,
	}
	mb.activity.now = mb.clock
	return mb
}

func (mb *RTUOverTCPChannel) clock() time.Time {
	return mb.now()
}

// Address returns the host:port of the gateway.
func (mb *RTUOverTCPChannel) Address() string {
	return mb.address
}

// RegisterDevice adds id to the devices sharing this channel.
func (mb *RTUOverTCPChannel) RegisterDevice(id string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.devices[id] = struct{}{}
}

// UnregisterDevice removes id from the devices sharing this channel.
func (mb *RTUOverTCPChannel) UnregisterDevice(id string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.devices, id)
}

// RegisteredDevices returns the ids of the devices sharing this channel in
// sorted order.
func (mb *RTUOverTCPChannel) RegisteredDevices() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	ids := make([]string, 0, len(mb.devices))
	for id := range mb.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsInitialized reports whether the channel holds a connection.
func (mb *RTUOverTCPChannel) IsInitialized() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.initialized
}

// Initialize connects unless the channel is connected already. Repeated
// reconnects are spaced by one second per registered device, at most ten
// seconds, unless a single device uses the channel.
func (mb *RTUOverTCPChannel) Initialize(ctx context.Context, timeout time.Duration) error {
	if mb.IsInitialized() {
		return nil
	}
	if err := mb.initGate.acquire(ctx); err != nil {
		return newCommunicationError(mb.address, 0, err, "failed to connect")
	}
	defer mb.initGate.release()

	if mb.IsInitialized() {
		return nil
	}
	return mb.reinitialize(ctx, 0, timeout)
}

// reinitialize tears down and reconnects, subject to the backoff rule.
// Caller must hold initGate.
func (mb *RTUOverTCPChannel) reinitialize(ctx context.Context, unitID byte, timeout time.Duration) error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return newCommunicationError(mb.address, unitID, ErrChannelClosed, "failed to connect")
	}
	n := len(mb.devices)
	retrySeconds := n
	if retrySeconds > maxInitializeBackoff {
		retrySeconds = maxInitializeBackoff
	}
	wait := time.Duration(retrySeconds) * time.Second
	if n != 1 && mb.now().Sub(mb.lastInitialize) < wait {
		mb.mu.Unlock()
		return newCommunicationError(mb.address, unitID, ErrInitializeRateLimited,
			"too many connection attempts, retry in '%v' seconds", retrySeconds)
	}
	mb.lastInitialize = mb.now()
	mb.close()
	mb.mu.Unlock()

	conn, err := mb.dialer.Dial(ctx, mb.address, timeout)
	if err != nil {
		return newCommunicationError(mb.address, unitID, err, "failed to connect")
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		conn.Close()
		return newCommunicationError(mb.address, unitID, ErrChannelClosed, "failed to connect")
	}
	mb.conn = conn
	mb.initialized = true
	return nil
}

// ProcessRequest implements Channel.
func (mb *RTUOverTCPChannel) ProcessRequest(ctx context.Context, request Request, options RequestOptions) (*ProcessRequestResult, error) {
	start := mb.now()
	result := &ProcessRequestResult{}

	pdu, err := processWithRetries(ctx, mb.requestGate, options.Retries, mb.Logger, func(ctx context.Context, attempt int) ([]byte, error) {
		if err := mb.prepare(ctx, request.UnitID(), attempt, options.Timeout); err != nil {
			return nil, err
		}
		conn := mb.current()
		if conn == nil {
			return nil, newCommunicationError(mb.address, request.UnitID(), ErrChannelClosed, "channel is not connected")
		}
		pdu, err := mb.exchange(ctx, conn, request, options, result)
		if err != nil && (ctx.Err() != nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoData)) {
			// A late reply would otherwise be taken for the answer to the
			// next request.
			mb.disconnect(conn)
		}
		return pdu, err
	})
	if err != nil {
		return nil, asCommunicationError(mb.address, request.UnitID(), err, "request failed")
	}

	response, err := ParseResponse(pdu, request)
	if err != nil {
		return nil, newCommunicationError(mb.address, request.UnitID(), err, "received an error response from modbus device")
	}
	result.Response = response
	result.Duration = mb.now().Sub(start)
	return result, nil
}

// prepare makes sure there is a connection for the given attempt. Every
// attempt after the first one forces a reconnect.
func (mb *RTUOverTCPChannel) prepare(ctx context.Context, unitID byte, attempt int, timeout time.Duration) error {
	if attempt == 0 && mb.IsInitialized() {
		return nil
	}
	if err := mb.initGate.acquire(ctx); err != nil {
		return newCommunicationError(mb.address, unitID, err, "failed to connect")
	}
	defer mb.initGate.release()

	if attempt == 0 && mb.IsInitialized() {
		return nil
	}
	if attempt > 0 {
		mb.logf("modbus: reconnecting to %s for device id %d", mb.address, unitID)
	}
	return mb.reinitialize(ctx, unitID, timeout)
}

// exchange sends one RTU frame and reads the reply. Caller must hold
// requestGate.
func (mb *RTUOverTCPChannel) exchange(ctx context.Context, conn Conn, request Request, options RequestOptions, result *ProcessRequestResult) ([]byte, error) {
	unitID := request.UnitID()
	aduRequest := BuildTunneledFrame(unitID, request.PDU())

	if err := mb.activity.wait(ctx, options.InterMessageDelay); err != nil {
		return nil, err
	}
	mb.logf("modbus: send % x", aduRequest)
	n, err := conn.Send(ctx, aduRequest, options.Timeout)
	mb.activity.touch()
	result.BytesSent += n
	if err != nil {
		return nil, newCommunicationError(mb.address, unitID, err, "failed to send request")
	}
	result.PacketsSent++

	need := func(received []byte) int {
		return mb.expectedLength(request, received)
	}
	var data [receiveBufferSize]byte
	have, err := receiveUntil(ctx, conn, data[:], 0, need, newBudget(options.Timeout), result)
	if err != nil {
		return nil, newCommunicationError(mb.address, unitID, err, "failed to receive response")
	}
	if have == 0 {
		return nil, newCommunicationError(mb.address, unitID, ErrNoData, "failed to receive response")
	}
	length := need(data[:have])
	if have < length {
		return nil, newCommunicationError(mb.address, unitID, ErrTimeout, "failed to receive response within the timeout period")
	}
	aduResponse := data[:length]
	mb.logf("modbus: recv % x", aduResponse)

	if aduResponse[0] != unitID {
		return nil, newCommunicationError(mb.address, unitID, nil, "response unit id '%v' does not match request '%v'", aduResponse[0], unitID)
	}
	if mb.VerifyCRC {
		if err := VerifyCRC(aduResponse); err != nil {
			return nil, newCommunicationError(mb.address, unitID, err, "invalid response frame")
		}
	}
	pdu := make([]byte, length-rtuFrameOverhead)
	copy(pdu, aduResponse[1:length-2])
	return pdu, nil
}

// expectedLength is the frame length predicted from the request and the
// PDU bytes received so far.
func (mb *RTUOverTCPChannel) expectedLength(request Request, received []byte) int {
	var pdu []byte
	if len(received) > 1 {
		pdu = received[1:]
	}
	return PredictResponseLength(request, pdu) + rtuFrameOverhead
}

func (mb *RTUOverTCPChannel) current() Conn {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.conn
}

// disconnect drops conn if it is still the current connection.
func (mb *RTUOverTCPChannel) disconnect(conn Conn) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == conn {
		mb.close()
	}
}

// Close closes the connection. The channel cannot be used afterwards.
func (mb *RTUOverTCPChannel) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	return mb.close()
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *RTUOverTCPChannel) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	mb.initialized = false
	return
}

func (mb *RTUOverTCPChannel) logf(format string, v ...interface{}) {
	logf(mb.Logger, format, v...)
}
