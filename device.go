// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultTimeout = 2 * time.Second
	defaultRetries = 1

	maxCoilsReadLength      = 2000
	maxCoilsWriteLength     = 1968
	maxRegistersReadLength  = 125
	maxRegistersWriteLength = 123
)

// ConnectionMethod selects how a device is reached.
type ConnectionMethod int

const (
	// TCP talks native Modbus/TCP to the device.
	TCP ConnectionMethod = iota
	// SerialOverLAN tunnels RTU frames through a serial gateway.
	SerialOverLAN
)

func (m ConnectionMethod) String() string {
	switch m {
	case TCP:
		return "tcp"
	case SerialOverLAN:
		return "serial-over-lan"
	default:
		return fmt.Sprintf("ConnectionMethod(%d)", int(m))
	}
}

// ParseConnectionMethod accepts the names produced by String as well as
// "sol" for SerialOverLAN.
func ParseConnectionMethod(s string) (ConnectionMethod, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "serial-over-lan", "sol", "rtuovertcp":
		return SerialOverLAN, nil
	default:
		return 0, fmt.Errorf("modbus: unknown connection method %q", s)
	}
}

// DeviceOption configures a Device.
type DeviceOption func(d *Device)

// WithTimeout sets the per attempt timeout.
func WithTimeout(timeout time.Duration) DeviceOption {
	return func(d *Device) {
		d.timeout = timeout
	}
}

// WithRetries sets the number of retries after a failed attempt.
func WithRetries(retries int) DeviceOption {
	return func(d *Device) {
		d.retries = retries
	}
}

// WithInterMessageDelay sets the minimum pause between two messages on a
// Serial-over-LAN channel.
func WithInterMessageDelay(delay time.Duration) DeviceOption {
	return func(d *Device) {
		d.interMessageDelay = delay
	}
}

// WithPool makes a Serial-over-LAN device share channels through pool.
func WithPool(pool *Pool) DeviceOption {
	return func(d *Device) {
		d.pool = pool
	}
}

// WithDialer sets the dialer of a TCP device.
func WithDialer(dialer Dialer) DeviceOption {
	return func(d *Device) {
		d.dialer = dialer
	}
}

// WithLogger sets the transmission logger.
func WithLogger(l logger) DeviceOption {
	return func(d *Device) {
		d.logger = l
	}
}

// WithDeviceID sets the id the device registers with on a shared channel.
// Ids must be unique per pool. The default is the unit id followed by a
// process wide sequence number.
func WithDeviceID(id string) DeviceOption {
	return func(d *Device) {
		d.deviceID = id
	}
}

// Device is a Modbus device reachable through a Direct or a Serial-over-LAN
// channel.
type Device struct {
	unitID            byte
	method            ConnectionMethod
	host              string
	port              int
	deviceID          string
	timeout           time.Duration
	retries           int
	interMessageDelay time.Duration
	pool              *Pool
	dialer            Dialer
	logger            logger

	mu      sync.Mutex
	channel Channel
}

var _ Client = (*Device)(nil)

var deviceSeq atomic.Uint64

func defaultDeviceID(unitID byte) string {
	return strconv.Itoa(int(unitID)) + "#" + strconv.FormatUint(deviceSeq.Add(1), 10)
}

// NewDevice validates the settings and returns an unconnected device.
// Serial-over-LAN devices without a pool get a private one.
func NewDevice(unitID byte, method ConnectionMethod, host string, port int, opts ...DeviceOption) (*Device, error) {
	d := &Device{
		unitID:   unitID,
		method:   method,
		host:     host,
		port:     port,
		deviceID: defaultDeviceID(unitID),
		timeout:  defaultTimeout,
		retries:  defaultRetries,
	}
	for _, opt := range opts {
		opt(d)
	}

	switch {
	case method != TCP && method != SerialOverLAN:
		return nil, fmt.Errorf("modbus: unsupported connection method %v", method)
	case host == "":
		return nil, errors.New("modbus: host must not be empty")
	case port <= 0 || port > 0xFFFF:
		return nil, fmt.Errorf("modbus: port '%v' must be between 1 and 65535", port)
	case d.timeout <= 0:
		return nil, fmt.Errorf("modbus: timeout '%v' must be positive", d.timeout)
	case d.retries < 0:
		return nil, fmt.Errorf("modbus: retries '%v' must not be negative", d.retries)
	case d.interMessageDelay < 0:
		return nil, fmt.Errorf("modbus: inter message delay '%v' must not be negative", d.interMessageDelay)
	case d.deviceID == "":
		return nil, errors.New("modbus: device id must not be empty")
	}
	if method == SerialOverLAN {
		if unitID == 0 || unitID == 0xFF {
			return nil, fmt.Errorf("modbus: unit id '%v' must be between 1 and 254 on a serial line", unitID)
		}
		if d.pool == nil {
			d.pool = NewPool()
			d.pool.Logger = d.logger
		}
	}
	return d, nil
}

// UnitID returns the unit id of the device.
func (d *Device) UnitID() byte { return d.unitID }

// ConnectionMethod returns how the device is reached.
func (d *Device) ConnectionMethod() ConnectionMethod { return d.method }

// Address returns the host:port of the device or its gateway.
func (d *Device) Address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

// IsInitialized reports whether the device holds a channel.
func (d *Device) IsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel != nil
}

// Initialize implements Client.
func (d *Device) Initialize(ctx context.Context) error {
	_, err := d.acquireChannel(ctx)
	return err
}

func (d *Device) acquireChannel(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channel != nil {
		return d.channel, nil
	}
	switch d.method {
	case TCP:
		channel := NewTCPChannel(d.host, d.port, d.dialer)
		channel.Logger = d.logger
		if err := channel.Initialize(ctx, d.timeout); err != nil {
			channel.Close()
			return nil, err
		}
		d.channel = channel
	case SerialOverLAN:
		channel, err := d.pool.GetOrCreate(ctx, d.deviceID, d.host, d.port, d.timeout)
		if err != nil {
			return nil, err
		}
		d.channel = channel
	}
	return d.channel, nil
}

// Close implements Client. A shared channel stays open while other devices
// use it.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channel == nil {
		return nil
	}
	channel := d.channel
	d.channel = nil
	if d.method == SerialOverLAN {
		if !d.pool.TryRemove(d.deviceID, d.host, d.port) {
			return fmt.Errorf("modbus: failed to close channel to %s", d.Address())
		}
		return nil
	}
	return channel.Close()
}

func (d *Device) process(ctx context.Context, request Request) (*ProcessRequestResult, error) {
	channel, err := d.acquireChannel(ctx)
	if err != nil {
		return nil, err
	}
	result, err := channel.ProcessRequest(ctx, request, RequestOptions{
		Timeout:           d.timeout,
		Retries:           d.retries,
		InterMessageDelay: d.interMessageDelay,
	})
	if errors.Is(err, ErrChannelClosed) {
		d.forget(channel)
	}
	return result, err
}

// forget drops channel after it was closed underneath the device, so the
// next request acquires a fresh one.
func (d *Device) forget(channel Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == channel {
		d.channel = nil
	}
}

// invalidResponse wraps a decoding failure so that callers only see
// communication errors.
func (d *Device) invalidResponse(err error) error {
	return newCommunicationError(d.Address(), d.endpointUnitID(), err, "received an invalid response")
}

func (d *Device) endpointUnitID() byte {
	if d.method == SerialOverLAN {
		return d.unitID
	}
	return 0
}

// ReadHoldingCoils implements Client.
func (d *Device) ReadHoldingCoils(ctx context.Context, address, length uint16) (*ReadCoilsResult, error) {
	if err := checkLength(length, maxCoilsReadLength); err != nil {
		return nil, err
	}
	return d.readCoils(ctx, NewReadCoilsRequest(d.unitID, address, length))
}

// ReadInputCoils implements Client.
func (d *Device) ReadInputCoils(ctx context.Context, address, length uint16) (*ReadCoilsResult, error) {
	if err := checkLength(length, maxCoilsReadLength); err != nil {
		return nil, err
	}
	return d.readCoils(ctx, NewReadDiscreteInputsRequest(d.unitID, address, length))
}

func (d *Device) readCoils(ctx context.Context, request Request) (*ReadCoilsResult, error) {
	result, err := d.process(ctx, request)
	if err != nil {
		return nil, err
	}
	values, err := ExtractCoils(request, result.Response)
	if err != nil {
		return nil, d.invalidResponse(err)
	}
	return &ReadCoilsResult{TransferStats: statsOf(result), Values: values}, nil
}

// ReadHoldingRegisters implements Client.
func (d *Device) ReadHoldingRegisters(ctx context.Context, address, length uint16) (*ReadRegistersResult, error) {
	if err := checkLength(length, maxRegistersReadLength); err != nil {
		return nil, err
	}
	return d.readRegisters(ctx, NewReadHoldingRegistersRequest(d.unitID, address, length))
}

// ReadInputRegisters implements Client.
func (d *Device) ReadInputRegisters(ctx context.Context, address, length uint16) (*ReadRegistersResult, error) {
	if err := checkLength(length, maxRegistersReadLength); err != nil {
		return nil, err
	}
	return d.readRegisters(ctx, NewReadInputRegistersRequest(d.unitID, address, length))
}

func (d *Device) readRegisters(ctx context.Context, request Request) (*ReadRegistersResult, error) {
	result, err := d.process(ctx, request)
	if err != nil {
		return nil, err
	}
	values, err := ExtractRegisters(request, result.Response)
	if err != nil {
		return nil, d.invalidResponse(err)
	}
	return &ReadRegistersResult{TransferStats: statsOf(result), Values: values}, nil
}

// WriteHoldingCoil implements Client.
func (d *Device) WriteHoldingCoil(ctx context.Context, address uint16, value bool) (*WriteCoilsResult, error) {
	stats, err := d.write(ctx, NewWriteSingleCoilRequest(d.unitID, address, value))
	if err != nil {
		return nil, err
	}
	return &WriteCoilsResult{TransferStats: stats}, nil
}

// WriteHoldingCoils implements Client.
func (d *Device) WriteHoldingCoils(ctx context.Context, address uint16, values []bool) (*WriteCoilsResult, error) {
	if err := checkValues(len(values), maxCoilsWriteLength); err != nil {
		return nil, err
	}
	stats, err := d.write(ctx, NewWriteMultipleCoilsRequest(d.unitID, address, values))
	if err != nil {
		return nil, err
	}
	return &WriteCoilsResult{TransferStats: stats}, nil
}

// WriteHoldingRegister implements Client.
func (d *Device) WriteHoldingRegister(ctx context.Context, address uint16, value int16) (*WriteRegistersResult, error) {
	stats, err := d.write(ctx, NewWriteSingleRegisterRequest(d.unitID, address, value))
	if err != nil {
		return nil, err
	}
	return &WriteRegistersResult{TransferStats: stats}, nil
}

// WriteHoldingRegisters implements Client.
func (d *Device) WriteHoldingRegisters(ctx context.Context, address uint16, values []int16) (*WriteRegistersResult, error) {
	if err := checkValues(len(values), maxRegistersWriteLength); err != nil {
		return nil, err
	}
	stats, err := d.write(ctx, NewWriteMultipleRegistersRequest(d.unitID, address, values))
	if err != nil {
		return nil, err
	}
	return &WriteRegistersResult{TransferStats: stats}, nil
}

func (d *Device) write(ctx context.Context, request Request) (TransferStats, error) {
	result, err := d.process(ctx, request)
	if err != nil {
		return TransferStats{}, err
	}
	if err := ValidateWriteResponse(request, result.Response); err != nil {
		return TransferStats{}, d.invalidResponse(err)
	}
	return statsOf(result), nil
}

func checkLength(length uint16, max int) error {
	if length < 1 || int(length) > max {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", length, 1, max)
	}
	return nil
}

func checkValues(n int, max int) error {
	if n < 1 || n > max {
		return fmt.Errorf("modbus: number of values '%v' must be between '%v' and '%v'", n, 1, max)
	}
	return nil
}
