// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"time"
)

// Client declares the functionality of a Modbus device regardless of how it is connected.
type Client interface {
	// Initialize connects the device. It is called implicitly by the
	// first operation.
	Initialize(ctx context.Context) error
	// Close releases the channel of the device.
	Close() error

	// Bit access

	// ReadHoldingCoils reads from 1 to 2000 contiguous coils in a remote
	// device and returns their states.
	ReadHoldingCoils(ctx context.Context, address, length uint16) (*ReadCoilsResult, error)
	// ReadInputCoils reads from 1 to 2000 contiguous discrete inputs in a
	// remote device and returns their states.
	ReadInputCoils(ctx context.Context, address, length uint16) (*ReadCoilsResult, error)
	// WriteHoldingCoil switches a single coil in a remote device ON or OFF.
	WriteHoldingCoil(ctx context.Context, address uint16, value bool) (*WriteCoilsResult, error)
	// WriteHoldingCoils forces each coil in a sequence of 1 to 1968 coils to
	// either ON or OFF in a remote device.
	WriteHoldingCoils(ctx context.Context, address uint16, values []bool) (*WriteCoilsResult, error)

	// 16-bit access

	// ReadHoldingRegisters reads from 1 to 125 contiguous holding registers
	// in a remote device and returns their values.
	ReadHoldingRegisters(ctx context.Context, address, length uint16) (*ReadRegistersResult, error)
	// ReadInputRegisters reads from 1 to 125 contiguous input registers in
	// a remote device and returns their values.
	ReadInputRegisters(ctx context.Context, address, length uint16) (*ReadRegistersResult, error)
	// WriteHoldingRegister writes a single holding register in a remote
	// device.
	WriteHoldingRegister(ctx context.Context, address uint16, value int16) (*WriteRegistersResult, error)
	// WriteHoldingRegisters writes a block of 1 to 123 contiguous registers
	// in a remote device.
	WriteHoldingRegisters(ctx context.Context, address uint16, values []int16) (*WriteRegistersResult, error)
}

// TransferStats counts what a single operation put on the wire, retries
// included.
type TransferStats struct {
	BytesSent       int
	PacketsSent     int
	BytesReceived   int
	PacketsReceived int
	Duration        time.Duration
}

// ReadCoilsResult is returned by coil and discrete input reads.
type ReadCoilsResult struct {
	TransferStats
	Values []bool
}

// ReadRegistersResult is returned by register reads.
type ReadRegistersResult struct {
	TransferStats
	Values []int16
}

// WriteCoilsResult is returned by coil writes.
type WriteCoilsResult struct {
	TransferStats
}

// WriteRegistersResult is returned by register writes.
type WriteRegistersResult struct {
	TransferStats
}

func statsOf(result *ProcessRequestResult) TransferStats {
	return TransferStats{
		BytesSent:       result.BytesSent,
		PacketsSent:     result.PacketsSent,
		BytesReceived:   result.BytesReceived,
		PacketsReceived: result.PacketsReceived,
		Duration:        result.Duration,
	}
}
