// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/grid-x/modbuslan"
)

// startServer runs an in-memory Modbus/TCP slave on a free loopback port.
func startServer(t *testing.T) (*mbserver.Server, string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := mbserver.NewServer()
	require.NoError(t, server.ListenTCP(address))
	t.Cleanup(server.Close)

	host, port, err := net.SplitHostPort(address)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return server, host, p
}

// ClientTestAll runs every operation of client against server.
func ClientTestAll(t *testing.T, client modbus.Client, server *mbserver.Server) {
	ctx := context.Background()

	server.Coils[10] = 1
	server.Coils[12] = 1
	coils, err := client.ReadHoldingCoils(ctx, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false}, coils.Values)

	server.DiscreteInputs[3] = 1
	inputs, err := client.ReadInputCoils(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, inputs.Values)

	_, err = client.WriteHoldingCoil(ctx, 20, true)
	require.NoError(t, err)
	assert.Equal(t, byte(1), server.Coils[20])

	_, err = client.WriteHoldingCoils(ctx, 30, []bool{true, true, false, true, false, false, false, false, true})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1, 0, 1, 0, 0, 0, 0, 1}, server.Coils[30:39])

	server.HoldingRegisters[0] = 12345
	server.HoldingRegisters[1] = 0xFFFF
	registers, err := client.ReadHoldingRegisters(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int16{12345, -1}, registers.Values)
	assert.Equal(t, 1, registers.PacketsSent)
	assert.Equal(t, 1, registers.PacketsReceived)

	server.InputRegisters[7] = 0x8000
	input, err := client.ReadInputRegisters(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, []int16{-32768}, input.Values)

	_, err = client.WriteHoldingRegister(ctx, 40, -2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFE), server.HoldingRegisters[40])

	_, err = client.WriteHoldingRegisters(ctx, 50, []int16{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, server.HoldingRegisters[50:53])
}
