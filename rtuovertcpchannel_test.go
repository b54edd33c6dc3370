// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rtuHandler answers one request frame. A nil reply sends nothing.
type rtuHandler func(request []byte) []byte

// serveRTU accepts connections on ln and answers every frame with h. Each
// read is taken as one complete frame.
func serveRTU(t *testing.T, ln net.Listener, h rtuHandler) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, rtuMaxSize)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					reply := h(append([]byte(nil), buf[:n]...))
					if reply == nil {
						continue
					}
					if _, err := conn.Write(reply); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

func TestRTUOverTCPChannelProcessRequest(t *testing.T) {
	ln, host, port := listen(t)
	serveRTU(t, ln, func(request []byte) []byte {
		return BuildTunneledFrame(request[0], []byte{FuncCodeReadHoldingRegisters, 0x04, 0x00, 0x2A, 0x80, 0x00})
	})

	channel := NewRTUOverTCPChannel(host, port, nil)
	defer channel.Close()
	channel.RegisterDevice("17")
	require.NoError(t, channel.Initialize(context.Background(), time.Second))
	require.True(t, channel.IsInitialized())

	request := NewReadHoldingRegistersRequest(17, 0, 2)
	result, err := channel.ProcessRequest(context.Background(), request, RequestOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 8, result.BytesSent)
	assert.Equal(t, 1, result.PacketsSent)
	assert.Equal(t, 9, result.BytesReceived)

	values, err := ExtractRegisters(request, result.Response)
	require.NoError(t, err)
	assert.Equal(t, []int16{42, -32768}, values)
}

func TestRTUOverTCPChannelUnitIDMismatch(t *testing.T) {
	ln, host, port := listen(t)
	serveRTU(t, ln, func(request []byte) []byte {
		return BuildTunneledFrame(request[0]+1, []byte{FuncCodeWriteSingleRegister, 0x00, 0x00, 0xFF, 0xFF})
	})

	channel := NewRTUOverTCPChannel(host, port, nil)
	defer channel.Close()

	_, err := channel.ProcessRequest(context.Background(), NewWriteSingleRegisterRequest(3, 0, -1), RequestOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, IsCommunicationError(err), "expected communication error, got %v", err)
	assert.Contains(t, err.Error(), "unit id")
	assert.Contains(t, err.Error(), "device id '3'")
}

func TestRTUOverTCPChannelException(t *testing.T) {
	ln, host, port := listen(t)
	serveRTU(t, ln, func(request []byte) []byte {
		return BuildTunneledFrame(request[0], []byte{request[1] | 0x80, ExceptionCodeServerDeviceBusy})
	})

	channel := NewRTUOverTCPChannel(host, port, nil)
	defer channel.Close()

	start := time.Now()
	_, err := channel.ProcessRequest(context.Background(), NewReadInputRegistersRequest(1, 0, 100), RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	// The short exception frame completes the response without waiting
	// for the full register payload.
	assert.Less(t, time.Since(start), time.Second)

	var mbErr *Error
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(ExceptionCodeServerDeviceBusy), mbErr.ExceptionCode)
	assert.True(t, IsCommunicationError(err))
}

func TestRTUOverTCPChannelCRC(t *testing.T) {
	ln, host, port := listen(t)
	serveRTU(t, ln, func(request []byte) []byte {
		reply := BuildTunneledFrame(request[0], []byte{FuncCodeWriteSingleCoil, 0x00, 0x01, 0xFF, 0x00})
		reply[len(reply)-1] ^= 0xFF
		return reply
	})
	request := NewWriteSingleCoilRequest(1, 1, true)

	t.Run("unchecked", func(t *testing.T) {
		channel := NewRTUOverTCPChannel(host, port, nil)
		defer channel.Close()

		result, err := channel.ProcessRequest(context.Background(), request, RequestOptions{Timeout: time.Second})
		require.NoError(t, err)
		assert.NoError(t, ValidateWriteResponse(request, result.Response))
	})

	t.Run("verified", func(t *testing.T) {
		channel := NewRTUOverTCPChannel(host, port, nil)
		channel.VerifyCRC = true
		defer channel.Close()

		_, err := channel.ProcessRequest(context.Background(), request, RequestOptions{Timeout: time.Second})
		require.Error(t, err)
		assert.True(t, IsCommunicationError(err))
		assert.Contains(t, err.Error(), "crc")
	})
}

func TestRTUOverTCPChannelInterMessageDelay(t *testing.T) {
	ln, host, port := listen(t)
	var mu sync.Mutex
	var received []time.Time
	serveRTU(t, ln, func(request []byte) []byte {
		mu.Lock()
		received = append(received, time.Now())
		mu.Unlock()
		return BuildTunneledFrame(request[0], []byte{FuncCodeReadCoils, 0x01, 0x01})
	})

	channel := NewRTUOverTCPChannel(host, port, nil)
	defer channel.Close()

	options := RequestOptions{Timeout: time.Second, InterMessageDelay: 200 * time.Millisecond}
	for i := 0; i < 2; i++ {
		_, err := channel.ProcessRequest(context.Background(), NewReadCoilsRequest(byte(i+1), 0, 1), options)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.GreaterOrEqual(t, received[1].Sub(received[0]), 180*time.Millisecond)
}

func TestRTUOverTCPChannelRegisterDevice(t *testing.T) {
	channel := NewRTUOverTCPChannel("127.0.0.1", 1, nil)
	channel.RegisterDevice("b")
	channel.RegisterDevice("a")
	channel.RegisterDevice("b")
	assert.Equal(t, []string{"a", "b"}, channel.RegisteredDevices())

	channel.UnregisterDevice("b")
	channel.UnregisterDevice("c")
	assert.Equal(t, []string{"a"}, channel.RegisteredDevices())
	assert.False(t, channel.IsInitialized())
}

func TestRTUOverTCPChannelInitializeBackoff(t *testing.T) {
	newChannel := func(devices int) (*RTUOverTCPChannel, *fakeDialer, *time.Time) {
		dialer := &fakeDialer{}
		channel := NewRTUOverTCPChannel("127.0.0.1", 1, dialer)
		now := time.Unix(1000, 0)
		channel.now = func() time.Time { return now }
		for i := 0; i < devices; i++ {
			channel.RegisterDevice(string(rune('a' + i)))
		}
		return channel, dialer, &now
	}
	drop := func(channel *RTUOverTCPChannel) {
		channel.mu.Lock()
		defer channel.mu.Unlock()
		channel.close()
	}

	t.Run("three devices", func(t *testing.T) {
		channel, dialer, now := newChannel(3)
		require.NoError(t, channel.Initialize(context.Background(), time.Second))
		assert.Equal(t, int32(1), dialer.dials.Load())

		// Already initialized.
		require.NoError(t, channel.Initialize(context.Background(), time.Second))
		assert.Equal(t, int32(1), dialer.dials.Load())

		drop(channel)
		*now = now.Add(2 * time.Second)
		err := channel.Initialize(context.Background(), time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInitializeRateLimited)
		assert.True(t, IsCommunicationError(err))
		assert.Contains(t, err.Error(), "'3' seconds")
		assert.Equal(t, int32(1), dialer.dials.Load())

		*now = now.Add(time.Second)
		require.NoError(t, channel.Initialize(context.Background(), time.Second))
		assert.Equal(t, int32(2), dialer.dials.Load())
	})

	t.Run("single device", func(t *testing.T) {
		channel, dialer, _ := newChannel(1)
		for i := 1; i <= 3; i++ {
			require.NoError(t, channel.Initialize(context.Background(), time.Second))
			assert.Equal(t, int32(i), dialer.dials.Load())
			drop(channel)
		}
	})

	t.Run("wait is capped", func(t *testing.T) {
		channel, _, now := newChannel(25)
		require.NoError(t, channel.Initialize(context.Background(), time.Second))
		drop(channel)

		*now = now.Add(9 * time.Second)
		assert.ErrorIs(t, channel.Initialize(context.Background(), time.Second), ErrInitializeRateLimited)
		*now = now.Add(time.Second)
		assert.NoError(t, channel.Initialize(context.Background(), time.Second))
	})
}

func TestRTUOverTCPChannelRetryReinitializes(t *testing.T) {
	reply := BuildTunneledFrame(1, []byte{FuncCodeReadCoils, 0x01, 0x01})
	var conns []*scriptedConn
	dialer := &fakeDialer{conn: func() *scriptedConn {
		conn := &scriptedConn{}
		// The first connection stays silent, the second one answers.
		if len(conns) > 0 {
			conn.chunks = [][]byte{reply}
		}
		conns = append(conns, conn)
		return conn
	}}
	channel := NewRTUOverTCPChannel("127.0.0.1", 1, dialer)
	channel.RegisterDevice("1")

	result, err := channel.ProcessRequest(context.Background(), NewReadCoilsRequest(1, 0, 1), RequestOptions{Timeout: 100 * time.Millisecond, Retries: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.PacketsSent)
	assert.Equal(t, int32(2), dialer.dials.Load())
	require.Len(t, conns, 2)
	assert.True(t, conns[0].closed)
	assert.False(t, conns[1].closed)
}

func TestRTUOverTCPChannelClosed(t *testing.T) {
	channel := NewRTUOverTCPChannel("127.0.0.1", 1, &fakeDialer{})
	require.NoError(t, channel.Close())
	err := channel.Initialize(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, IsCommunicationError(err))
	assert.Contains(t, err.Error(), "127.0.0.1:1")

	_, err = channel.ProcessRequest(context.Background(), NewReadCoilsRequest(5, 0, 1), RequestOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, IsCommunicationError(err))
	assert.Contains(t, err.Error(), "device id '5'")
}

func TestRTUOverTCPChannelCanceledWhileWaiting(t *testing.T) {
	channel := NewRTUOverTCPChannel("127.0.0.1", 1, &fakeDialer{})
	// Another request holds the line.
	require.NoError(t, channel.requestGate.acquire(context.Background()))
	defer channel.requestGate.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := channel.ProcessRequest(ctx, NewReadCoilsRequest(1, 0, 1), RequestOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsCommunicationError(err))
}

func TestRTUOverTCPChannelTimeoutDropsConnection(t *testing.T) {
	reply := BuildTunneledFrame(1, []byte{FuncCodeReadCoils, 0x01, 0x01})
	var conns []*scriptedConn
	dialer := &fakeDialer{conn: func() *scriptedConn {
		conn := &scriptedConn{}
		if len(conns) > 0 {
			conn.chunks = [][]byte{reply}
		}
		conns = append(conns, conn)
		return conn
	}}
	channel := NewRTUOverTCPChannel("127.0.0.1", 1, dialer)
	channel.RegisterDevice("1")
	options := RequestOptions{Timeout: 100 * time.Millisecond}

	_, err := channel.ProcessRequest(context.Background(), NewReadCoilsRequest(1, 0, 1), options)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
	require.Len(t, conns, 1)
	assert.True(t, conns[0].closed)
	assert.False(t, channel.IsInitialized())

	// The next request does not share the line with an overdue reply.
	result, err := channel.ProcessRequest(context.Background(), NewReadCoilsRequest(1, 0, 1), options)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PacketsSent)
	assert.Equal(t, int32(2), dialer.dials.Load())
}
