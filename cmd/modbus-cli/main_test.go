package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"gopkg.in/yaml.v3"

	"github.com/grid-x/modbuslan"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"--register", "0"})
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:502", cfg.Address)
	assert.Equal(t, 1, cfg.UnitID)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.Retries)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, 3, cfg.Request.FnCode)
	assert.True(t, cfg.Request.ParseBigEndian)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.PrintConfig)
}

func TestLoadConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "modbus.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
address: sol://10.0.0.5:4001
unit_id: 12
timeout: 750ms
serial:
  parity: n
request:
  fn_code: 4
  register: 100
  quantity: 8
log:
  level: debug
`), 0o600))

	// Flags win over the file.
	cfg, err := LoadConfig([]string{"--config", file, "--quantity", "2", "--retries=3"})
	require.NoError(t, err)

	assert.Equal(t, "sol://10.0.0.5:4001", cfg.Address)
	assert.Equal(t, 12, cfg.UnitID)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, "N", cfg.Serial.Parity)
	assert.Equal(t, 4, cfg.Request.FnCode)
	assert.Equal(t, 100, cfg.Request.Register)
	assert.Equal(t, 2, cfg.Request.Quantity)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--register", "-1"},
		{"--register", "65536"},
		{"--register", "0", "--unit-id", "256"},
		{"--no-such-flag"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--register", "0"},
	} {
		_, err := LoadConfig(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestPrintConfig(t *testing.T) {
	cfg, err := LoadConfig([]string{"--register", "5", "--print-config", "--delay", "20ms"})
	require.NoError(t, err)
	assert.True(t, cfg.PrintConfig)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "delay: 20ms")
	assert.NotContains(t, string(out), "printconfig")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, 20*time.Millisecond, back.Delay)
	assert.Equal(t, 5, back.Request.Register)
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("10.0.0.1:1502", 502)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 1502, port)

	host, port, err = splitHostPort("plc", 502)
	require.NoError(t, err)
	assert.Equal(t, "plc", host)
	assert.Equal(t, 502, port)

	_, _, err = splitHostPort("plc:http", 502)
	assert.Error(t, err)
}

func TestNewDevice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tests := []struct {
		address string
		method  modbus.ConnectionMethod
		valid   bool
	}{
		{address: "tcp://10.0.0.1", method: modbus.TCP, valid: true},
		{address: "sol://10.0.0.1:4001", method: modbus.SerialOverLAN, valid: true},
		{address: "rtuovertcp://10.0.0.1", method: modbus.SerialOverLAN, valid: true},
		{address: "udp://10.0.0.1:4001", method: modbus.SerialOverLAN, valid: true},
		{address: "rtu:///dev/ttyUSB0", method: modbus.SerialOverLAN, valid: true},
		{address: "ascii:///dev/ttyUSB0"},
		{address: "tcp://10.0.0.1:0"},
	}
	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			cfg, err := LoadConfig([]string{"--register", "0", "--address", tc.address})
			require.NoError(t, err)

			device, err := newDevice(cfg, logger)
			if !tc.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.method, device.ConnectionMethod())
		})
	}
}

func TestExec(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := mbserver.NewServer()
	require.NoError(t, server.ListenTCP(address))
	defer server.Close()

	host, port, err := net.SplitHostPort(address)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	device, err := modbus.NewDevice(1, modbus.TCP, host, p)
	require.NoError(t, err)
	defer device.Close()
	ctx := context.Background()

	server.HoldingRegisters[10] = 0x4228
	req := RequestConfig{FnCode: 0x03, Register: 10, Quantity: 2, ParseType: "float32", ParseBigEndian: true}
	r, err := exec(ctx, device, req)
	require.NoError(t, err)
	assert.Equal(t, []int16{0x4228, 0}, r.registers)
	s, err := render(r, req)
	require.NoError(t, err)
	assert.Equal(t, "42.000000\n", s)

	_, err = exec(ctx, device, RequestConfig{FnCode: 0x10, Register: 20, ExecType: "int32", ExecBigEndian: true, WriteValue: -2})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xFFFF, 0xFFFE}, server.HoldingRegisters[20:22])

	_, err = exec(ctx, device, RequestConfig{FnCode: 0x10, Register: 24, ExecType: "uint32", WriteExecOrder: "CDAB", WriteValue: 42})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x002A, 0x0000}, server.HoldingRegisters[24:26])

	_, err = exec(ctx, device, RequestConfig{FnCode: 0x06, Register: 30, WriteValue: 65535})
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), server.HoldingRegisters[30])

	_, err = exec(ctx, device, RequestConfig{FnCode: 0x0F, Register: 40, Quantity: 3, WriteValue: 1})
	require.NoError(t, err)
	r, err = exec(ctx, device, RequestConfig{FnCode: 0x01, Register: 39, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true, true, false}, r.coils)
	s, err = render(r, RequestConfig{Register: 39})
	require.NoError(t, err)
	assert.Equal(t, "39\tOFF\n40\tON\n41\tON\n42\tON\n43\tOFF\n", s)

	_, err = exec(ctx, device, RequestConfig{FnCode: 0x06, Register: 0, WriteValue: 70000})
	assert.Error(t, err)
	_, err = exec(ctx, device, RequestConfig{FnCode: 0x2B})
	assert.Error(t, err)
}
