package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/grid-x/serial"
	"gopkg.in/yaml.v3"

	"github.com/grid-x/modbuslan"
)

func main() {
	if len(os.Args) == 1 {
		newFlagSet().PrintDefaults()
		return
	}

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}
	if cfg.PrintConfig {
		if err := yaml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, closer, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(err.Error())
		cancel()
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	device, err := newDevice(cfg, logger)
	if err != nil {
		return err
	}
	defer device.Close()

	r, err := exec(ctx, device, cfg.Request)
	if err != nil {
		return err
	}
	logger.Debug("request done",
		"bytes_sent", r.stats.BytesSent,
		"bytes_received", r.stats.BytesReceived,
		"packets_sent", r.stats.PacketsSent,
		"duration", r.stats.Duration,
	)

	res, err := render(r, cfg.Request)
	if err != nil {
		return err
	}

	fmt.Print(res)

	if cfg.Request.Filename != "" {
		if err := os.WriteFile(cfg.Request.Filename, []byte(res), 0o644); err != nil {
			return err
		}
		logger.Info("result written", "filename", cfg.Request.Filename)
	}
	return nil
}

// newDevice maps the address scheme to a connection method. udp:// and
// rtu:// reuse the Serial-over-LAN framing with a different dialer.
func newDevice(cfg *Config, logger *slog.Logger) (*modbus.Device, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, err
	}

	opts := []modbus.DeviceOption{
		modbus.WithTimeout(cfg.Timeout),
		modbus.WithRetries(cfg.Retries),
		modbus.WithInterMessageDelay(cfg.Delay),
	}
	if cfg.Log.Frame {
		opts = append(opts, modbus.WithLogger(&debugAdapter{logger}))
	}

	pool := modbus.NewPool()
	pool.VerifyCRC = cfg.VerifyCRC
	if cfg.Log.Frame {
		pool.Logger = &debugAdapter{logger}
	}

	unitID := byte(cfg.UnitID)
	switch u.Scheme {
	case "tcp":
		host, port, err := splitHostPort(u.Host, 502)
		if err != nil {
			return nil, err
		}
		return modbus.NewDevice(unitID, modbus.TCP, host, port, opts...)
	case "sol", "rtuovertcp":
		host, port, err := splitHostPort(u.Host, 4001)
		if err != nil {
			return nil, err
		}
		return modbus.NewDevice(unitID, modbus.SerialOverLAN, host, port, append(opts, modbus.WithPool(pool))...)
	case "udp":
		host, port, err := splitHostPort(u.Host, 4001)
		if err != nil {
			return nil, err
		}
		pool.Dialer = modbus.UDPDialer{}
		return modbus.NewDevice(unitID, modbus.SerialOverLAN, host, port, append(opts, modbus.WithPool(pool))...)
	case "rtu":
		dialer := newSerialDialer(u.Path, cfg.Serial)
		pool.Dialer = dialer
		if cfg.Delay == 0 {
			opts = append(opts, modbus.WithInterMessageDelay(dialer.FrameDelay()))
		}
		// The port number only keys the pool.
		return modbus.NewDevice(unitID, modbus.SerialOverLAN, u.Path, 1, append(opts, modbus.WithPool(pool))...)
	}
	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

func newSerialDialer(device string, cfg SerialConfig) *modbus.SerialDialer {
	dialer := modbus.NewSerialDialer(device)
	dialer.BaudRate = cfg.BaudRate
	dialer.DataBits = cfg.DataBits
	dialer.Parity = cfg.Parity
	dialer.StopBits = cfg.StopBits
	dialer.RS485 = serial.RS485Config{
		Enabled:            cfg.RS485,
		DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
		DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
		RtsHighDuringSend:  cfg.RtsHighDuringSend,
		RtsHighAfterSend:   cfg.RtsHighAfterSend,
		RxDuringTx:         cfg.RxDuringTx,
	}
	return dialer
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return hostport, defaultPort, nil
		}
		return "", 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return host, p, nil
}

type result struct {
	stats     modbus.TransferStats
	coils     []bool
	registers []int16
}

func render(r *result, req RequestConfig) (string, error) {
	switch {
	case r.coils != nil:
		return renderCoils(r.coils, req.Register), nil
	case r.registers == nil:
		return "ok\n", nil
	case req.ParseType == "raw":
		return renderRaw(r.registers, req.Register), nil
	case req.ParseType == "all":
		return renderAll(r.registers)
	}
	l, err := newLayout(req.ParseBigEndian, req.ReadParseOrder)
	if err != nil {
		return "", err
	}
	s, err := formatValue(req.ParseType, r.registers, l)
	if err != nil {
		return "", err
	}
	return s + "\n", nil
}

func exec(ctx context.Context, client modbus.Client, req RequestConfig) (*result, error) {
	address := uint16(req.Register)
	quantity := uint16(req.Quantity)
	wval := req.WriteValue

	switch req.FnCode {
	case 0x01:
		r, err := client.ReadHoldingCoils(ctx, address, quantity)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats, coils: r.Values}, nil
	case 0x02:
		r, err := client.ReadInputCoils(ctx, address, quantity)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats, coils: r.Values}, nil
	case 0x03:
		r, err := client.ReadHoldingRegisters(ctx, address, quantity)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats, registers: r.Values}, nil
	case 0x04:
		r, err := client.ReadInputRegisters(ctx, address, quantity)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats, registers: r.Values}, nil
	case 0x05:
		r, err := client.WriteHoldingCoil(ctx, address, wval > 0)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats}, nil
	case 0x06:
		if wval > math.MaxUint16 || wval < math.MinInt16 {
			return nil, fmt.Errorf("overflow: %f does not fit into a register", wval)
		}
		// Values above MaxInt16 are taken as unsigned.
		r, err := client.WriteHoldingRegister(ctx, address, int16(int64(wval)))
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats}, nil
	case 0x0F:
		values := make([]bool, quantity)
		for i := range values {
			values[i] = wval > 0
		}
		r, err := client.WriteHoldingCoils(ctx, address, values)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats}, nil
	case 0x10:
		l, err := newLayout(req.ExecBigEndian, req.WriteExecOrder)
		if err != nil {
			return nil, err
		}
		registers, err := encodeValue(req.ExecType, wval, l)
		if err != nil {
			return nil, err
		}
		r, err := client.WriteHoldingRegisters(ctx, address, registers)
		if err != nil {
			return nil, err
		}
		return &result{stats: r.TransferStats}, nil
	}
	return nil, fmt.Errorf("function code %d is unsupported", req.FnCode)
}
