package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything a single invocation needs.
type Config struct {
	// Address is one of tcp://host:502, sol://host:4001, udp://host:4001
	// or rtu:///dev/ttyUSB0.
	Address   string        `mapstructure:"address" yaml:"address"`
	UnitID    int           `mapstructure:"unit_id" yaml:"unit_id"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries   int           `mapstructure:"retries" yaml:"retries"`
	// Delay is the pause between two messages on a shared line.
	Delay     time.Duration `mapstructure:"delay" yaml:"delay"`
	VerifyCRC bool          `mapstructure:"verify_crc" yaml:"verify_crc"`

	Serial  SerialConfig  `mapstructure:"serial" yaml:"serial"`
	Request RequestConfig `mapstructure:"request" yaml:"request"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// PrintConfig dumps the effective configuration instead of running.
	PrintConfig bool `mapstructure:"-" yaml:"-"`
}

// SerialConfig is used by rtu:// addresses only.
type SerialConfig struct {
	BaudRate int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" yaml:"data_bits"`
	Parity   string `mapstructure:"parity" yaml:"parity"`
	StopBits int    `mapstructure:"stop_bits" yaml:"stop_bits"`

	RS485              bool          `mapstructure:"rs485" yaml:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send" yaml:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send" yaml:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send" yaml:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send" yaml:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx" yaml:"rx_during_tx"`
}

// RequestConfig describes the operation to run and how to render it.
type RequestConfig struct {
	FnCode         int     `mapstructure:"fn_code" yaml:"fn_code"`
	Register       int     `mapstructure:"register" yaml:"register"`
	Quantity       int     `mapstructure:"quantity" yaml:"quantity"`
	WriteValue     float64 `mapstructure:"write_value" yaml:"write_value"`
	ExecType       string  `mapstructure:"type_exec" yaml:"type_exec"`
	ParseType      string  `mapstructure:"type_parse" yaml:"type_parse"`
	ReadParseOrder string  `mapstructure:"read_parse_order" yaml:"read_parse_order"`
	WriteExecOrder string  `mapstructure:"write_exec_order" yaml:"write_exec_order"`
	ParseBigEndian bool    `mapstructure:"order_parse_bigendian" yaml:"order_parse_bigendian"`
	ExecBigEndian  bool    `mapstructure:"order_exec_bigendian" yaml:"order_exec_bigendian"`
	Filename       string  `mapstructure:"filename" yaml:"filename"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file"`   // empty or "-" for stderr
	Frame bool   `mapstructure:"frame" yaml:"frame"` // log every transmission at debug level
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"address":                  "address",
	"unit-id":                  "unit_id",
	"timeout":                  "timeout",
	"retries":                  "retries",
	"delay":                    "delay",
	"verify-crc":               "verify_crc",
	"rtu-baudrate":             "serial.baud_rate",
	"rtu-databits":             "serial.data_bits",
	"rtu-parity":               "serial.parity",
	"rtu-stopbits":             "serial.stop_bits",
	"rs485-enable":             "serial.rs485",
	"rs485-delayRtsBeforeSend": "serial.delay_rts_before_send",
	"rs485-delayRtsAfterSend":  "serial.delay_rts_after_send",
	"rs485-rtsHighDuringSend":  "serial.rts_high_during_send",
	"rs485-rtsHighAfterSend":   "serial.rts_high_after_send",
	"rs485-rxDuringTx":         "serial.rx_during_tx",
	"fn-code":                  "request.fn_code",
	"register":                 "request.register",
	"quantity":                 "request.quantity",
	"write-value":              "request.write_value",
	"type-exec":                "request.type_exec",
	"type-parse":               "request.type_parse",
	"read-parse-order":         "request.read_parse_order",
	"write-exec-order":         "request.write_exec_order",
	"order-parse-bigendian":    "request.order_parse_bigendian",
	"order-exec-bigendian":     "request.order_exec_bigendian",
	"filename":                 "request.filename",
	"log-level":                "log.level",
	"log-file":                 "log.file",
	"log-frame":                "log.frame",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-cli", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.Bool("print-config", false, "Print the effective configuration as YAML and exit.")

	// general
	fs.StringP("address", "a", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, sol://10.0.0.5:4001, udp://10.0.0.5:4001, rtu:///dev/ttyUSB0")
	fs.IntP("unit-id", "u", 1, "Unit id of the device, 1-247 behind a serial line")
	fs.Duration("timeout", 2*time.Second, "Timeout of a single attempt")
	fs.Int("retries", 1, "Retries after a failed attempt")
	fs.Duration("delay", 0, "Minimum pause between two messages on a shared line, the frame delay of the baud rate for rtu:// when zero")
	fs.Bool("verify-crc", false, "Reject RTU answers with a bad checksum")
	// rtu
	fs.Int("rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	fs.Int("rtu-databits", 8, "5, 6, 7 or 8")
	fs.String("rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	fs.Int("rtu-stopbits", 1, "1 or 2")
	// rs485
	fs.Bool("rs485-enable", false, "enables rs485 cfg")
	fs.Duration("rs485-delayRtsBeforeSend", 0, "Delay rts before send")
	fs.Duration("rs485-delayRtsAfterSend", 0, "Delay rts after send")
	fs.Bool("rs485-rtsHighDuringSend", false, "Allow rts high during send")
	fs.Bool("rs485-rtsHighAfterSend", false, "Allow rts high after send")
	fs.Bool("rs485-rxDuringTx", false, "Allow bidirectional rx during tx")
	// request
	fs.Int("fn-code", 0x03, "Function code: 1, 2, 3, 4, 5, 6, 15 or 16")
	fs.Int("register", -1, "Start address")
	fs.Int("quantity", 2, "Number of coils or registers to read, coils to write for fn-code 15")
	fs.Float64("write-value", 0, "Value to write")
	fs.String("type-exec", "uint16", "Type of the value written by fn-code 16: int16, uint16, int32, uint32, float32, float64")
	fs.String("type-parse", "raw", "type to parse the register result. Use 'raw' if you want to see the raw bits and bytes. Use 'all' if you want to decode the result to different commonly used formats.")
	fs.String("read-parse-order", "", "order to parse the register that was read out. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. Can only be used for 16bit (1 register) and 32bit (2 registers). If used, it will overwrite the big-endian or little-endian parameter.")
	fs.String("write-exec-order", "", "order to execute the register(s) that should be written to. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. Can only be used for 16bit (1 register) and 32bit (2 registers). If used, it will overwrite the big-endian or little-endian parameter.")
	fs.Bool("order-parse-bigendian", true, "t: big, f: little")
	fs.Bool("order-exec-bigendian", true, "t: big, f: little")
	fs.String("filename", "", "Also write the result to this file")
	// log
	fs.String("log-level", "info", "Log verbosity level (debug, info, warn, error)")
	fs.String("log-file", "", "Log file name ('-' for logging to STDERR only)")
	fs.Bool("log-frame", false, "Log every transmission at debug level")
	return fs
}

// LoadConfig merges defaults, an optional configuration file and args, the
// latter taking precedence.
func LoadConfig(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	v.SetEnvPrefix("modbus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile, _ := fs.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.PrintConfig, _ = fs.GetBool("print-config")
	config.Serial.Parity = strings.ToUpper(config.Serial.Parity)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch {
	case c.UnitID < 0 || c.UnitID > 0xFF:
		return fmt.Errorf("invalid unit id: %d", c.UnitID)
	case c.Request.Register < 0 || c.Request.Register > 0xFFFF:
		return fmt.Errorf("invalid register value: %d", c.Request.Register)
	case c.Request.Quantity < 0 || c.Request.Quantity > 0xFFFF:
		return fmt.Errorf("invalid quantity: %d", c.Request.Quantity)
	}
	return nil
}
