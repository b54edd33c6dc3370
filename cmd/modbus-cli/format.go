package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
)

// layout describes how a value is spread over consecutive registers.
type layout struct {
	order binary.ByteOrder
	// swap exchanges the two bytes of every register of a 32 bit value.
	swap bool
}

// newLayout picks the byte order from the endianness flag unless an order
// such as "CDAB" is forced.
func newLayout(bigEndian bool, forced string) (layout, error) {
	l := layout{order: binary.LittleEndian}
	if bigEndian {
		l.order = binary.BigEndian
	}
	switch fo := strings.ToUpper(forced); fo {
	case "":
	case "AB", "ABCD":
		l = layout{order: binary.BigEndian}
	case "BA", "DCBA":
		l = layout{order: binary.LittleEndian}
	case "BADC":
		l = layout{order: binary.BigEndian, swap: true}
	case "CDAB":
		l = layout{order: binary.LittleEndian, swap: true}
	default:
		return layout{}, fmt.Errorf("forced order %s not known", fo)
	}
	return l, nil
}

func (l layout) swapWords(b []byte) {
	if l.swap && len(b) == 4 {
		b[0], b[1], b[2], b[3] = b[1], b[0], b[3], b[2]
	}
}

// bytes returns the value bytes held by registers.
func (l layout) bytes(registers []int16) []byte {
	b := make([]byte, 2*len(registers))
	for i, v := range registers {
		binary.BigEndian.PutUint16(b[2*i:], uint16(v))
	}
	l.swapWords(b)
	return b
}

// registers packs value bytes into registers. b is modified.
func (l layout) registers(b []byte) []int16 {
	l.swapWords(b)
	registers := make([]int16, len(b)/2)
	for i := range registers {
		registers[i] = int16(binary.BigEndian.Uint16(b[2*i:]))
	}
	return registers
}

type valueType struct {
	size     int
	min, max float64
	put      func(o binary.ByteOrder, b []byte, v float64)
	format   func(o binary.ByteOrder, b []byte) string
}

func formatInt(v int64) string   { return strconv.FormatInt(v, 10) }
func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

var valueTypes = map[string]valueType{
	"int16": {
		size: 2, min: math.MinInt16, max: math.MaxInt16,
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint16(b, uint16(int16(v))) },
		format: func(o binary.ByteOrder, b []byte) string { return formatInt(int64(int16(o.Uint16(b)))) },
	},
	"uint16": {
		size: 2, min: 0, max: math.MaxUint16,
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint16(b, uint16(v)) },
		format: func(o binary.ByteOrder, b []byte) string { return formatUint(uint64(o.Uint16(b))) },
	},
	"int32": {
		size: 4, min: math.MinInt32, max: math.MaxInt32,
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint32(b, uint32(int32(v))) },
		format: func(o binary.ByteOrder, b []byte) string { return formatInt(int64(int32(o.Uint32(b)))) },
	},
	"uint32": {
		size: 4, min: 0, max: math.MaxUint32,
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint32(b, uint32(v)) },
		format: func(o binary.ByteOrder, b []byte) string { return formatUint(uint64(o.Uint32(b))) },
	},
	"int64": {
		size: 8, min: math.MinInt64, max: math.Nextafter(math.MaxInt64, 0),
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint64(b, uint64(int64(v))) },
		format: func(o binary.ByteOrder, b []byte) string { return formatInt(int64(o.Uint64(b))) },
	},
	"uint64": {
		size: 8, min: 0, max: math.Nextafter(math.MaxUint64, 0),
		put:    func(o binary.ByteOrder, b []byte, v float64) { o.PutUint64(b, uint64(v)) },
		format: func(o binary.ByteOrder, b []byte) string { return formatUint(o.Uint64(b)) },
	},
	"float32": {
		size: 4, min: -math.MaxFloat32, max: math.MaxFloat32,
		put: func(o binary.ByteOrder, b []byte, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) },
		format: func(o binary.ByteOrder, b []byte) string {
			return fmt.Sprintf("%f", math.Float32frombits(o.Uint32(b)))
		},
	},
	"float64": {
		size: 8, min: -math.MaxFloat64, max: math.MaxFloat64,
		put: func(o binary.ByteOrder, b []byte, v float64) { o.PutUint64(b, math.Float64bits(v)) },
		format: func(o binary.ByteOrder, b []byte) string {
			return fmt.Sprintf("%f", math.Float64frombits(o.Uint64(b)))
		},
	},
}

// encodeValue converts v to the registers of a write request.
func encodeValue(eType string, v float64, l layout) ([]int16, error) {
	t, ok := valueTypes[eType]
	if !ok {
		return nil, fmt.Errorf("unsupported datatype: %s", eType)
	}
	if math.IsNaN(v) || v < t.min || v > t.max {
		return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", v, eType)
	}
	b := make([]byte, t.size)
	t.put(l.order, b, v)
	return l.registers(b), nil
}

// formatValue decodes the leading registers as a value of type eType.
// "string" prints the raw bytes.
func formatValue(eType string, registers []int16, l layout) (string, error) {
	b := l.bytes(registers)
	if eType == "string" {
		return string(b), nil
	}
	t, ok := valueTypes[eType]
	if !ok {
		return "", fmt.Errorf("unsupported datatype: %s", eType)
	}
	if len(b) < t.size {
		return "", fmt.Errorf("%s needs %d registers, got %d", eType, t.size/2, len(registers))
	}
	return t.format(l.order, b[:t.size]), nil
}

func renderRaw(registers []int16, start int) string {
	var res strings.Builder
	for i, v := range registers {
		u := uint16(v)
		fmt.Fprintf(&res, "%d\t0x%04X\t%08b %08b\n", start+i, u, byte(u>>8), byte(u))
	}
	return res.String()
}

func renderCoils(coils []bool, start int) string {
	var res strings.Builder
	for i, on := range coils {
		state := "OFF"
		if on {
			state = "ON"
		}
		fmt.Fprintf(&res, "%d\t%s\n", start+i, state)
	}
	return res.String()
}

var orderNames = map[string]string{
	"AB":   "Big Endian",
	"BA":   "Little Endian",
	"ABCD": "Big Endian",
	"DCBA": "Little Endian",
	"BADC": "Mid-Big Endian",
	"CDAB": "Mid-Little Endian",
}

// renderAll prints one or two registers in every type and order that fits.
func renderAll(registers []int16) (string, error) {
	var types, orders []string
	switch len(registers) {
	case 1:
		types = []string{"int16", "uint16"}
		orders = []string{"AB", "BA"}
	case 2:
		types = []string{"int32", "uint32", "float32"}
		orders = []string{"ABCD", "DCBA", "BADC", "CDAB"}
	default:
		return "", fmt.Errorf("can't convert %d registers", len(registers))
	}

	buf := new(bytes.Buffer)
	w := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	for i, eType := range types {
		if i > 0 {
			fmt.Fprintln(w, "\t")
		}
		for _, order := range orders {
			l, err := newLayout(true, order)
			if err != nil {
				return "", err
			}
			s, err := formatValue(eType, registers, l)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(w, "%s\t%s (%s):\t%s\t\n", strings.ToUpper(eType), orderNames[order], order, s)
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
