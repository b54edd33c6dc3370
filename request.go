// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Request is an immutable Modbus request addressed to one unit.
// Use the New*Request constructors to build one.
type Request struct {
	unitID       byte
	functionCode byte
	address      uint16
	length       uint16
	coils        []bool
	registers    []int16
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
func NewReadCoilsRequest(unitID byte, address, length uint16) Request {
	return Request{unitID: unitID, functionCode: FuncCodeReadCoils, address: address, length: length}
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
func NewReadDiscreteInputsRequest(unitID byte, address, length uint16) Request {
	return Request{unitID: unitID, functionCode: FuncCodeReadDiscreteInputs, address: address, length: length}
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func NewReadHoldingRegistersRequest(unitID byte, address, length uint16) Request {
	return Request{unitID: unitID, functionCode: FuncCodeReadHoldingRegisters, address: address, length: length}
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func NewReadInputRegistersRequest(unitID byte, address, length uint16) Request {
	return Request{unitID: unitID, functionCode: FuncCodeReadInputRegisters, address: address, length: length}
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes (0xFF00 or 0x0000)
func NewWriteSingleCoilRequest(unitID byte, address uint16, value bool) Request {
	return Request{unitID: unitID, functionCode: FuncCodeWriteSingleCoil, address: address, length: 1, coils: []bool{value}}
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func NewWriteSingleRegisterRequest(unitID byte, address uint16, value int16) Request {
	return Request{unitID: unitID, functionCode: FuncCodeWriteSingleRegister, address: address, length: 1, registers: []int16{value}}
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
func NewWriteMultipleCoilsRequest(unitID byte, address uint16, values []bool) Request {
	coils := make([]bool, len(values))
	copy(coils, values)
	return Request{unitID: unitID, functionCode: FuncCodeWriteMultipleCoils, address: address, length: uint16(len(values)), coils: coils}
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
func NewWriteMultipleRegistersRequest(unitID byte, address uint16, values []int16) Request {
	registers := make([]int16, len(values))
	copy(registers, values)
	return Request{unitID: unitID, functionCode: FuncCodeWriteMultipleRegisters, address: address, length: uint16(len(values)), registers: registers}
}

// UnitID returns the addressed unit.
func (r Request) UnitID() byte { return r.unitID }

// FunctionCode returns the function code of the request.
func (r Request) FunctionCode() byte { return r.functionCode }

// Address returns the start address.
func (r Request) Address() uint16 { return r.address }

// Length returns the number of coils or registers addressed.
func (r Request) Length() uint16 { return r.length }

// Coils returns a copy of the coil values written by the request.
func (r Request) Coils() []bool {
	values := make([]bool, len(r.coils))
	copy(values, r.coils)
	return values
}

// Registers returns a copy of the register values written by the request.
func (r Request) Registers() []int16 {
	values := make([]int16, len(r.registers))
	copy(values, r.registers)
	return values
}

// ProtocolDataUnit builds the transport independent part of the request.
func (r Request) ProtocolDataUnit() ProtocolDataUnit {
	pdu := ProtocolDataUnit{FunctionCode: r.functionCode}
	switch r.functionCode {
	case FuncCodeWriteSingleCoil:
		value := coilOff
		if len(r.coils) > 0 && r.coils[0] {
			value = coilOn
		}
		pdu.Data = dataBlock(r.address, value)
	case FuncCodeWriteSingleRegister:
		var value uint16
		if len(r.registers) > 0 {
			value = uint16(r.registers[0])
		}
		pdu.Data = dataBlock(r.address, value)
	case FuncCodeWriteMultipleCoils:
		pdu.Data = dataBlockSuffix(packBits(r.coils), r.address, r.length)
	case FuncCodeWriteMultipleRegisters:
		values := make([]byte, 2*len(r.registers))
		for i, v := range r.registers {
			binary.BigEndian.PutUint16(values[i*2:], uint16(v))
		}
		pdu.Data = dataBlockSuffix(values, r.address, r.length)
	default:
		pdu.Data = dataBlock(r.address, r.length)
	}
	return pdu
}

// PDU returns the encoded protocol data unit: function code and payload.
func (r Request) PDU() []byte {
	return r.ProtocolDataUnit().Bytes()
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

// packBits packs values least significant bit first, eight per byte.
func packBits(values []bool) []byte {
	data := make([]byte, bitsByteCount(len(values)))
	for i, v := range values {
		if v {
			data[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return data
}

func bitsByteCount(n int) int {
	return (n + 7) / 8
}
