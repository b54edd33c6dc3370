// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
)

const (
	// Function code + exception code
	exceptionResponseLength = 2
	minResponseLength       = 2
)

// Response is a parsed reply PDU. It is only produced by ParseResponse.
type Response struct {
	functionCode byte
	data         []byte
}

// FunctionCode returns the function code of the response.
func (r Response) FunctionCode() byte { return r.functionCode }

// Data returns a copy of the payload following the function code.
func (r Response) Data() []byte {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return data
}

// ParseResponse validates the reply PDU of request. Exception replies and
// replies to another function are reported as *ProtocolError.
func ParseResponse(pdu []byte, request Request) (Response, error) {
	if len(pdu) < minResponseLength {
		return Response{}, protocolErrorf("response length '%v' is too short", len(pdu))
	}
	functionCode := pdu[0]
	if !isRecognizedFunctionCode(functionCode) && !isExceptionFunctionCode(functionCode) {
		return Response{}, protocolErrorf("invalid function code '%v'", functionCode)
	}
	if isExceptionFunctionCode(functionCode) && pdu[1] != 0 {
		return Response{}, &ProtocolError{
			Msg: "exception response",
			Err: &Error{FunctionCode: functionCode, ExceptionCode: pdu[1]},
		}
	}
	if functionCode != request.FunctionCode() {
		return Response{}, protocolErrorf("unexpected function code '%v', expecting '%v'", functionCode, request.FunctionCode())
	}
	data := make([]byte, len(pdu)-1)
	copy(data, pdu[1:])
	return Response{functionCode: functionCode, data: data}, nil
}

// PredictResponseLength returns the PDU length needed before the reply to
// request can be considered complete, given the bytes of the PDU received so
// far. The result is never below 2.
func PredictResponseLength(request Request, received []byte) int {
	if len(received) > 0 && isExceptionFunctionCode(received[0]) {
		return exceptionResponseLength
	}
	length := 1 // Function code
	switch request.FunctionCode() {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs:
		length += 1 + bitsByteCount(int(request.Length()))
	case FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters:
		length += 1 + 2*int(request.Length())
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		// Address + value or quantity
		length += 4
	}
	if length < minResponseLength {
		length = minResponseLength
	}
	return length
}

// Response:
//
//	Function code         : 1 byte (0x01 or 0x02)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
//
// ExtractCoils unpacks the coil or discrete input states of a read reply.
func ExtractCoils(request Request, response Response) ([]bool, error) {
	data := response.data
	if len(data) < 1 {
		return nil, protocolErrorf("response data is too short to hold a byte count")
	}
	expected := bitsByteCount(int(request.Length()))
	if int(data[0]) != expected {
		return nil, protocolErrorf("response byte count '%v' does not match expected '%v'", data[0], expected)
	}
	if len(data) < expected+1 {
		return nil, protocolErrorf("response data size '%v' is less than expected '%v'", len(data), expected+1)
	}
	return unpackBits(data[1:1+expected], int(request.Length())), nil
}

// Response:
//
//	Function code         : 1 byte (0x03 or 0x04)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
//
// ExtractRegisters decodes the big-endian signed register values of a read
// reply.
func ExtractRegisters(request Request, response Response) ([]int16, error) {
	data := response.data
	if len(data) < 1 {
		return nil, protocolErrorf("response data is too short to hold a byte count")
	}
	expected := 2 * int(request.Length())
	if int(data[0]) != expected {
		return nil, protocolErrorf("response byte count '%v' does not match expected '%v'", data[0], expected)
	}
	if len(data) < expected+1 {
		return nil, protocolErrorf("response data size '%v' is less than expected '%v'", len(data), expected+1)
	}
	values := make([]int16, request.Length())
	for i := range values {
		values[i] = int16(binary.BigEndian.Uint16(data[1+2*i:]))
	}
	return values, nil
}

// Response:
//
//	Function code         : 1 byte (0x05, 0x06, 0x0F or 0x10)
//	Output address        : 2 bytes
//	Output value/quantity : 2 bytes
//
// ValidateWriteResponse checks the echo of a write request.
func ValidateWriteResponse(request Request, response Response) error {
	data := response.data
	if len(data) < 4 {
		return protocolErrorf("response data size '%v' is less than expected '%v'", len(data), 4)
	}
	address := binary.BigEndian.Uint16(data)
	if address != request.Address() {
		return protocolErrorf("response address '%v' does not match request '%v'", address, request.Address())
	}
	echoed := binary.BigEndian.Uint16(data[2:])
	switch request.FunctionCode() {
	case FuncCodeWriteSingleCoil:
		expected := coilOff
		if len(request.coils) > 0 && request.coils[0] {
			expected = coilOn
		}
		if echoed != expected {
			return protocolErrorf("response coil value '%v' does not match request '%v'", echoed, expected)
		}
	case FuncCodeWriteSingleRegister:
		var expected uint16
		if len(request.registers) > 0 {
			expected = uint16(request.registers[0])
		}
		if echoed != expected {
			return protocolErrorf("response value '%v' does not match request '%v'", echoed, expected)
		}
	case FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		if echoed != request.Length() {
			return protocolErrorf("response quantity '%v' does not match request '%v'", echoed, request.Length())
		}
	default:
		return protocolErrorf("function code '%v' is not a write", request.FunctionCode())
	}
	return nil
}

// unpackBits is the inverse of packBits.
func unpackBits(data []byte, count int) []bool {
	values := make([]bool, count)
	for i := range values {
		values[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return values
}
