// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7

	// Unit id + CRC
	rtuFrameOverhead = 3
	rtuMinSize       = 4
	rtuMaxSize       = 256
)

// BuildDirectFrame wraps pdu in a Modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
//
// The transaction identifier is written in native byte order. Responses are
// compared the same way, so any peer that echoes the two bytes verbatim is
// served correctly.
func BuildDirectFrame(transactionID uint16, unitID byte, pdu []byte) []byte {
	adu := make([]byte, tcpHeaderSize+len(pdu))
	binary.NativeEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(UnitID) + PDU
	binary.BigEndian.PutUint16(adu[4:], uint16(1+len(pdu)))
	adu[6] = unitID
	copy(adu[tcpHeaderSize:], pdu)
	return adu
}

// BuildTunneledFrame encodes pdu in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func BuildTunneledFrame(unitID byte, pdu []byte) []byte {
	length := len(pdu) + rtuFrameOverhead
	adu := make([]byte, length)
	adu[0] = unitID
	copy(adu[1:], pdu)

	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := crc.value()

	adu[length-1] = byte(checksum >> 8)
	adu[length-2] = byte(checksum)
	return adu
}

// VerifyCRC checks the trailing checksum of an RTU frame.
func VerifyCRC(adu []byte) error {
	length := len(adu)
	if length < rtuMinSize {
		return fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
	}
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != crc.value() {
		return fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, crc.value())
	}
	return nil
}
