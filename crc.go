// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"sync"
)

const crcPolynomial = 0xA001

var (
	crcTable     [256]uint16
	crcTableOnce sync.Once
)

func initCRCTable() {
	for i := range crcTable {
		value := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if value&1 != 0 {
				value = value>>1 ^ crcPolynomial
			} else {
				value >>= 1
			}
		}
		crcTable[i] = value
	}
}

// crc accumulates the Modbus RTU CRC-16.
type crc struct {
	sum uint16
}

func (crc *crc) reset() *crc {
	crcTableOnce.Do(initCRCTable)
	crc.sum = 0xFFFF
	return crc
}

func (crc *crc) pushBytes(bs []byte) *crc {
	for _, b := range bs {
		crc.sum = crc.sum>>8 ^ crcTable[byte(crc.sum)^b]
	}
	return crc
}

func (crc *crc) value() uint16 {
	return crc.sum
}

// CRC16 returns the Modbus RTU checksum of data.
func CRC16(data []byte) uint16 {
	var crc crc
	return crc.reset().pushBytes(data).value()
}
