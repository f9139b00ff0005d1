// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

// CRC16GoodRemainder is the running CRC16 value obtained after feeding a byte
// stream followed by its own inverted CRC16 (low byte first) through CRC16.
// Receivers verify framed data by checking for this constant.
const CRC16GoodRemainder uint16 = 0xb001

// CRC8 calculates the Dallas/Maxim 8-bit CRC (polynomial X^8+X^5+X^4+1,
// reflected form 0x8c) of the byte slice parameter, starting from seed.
// Passing the previous return value as the seed chains the computation
// across multiple slices.
//
// Every valid 1-wire ROM ID has the property that the CRC8 over all eight of
// its bytes is zero.
func CRC8(seed byte, bytes ...byte) byte {
	crc := seed
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if crc&1 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}

// CRC16 calculates the Dallas/Maxim 16-bit CRC (polynomial
// X^16+X^15+X^2+1, reflected form 0xa001) of the byte slice parameter,
// starting from seed. Passing the previous return value as the seed chains
// the computation across multiple slices.
//
// Devices transmit the bit inverse of the computed CRC16, low byte first.
// Feeding the data followed by the two transmitted CRC bytes through CRC16
// yields CRC16GoodRemainder when the stream arrived intact.
func CRC16(seed uint16, bytes ...byte) uint16 {
	crc := seed
	for _, val := range bytes {
		crc ^= uint16(val)
		for i := 0; i < 8; i++ {
			if crc&1 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0xa001
			}
		}
	}
	return crc
}

// CheckCRC16 verifies a data stream whose final two bytes carry the inverted
// CRC16 (low byte first) of everything before them, computed from seed.
func CheckCRC16(seed uint16, stream []byte) bool {
	if len(stream) < 2 {
		return false
	}
	return CRC16(seed, stream...) == CRC16GoodRemainder
}
