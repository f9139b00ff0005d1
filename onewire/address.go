// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// An Address represents the unique 64-bit ROM ID of a 1-wire device.
//
// The family code occupies the least significant byte, the 48-bit serial
// number the middle six bytes and the CRC8 the most significant byte:
//
//	 MSB       LSB MSB                  LSB MSB               LSB
//	+-------------+------------------------+---------------------+
//	|  8-bit crc  |  48-bit serial number  |  8-bit family code  |
//	+-------------+------------------------+---------------------+
type Address uint64

// Family returns the device family code, which identifies the command set
// and memory map of the device.
func (a Address) Family() byte {
	return byte(a)
}

// Serial returns the 48-bit serial number portion of the address.
func (a Address) Serial() uint64 {
	return uint64(a) >> 8 & 0xffffffffffff
}

// Bytes returns the address in bus transmission order: family code first,
// CRC8 last.
func (a Address) Bytes() [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(a))
	return buf
}

// String returns the address as sixteen hex digits, most significant byte
// first, so the family code is printed last.
func (a Address) String() string {
	return fmt.Sprintf("%016X", uint64(a))
}

// IsValid reports whether the address has a non-zero family code and a
// correct CRC8.
//
// The DS28E04 (family 0x1c) has two pin-selectable ROM ID bits that are not
// covered by the CRC; the check assumes they read as 1.
func (a Address) IsValid() bool {
	buf := a.Bytes()
	if buf[0] == 0 {
		return false
	}
	if buf[0] == 0x1c {
		buf[1] |= 0x03
	}
	return CRC8(0, buf[:]...) == 0
}

// AddressFromBytes converts an 8-byte buffer in bus transmission order
// (family code first) into an Address. It is a pure conversion; use IsValid
// to check the result.
func AddressFromBytes(buf []byte) (Address, error) {
	if len(buf) != 8 {
		return 0, errors.New("onewire: address must be 8 bytes")
	}
	return Address(binary.LittleEndian.Uint64(buf)), nil
}

// ParseAddress converts the sixteen hex digit form produced by String back
// into an Address.
func ParseAddress(s string) (Address, error) {
	if len(s) != 16 {
		return 0, errors.New("onewire: address must be 16 hex digits")
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%16x", &v); err != nil {
		return 0, fmt.Errorf("onewire: invalid address %q: %w", s, err)
	}
	return Address(v), nil
}
