// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "testing"

func TestCRC8(t *testing.T) {
	var tests = []struct {
		bytes  []byte
		result byte
	}{
		// ROM of the ds18b20 used in the recorded transactions.
		{bytes: []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}, result: 0x74},
		{bytes: []byte{0xbe, 0xef}, result: 0x76},
		{bytes: []byte{0x01, 0xa4}, result: 0x0a},
		{bytes: []byte{}, result: 0x00},
	}
	for _, test := range tests {
		if res := CRC8(0, test.bytes...); res != test.result {
			t.Errorf("CRC8(%#v)!=%#x received %#x", test.bytes, test.result, res)
		}
	}
}

// TestCRC8SelfCheck verifies that appending the CRC8 of a stream to the
// stream drives the running CRC to zero.
func TestCRC8SelfCheck(t *testing.T) {
	streams := [][]byte{
		{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00},
		{0x00},
		{0x10, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		{0xff, 0xff, 0xff, 0xff},
	}
	for _, b := range streams {
		crc := CRC8(0, b...)
		if res := CRC8(crc, crc); res != 0 {
			t.Errorf("CRC8(%#v ++ [%#x]) = %#x, want 0", b, crc, res)
		}
	}
}

// TestCRC8BitFlip verifies that flipping any single bit of a stream changes
// the computed CRC.
func TestCRC8BitFlip(t *testing.T) {
	base := []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}
	want := CRC8(0, base...)
	for i := range base {
		for bit := uint(0); bit < 8; bit++ {
			mod := make([]byte, len(base))
			copy(mod, base)
			mod[i] ^= 1 << bit
			if got := CRC8(0, mod...); got == want {
				t.Errorf("flipping byte %d bit %d did not change the CRC8", i, bit)
			}
		}
	}
}

func TestCRC8Chaining(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	whole := CRC8(0, data...)
	split := CRC8(CRC8(0, data[:2]...), data[2:]...)
	if whole != split {
		t.Errorf("chained CRC8 %#x != one-shot %#x", split, whole)
	}
}

func TestCRC16(t *testing.T) {
	var tests = []struct {
		seed   uint16
		bytes  []byte
		result uint16
	}{
		{seed: 0, bytes: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, result: 0xc4f0},
		{seed: 0, bytes: []byte{0x02, 'h', 'i'}, result: 0x2e4e},
		{seed: 0, bytes: []byte{}, result: 0},
	}
	for _, test := range tests {
		if res := CRC16(test.seed, test.bytes...); res != test.result {
			t.Errorf("CRC16(%#x, %#v)!=%#x received %#x", test.seed, test.bytes, test.result, res)
		}
	}
}

// TestCRC16Framing verifies the transmit/verify round trip: data followed by
// its inverted CRC16, low byte first, leaves the good remainder.
func TestCRC16Framing(t *testing.T) {
	for page := uint16(0); page < 4; page++ {
		data := []byte{0x03, 0xde, 0xad, 0xbf}
		crc := CRC16(page, data...) ^ 0xffff
		stream := append(append([]byte{}, data...), byte(crc), byte(crc>>8))
		if !CheckCRC16(page, stream) {
			t.Errorf("page %d: framed stream failed verification", page)
		}
		stream[1] ^= 0x40
		if CheckCRC16(page, stream) {
			t.Errorf("page %d: corrupted stream passed verification", page)
		}
	}
}

func TestCheckCRC16Short(t *testing.T) {
	if CheckCRC16(0, nil) || CheckCRC16(0, []byte{0x01}) {
		t.Error("streams shorter than a CRC cannot verify")
	}
}
