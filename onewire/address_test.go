// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "testing"

func TestAddressParts(t *testing.T) {
	var addr Address = 0x740000070e41ac28
	if addr.Family() != 0x28 {
		t.Errorf("family = %#x, want 0x28", addr.Family())
	}
	if addr.Serial() != 0x0000070e41ac {
		t.Errorf("serial = %#x, want 0x70e41ac", addr.Serial())
	}
	if s := addr.String(); s != "740000070E41AC28" {
		t.Errorf("string = %q", s)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addrs := []Address{
		0x740000070e41ac28,
		0xcc00000000000110,
		0x2900000000000128,
		0x0a00000000000101,
	}
	for _, a := range addrs {
		buf := a.Bytes()
		back, err := AddressFromBytes(buf[:])
		if err != nil {
			t.Fatalf("%s: %s", a, err)
		}
		if back != a {
			t.Errorf("bytes round trip: %s != %s", back, a)
		}
		parsed, err := ParseAddress(a.String())
		if err != nil {
			t.Fatalf("%s: %s", a, err)
		}
		if parsed != a {
			t.Errorf("string round trip: %s != %s", parsed, a)
		}
	}
}

func TestAddressBytesOrder(t *testing.T) {
	var addr Address = 0x740000070e41ac28
	want := [8]byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}
	if got := addr.Bytes(); got != want {
		t.Errorf("bytes = %#v, want %#v", got, want)
	}
}

func TestAddressIsValid(t *testing.T) {
	var tests = []struct {
		addr  Address
		valid bool
	}{
		{0x740000070e41ac28, true},
		{0xcc00000000000110, true},
		{0x750000070e41ac28, false}, // bad CRC
		{0x1f00000000000000, false}, // zero family code
		{0x0000000000000000, false},
	}
	for _, test := range tests {
		if got := test.addr.IsValid(); got != test.valid {
			t.Errorf("IsValid(%s) = %t, want %t", test.addr, got, test.valid)
		}
	}
}

// TestAddressIsValidPinSelectable checks the family 0x1c special case: the
// two pin-selectable bits are assumed 1 by the CRC.
func TestAddressIsValidPinSelectable(t *testing.T) {
	base := [8]byte{0x1c, 0x03, 0xb8, 0x01, 0x00, 0x00, 0x00}
	base[7] = CRC8(0, base[:7]...)
	for mask := byte(0); mask < 4; mask++ {
		rom := base
		rom[1] = rom[1]&^0x03 | mask
		addr, err := AddressFromBytes(rom[:])
		if err != nil {
			t.Fatal(err)
		}
		if !addr.IsValid() {
			t.Errorf("pin bits %02b: %s should be valid", mask, addr)
		}
	}
}

func TestAddressFromBytesLength(t *testing.T) {
	if _, err := AddressFromBytes([]byte{0x28}); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, s := range []string{"", "123", "zz40000070e41ac2", "740000070E41AC2"} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) accepted", s)
		}
	}
}
