// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mem_test

import (
	"bytes"
	"testing"

	"github.com/jwinarske/winrt-onewire/mem"
	"github.com/jwinarske/winrt-onewire/onewire"
	"github.com/jwinarske/winrt-onewire/sim"
)

func testBank(t *testing.T, desc mem.Descriptor) (*mem.Bank, *sim.Bus, *sim.NVRAM) {
	t.Helper()
	var rom [8]byte
	rom[0] = 0x28
	rom[1] = 0x01
	rom[7] = onewire.CRC8(0, rom[:7]...)
	addr, _ := onewire.AddressFromBytes(rom[:])

	bus := sim.New()
	dev := sim.NewNVRAM(addr, desc.Pages, desc.PageLength)
	bus.Attach(dev)
	bank, err := mem.NewBank(bus, addr, desc)
	if err != nil {
		t.Fatal(err)
	}
	return bank, bus, dev
}

var nvDesc = mem.Descriptor{
	Name:           "main memory",
	Pages:          4,
	PageLength:     32,
	CRC:            mem.CRCDevice,
	Kind:           mem.Paged,
	GeneralPurpose: true,
}

func TestReadPageRaw(t *testing.T) {
	bank, _, dev := testBank(t, nvDesc)
	want := bytes.Repeat([]byte{0xa5}, 32)
	dev.Poke(32, want)
	got, err := bank.ReadPage(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("page 1 = %#v, want %#v", got, want)
	}
}

func TestReadPageCRC(t *testing.T) {
	bank, _, dev := testBank(t, nvDesc)
	want := []byte("the quick brown fox jumps over l")
	dev.Poke(64, want)
	got, err := bank.ReadPageCRC(2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("page 2 = %q, want %q", got, want)
	}
}

// TestReadPageCRCCorrupted verifies that a corrupted page is discarded and
// never surfaced.
func TestReadPageCRCCorrupted(t *testing.T) {
	bank, bus, _ := testBank(t, nvDesc)
	bus.CorruptRead(1)
	data, err := bank.ReadPageCRC(0, false)
	if !onewire.IsIntegrityError(err) {
		t.Fatalf("expected an integrity error, got %v", err)
	}
	if data != nil {
		t.Fatal("corrupted page data was surfaced")
	}
	// The error is retryable: an undisturbed re-read succeeds.
	if _, err := bank.ReadPageCRC(0, false); err != nil {
		t.Fatal(err)
	}
}

func TestReadPageCRCUnsupported(t *testing.T) {
	desc := nvDesc
	desc.CRC = mem.CRCNone
	bank, _, _ := testBank(t, desc)
	if _, err := bank.ReadPageCRC(0, false); err == nil {
		t.Fatal("ReadPageCRC accepted on a bank without CRC")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	bank, _, _ := testBank(t, nvDesc)
	payloads := [][]byte{
		{},
		{0x42},
		[]byte("hello one-wire"),
		bytes.Repeat([]byte{0xff}, nvDesc.MaxPacketLength()),
	}
	for page, want := range payloads {
		if err := bank.WritePagePacket(page, want); err != nil {
			t.Fatalf("page %d: %s", page, err)
		}
		got, err := bank.ReadPagePacket(page, false)
		if err != nil {
			t.Fatalf("page %d: %s", page, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("page %d round trip: %#v != %#v", page, got, want)
		}
	}
}

func TestPacketTooLong(t *testing.T) {
	bank, _, _ := testBank(t, nvDesc)
	long := make([]byte, nvDesc.MaxPacketLength()+1)
	if err := bank.WritePagePacket(0, long); err == nil {
		t.Fatal("oversized payload accepted")
	}
}

// TestPacketCorruption verifies that one flipped byte in the channel turns
// into an IntegrityError, never a silently corrupted payload.
func TestPacketCorruption(t *testing.T) {
	bank, bus, _ := testBank(t, nvDesc)
	if err := bank.WritePagePacket(0, []byte("precious payload")); err != nil {
		t.Fatal(err)
	}
	bus.CorruptRead(1)
	if _, err := bank.ReadPagePacket(0, false); !onewire.IsIntegrityError(err) {
		t.Fatalf("expected an integrity error, got %v", err)
	}
}

func TestPacketFromEmptyPage(t *testing.T) {
	// A fresh page is all 0xff: the length byte alone is invalid.
	bank, _, _ := testBank(t, nvDesc)
	if _, err := bank.ReadPagePacket(3, false); !onewire.IsIntegrityError(err) {
		t.Fatalf("expected an integrity error, got %v", err)
	}
}

func TestWriteCommits(t *testing.T) {
	bank, _, dev := testBank(t, nvDesc)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := bank.Write(8, want); err != nil {
		t.Fatal(err)
	}
	if got := dev.Peek(8, len(want)); !bytes.Equal(got, want) {
		t.Errorf("memory = %#v, want %#v", got, want)
	}
}

func TestWriteSpansPages(t *testing.T) {
	bank, _, dev := testBank(t, nvDesc)
	want := bytes.Repeat([]byte{0x5a}, 40)
	if err := bank.Write(28, want); err != nil {
		t.Fatal(err)
	}
	if got := dev.Peek(28, len(want)); !bytes.Equal(got, want) {
		t.Errorf("memory = %#v, want %#v", got, want)
	}
}

// TestWriteInsideCriticalSection verifies that a caller already holding
// the bus can still write: Write re-enters the caller's critical section
// instead of waiting out the holder, which is the caller itself.
func TestWriteInsideCriticalSection(t *testing.T) {
	bank, bus, dev := testBank(t, nvDesc)
	got, err := bus.BeginExclusive(true)
	if err != nil || !got {
		t.Fatalf("BeginExclusive = %t, %v", got, err)
	}
	defer bus.EndExclusive()

	want := []byte{1, 2, 3}
	if err := bank.Write(0, want); err != nil {
		t.Fatalf("Write inside a held critical section: %v", err)
	}
	if got := dev.Peek(0, len(want)); !bytes.Equal(got, want) {
		t.Errorf("memory = %#v, want %#v", got, want)
	}
}

// TestWriteAbortsBeforeCommit verifies that a verify failure voids the
// write and leaves the previous contents untouched.
func TestWriteAbortsBeforeCommit(t *testing.T) {
	bank, bus, dev := testBank(t, nvDesc)
	before := []byte("stable contents of page zero ..,")
	dev.Poke(0, before)

	// Corrupt the first readback byte of the verify phase.
	bus.CorruptRead(1)
	err := bank.Write(0, []byte("overwrite attempt"))
	if !onewire.IsIntegrityError(err) {
		t.Fatalf("expected an integrity error, got %v", err)
	}
	if got := dev.Peek(0, len(before)); !bytes.Equal(got, before) {
		t.Errorf("aborted write modified the page: %q", got)
	}
}

func TestWriteReadOnly(t *testing.T) {
	desc := nvDesc
	desc.ReadOnly = true
	bank, _, _ := testBank(t, desc)
	if err := bank.Write(0, []byte{1}); err == nil {
		t.Fatal("write accepted on a read-only bank")
	}
}

func TestWriteBounds(t *testing.T) {
	bank, _, _ := testBank(t, nvDesc)
	if err := bank.Write(nvDesc.Pages*nvDesc.PageLength-2, []byte{1, 2, 3}); err == nil {
		t.Fatal("write past the end of the bank accepted")
	}
	if err := bank.Write(-1, []byte{1}); err == nil {
		t.Fatal("negative offset accepted")
	}
}

func TestOTPWrite(t *testing.T) {
	desc := nvDesc
	desc.Kind = mem.OTP
	bank, _, dev := testBank(t, desc)

	// Fresh OTP is all ones; programming clears bits.
	if err := bank.Write(0, []byte{0xf0}); err != nil {
		t.Fatal(err)
	}
	if got := dev.Peek(0, 1); got[0] != 0xf0 {
		t.Fatalf("memory = %#x, want 0xf0", got[0])
	}
	// Clearing more bits is fine.
	if err := bank.Write(0, []byte{0x30}); err != nil {
		t.Fatal(err)
	}
	// Setting programmed bits back is not.
	if err := bank.Write(0, []byte{0x0f}); err == nil {
		t.Fatal("OTP write setting programmed bits accepted")
	}
}

func TestBankValidation(t *testing.T) {
	bus := sim.New()
	if _, err := mem.NewBank(bus, 0, mem.Descriptor{Pages: 0, PageLength: 32}); err == nil {
		t.Fatal("descriptor without pages accepted")
	}
	if _, err := mem.NewBank(bus, 0, mem.Descriptor{Pages: 1, PageLength: 2}); err == nil {
		t.Fatal("descriptor with unusable page length accepted")
	}
}

func TestReadPageNoDevice(t *testing.T) {
	bus := sim.New()
	bank, err := mem.NewBank(bus, 0x2900000000000128, nvDesc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bank.ReadPage(0, false); !onewire.IsBusError(err) {
		t.Fatalf("expected a bus error, got %v", err)
	}
}
