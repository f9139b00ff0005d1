// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2482

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/jwinarske/winrt-onewire/onewire"
)

const addr uint16 = 0x18

// setupOps is the I²C traffic New generates against a DS2483 with
// DefaultOpts.
func setupOps() []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{cmdReset}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regPCR}},
		{Addr: addr, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
	}
}

func newDev(t *testing.T, ops []i2ctest.IO) (*Dev, *i2ctest.Playback) {
	t.Helper()
	// The test does not need the idle-poll delays.
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })

	b := &i2ctest.Playback{Ops: append(setupOps(), ops...), DontPanic: true}
	d, err := New(b, addr, &DefaultOpts)
	if err != nil {
		t.Fatal(err)
	}
	return d, b
}

func TestNewBadAddress(t *testing.T) {
	if _, err := New(&i2ctest.Playback{}, 0x44, &DefaultOpts); err == nil {
		t.Fatal("invalid address accepted")
	}
}

func TestReset(t *testing.T) {
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WReset}},
		{Addr: addr, R: []byte{0x18 | statusPPD}},
	})
	defer b.Close()
	present, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("presence pulse in status register not reported")
	}
}

func TestResetShorted(t *testing.T) {
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WReset}},
		{Addr: addr, R: []byte{0x18 | statusSD}},
	})
	defer b.Close()
	_, err := d.Reset()
	if err == nil {
		t.Fatal("short not reported")
	}
	if !onewire.IsBusError(err) {
		t.Fatalf("short must be a 1-wire error, not a bridge fault: %v", err)
	}
	// The handle survives a 1-wire side error.
	if d.err != nil {
		t.Fatalf("persistent error set by a bus-side failure: %v", d.err)
	}
}

func TestByteIO(t *testing.T) {
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WWrite, 0x55}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmd1WRead}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{0xab}},
	})
	defer b.Close()
	if err := d.PutByte(0x55); err != nil {
		t.Fatal(err)
	}
	got, err := d.GetByte()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xab {
		t.Fatalf("GetByte = %#x, want 0xab", got)
	}
}

func TestBlock(t *testing.T) {
	// A 0xff byte in the buffer is a read slot, everything else a write.
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WWrite, onewire.CmdMatchROM}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmd1WRead}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{0x42}},
	})
	defer b.Close()
	buf := []byte{onewire.CmdMatchROM, 0xff}
	if err := d.Block(buf); err != nil {
		t.Fatal(err)
	}
	if buf[1] != 0x42 {
		t.Fatalf("read slot = %#x, want 0x42", buf[1])
	}
}

func TestBits(t *testing.T) {
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WBit, 0x00}},
		{Addr: addr, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		{Addr: addr, R: []byte{0x18 | statusSBR}},
	})
	defer b.Close()
	if err := d.PutBit(false); err != nil {
		t.Fatal(err)
	}
	bit, err := d.GetBit()
	if err != nil {
		t.Fatal(err)
	}
	if !bit {
		t.Fatal("sampled bit lost")
	}
}

func TestTriplet(t *testing.T) {
	// Both branches populated, direction 0 taken.
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WTriplet, 0x00}},
		{Addr: addr, R: []byte{0x18}},
	})
	defer b.Close()
	tr, err := d.Triplet(false)
	if err != nil {
		t.Fatal(err)
	}
	want := onewire.TripletResult{GotZero: true, GotOne: true, Taken: 0}
	if tr != want {
		t.Fatalf("Triplet = %+v, want %+v", tr, want)
	}
}

func TestSetSpeed(t *testing.T) {
	d, b := newDev(t, []i2ctest.IO{
		{Addr: addr, W: []byte{cmdWriteConfig, 0x69}, R: []byte{0x09}},
		{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
	})
	defer b.Close()
	if err := d.SetSpeed(onewire.SpeedOverdrive); err != nil {
		t.Fatal(err)
	}
	if d.Speed() != onewire.SpeedOverdrive {
		t.Fatalf("Speed = %s after overdrive switch", d.Speed())
	}
	if err := d.SetSpeed(onewire.SpeedRegular); err != nil {
		t.Fatal(err)
	}
	if err := d.SetSpeed(onewire.SpeedHyperdrive); err == nil {
		t.Fatal("hyperdrive accepted by a bridge that cannot generate it")
	}
}

func TestExclusive(t *testing.T) {
	d, b := newDev(t, nil)
	defer b.Close()
	got, err := d.BeginExclusive(false)
	if err != nil || !got {
		t.Fatalf("BeginExclusive on idle bus = %t, %v", got, err)
	}
	// The holding handle re-enters and unwinds symmetrically.
	got, err = d.BeginExclusive(false)
	if err != nil || !got {
		t.Fatalf("nested BeginExclusive = %t, %v", got, err)
	}
	d.EndExclusive()
	if !d.lock.Held() {
		t.Fatal("bridge freed before the outermost release")
	}
	d.EndExclusive()
	if d.lock.Held() {
		t.Fatal("bridge still held after the outermost release")
	}
	if got, _ := d.BeginExclusive(false); !got {
		t.Fatal("exclusive not granted after release")
	}
	d.EndExclusive()
}
