// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2482 drives a DS2482-100 or DS2483 I²C to 1-wire bridge as an
// onewire.Bus.
package ds2482

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// PupOhm controls the strength of the passive pull-up resistor
// on the 1-wire data line. The default value is 1000Ω.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω = 6
)

// Opts contains options to pass to the constructor.
type Opts struct {
	PassivePullup bool // false: use active pull-up, true: disable active pullup

	// The following options are only available on the ds2483 (not ds2482-100).
	// The actual value used is the closest possible value (rounded up or down).
	ResetLow       time.Duration // reset low time, range 440μs..740μs
	PresenceDetect time.Duration // presence detect sample time, range 58μs..76μs
	Write0Low      time.Duration // write zero low time, range 52μs..70μs
	Write0Recovery time.Duration // write zero recovery time, range 2750ns..25250ns
	PullupRes      PupOhm        // passive pull-up resistance, true: 500Ω, false: 1kΩ
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PassivePullup:  false,
	ResetLow:       560 * time.Microsecond,
	PresenceDetect: 68 * time.Microsecond,
	Write0Low:      64 * time.Microsecond,
	Write0Recovery: 5250 * time.Nanosecond,
	PullupRes:      R1000Ω,
}

// New returns a bus backed by a DS2482/DS2483 bridge on the given I²C bus.
//
// Valid I²C addresses are 0x18, 0x19, 0x20 and 0x21.
func New(i i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case 0x18, 0x19, 0x20, 0x21:
	default:
		return nil, errors.New("ds2482: given address not supported by device")
	}
	d := &Dev{i2c: &i2c.Dev{Bus: i, Addr: addr}}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a ds248x bridge and implements onewire.Bus.
//
// Dev implements a persistent error model: if a fatal error is encountered
// it places itself into an error state and immediately returns the last
// error on all subsequent calls. A fresh Dev, which reinitializes the
// hardware, must be created to proceed.
//
// A persistent error is only set when there is a problem with the bridge
// itself (or the I²C bus used to access it). Errors on the 1-wire side use
// the onewire error taxonomy and do not poison the handle.
type Dev struct {
	mu       sync.Mutex    // serializes transactions against the bridge
	i2c      *i2c.Dev      // i2c device handle for the bridge
	isDS2483 bool          // false: ds2482-100
	conf     byte          // configuration register, lower nibble
	speed    onewire.Speed // cached, the 1WS bit is write-only in practice
	pdur     time.Duration // strong pull-up duration bookkeeping
	tReset   time.Duration // time to perform a 1-wire reset
	tSlot    time.Duration // time to perform a 1-bit 1-wire read/write
	err      error         // persistent error, device will no longer operate

	lock   onewire.Lock
	exclMu sync.Mutex
	excl   *onewire.Token
}

func (d *Dev) String() string {
	if d.isDS2483 {
		return fmt.Sprintf("DS2483{%s}", d.i2c)
	}
	return fmt.Sprintf("DS2482-100{%s}", d.i2c)
}

// Reset implements onewire.Bus.
func (d *Dev) Reset() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.i2cTx([]byte{cmd1WReset}, nil)
	status := d.waitIdle(d.tReset)
	if d.err != nil {
		return false, d.err
	}
	if status&statusSD != 0 {
		return false, onewire.ShortedError("ds2482: bus has a short")
	}
	return status&statusPPD != 0, nil
}

// PutBit implements onewire.Bus.
func (d *Dev) PutBit(bit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txBit(bit)
	return d.err
}

// GetBit implements onewire.Bus. A read slot is a write of 1 with the line
// sampled mid-slot.
func (d *Dev) GetBit() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.txBit(true)
	return status&statusSBR != 0, d.err
}

func (d *Dev) txBit(bit bool) byte {
	var v byte
	if bit {
		v = 0x80
	}
	d.i2cTx([]byte{cmd1WBit, v}, nil)
	return d.waitIdle(d.tSlot)
}

// PutByte implements onewire.Bus.
func (d *Dev) PutByte(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeByte(b)
	return d.err
}

// GetByte implements onewire.Bus.
func (d *Dev) GetByte() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.readByte()
	return b, d.err
}

// GetBlock implements onewire.Bus.
func (d *Dev) GetBlock(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = d.readByte()
		if d.err != nil {
			return nil, d.err
		}
	}
	return buf, nil
}

// Block implements onewire.Bus.
func (d *Dev) Block(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range buf {
		if b == 0xff {
			buf[i] = d.readByte()
		} else {
			d.writeByte(b)
		}
		if d.err != nil {
			return d.err
		}
	}
	return nil
}

func (d *Dev) writeByte(b byte) {
	d.i2cTx([]byte{cmd1WWrite, b}, nil)
	d.waitIdle(7 * d.tSlot)
}

func (d *Dev) readByte() byte {
	var v [1]byte
	d.i2cTx([]byte{cmd1WRead}, nil)
	d.waitIdle(7 * d.tSlot)
	d.i2cTx([]byte{cmdSetReadPtr, regRDR}, v[:])
	return v[0]
}

// Triplet implements onewire.Bus.
func (d *Dev) Triplet(direction bool) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dir byte
	if direction {
		dir = 0x80
	}
	d.i2cTx([]byte{cmd1WTriplet, dir}, nil)
	// In theory 3*tSlot but the bridge overlaps the slots with the I²C
	// traffic.
	status := d.waitIdle(0)
	tr := onewire.TripletResult{
		GotZero: status&statusSBR == 0,
		GotOne:  status&statusTSB == 0,
		Taken:   status >> 7,
	}
	return tr, d.err
}

// Speed implements onewire.Bus.
func (d *Dev) Speed() onewire.Speed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetSpeed implements onewire.Bus. The bridge generates regular and
// overdrive timing only.
func (d *Dev) SetSpeed(s onewire.Speed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch s {
	case onewire.SpeedRegular:
		d.writeConfig(d.conf &^ conf1WS)
	case onewire.SpeedOverdrive:
		d.writeConfig(d.conf | conf1WS)
	default:
		return fmt.Errorf("ds2482: %s speed not supported by this bridge", s)
	}
	if d.err == nil {
		d.speed = s
	}
	return d.err
}

// PowerDuration implements onewire.Bus.
func (d *Dev) PowerDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pdur
}

// SetPowerDuration implements onewire.Bus. The bridge has no timer; the
// duration is applied in software by StartPowerDelivery.
func (d *Dev) SetPowerDuration(dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pdur = dur
	return nil
}

// StartPowerDelivery implements onewire.Bus. The bridge arms the strong
// pull-up for the slot the condition names and drops it on its own
// afterwards; with a configured power duration the call holds the line for
// that long and restores normal power itself.
func (d *Dev) StartPowerDelivery(when onewire.ChangeCondition) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeConfig(d.conf | confSPU)
	if d.err != nil {
		return false, d.err
	}
	if d.pdur > 0 {
		sleep(d.pdur)
		d.writeConfig(d.conf &^ confSPU)
	}
	return d.err == nil, d.err
}

// StartProgramPulse implements onewire.Bus. The bridge cannot generate the
// 12V programming voltage.
func (d *Dev) StartProgramPulse(when onewire.ChangeCondition) (bool, error) {
	return false, nil
}

// StartBreak implements onewire.Bus.
func (d *Dev) StartBreak() error {
	return onewire.IOError("ds2482: break not supported by this bridge")
}

// SetPowerNormal implements onewire.Bus.
func (d *Dev) SetPowerNormal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeConfig(d.conf &^ confSPU)
	return d.err
}

// BeginExclusive implements onewire.Bus. Acquisition is re-entrant while
// this handle already holds the bus; each grant needs its own
// EndExclusive.
func (d *Dev) BeginExclusive(block bool) (bool, error) {
	d.exclMu.Lock()
	if d.excl != nil {
		err := d.lock.Hold(d.excl)
		d.exclMu.Unlock()
		return err == nil, err
	}
	d.exclMu.Unlock()

	var tok *onewire.Token
	if block {
		t, err := d.lock.Acquire(onewire.DefaultExclusiveTimeout)
		if err != nil {
			return false, err
		}
		tok = t
	} else {
		t, ok := d.lock.TryAcquire()
		if !ok {
			return false, nil
		}
		tok = t
	}
	d.exclMu.Lock()
	d.excl = tok
	d.exclMu.Unlock()
	return true, nil
}

// EndExclusive implements onewire.Bus.
func (d *Dev) EndExclusive() {
	d.exclMu.Lock()
	defer d.exclMu.Unlock()
	tok := d.excl
	if tok == nil {
		return
	}
	if tok.Depth() == 1 {
		d.excl = nil
	}
	_ = d.lock.Release(tok)
}

// Close implements onewire.Bus. The handle is dead afterwards; the bridge
// itself needs no shutdown.
func (d *Dev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = errors.New("ds2482: closed")
	}
	return nil
}

// writeConfig writes the lower nibble of the configuration register; the
// upper nibble must carry its complement or the bridge rejects the write.
func (d *Dev) writeConfig(conf byte) {
	conf &= 0x0f
	var dcr [1]byte
	d.i2cTx([]byte{cmdWriteConfig, conf | ^conf<<4}, dcr[:])
	if d.err != nil {
		return
	}
	if dcr[0] != conf {
		d.err = fmt.Errorf("ds2482: failure to write device config register, wrote %#x got %#x back", conf, dcr[0])
		return
	}
	d.conf = conf
}

// i2cTx is a helper function to call i2c.Tx and handle the error by
// persisting it.
func (d *Dev) i2cTx(w, r []byte) {
	if d.err != nil {
		return
	}
	d.err = d.i2c.Tx(w, r)
}

// waitIdle waits for the one wire bus to be idle.
//
// It initially sleeps for the delay and then polls the status register and
// sleeps for a tenth of the delay each time the status register indicates
// that the bus is still busy. The last read status byte is returned.
//
// An overall timeout of 3ms is applied to the whole procedure. waitIdle
// uses the persistent error model and returns 0 if there is an error.
func (d *Dev) waitIdle(delay time.Duration) byte {
	if d.err != nil {
		return 0
	}
	tOut := time.Now().Add(3 * time.Millisecond)
	sleep(delay)
	for {
		var status [1]byte
		d.i2cTx(nil, status[:])
		// Bus idle; this also triggers on d.err because status[0] stays 0.
		if status[0]&status1WB == 0 {
			return status[0]
		}
		// This is an error with the bridge, not with devices on the
		// 1-wire bus, hence it is persistent.
		if time.Now().After(tOut) {
			d.err = fmt.Errorf("ds2482: timeout waiting for bus cycle to finish")
			return 0
		}
		// Try not to hog the kernel thread.
		sleep(delay / 10)
	}
}

func (d *Dev) makeDev(opts *Opts) error {
	d.tReset = 2 * opts.ResetLow
	d.tSlot = opts.Write0Low + opts.Write0Recovery

	// Issue a reset command.
	if err := d.i2c.Tx([]byte{cmdReset}, nil); err != nil {
		return fmt.Errorf("ds2482: error while resetting: %s", err)
	}

	// Read the status register to confirm that we have a responding bridge.
	var stat [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regStatus}, stat[:]); err != nil {
		return fmt.Errorf("ds2482: error while reading status register: %s", err)
	}
	if stat[0] != 0x18 {
		return fmt.Errorf("ds2482: invalid status register value: %#x, expected 0x18", stat[0])
	}

	// Write the device configuration register to get the chip out of reset
	// state, immediately read it back to get confirmation.
	conf := byte(confAPU)
	if opts.PassivePullup {
		conf &^= confAPU
	}
	var dcr [1]byte
	if err := d.i2c.Tx([]byte{cmdWriteConfig, conf | ^conf<<4}, dcr[:]); err != nil {
		return fmt.Errorf("ds2482: error while writing device config register: %s", err)
	}
	// When reading back we only get the bottom nibble.
	if dcr[0] != conf {
		return fmt.Errorf("ds2482: failure to write device config register, wrote %#x got %#x back", conf, dcr[0])
	}
	d.conf = conf

	// Set the read ptr to the port configuration register to determine
	// whether we have a ds2483 vs ds2482-100. This fails on devices that
	// do not have a port config register, such as the ds2482-100.
	if d.i2c.Tx([]byte{cmdSetReadPtr, regPCR}, nil) == nil {
		d.isDS2483 = true
		buf := []byte{cmdAdjPort,
			byte(0x00 + ((opts.ResetLow/time.Microsecond - 430) / 20 & 0x0f)),
			byte(0x20 + ((opts.PresenceDetect/time.Microsecond - 55) / 2 & 0x0f)),
			byte(0x40 + ((opts.Write0Low/time.Microsecond - 51) / 2 & 0x0f)),
			byte(0x60 + (((opts.Write0Recovery-1250)/2500 + 5) & 0x0f)),
			byte(0x80 + (opts.PullupRes & 0x0f)),
		}
		if err := d.i2c.Tx(buf, nil); err != nil {
			return fmt.Errorf("ds2482: error while setting port config values: %s", err)
		}
	}
	return nil
}

var sleep = time.Sleep

var _ onewire.Bus = &Dev{}

const (
	cmdReset       = 0xf0 // reset the bridge
	cmdSetReadPtr  = 0xe1 // set the read pointer
	cmdWriteConfig = 0xd2 // write the device configuration
	cmdAdjPort     = 0xc3 // adjust 1-wire port (ds2483)
	cmd1WReset     = 0xb4 // reset the 1-wire bus
	cmd1WBit       = 0x87 // perform a single-bit transaction on the 1-wire bus
	cmd1WWrite     = 0xa5 // perform a byte write on the 1-wire bus
	cmd1WRead      = 0x96 // perform a byte read on the 1-wire bus
	cmd1WTriplet   = 0x78 // perform a triplet operation (2 bit reads, a bit write)

	regStatus = 0xf0 // read ptr for status register
	regRDR    = 0xe1 // read ptr for read-data register
	regPCR    = 0xb4 // read ptr for port configuration register

	status1WB = 0x01 // 1-wire busy
	statusPPD = 0x02 // presence pulse detected
	statusSD  = 0x04 // short detected
	statusSBR = 0x20 // single bit result
	statusTSB = 0x40 // triplet second bit
	statusDIR = 0x80 // triplet branch direction taken

	confAPU = 0x01 // active pull-up
	confSPU = 0x04 // strong pull-up
	conf1WS = 0x08 // overdrive speed
)
