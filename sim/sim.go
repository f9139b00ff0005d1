// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sim provides an in-memory 1-wire bus populated by simulated
// devices. It implements the full onewire.Bus contract, including the
// search triplet, so the search engine, memory banks, remote protocol and
// monitor can all be exercised without hardware.
//
// Fault injection hooks make the unhappy paths testable: FailNext makes the
// next primitive operation fail, CorruptRead flips a bit in upcoming read
// bytes.
package sim

import (
	"sync"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Device is a simulated 1-wire slave attached to a Bus.
type Device interface {
	// ROM returns the device's 64-bit ROM ID.
	ROM() onewire.Address
	// Alarming reports whether the device answers an alarm-only search.
	Alarming() bool
	// busReset returns the device to its ROM-command state.
	busReset()
	// txByte feeds one byte from the master and returns the byte the
	// device drives back on the line.
	txByte(b byte) byte
}

const (
	stateROM = iota // reset done, waiting for a ROM function command
	stateSearch
	stateMatch
	stateReadROM
	stateTransport
)

// Bus is a simulated 1-wire bus. It serializes callers like a physical
// half-duplex bus and keeps the selection state machine that ROM function
// commands drive.
type Bus struct {
	lock    onewire.Lock
	exclMu  sync.Mutex
	excl    *onewire.Token
	exclTmo time.Duration

	mu      sync.Mutex
	devices []Device

	speed onewire.Speed
	level onewire.Level
	pdur  time.Duration

	state       int
	matchBuf    []byte
	romOut      []byte
	selected    Device
	bitPos      int
	prefix      uint64
	alarmSearch bool

	corrupt int
	failErr error
}

// New returns an empty simulated bus.
func New() *Bus {
	return &Bus{exclTmo: onewire.DefaultExclusiveTimeout}
}

// Attach adds a device to the bus.
func (b *Bus) Attach(d Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, d)
}

// Detach removes the device with the given address from the bus and
// reports whether it was present.
func (b *Bus) Detach(addr onewire.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.devices {
		if d.ROM() == addr {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			if b.selected == d {
				b.selected = nil
			}
			return true
		}
	}
	return false
}

// FailNext makes the next primitive operation fail with err.
func (b *Bus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// CorruptRead flips the low bit of the next n bytes read from the bus.
func (b *Bus) CorruptRead(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt = n
}

// Level returns the current simulated power level.
func (b *Bus) Level() onewire.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

func (b *Bus) takeFault() error {
	if err := b.failErr; err != nil {
		b.failErr = nil
		return err
	}
	return nil
}

func (b *Bus) readByteLocked(out byte) byte {
	if b.corrupt > 0 {
		b.corrupt--
		out ^= 0x01
	}
	return out
}

// exchange clocks one byte through the bus selection state machine.
func (b *Bus) exchange(v byte) byte {
	switch b.state {
	case stateROM:
		switch v {
		case onewire.CmdSearchROM, onewire.CmdAlarmSearch:
			b.state = stateSearch
			b.bitPos = 0
			b.prefix = 0
			b.alarmSearch = v == onewire.CmdAlarmSearch
		case onewire.CmdMatchROM:
			b.state = stateMatch
			b.matchBuf = b.matchBuf[:0]
		case onewire.CmdSkipROM:
			if len(b.devices) == 1 {
				b.selected = b.devices[0]
			}
			b.state = stateTransport
		case onewire.CmdReadROM:
			if len(b.devices) == 1 {
				rom := b.devices[0].ROM().Bytes()
				b.romOut = append(b.romOut[:0], rom[:]...)
				b.selected = b.devices[0]
			}
			b.state = stateReadROM
		}
		return 0xff
	case stateMatch:
		b.matchBuf = append(b.matchBuf, v)
		if len(b.matchBuf) == 8 {
			addr, _ := onewire.AddressFromBytes(b.matchBuf)
			b.selected = nil
			for _, d := range b.devices {
				if d.ROM() == addr {
					b.selected = d
					break
				}
			}
			b.state = stateTransport
		}
		return v
	case stateReadROM:
		if len(b.romOut) > 0 {
			v := b.romOut[0]
			b.romOut = b.romOut[1:]
			return v
		}
		return 0xff
	case stateTransport:
		if b.selected != nil {
			return b.selected.txByte(v)
		}
		return 0xff
	default:
		// Bytes written during a bit-level search are ignored.
		return 0xff
	}
}

// Reset implements onewire.Bus.
func (b *Bus) Reset() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return false, err
	}
	b.state = stateROM
	b.selected = nil
	b.romOut = b.romOut[:0]
	for _, d := range b.devices {
		d.busReset()
	}
	return len(b.devices) > 0, nil
}

// PutBit implements onewire.Bus.
func (b *Bus) PutBit(bit bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeFault()
}

// GetBit implements onewire.Bus. An idle simulated line reads 1.
func (b *Bus) GetBit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return false, err
	}
	return true, nil
}

// PutByte implements onewire.Bus.
func (b *Bus) PutByte(v byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return err
	}
	b.exchange(v)
	return nil
}

// GetByte implements onewire.Bus.
func (b *Bus) GetByte() (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return 0, err
	}
	return b.readByteLocked(b.exchange(0xff)), nil
}

// GetBlock implements onewire.Bus.
func (b *Bus) GetBlock(n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := b.Block(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Block implements onewire.Bus.
func (b *Bus) Block(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return err
	}
	for i, v := range buf {
		out := b.exchange(v)
		if v == 0xff {
			buf[i] = b.readByteLocked(out)
		}
	}
	return nil
}

// Triplet implements onewire.Bus.
func (b *Bus) Triplet(direction bool) (onewire.TripletResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return onewire.TripletResult{}, err
	}
	if b.state != stateSearch || b.bitPos >= 64 {
		return onewire.TripletResult{}, onewire.IOError("sim: search triplet without a search command")
	}

	var gotZero, gotOne bool
	for _, d := range b.devices {
		if b.alarmSearch && !d.Alarming() {
			continue
		}
		rom := uint64(d.ROM())
		if b.bitPos > 0 && rom&(1<<uint(b.bitPos)-1) != b.prefix {
			continue
		}
		if rom&(1<<uint(b.bitPos)) != 0 {
			gotOne = true
		} else {
			gotZero = true
		}
	}

	tr := onewire.TripletResult{GotZero: gotZero, GotOne: gotOne}
	switch {
	case !gotZero && !gotOne:
		// Nobody is driving the line; both samples read 1.
		tr.Taken = 1
	case gotZero && gotOne:
		if direction {
			tr.Taken = 1
		}
	case gotOne:
		tr.Taken = 1
	}
	if tr.Taken != 0 {
		b.prefix |= 1 << uint(b.bitPos)
	}
	b.bitPos++

	if b.bitPos == 64 {
		// The surviving device, if any, stays selected for transport.
		b.state = stateTransport
		b.selected = nil
		for _, d := range b.devices {
			if b.alarmSearch && !d.Alarming() {
				continue
			}
			if uint64(d.ROM()) == b.prefix {
				b.selected = d
				break
			}
		}
	}
	return tr, nil
}

// Speed implements onewire.Bus.
func (b *Bus) Speed() onewire.Speed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// SetSpeed implements onewire.Bus. The simulator accepts every speed.
func (b *Bus) SetSpeed(s onewire.Speed) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return err
	}
	b.speed = s
	return nil
}

// PowerDuration implements onewire.Bus.
func (b *Bus) PowerDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pdur
}

// SetPowerDuration implements onewire.Bus.
func (b *Bus) SetPowerDuration(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pdur = d
	return nil
}

// StartPowerDelivery implements onewire.Bus.
func (b *Bus) StartPowerDelivery(when onewire.ChangeCondition) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return false, err
	}
	b.level = onewire.LevelStrongPullup
	return true, nil
}

// StartProgramPulse implements onewire.Bus.
func (b *Bus) StartProgramPulse(when onewire.ChangeCondition) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault(); err != nil {
		return false, err
	}
	b.level = onewire.LevelProgram
	return true, nil
}

// StartBreak implements onewire.Bus.
func (b *Bus) StartBreak() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = onewire.LevelBreak
	return nil
}

// SetPowerNormal implements onewire.Bus.
func (b *Bus) SetPowerNormal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = onewire.LevelNormal
	return nil
}

// BeginExclusive implements onewire.Bus. Acquisition is re-entrant while
// this handle already holds the bus; each grant needs its own
// EndExclusive.
func (b *Bus) BeginExclusive(block bool) (bool, error) {
	b.exclMu.Lock()
	if b.excl != nil {
		err := b.lock.Hold(b.excl)
		b.exclMu.Unlock()
		return err == nil, err
	}
	b.exclMu.Unlock()

	var tok *onewire.Token
	if block {
		t, err := b.lock.Acquire(b.exclTmo)
		if err != nil {
			return false, err
		}
		tok = t
	} else {
		t, ok := b.lock.TryAcquire()
		if !ok {
			return false, nil
		}
		tok = t
	}
	b.exclMu.Lock()
	b.excl = tok
	b.exclMu.Unlock()
	return true, nil
}

// EndExclusive implements onewire.Bus.
func (b *Bus) EndExclusive() {
	b.exclMu.Lock()
	defer b.exclMu.Unlock()
	tok := b.excl
	if tok == nil {
		return
	}
	if tok.Depth() == 1 {
		b.excl = nil
	}
	_ = b.lock.Release(tok)
}

// Close implements onewire.Bus.
func (b *Bus) Close() error {
	return nil
}

var _ onewire.Bus = &Bus{}
