// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire implements the core of a 1-wire bus stack: ROM ID
// handling with CRC8 validation, the primitive bus contract implemented by
// local bridges and remote proxies, the deterministic ROM search algorithm
// and the exclusive-access lock shared by all of them.
//
// The bus itself is half duplex and strictly single-operation-at-a-time; all
// primitives are synchronous and blocking. Implementations of Bus live in
// the ds2482 (I²C bridge), netadapter (remote proxy) and sim (test
// substrate) packages.
package onewire

import "time"

// Speed is the communication data rate of the bus.
type Speed int

const (
	// SpeedRegular is the standard rate of roughly 16kbps.
	SpeedRegular Speed = iota
	// SpeedFlex is the standard rate with relaxed timing for long lines.
	SpeedFlex
	// SpeedOverdrive is the fast rate of roughly 142kbps.
	SpeedOverdrive
	// SpeedHyperdrive is faster than overdrive; very few devices support it.
	SpeedHyperdrive
)

func (s Speed) String() string {
	switch s {
	case SpeedRegular:
		return "regular"
	case SpeedFlex:
		return "flex"
	case SpeedOverdrive:
		return "overdrive"
	case SpeedHyperdrive:
		return "hyperdrive"
	default:
		return "unknown"
	}
}

// Level is the power level applied to the data line.
type Level int

const (
	// LevelNormal is the weak 5V pull-up used for idle and data transfer.
	LevelNormal Level = iota
	// LevelStrongPullup powers parasitic devices during conversions or
	// EEPROM writes.
	LevelStrongPullup
	// LevelProgram is the 12V EPROM programming pulse.
	LevelProgram
	// LevelBreak pulls the line low to reset misbehaving devices.
	LevelBreak
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelStrongPullup:
		return "strong pull-up"
	case LevelProgram:
		return "program pulse"
	case LevelBreak:
		return "break"
	default:
		return "unknown"
	}
}

// ChangeCondition selects when a requested power level change takes effect.
type ChangeCondition int

const (
	// ChangeNow applies the level immediately.
	ChangeNow ChangeCondition = iota
	// ChangeAfterNextBit applies the level after the next bit slot.
	ChangeAfterNextBit
	// ChangeAfterNextByte applies the level after the next byte.
	ChangeAfterNextByte
)

// TripletResult is the outcome of a single search triplet: two bit reads
// that sample which branches of the current search subtree are populated,
// followed by one bit write that selects the branch to keep.
type TripletResult struct {
	// GotZero is true if at least one selected device has a 0 at this bit
	// position.
	GotZero bool
	// GotOne is true if at least one selected device has a 1 at this bit
	// position.
	GotOne bool
	// Taken is the branch that was written, 0 or 1.
	Taken byte
}

// Bus is the primitive operation contract of a 1-wire bus. It is
// implemented once per physical transport; everything above it (search,
// memory banks, monitoring) is transport independent.
//
// No two primitive operations ever overlap; implementations serialize
// callers internally and expose BeginExclusive/EndExclusive for callers
// that need a multi-operation critical section.
type Bus interface {
	// Reset sends a reset pulse and reports whether any device answered
	// with a presence pulse.
	Reset() (bool, error)

	// PutBit writes a single bit on the bus.
	PutBit(bit bool) error
	// GetBit reads a single bit from the bus.
	GetBit() (bool, error)
	// PutByte writes a single byte on the bus.
	PutByte(b byte) error
	// GetByte reads a single byte from the bus.
	GetByte() (byte, error)
	// GetBlock reads n bytes from the bus.
	GetBlock(n int) ([]byte, error)
	// Block transfers buf in place: each 0xff byte is replaced by a byte
	// read from the bus, any other byte is written out unchanged.
	Block(buf []byte) error

	// Triplet performs one search step: read the bit and its complement,
	// then write direction (or the only populated branch) to deselect all
	// devices that do not match.
	Triplet(direction bool) (TripletResult, error)

	// Speed returns the current bus speed.
	Speed() Speed
	// SetSpeed changes the bus speed. Implementations reject speeds their
	// transport cannot generate.
	SetSpeed(s Speed) error

	// PowerDuration returns the configured strong pull-up duration.
	PowerDuration() time.Duration
	// SetPowerDuration configures how long StartPowerDelivery applies the
	// strong pull-up.
	SetPowerDuration(d time.Duration) error
	// StartPowerDelivery applies the strong pull-up and reports whether
	// the transport supports it.
	StartPowerDelivery(when ChangeCondition) (bool, error)
	// StartProgramPulse applies the 12V programming pulse and reports
	// whether the transport supports it.
	StartProgramPulse(when ChangeCondition) (bool, error)
	// StartBreak pulls the data line low.
	StartBreak() error
	// SetPowerNormal restores the normal weak pull-up.
	SetPowerNormal() error

	// BeginExclusive acquires the bus for a multi-operation critical
	// section. With block set it waits, bounded, for the bus to free up;
	// otherwise it fails fast. It reports whether access was granted.
	//
	// Acquisition is re-entrant while the same handle already holds the
	// bus, so layered operations may take their own critical section
	// inside a caller's. Every grant needs a matching EndExclusive.
	BeginExclusive(block bool) (bool, error)
	// EndExclusive releases one level of a critical section acquired by
	// BeginExclusive. The bus frees up when the outermost level is
	// released.
	EndExclusive()

	// Close releases the transport.
	Close() error
}

// ROM function commands shared by every 1-wire device family.
const (
	// CmdSearchROM begins a normal ROM search.
	CmdSearchROM byte = 0xf0
	// CmdAlarmSearch begins a ROM search answered only by alarming devices.
	CmdAlarmSearch byte = 0xec
	// CmdMatchROM selects the single device whose 8-byte ROM ID follows.
	CmdMatchROM byte = 0x55
	// CmdSkipROM selects every device on the bus.
	CmdSkipROM byte = 0xcc
	// CmdReadROM reads the ROM ID of the only device on the bus.
	CmdReadROM byte = 0x33
)
