// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sim

import (
	"github.com/jwinarske/winrt-onewire/onewire"
)

// Transport commands understood by the simulated NVRAM device. These are
// the generic scratchpad-backed memory commands shared by the Dallas NVRAM
// family.
const (
	cmdReadMemory      = 0xf0
	cmdReadPageCRC     = 0xa5
	cmdWriteScratchpad = 0x0f
	cmdReadScratchpad  = 0xaa
	cmdCopyScratchpad  = 0x55
)

const (
	phaseIdle = iota // selected, waiting for a transport command
	phaseArgs
	phaseWriteData
	phaseStream
)

// NVRAM is a simulated general-purpose scratchpad-backed memory device. It
// answers the generic NVRAM command set: read memory, read page with
// on-the-fly CRC16, and the write-scratchpad / read-scratchpad /
// copy-scratchpad staging sequence.
type NVRAM struct {
	rom     onewire.Address
	alarm   bool
	pageLen int
	mem     []byte

	scratch    []byte
	scratchLen int
	ta         uint16
	es         byte

	phase   int
	cmd     byte
	argNeed int
	args    []byte
	wcount  int
	out     []byte
	outPos  int
}

// NewNVRAM returns a simulated memory device with the given ROM ID and
// pages*pageLen bytes of storage, initially all 0xff like fresh EEPROM.
func NewNVRAM(rom onewire.Address, pages, pageLen int) *NVRAM {
	mem := make([]byte, pages*pageLen)
	for i := range mem {
		mem[i] = 0xff
	}
	return &NVRAM{
		rom:     rom,
		pageLen: pageLen,
		mem:     mem,
		scratch: make([]byte, pageLen),
	}
}

// ROM implements Device.
func (n *NVRAM) ROM() onewire.Address {
	return n.rom
}

// Alarming implements Device.
func (n *NVRAM) Alarming() bool {
	return n.alarm
}

// SetAlarm changes whether the device answers alarm-only searches.
func (n *NVRAM) SetAlarm(alarm bool) {
	n.alarm = alarm
}

// Peek returns a copy of n bytes of memory starting at addr, for test
// setup and verification outside the bus protocol.
func (n *NVRAM) Peek(addr, count int) []byte {
	out := make([]byte, count)
	copy(out, n.mem[addr:])
	return out
}

// Poke writes data directly into memory at addr, bypassing the scratchpad.
func (n *NVRAM) Poke(addr int, data []byte) {
	copy(n.mem[addr:], data)
}

func (n *NVRAM) busReset() {
	n.phase = phaseIdle
}

func (n *NVRAM) txByte(b byte) byte {
	switch n.phase {
	case phaseIdle:
		n.cmd = b
		n.args = n.args[:0]
		switch b {
		case cmdReadMemory, cmdReadPageCRC, cmdWriteScratchpad:
			n.argNeed = 2
			n.phase = phaseArgs
		case cmdCopyScratchpad:
			n.argNeed = 3
			n.phase = phaseArgs
		case cmdReadScratchpad:
			n.out = append(n.out[:0], byte(n.ta), byte(n.ta>>8), n.es)
			n.out = append(n.out, n.scratch[:n.scratchLen]...)
			n.outPos = 0
			n.phase = phaseStream
		}
		return b
	case phaseArgs:
		n.args = append(n.args, b)
		if len(n.args) == n.argNeed {
			n.startCommand()
		}
		return b
	case phaseWriteData:
		if n.wcount < n.pageLen {
			n.scratch[n.wcount] = b
			n.wcount++
			n.scratchLen = n.wcount
			n.es = byte(n.wcount - 1)
		}
		return b
	case phaseStream:
		if n.outPos < len(n.out) {
			v := n.out[n.outPos]
			n.outPos++
			return v
		}
		return 0xff
	default:
		return 0xff
	}
}

// startCommand runs once all argument bytes of the pending command arrived.
func (n *NVRAM) startCommand() {
	ta := uint16(n.args[0]) | uint16(n.args[1])<<8
	switch n.cmd {
	case cmdReadMemory:
		n.out = n.out[:0]
		if int(ta) < len(n.mem) {
			n.out = append(n.out, n.mem[ta:]...)
		}
		n.outPos = 0
		n.phase = phaseStream
	case cmdReadPageCRC:
		n.out = n.out[:0]
		end := int(ta) + n.pageLen
		if int(ta) >= len(n.mem) || end > len(n.mem) {
			n.phase = phaseIdle
			return
		}
		data := n.mem[ta:end]
		crc := onewire.CRC16(0, n.cmd, n.args[0], n.args[1])
		crc = onewire.CRC16(crc, data...)
		crc ^= 0xffff
		n.out = append(n.out, data...)
		n.out = append(n.out, byte(crc), byte(crc>>8))
		n.outPos = 0
		n.phase = phaseStream
	case cmdWriteScratchpad:
		n.ta = ta
		n.wcount = 0
		n.scratchLen = 0
		n.es = 0
		n.phase = phaseWriteData
	case cmdCopyScratchpad:
		// The authorization bytes must match the staged write exactly.
		if ta == n.ta && n.args[2] == n.es && n.scratchLen > 0 {
			if int(n.ta)+n.scratchLen <= len(n.mem) {
				copy(n.mem[n.ta:], n.scratch[:n.scratchLen])
			}
		}
		n.phase = phaseIdle
	}
}

var _ Device = &NVRAM{}
