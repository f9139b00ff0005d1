// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mem implements CRC-protected paged access to 1-wire device
// memory: raw and verified page reads, Universal Data Packet framing for
// variable-length payloads, and the staged write-verify-commit protocol
// that keeps a failed write from corrupting a page.
package mem

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Generic transport commands of scratchpad-backed memory devices.
const (
	cmdReadMemory      = 0xf0
	cmdReadPageCRC     = 0xa5
	cmdWriteScratchpad = 0x0f
	cmdReadScratchpad  = 0xaa
	cmdCopyScratchpad  = 0x55
)

// Bank is one memory bank of a device on a bus. All operations are
// synchronous request/response exchanges; operations that take a cont flag
// skip device reselection when immediately following another operation on
// the same bank inside one exclusive-access scope.
type Bank struct {
	bus  onewire.Bus
	addr onewire.Address
	desc Descriptor
}

// NewBank returns a bank of the device at addr described by desc.
func NewBank(bus onewire.Bus, addr onewire.Address, desc Descriptor) (*Bank, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	return &Bank{bus: bus, addr: addr, desc: desc}, nil
}

// Descriptor returns the static description of the bank.
func (b *Bank) Descriptor() Descriptor {
	return b.desc
}

func (b *Bank) String() string {
	return fmt.Sprintf("%s{%s}", b.desc.Name, b.addr)
}

// selectDevice resets the bus and addresses the bank's device. With cont
// set the device is assumed to still be selected from a previous operation.
func (b *Bank) selectDevice(cont bool) error {
	if cont {
		return nil
	}
	present, err := b.bus.Reset()
	if err != nil {
		return err
	}
	if !present {
		return onewire.IOError("mem: no device present on the bus")
	}
	if err := b.bus.PutByte(onewire.CmdMatchROM); err != nil {
		return err
	}
	rom := b.addr.Bytes()
	return b.bus.Block(rom[:])
}

func (b *Bank) checkPage(page int) error {
	if page < 0 || page >= b.desc.Pages {
		return fmt.Errorf("mem: page %d out of range 0..%d", page, b.desc.Pages-1)
	}
	return nil
}

// pageTarget returns the two target-address bytes of a page.
func (b *Bank) pageTarget(page int) (byte, byte) {
	abs := b.desc.Start + page*b.desc.PageLength
	return byte(abs), byte(abs >> 8)
}

// ReadPage reads one raw page without any verification.
func (b *Bank) ReadPage(page int, cont bool) ([]byte, error) {
	if err := b.checkPage(page); err != nil {
		return nil, err
	}
	if err := b.selectDevice(cont); err != nil {
		return nil, err
	}
	ta1, ta2 := b.pageTarget(page)
	if err := b.bus.Block([]byte{cmdReadMemory, ta1, ta2}); err != nil {
		return nil, err
	}
	return b.bus.GetBlock(b.desc.PageLength)
}

// ReadPageCRC reads one page under CRC16 protection. A verification
// failure discards the page and returns an IntegrityError; unverified bytes
// are never surfaced.
func (b *Bank) ReadPageCRC(page int, cont bool) ([]byte, error) {
	if b.desc.CRC == CRCNone {
		return nil, errors.New("mem: bank has no CRC protection, use ReadPage")
	}
	if err := b.checkPage(page); err != nil {
		return nil, err
	}
	if err := b.selectDevice(cont); err != nil {
		return nil, err
	}
	ta1, ta2 := b.pageTarget(page)
	if err := b.bus.Block([]byte{cmdReadPageCRC, ta1, ta2}); err != nil {
		return nil, err
	}
	stream, err := b.bus.GetBlock(b.desc.PageLength + 2)
	if err != nil {
		return nil, err
	}
	// The CRC covers the command and target address as well as the data.
	seed := onewire.CRC16(0, cmdReadPageCRC, ta1, ta2)
	if !onewire.CheckCRC16(seed, stream) {
		return nil, onewire.IntegrityError(fmt.Sprintf("mem: CRC16 mismatch reading page %d of %s", page, b.String()))
	}
	return stream[:b.desc.PageLength], nil
}

// ReadPagePacket reads a Universal Data Packet from a page and returns its
// validated payload, never the raw padded buffer.
func (b *Bank) ReadPagePacket(page int, cont bool) ([]byte, error) {
	raw, err := b.ReadPage(page, cont)
	if err != nil {
		return nil, err
	}
	length := int(raw[0])
	if length > b.desc.MaxPacketLength() {
		return nil, onewire.IntegrityError(fmt.Sprintf("mem: invalid packet length %d on page %d", length, page))
	}
	if !onewire.CheckCRC16(uint16(page), raw[:length+3]) {
		return nil, onewire.IntegrityError(fmt.Sprintf("mem: packet CRC16 mismatch on page %d", page))
	}
	payload := make([]byte, length)
	copy(payload, raw[1:])
	return payload, nil
}

// WritePagePacket frames payload as a Universal Data Packet and writes it
// to a page: one length byte, the payload, and the inverted CRC16 seeded
// with the page number, low byte first. Like Write, it takes no continue
// flag; see Write for why.
func (b *Bank) WritePagePacket(page int, payload []byte) error {
	if err := b.checkPage(page); err != nil {
		return err
	}
	if len(payload) > b.desc.MaxPacketLength() {
		return fmt.Errorf("mem: payload of %d bytes exceeds the %d byte packet limit", len(payload), b.desc.MaxPacketLength())
	}
	pkt := make([]byte, 0, len(payload)+3)
	pkt = append(pkt, byte(len(payload)))
	pkt = append(pkt, payload...)
	crc := onewire.CRC16(uint16(page), pkt...) ^ 0xffff
	pkt = append(pkt, byte(crc), byte(crc>>8))
	return b.Write(page*b.desc.PageLength, pkt)
}

// Write stores data at the bank-relative offset through the staged
// write-verify-commit protocol, one page at a time. Any phase failing voids
// the write for that page: the commit command is only issued after the
// scratchpad has been read back and compared byte for byte.
//
// Unlike the read operations Write takes no continue flag. Each phase of
// the protocol starts with its own reset and reselection, and the read
// scratchpad phase leaves the device mid-exchange, so a prior selection
// can never be carried into or out of a write. Write takes its own
// critical section on the bus; a caller already inside one is re-entered,
// not blocked.
func (b *Bank) Write(off int, data []byte) error {
	if b.desc.ReadOnly {
		return fmt.Errorf("mem: bank %q is read only", b.desc.Name)
	}
	if off < 0 || off+len(data) > b.desc.Size() {
		return fmt.Errorf("mem: write of %d bytes at %d exceeds the bank", len(data), off)
	}
	if len(data) == 0 {
		return nil
	}

	granted, err := b.bus.BeginExclusive(true)
	if err != nil {
		return err
	}
	if !granted {
		return onewire.ContentionError("mem: bus is busy")
	}
	defer b.bus.EndExclusive()

	for len(data) > 0 {
		room := b.desc.PageLength - off%b.desc.PageLength
		n := min(room, len(data))
		if err := b.writeVerifyCommit(off, data[:n]); err != nil {
			return err
		}
		off += n
		data = data[n:]
	}
	return nil
}

// writeVerifyCommit stages up to one page worth of data in the scratchpad,
// reads it back, and commits only on an exact match.
func (b *Bank) writeVerifyCommit(off int, data []byte) error {
	if b.desc.Kind == OTP {
		if err := b.checkOTP(off, data); err != nil {
			return err
		}
	}
	abs := b.desc.Start + off
	ta1, ta2 := byte(abs), byte(abs>>8)

	// Phase 1: stage into the scratchpad.
	if err := b.selectDevice(false); err != nil {
		return err
	}
	tx := make([]byte, 0, len(data)+3)
	tx = append(tx, cmdWriteScratchpad, ta1, ta2)
	tx = append(tx, data...)
	if err := b.bus.Block(tx); err != nil {
		return err
	}

	// Phase 2: read back and compare against what was sent.
	if err := b.selectDevice(false); err != nil {
		return err
	}
	if err := b.bus.PutByte(cmdReadScratchpad); err != nil {
		return err
	}
	hdr, err := b.bus.GetBlock(3)
	if err != nil {
		return err
	}
	es := byte(len(data) - 1)
	if hdr[0] != ta1 || hdr[1] != ta2 || hdr[2] != es {
		return onewire.IntegrityError("mem: scratchpad target does not match the staged write")
	}
	back, err := b.bus.GetBlock(len(data))
	if err != nil {
		return err
	}
	if !bytes.Equal(back, data) {
		return onewire.IntegrityError("mem: scratchpad readback differs from the staged data")
	}

	// Phase 3: commit.
	if err := b.selectDevice(false); err != nil {
		return err
	}
	return b.bus.Block([]byte{cmdCopyScratchpad, ta1, ta2, es})
}

// checkOTP rejects writes that would set already-programmed bits back to 1.
func (b *Bank) checkOTP(off int, data []byte) error {
	page := off / b.desc.PageLength
	current, err := b.ReadPage(page, false)
	if err != nil {
		return err
	}
	rel := off % b.desc.PageLength
	for i, v := range data {
		if old := current[rel+i]; old&v != v {
			return fmt.Errorf("mem: OTP write at %d would set programmed bits (%#02x over %#02x)", off+i, v, old)
		}
	}
	return nil
}
