// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package netadapter tunnels the primitive 1-wire bus contract over a
// persistent, authenticated TCP connection, so a caller can treat a
// physically remote bus exactly like a local one. It also implements the
// multicast discovery sub-protocol used to find hosts on the local
// network.
//
// Every bus primitive is one command byte plus fixed or length-prefixed
// arguments; every reply is one status byte, an error string on failure,
// then the command's result payload. The handshake is a 4-byte version
// exchange followed by a challenge-response authentication keyed on a
// shared secret.
package netadapter

import (
	"bufio"
	"fmt"
	"io"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// ProtocolVersion is exchanged during the handshake; both ends must match
// exactly.
const ProtocolVersion uint32 = 2

const (
	statusSuccess byte = 0xff
	statusFailure byte = 0xf0
)

const challengeSize = 8

// maxBlock bounds length-prefixed reads so a corrupt or hostile peer
// cannot force an unbounded allocation.
const maxBlock = 1 << 20

// Command codes of the steady-state protocol.
const (
	cmdClose byte = 0x08
	cmdPing  byte = 0x09

	cmdReset    byte = 0x10
	cmdPutBit   byte = 0x11
	cmdGetBit   byte = 0x12
	cmdPutByte  byte = 0x13
	cmdGetByte  byte = 0x14
	cmdGetBlock byte = 0x15
	cmdBlock    byte = 0x16
	cmdTriplet  byte = 0x17

	cmdSetSpeed         byte = 0x18
	cmdGetSpeed         byte = 0x19
	cmdSetPowerDuration byte = 0x1a
	cmdGetPowerDuration byte = 0x1b

	cmdStartPowerDelivery byte = 0x1c
	cmdStartProgramPulse  byte = 0x1d
	cmdStartBreak         byte = 0x1e
	cmdSetPowerNormal     byte = 0x1f

	cmdTargetFamily  byte = 0x20
	cmdExcludeFamily byte = 0x21
	cmdTargetAll     byte = 0x22

	cmdBeginExclusive byte = 0x23
	cmdEndExclusive   byte = 0x24
)

// Triplet result bits as encoded on the wire.
const (
	tripletGotZero byte = 1 << 0
	tripletGotOne  byte = 1 << 1
	tripletTaken   byte = 1 << 2
)

// authResponse computes the expected reply to a challenge: the CRC16 of
// the shared secret, chained through the challenge bytes.
func authResponse(secret, challenge []byte) uint32 {
	crc := onewire.CRC16(0, secret...)
	return uint32(onewire.CRC16(crc, challenge...))
}

// frame wraps a connection with buffered, big-endian framed primitives.
type frame struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newFrame(rw io.ReadWriter) *frame {
	return &frame{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

func (f *frame) flush() error {
	return f.w.Flush()
}

func (f *frame) writeByte(b byte) error {
	return f.w.WriteByte(b)
}

func (f *frame) writeBool(v bool) error {
	if v {
		return f.w.WriteByte(1)
	}
	return f.w.WriteByte(0)
}

func (f *frame) writeUint32(v uint32) error {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	_, err := f.w.Write(buf[:])
	return err
}

// writeBlock writes a 4-byte length prefix followed by the bytes.
func (f *frame) writeBlock(b []byte) error {
	if err := f.writeUint32(uint32(len(b))); err != nil {
		return err
	}
	_, err := f.w.Write(b)
	return err
}

func (f *frame) readByte() (byte, error) {
	return f.r.ReadByte()
}

func (f *frame) readBool() (bool, error) {
	b, err := f.r.ReadByte()
	return b != 0, err
}

func (f *frame) readFull(buf []byte) error {
	_, err := io.ReadFull(f.r, buf)
	return err
}

func (f *frame) readUint32() (uint32, error) {
	var buf [4]byte
	if err := f.readFull(buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func (f *frame) readBlock() ([]byte, error) {
	n, err := f.readUint32()
	if err != nil {
		return nil, err
	}
	if n > maxBlock {
		return nil, onewire.ProtocolError(fmt.Sprintf("netadapter: %d byte block exceeds the protocol limit", n))
	}
	buf := make([]byte, n)
	if err := f.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeStatus reports the outcome of a command: a bare SUCCESS, or a
// FAILURE followed by the length-prefixed error text.
func (f *frame) writeStatus(err error) error {
	if err == nil {
		return f.writeByte(statusSuccess)
	}
	if werr := f.writeByte(statusFailure); werr != nil {
		return werr
	}
	return f.writeBlock([]byte(err.Error()))
}

// readStatus consumes a status byte. A clean FAILURE becomes an IOError
// carrying the host's message; anything that is neither SUCCESS nor
// FAILURE is a ProtocolError, fatal to the connection.
func (f *frame) readStatus() error {
	b, err := f.readByte()
	if err != nil {
		return onewire.ProtocolError("netadapter: connection lost reading status: " + err.Error())
	}
	switch b {
	case statusSuccess:
		return nil
	case statusFailure:
		msg, err := f.readBlock()
		if err != nil {
			return onewire.ProtocolError("netadapter: connection lost reading failure detail: " + err.Error())
		}
		return onewire.IOError("netadapter: remote: " + string(msg))
	default:
		return onewire.ProtocolError(fmt.Sprintf("netadapter: malformed status byte %#02x", b))
	}
}
