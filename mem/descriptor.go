// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mem

import "errors"

// CRCMode selects how a bank's page reads are protected.
type CRCMode int

const (
	// CRCNone offers no page-level protection; only raw reads work.
	CRCNone CRCMode = iota
	// CRCDevice means the device generates a CRC16 on the fly while
	// transmitting a page.
	CRCDevice
	// CRCSoftware means the device transmits the trailing CRC16 but the
	// host performs the verification.
	CRCSoftware
)

func (m CRCMode) String() string {
	switch m {
	case CRCNone:
		return "none"
	case CRCDevice:
		return "device CRC"
	case CRCSoftware:
		return "software CRC16"
	default:
		return "unknown"
	}
}

// Kind describes the write behavior of a bank.
type Kind int

const (
	// Raw banks are plain rewritable storage.
	Raw Kind = iota
	// Paged banks are rewritable storage with page-granular CRC checks.
	Paged
	// OTP banks are one-time programmable; bits only clear.
	OTP
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Paged:
		return "paged"
	case OTP:
		return "one-time programmable"
	default:
		return "unknown"
	}
}

// Descriptor statically describes one memory bank of a device. It is fixed
// at bank construction.
type Descriptor struct {
	// Name of the bank, e.g. "main memory".
	Name string
	// Pages is the number of pages in the bank.
	Pages int
	// PageLength is the number of bytes per page.
	PageLength int
	// Start is the byte offset of the bank inside the device address space.
	Start int
	// CRC selects the page read protection.
	CRC CRCMode
	// Kind selects the write behavior.
	Kind Kind
	// ReadOnly banks reject every write.
	ReadOnly bool
	// GeneralPurpose reports whether the bank is free for application use
	// as opposed to holding calibration or status data.
	GeneralPurpose bool
}

// Size returns the total byte size of the bank.
func (d Descriptor) Size() int {
	return d.Pages * d.PageLength
}

// MaxPacketLength returns the largest payload a Universal Data Packet on
// this bank can carry: the page minus the length byte and the CRC16.
func (d Descriptor) MaxPacketLength() int {
	return d.PageLength - 3
}

func (d Descriptor) validate() error {
	if d.Pages <= 0 || d.PageLength <= 0 {
		return errors.New("mem: descriptor needs at least one page and a positive page length")
	}
	if d.PageLength < 4 {
		return errors.New("mem: pages too short to carry a data packet")
	}
	if d.Start < 0 {
		return errors.New("mem: negative bank start address")
	}
	return nil
}
