// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

// Search enumerates the devices on a bus with the binary-tree ROM search
// algorithm. Repeated First/Next calls visit every device exactly once, in
// an order determined solely by the set of ROM IDs present, regardless of
// which device answers first electrically.
//
// A Search holds per-traversal state and must not be shared between
// concurrent enumerations. Retry policy belongs to the caller; any bus I/O
// failure aborts the traversal and is surfaced as-is.
type Search struct {
	bus    Bus
	filter *FamilyFilter

	alarmOnly bool
	skipReset bool

	lastDiscrepancy       int
	lastFamilyDiscrepancy int
	lastDevice            bool
	rom                   [8]byte
}

// NewSearch returns a search engine over bus with an empty family filter.
func NewSearch(bus Bus) *Search {
	return NewSearchWithFilter(bus, &FamilyFilter{})
}

// NewSearchWithFilter returns a search engine over bus that applies the
// given, possibly shared, family filter to its results.
func NewSearchWithFilter(bus Bus, filter *FamilyFilter) *Search {
	return &Search{bus: bus, filter: filter}
}

// Filter returns the family filter applied to search results.
func (s *Search) Filter() *FamilyFilter {
	return s.filter
}

// SetAlarmOnly restricts the search to devices in an alarm state.
func (s *Search) SetAlarmOnly(alarmOnly bool) {
	s.alarmOnly = alarmOnly
}

// AlarmOnly reports whether only alarming devices are searched.
func (s *Search) AlarmOnly() bool {
	return s.alarmOnly
}

// SetSkipReset suppresses the reset pulse that normally precedes each
// traversal, for transports that reset as part of the search command.
func (s *Search) SetSkipReset(skip bool) {
	s.skipReset = skip
}

// ResetSearch discards all traversal state so the next call to Next starts
// over from the first device. The family filter is left untouched.
func (s *Search) ResetSearch() {
	s.lastDiscrepancy = 0
	s.lastFamilyDiscrepancy = 0
	s.lastDevice = false
	s.rom = [8]byte{}
}

// First restarts the enumeration and returns the first device.
func (s *Search) First() (Address, bool, error) {
	s.ResetSearch()
	return s.Next()
}

// Next returns the next device in the enumeration. The boolean result is
// false once every device has been reported.
func (s *Search) Next() (Address, bool, error) {
	for {
		addr, ok, err := s.traverse()
		if err != nil || !ok {
			return 0, false, err
		}
		if s.filter.Allowed(addr.Family()) {
			return addr, true, nil
		}
		// The whole remaining subtree of this family is filtered out.
		// Rewind to the last family-boundary discrepancy instead of
		// restarting from scratch.
		s.lastDiscrepancy = s.lastFamilyDiscrepancy
		s.lastFamilyDiscrepancy = 0
		s.lastDevice = false
		if s.lastDiscrepancy == 0 {
			s.ResetSearch()
			return 0, false, nil
		}
	}
}

// traverse performs one full 64-bit traversal, yielding one device.
func (s *Search) traverse() (Address, bool, error) {
	if s.lastDevice {
		s.ResetSearch()
		return 0, false, nil
	}

	if !s.skipReset {
		present, err := s.bus.Reset()
		if err != nil {
			s.ResetSearch()
			return 0, false, err
		}
		if !present {
			s.ResetSearch()
			return 0, false, nil
		}
	}

	cmd := CmdSearchROM
	if s.alarmOnly {
		cmd = CmdAlarmSearch
	}
	if err := s.bus.PutByte(cmd); err != nil {
		s.ResetSearch()
		return 0, false, err
	}

	var rom [8]byte
	lastZero, familyZero := 0, 0
	for bit := 1; bit <= 64; bit++ {
		// Follow the previous path above the last discrepancy, flip to
		// the 1-branch exactly at it, and prefer 0 below it.
		var direction bool
		switch {
		case bit < s.lastDiscrepancy:
			direction = romBit(&s.rom, bit)
		case bit == s.lastDiscrepancy:
			direction = true
		}

		tr, err := s.bus.Triplet(direction)
		if err != nil {
			s.ResetSearch()
			return 0, false, err
		}
		if !tr.GotZero && !tr.GotOne {
			// Every device dropped out mid-traversal.
			s.ResetSearch()
			return 0, false, nil
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			lastZero = bit
			if bit <= 8 {
				familyZero = bit
			}
		}
		setRomBit(&rom, bit, tr.Taken != 0)
	}

	s.lastDiscrepancy = lastZero
	s.lastFamilyDiscrepancy = familyZero
	s.lastDevice = lastZero == 0
	s.rom = rom

	addr, _ := AddressFromBytes(rom[:])
	if !addr.IsValid() {
		s.ResetSearch()
		return 0, false, IntegrityError("onewire: search assembled address " + addr.String() + " with a bad CRC8")
	}
	return addr, true, nil
}

// romBit returns bit number 1..64 of a ROM ID in transmission order: bit 1
// is the least significant bit of the family code.
func romBit(rom *[8]byte, bit int) bool {
	return rom[(bit-1)/8]&(1<<uint((bit-1)%8)) != 0
}

func setRomBit(rom *[8]byte, bit int, v bool) {
	if v {
		rom[(bit-1)/8] |= 1 << uint((bit-1)%8)
	} else {
		rom[(bit-1)/8] &^= 1 << uint((bit-1)%8)
	}
}
