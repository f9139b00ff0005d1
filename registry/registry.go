// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package registry persists the devices ever seen on a bus, so presence
// history survives restarts.
package registry

import (
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Record is one device's presence history.
type Record struct {
	Address   onewire.Address
	Family    byte
	FirstSeen time.Time
	LastSeen  time.Time
	Present   bool
}

// Repository stores device records keyed by ROM address.
type Repository interface {
	// MarkPresent records that addr answered a poll at the given time,
	// creating the record on first sight.
	MarkPresent(addr onewire.Address, at time.Time) error
	// MarkAbsent records that addr has departed.
	MarkAbsent(addr onewire.Address, at time.Time) error
	// Get returns the record for addr, and whether one exists.
	Get(addr onewire.Address) (Record, bool, error)
	// List returns all records, present or not, in address order.
	List() ([]Record, error)
	Close() error
}
