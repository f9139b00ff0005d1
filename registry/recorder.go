// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package registry

import (
	"log"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Recorder is a monitor listener that persists arrivals and departures
// into a Repository. Storage errors are logged, not propagated; losing a
// history entry must never disturb the bus polling.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

// NewRecorder wraps repo as a monitor listener.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

func (r *Recorder) Arrival(addr onewire.Address) {
	if err := r.repo.MarkPresent(addr, r.now()); err != nil {
		log.Printf("registry: recording arrival of %s: %v", addr, err)
	}
}

func (r *Recorder) Departure(addr onewire.Address) {
	if err := r.repo.MarkAbsent(addr, r.now()); err != nil {
		log.Printf("registry: recording departure of %s: %v", addr, err)
	}
}

func (r *Recorder) Fault(err error) {
	log.Printf("registry: bus fault: %v", err)
}
