// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Memory is an in-process Repository, for tests and for daemons run
// without a database path.
type Memory struct {
	mu      sync.Mutex
	records map[onewire.Address]Record
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{records: map[onewire.Address]Record{}}
}

// MarkPresent implements Repository.
func (m *Memory) MarkPresent(addr onewire.Address, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[addr]
	if !ok {
		r = Record{Address: addr, Family: addr.Family(), FirstSeen: at}
	}
	r.LastSeen = at
	r.Present = true
	m.records[addr] = r
	return nil
}

// MarkAbsent implements Repository.
func (m *Memory) MarkAbsent(addr onewire.Address, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[addr]
	if !ok {
		return nil
	}
	r.LastSeen = at
	r.Present = false
	m.records[addr] = r
	return nil
}

// Get implements Repository.
func (m *Memory) Get(addr onewire.Address) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[addr]
	return r, ok, nil
}

// List implements Repository.
func (m *Memory) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Close implements Repository.
func (m *Memory) Close() error {
	return nil
}

var _ Repository = &Memory{}
