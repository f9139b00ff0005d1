// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package monitor polls a 1-wire bus and reports device arrivals and
// departures.
//
// Buses are electrically noisy and devices are parasitically powered, so a
// single missed enumeration means nothing. The monitor debounces: a device
// departs only after it has been missed on more consecutive polls than the
// departure threshold allows, while an arrival is reported on first sight.
package monitor

import (
	"sync"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Listener receives device and bus health events. Callbacks run on the
// monitor's goroutine; they must not block for long and must not call back
// into the monitor's lifecycle methods.
type Listener interface {
	// Arrival is called the first poll a device answers the search.
	Arrival(addr onewire.Address)
	// Departure is called once a device has been missing long enough to
	// be considered gone.
	Departure(addr onewire.Address)
	// Fault is called when enumeration has failed on enough consecutive
	// polls to suggest the bus itself is unhealthy. It is called exactly
	// once per failure streak.
	Fault(err error)
}

// Options configures a Monitor. The zero value gets usable defaults.
type Options struct {
	// Interval between polls. Defaults to 500ms.
	Interval time.Duration
	// DepartureThreshold is the number of consecutive missed polls a
	// device survives; the poll after that reports the departure.
	// Defaults to 3.
	DepartureThreshold int
	// FaultThreshold is the number of consecutive failed enumerations
	// after which Fault fires. Defaults to 6.
	FaultThreshold int
	// Filter restricts enumeration by family code; shared with other
	// users of the bus if desired. Nil means no filtering.
	Filter *onewire.FamilyFilter
	// AlarmOnly polls with the conditional search so only devices in an
	// alarm state count as present.
	AlarmOnly bool
}

type ctlOp int

const (
	ctlPause ctlOp = iota
	ctlResume
	ctlKill
)

type ctlMsg struct {
	op  ctlOp
	ack chan struct{}
}

// Monitor watches one bus. Create with New, then Start.
type Monitor struct {
	bus       onewire.Bus
	interval  time.Duration
	departAt  int
	faultAt   int
	filter    *onewire.FamilyFilter
	alarmOnly bool

	mu        sync.Mutex
	listeners []Listener
	table     map[onewire.Address]int // consecutive missed polls, 0 = seen
	errStreak int
	ctl       chan ctlMsg
	done      chan struct{}
}

// New prepares a stopped monitor for bus.
func New(bus onewire.Bus, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.DepartureThreshold <= 0 {
		opts.DepartureThreshold = 3
	}
	if opts.FaultThreshold <= 0 {
		opts.FaultThreshold = 6
	}
	if opts.Filter == nil {
		opts.Filter = &onewire.FamilyFilter{}
	}
	return &Monitor{
		bus:       bus,
		interval:  opts.Interval,
		departAt:  opts.DepartureThreshold,
		faultAt:   opts.FaultThreshold,
		filter:    opts.Filter,
		alarmOnly: opts.AlarmOnly,
		table:     map[onewire.Address]int{},
	}
}

// AddListener registers l for future events.
func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *Monitor) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.listeners {
		if x == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Present returns the devices currently considered on the bus, including
// ones inside their departure grace period.
func (m *Monitor) Present() []onewire.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]onewire.Address, 0, len(m.table))
	for addr := range m.table {
		out = append(out, addr)
	}
	return out
}

// Running reports whether the polling goroutine exists, paused or not.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctl != nil
}

// Start launches the polling goroutine. Starting a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctl != nil {
		return
	}
	m.ctl = make(chan ctlMsg)
	m.done = make(chan struct{})
	go m.loop(m.ctl, m.done)
}

// Pause suspends polling; the current poll, if one is in flight, completes
// first. It reports whether the monitor acknowledged within the timeout.
func (m *Monitor) Pause(timeout time.Duration) bool {
	return m.control(ctlPause, timeout)
}

// Resume restarts a paused monitor.
func (m *Monitor) Resume(timeout time.Duration) bool {
	return m.control(ctlResume, timeout)
}

// Kill stops the polling goroutine and reports whether it exited within
// the timeout. The presence table survives so a later Start does not
// replay arrivals.
func (m *Monitor) Kill(timeout time.Duration) bool {
	m.mu.Lock()
	ctl := m.ctl
	done := m.done
	m.mu.Unlock()
	if ctl == nil {
		return true
	}
	msg := ctlMsg{op: ctlKill, ack: make(chan struct{})}
	select {
	case ctl <- msg:
	case <-done:
		m.clearCtl()
		return true
	case <-time.After(timeout):
		return false
	}
	select {
	case <-done:
		m.clearCtl()
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Monitor) clearCtl() {
	m.mu.Lock()
	m.ctl = nil
	m.done = nil
	m.mu.Unlock()
}

func (m *Monitor) control(op ctlOp, timeout time.Duration) bool {
	m.mu.Lock()
	ctl := m.ctl
	done := m.done
	m.mu.Unlock()
	if ctl == nil {
		return false
	}
	msg := ctlMsg{op: op, ack: make(chan struct{})}
	select {
	case ctl <- msg:
	case <-done:
		return false
	case <-time.After(timeout):
		return false
	}
	select {
	case <-msg.ack:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Monitor) loop(ctl chan ctlMsg, done chan struct{}) {
	defer close(done)
	paused := false
	for {
		if paused {
			msg := <-ctl
			switch msg.op {
			case ctlResume:
				paused = false
			case ctlKill:
				close(msg.ack)
				return
			}
			close(msg.ack)
			continue
		}
		m.poll()
		select {
		case msg := <-ctl:
			switch msg.op {
			case ctlPause:
				paused = true
			case ctlKill:
				close(msg.ack)
				return
			}
			close(msg.ack)
		case <-time.After(m.interval):
		}
	}
}

// poll runs one enumeration and updates the presence table. Errors never
// stop the monitor; they only feed the fault streak.
func (m *Monitor) poll() {
	seen, err := m.enumerate()

	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	if err != nil {
		m.errStreak++
		streak := m.errStreak
		m.mu.Unlock()
		if streak == m.faultAt {
			for _, l := range listeners {
				l.Fault(err)
			}
		}
		return
	}
	m.errStreak = 0

	var arrivals, departures []onewire.Address
	for addr := range seen {
		if _, known := m.table[addr]; !known {
			arrivals = append(arrivals, addr)
		}
		m.table[addr] = 0
	}
	for addr, misses := range m.table {
		if seen[addr] {
			continue
		}
		misses++
		if misses > m.departAt {
			departures = append(departures, addr)
			delete(m.table, addr)
			continue
		}
		m.table[addr] = misses
	}
	m.mu.Unlock()

	for _, l := range listeners {
		for _, addr := range arrivals {
			l.Arrival(addr)
		}
		for _, addr := range departures {
			l.Departure(addr)
		}
	}
}

// enumerate holds the bus exclusively for one full search pass.
func (m *Monitor) enumerate() (map[onewire.Address]bool, error) {
	got, err := m.bus.BeginExclusive(true)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, onewire.ContentionError("monitor: bus busy")
	}
	defer m.bus.EndExclusive()

	s := onewire.NewSearchWithFilter(m.bus, m.filter)
	s.SetAlarmOnly(m.alarmOnly)
	seen := map[onewire.Address]bool{}
	addr, found, err := s.First()
	for err == nil && found {
		seen[addr] = true
		addr, found, err = s.Next()
	}
	if err != nil {
		return nil, err
	}
	return seen, nil
}
