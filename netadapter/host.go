// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Host exposes a single local onewire.Bus to remote Clients over TCP.
//
// Each accepted connection gets its own goroutine; the bus itself
// serializes the actual transactions. Exclusive access held by a
// connection is force-released when that connection goes away.
type Host struct {
	bus    onewire.Bus
	secret []byte
	filter *onewire.FamilyFilter

	// excl arbitrates exclusive access between connections. The bus sees
	// the host as a single caller, so contention has to be resolved here
	// before the grant is taken downstairs.
	excl onewire.Lock

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewHost wraps bus for remote access. The filter is shared with whatever
// else enumerates the bus on the host (a monitor, typically) so that
// remote family commands take effect there; pass nil to use a private one.
func NewHost(bus onewire.Bus, secret []byte, filter *onewire.FamilyFilter) *Host {
	if filter == nil {
		filter = &onewire.FamilyFilter{}
	}
	return &Host{
		bus:    bus,
		secret: append([]byte(nil), secret...),
		filter: filter,
		conns:  map[net.Conn]struct{}{},
	}
}

// Listen binds the TCP listener. Use addr ":0" to pick a free port, then
// Port to learn it (and announce it, see Announcer).
func (h *Host) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()
	return nil
}

// Port returns the bound TCP port, or 0 before Listen.
func (h *Host) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return 0
	}
	if a, ok := h.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve accepts connections until Close. It returns nil after Close,
// otherwise the accept error.
func (h *Host) Serve() error {
	h.mu.Lock()
	ln := h.ln
	h.mu.Unlock()
	if ln == nil {
		return errors.New("netadapter: Serve before Listen")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return nil
		}
		h.conns[conn] = struct{}{}
		h.wg.Add(1)
		h.mu.Unlock()
		go func() {
			defer h.wg.Done()
			h.serve(conn)
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			conn.Close()
		}()
	}
}

// Close stops accepting, drops all live connections and waits for their
// goroutines to drain.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ln := h.ln
	for conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	h.wg.Wait()
	return err
}

// serve runs the handshake and then the command loop for one connection.
func (h *Host) serve(conn net.Conn) {
	f := newFrame(conn)

	// Version first; the client acks or bails.
	if err := f.writeUint32(ProtocolVersion); err == nil {
		err = f.flush()
	} else {
		return
	}
	ack, err := f.readByte()
	if err != nil || ack != statusSuccess {
		return
	}

	// Challenge-response on the shared secret. The comparison is constant
	// time; a failed response gets a clean FAILURE before the hangup.
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return
	}
	if _, err := f.w.Write(challenge); err != nil {
		return
	}
	if err := f.flush(); err != nil {
		return
	}
	resp, err := f.readUint32()
	if err != nil {
		return
	}
	var got, want [4]byte
	binary.BigEndian.PutUint32(got[:], resp)
	binary.BigEndian.PutUint32(want[:], authResponse(h.secret, challenge))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		log.Printf("netadapter: %s: authentication failed", conn.RemoteAddr())
		_ = f.writeStatus(onewire.IOError("bad credentials"))
		_ = f.flush()
		return
	}
	if err := f.writeStatus(nil); err != nil {
		return
	}
	if err := f.flush(); err != nil {
		return
	}

	var exclTok *onewire.Token
	defer func() {
		if exclTok != nil {
			h.bus.EndExclusive()
			for exclTok.Depth() > 0 {
				_ = h.excl.Release(exclTok)
			}
		}
	}()

	for {
		cmd, err := f.readByte()
		if err != nil {
			return
		}
		done, err := h.dispatch(f, cmd, &exclTok)
		if done {
			return
		}
		if err != nil {
			// Argument stream out of sync or connection gone; the only
			// safe move is to drop the connection.
			return
		}
		if err := f.flush(); err != nil {
			return
		}
	}
}

// dispatch executes one command. The returned error means the connection
// must be dropped; bus errors are reported in-band via the status byte.
func (h *Host) dispatch(f *frame, cmd byte, exclTok **onewire.Token) (done bool, _ error) {
	switch cmd {
	case cmdClose:
		return true, nil

	case cmdPing:
		return false, f.writeStatus(nil)

	case cmdReset:
		present, err := h.bus.Reset()
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		return false, f.writeBool(present)

	case cmdPutBit:
		bit, err := f.readBool()
		if err != nil {
			return false, err
		}
		return false, f.writeStatus(h.bus.PutBit(bit))

	case cmdGetBit:
		bit, err := h.bus.GetBit()
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		return false, f.writeBool(bit)

	case cmdPutByte:
		b, err := f.readByte()
		if err != nil {
			return false, err
		}
		return false, f.writeStatus(h.bus.PutByte(b))

	case cmdGetByte:
		b, err := h.bus.GetByte()
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		return false, f.writeByte(b)

	case cmdGetBlock:
		n, err := f.readUint32()
		if err != nil {
			return false, err
		}
		if n > maxBlock {
			return false, errors.New("netadapter: oversized block request")
		}
		buf, err := h.bus.GetBlock(int(n))
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		_, err = f.w.Write(buf)
		return false, err

	case cmdBlock:
		buf, err := f.readBlock()
		if err != nil {
			return false, err
		}
		err = h.bus.Block(buf)
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		_, err = f.w.Write(buf)
		return false, err

	case cmdTriplet:
		dir, err := f.readBool()
		if err != nil {
			return false, err
		}
		tr, err := h.bus.Triplet(dir)
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		var bits byte
		if tr.GotZero {
			bits |= tripletGotZero
		}
		if tr.GotOne {
			bits |= tripletGotOne
		}
		if tr.Taken != 0 {
			bits |= tripletTaken
		}
		return false, f.writeByte(bits)

	case cmdSetSpeed:
		v, err := f.readUint32()
		if err != nil {
			return false, err
		}
		return false, f.writeStatus(h.bus.SetSpeed(onewire.Speed(v)))

	case cmdGetSpeed:
		if err := f.writeStatus(nil); err != nil {
			return false, err
		}
		return false, f.writeUint32(uint32(h.bus.Speed()))

	case cmdSetPowerDuration:
		ms, err := f.readUint32()
		if err != nil {
			return false, err
		}
		return false, f.writeStatus(h.bus.SetPowerDuration(time.Duration(ms) * time.Millisecond))

	case cmdGetPowerDuration:
		if err := f.writeStatus(nil); err != nil {
			return false, err
		}
		return false, f.writeUint32(uint32(h.bus.PowerDuration() / time.Millisecond))

	case cmdStartPowerDelivery, cmdStartProgramPulse:
		when, err := f.readUint32()
		if err != nil {
			return false, err
		}
		var ok bool
		if cmd == cmdStartPowerDelivery {
			ok, err = h.bus.StartPowerDelivery(onewire.ChangeCondition(when))
		} else {
			ok, err = h.bus.StartProgramPulse(onewire.ChangeCondition(when))
		}
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		return false, f.writeBool(ok)

	case cmdStartBreak:
		return false, f.writeStatus(h.bus.StartBreak())

	case cmdSetPowerNormal:
		return false, f.writeStatus(h.bus.SetPowerNormal())

	case cmdTargetFamily:
		families, err := f.readBlock()
		if err != nil {
			return false, err
		}
		h.filter.Target(families...)
		return false, f.writeStatus(nil)

	case cmdExcludeFamily:
		families, err := f.readBlock()
		if err != nil {
			return false, err
		}
		h.filter.Exclude(families...)
		return false, f.writeStatus(nil)

	case cmdTargetAll:
		h.filter.TargetAll()
		return false, f.writeStatus(nil)

	case cmdBeginExclusive:
		block, err := f.readBool()
		if err != nil {
			return false, err
		}
		got, err := h.beginExclusive(block, exclTok)
		if err := f.writeStatus(err); err != nil {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		return false, f.writeBool(got)

	case cmdEndExclusive:
		if *exclTok != nil {
			tok := *exclTok
			if tok.Depth() == 1 {
				h.bus.EndExclusive()
				*exclTok = nil
			}
			_ = h.excl.Release(tok)
		}
		return false, f.writeStatus(nil)

	default:
		log.Printf("netadapter: unknown command 0x%02x, dropping connection", cmd)
		return true, nil
	}
}

// beginExclusive takes the inter-connection lock and only then the bus
// grant. Re-entry by the connection that already holds the grant deepens
// it without touching the bus again.
func (h *Host) beginExclusive(block bool, exclTok **onewire.Token) (bool, error) {
	if *exclTok != nil {
		if err := h.excl.Hold(*exclTok); err != nil {
			return false, err
		}
		return true, nil
	}
	var tok *onewire.Token
	if block {
		t, err := h.excl.Acquire(0)
		if err != nil {
			return false, err
		}
		tok = t
	} else {
		t, ok := h.excl.TryAcquire()
		if !ok {
			return false, nil
		}
		tok = t
	}
	got, err := h.bus.BeginExclusive(block)
	if err != nil || !got {
		_ = h.excl.Release(tok)
		return got, err
	}
	*exclTok = tok
	return true, nil
}
