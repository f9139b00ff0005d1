// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
)

// Client is a remote 1-wire bus: it implements onewire.Bus by tunneling
// every primitive to a Host over a persistent TCP connection.
//
// A malformed reply is fatal to the connection and triggers one automatic
// reconnect with the cached address and secret; the failed operation itself
// is still reported to the caller. A clean FAILURE from the host never
// reconnects.
type Client struct {
	addr   string
	secret []byte

	mu   sync.Mutex // serializes commands, like the half-duplex bus itself
	conn net.Conn
	f    *frame

	lock        onewire.Lock
	exclMu      sync.Mutex
	excl        *onewire.Token
	exclTimeout time.Duration

	// Last known settings, guarded by mu like the connection itself.
	speed onewire.Speed
	pdur  time.Duration
}

// Dial connects and authenticates to the host at addr, typically found
// through Discover.
func Dial(addr string, secret []byte) (*Client, error) {
	c := &Client{
		addr:        addr,
		secret:      append([]byte(nil), secret...),
		exclTimeout: onewire.DefaultExclusiveTimeout,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect performs the version handshake and challenge-response
// authentication. c.mu must be held.
func (c *Client) connect() error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return err
	}
	f := newFrame(conn)

	// The host speaks first with its protocol version.
	ver, err := f.readUint32()
	if err != nil {
		conn.Close()
		return onewire.ProtocolError("netadapter: connection lost during version handshake: " + err.Error())
	}
	if ver != ProtocolVersion {
		_ = f.writeByte(statusFailure)
		_ = f.flush()
		conn.Close()
		return onewire.ProtocolError(fmt.Sprintf("netadapter: host speaks protocol version %d, this client version %d", ver, ProtocolVersion))
	}
	if err := f.writeByte(statusSuccess); err == nil {
		err = f.flush()
	}
	if err != nil {
		conn.Close()
		return onewire.ProtocolError("netadapter: connection lost during version handshake: " + err.Error())
	}

	// Challenge-response authentication on the shared secret.
	challenge := make([]byte, challengeSize)
	if err := f.readFull(challenge); err != nil {
		conn.Close()
		return onewire.ProtocolError("netadapter: connection lost reading challenge: " + err.Error())
	}
	if err := f.writeUint32(authResponse(c.secret, challenge)); err == nil {
		err = f.flush()
	}
	if err != nil {
		conn.Close()
		return onewire.ProtocolError("netadapter: connection lost answering challenge: " + err.Error())
	}
	if err := f.readStatus(); err != nil {
		conn.Close()
		return onewire.ProtocolError("netadapter: authentication failed: " + err.Error())
	}

	c.conn = conn
	c.f = f
	return nil
}

// closeLocked tears down the connection. c.mu must be held.
func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.f = nil
	}
}

// exchange runs one command against the connection, reconnecting first if
// a previous protocol error tore the connection down, and once afterwards
// if op itself hit a malformed reply.
func (c *Client) exchange(op func(f *frame) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return err
		}
	}
	err := op(c.f)
	if onewire.IsProtocolError(err) {
		// The stream framing can no longer be trusted. Reconnect with the
		// cached parameters; the failed operation is still reported.
		c.closeLocked()
		if rerr := c.connect(); rerr != nil {
			c.closeLocked()
		}
	}
	return err
}

// send writes a command and its argument writer, then flushes.
func send(f *frame, cmd byte, args func() error) error {
	if err := f.writeByte(cmd); err != nil {
		return onewire.ProtocolError("netadapter: connection lost: " + err.Error())
	}
	if args != nil {
		if err := args(); err != nil {
			return onewire.ProtocolError("netadapter: connection lost: " + err.Error())
		}
	}
	if err := f.flush(); err != nil {
		return onewire.ProtocolError("netadapter: connection lost: " + err.Error())
	}
	return nil
}

// simple runs a command with no result payload.
func (c *Client) simple(cmd byte, args func(f *frame) error) error {
	return c.exchange(func(f *frame) error {
		var fn func() error
		if args != nil {
			fn = func() error { return args(f) }
		}
		if err := send(f, cmd, fn); err != nil {
			return err
		}
		return f.readStatus()
	})
}

// simpleCache runs a command with no result payload and, on success,
// applies a cache update while the command mutex is still held.
func (c *Client) simpleCache(cmd byte, args func(f *frame) error, update func()) error {
	return c.exchange(func(f *frame) error {
		if err := send(f, cmd, func() error { return args(f) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		update()
		return nil
	})
}

// Reset implements onewire.Bus.
func (c *Client) Reset() (bool, error) {
	var present bool
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdReset, nil); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		var err error
		if present, err = f.readBool(); err != nil {
			return onewire.ProtocolError("netadapter: truncated reset reply: " + err.Error())
		}
		return nil
	})
	return present, err
}

// PutBit implements onewire.Bus.
func (c *Client) PutBit(bit bool) error {
	return c.simple(cmdPutBit, func(f *frame) error { return f.writeBool(bit) })
}

// GetBit implements onewire.Bus.
func (c *Client) GetBit() (bool, error) {
	var bit bool
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdGetBit, nil); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		var err error
		if bit, err = f.readBool(); err != nil {
			return onewire.ProtocolError("netadapter: truncated bit reply: " + err.Error())
		}
		return nil
	})
	return bit, err
}

// PutByte implements onewire.Bus.
func (c *Client) PutByte(b byte) error {
	return c.simple(cmdPutByte, func(f *frame) error { return f.writeByte(b) })
}

// GetByte implements onewire.Bus.
func (c *Client) GetByte() (byte, error) {
	var b byte
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdGetByte, nil); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		var err error
		if b, err = f.readByte(); err != nil {
			return onewire.ProtocolError("netadapter: truncated byte reply: " + err.Error())
		}
		return nil
	})
	return b, err
}

// GetBlock implements onewire.Bus.
func (c *Client) GetBlock(n int) ([]byte, error) {
	buf := make([]byte, n)
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdGetBlock, func() error { return f.writeUint32(uint32(n)) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		if err := f.readFull(buf); err != nil {
			return onewire.ProtocolError("netadapter: truncated block reply: " + err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Block implements onewire.Bus.
func (c *Client) Block(buf []byte) error {
	return c.exchange(func(f *frame) error {
		if err := send(f, cmdBlock, func() error { return f.writeBlock(buf) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		if err := f.readFull(buf); err != nil {
			return onewire.ProtocolError("netadapter: truncated block reply: " + err.Error())
		}
		return nil
	})
}

// Triplet implements onewire.Bus.
func (c *Client) Triplet(direction bool) (onewire.TripletResult, error) {
	var tr onewire.TripletResult
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdTriplet, func() error { return f.writeBool(direction) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		bits, err := f.readByte()
		if err != nil {
			return onewire.ProtocolError("netadapter: truncated triplet reply: " + err.Error())
		}
		tr.GotZero = bits&tripletGotZero != 0
		tr.GotOne = bits&tripletGotOne != 0
		if bits&tripletTaken != 0 {
			tr.Taken = 1
		}
		return nil
	})
	return tr, err
}

// Speed implements onewire.Bus. It queries the host; if the query fails
// the last locally known speed is returned.
func (c *Client) Speed() onewire.Speed {
	var speed onewire.Speed
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdGetSpeed, nil); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		v, err := f.readUint32()
		if err != nil {
			return onewire.ProtocolError("netadapter: truncated speed reply: " + err.Error())
		}
		speed = onewire.Speed(v)
		c.speed = speed
		return nil
	})
	if err != nil {
		c.mu.Lock()
		speed = c.speed
		c.mu.Unlock()
	}
	return speed
}

// SetSpeed implements onewire.Bus.
func (c *Client) SetSpeed(s onewire.Speed) error {
	return c.simpleCache(cmdSetSpeed, func(f *frame) error { return f.writeUint32(uint32(s)) }, func() {
		c.speed = s
	})
}

// PowerDuration implements onewire.Bus.
func (c *Client) PowerDuration() time.Duration {
	var d time.Duration
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdGetPowerDuration, nil); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		ms, err := f.readUint32()
		if err != nil {
			return onewire.ProtocolError("netadapter: truncated duration reply: " + err.Error())
		}
		d = time.Duration(ms) * time.Millisecond
		c.pdur = d
		return nil
	})
	if err != nil {
		c.mu.Lock()
		d = c.pdur
		c.mu.Unlock()
	}
	return d
}

// SetPowerDuration implements onewire.Bus.
func (c *Client) SetPowerDuration(d time.Duration) error {
	return c.simpleCache(cmdSetPowerDuration, func(f *frame) error {
		return f.writeUint32(uint32(d / time.Millisecond))
	}, func() {
		c.pdur = d
	})
}

// StartPowerDelivery implements onewire.Bus.
func (c *Client) StartPowerDelivery(when onewire.ChangeCondition) (bool, error) {
	return c.startPulse(cmdStartPowerDelivery, when)
}

// StartProgramPulse implements onewire.Bus.
func (c *Client) StartProgramPulse(when onewire.ChangeCondition) (bool, error) {
	return c.startPulse(cmdStartProgramPulse, when)
}

func (c *Client) startPulse(cmd byte, when onewire.ChangeCondition) (bool, error) {
	var ok bool
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmd, func() error { return f.writeUint32(uint32(when)) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		var err error
		if ok, err = f.readBool(); err != nil {
			return onewire.ProtocolError("netadapter: truncated pulse reply: " + err.Error())
		}
		return nil
	})
	return ok, err
}

// StartBreak implements onewire.Bus.
func (c *Client) StartBreak() error {
	return c.simple(cmdStartBreak, nil)
}

// SetPowerNormal implements onewire.Bus.
func (c *Client) SetPowerNormal() error {
	return c.simple(cmdSetPowerNormal, nil)
}

// TargetFamily restricts the host-side enumeration (its monitor and any
// host-local consumers) to the given families.
func (c *Client) TargetFamily(families ...byte) error {
	return c.simple(cmdTargetFamily, func(f *frame) error { return f.writeBlock(families) })
}

// ExcludeFamily removes the given families from the host-side enumeration.
func (c *Client) ExcludeFamily(families ...byte) error {
	return c.simple(cmdExcludeFamily, func(f *frame) error { return f.writeBlock(families) })
}

// TargetAllFamilies clears the host-side family filter.
func (c *Client) TargetAllFamilies() error {
	return c.simple(cmdTargetAll, nil)
}

// Ping verifies the connection is alive and authenticated.
func (c *Client) Ping() error {
	return c.simple(cmdPing, nil)
}

// BeginExclusive implements onewire.Bus. Exclusive access to a remote bus
// is a two-node problem: the local token lock and the remote host's grant
// are both required. A remote refusal releases the local token so no
// orphaned exclusivity persists. Acquisition is re-entrant while this
// handle already holds the bus; the host deepens its grant in step.
func (c *Client) BeginExclusive(block bool) (bool, error) {
	c.exclMu.Lock()
	tok := c.excl
	held := tok != nil
	if held {
		if err := c.lock.Hold(tok); err != nil {
			c.exclMu.Unlock()
			return false, err
		}
	}
	c.exclMu.Unlock()

	if !held {
		if block {
			t, err := c.lock.Acquire(c.exclTimeout)
			if err != nil {
				return false, err
			}
			tok = t
		} else {
			t, ok := c.lock.TryAcquire()
			if !ok {
				return false, nil
			}
			tok = t
		}
	}

	var granted bool
	err := c.exchange(func(f *frame) error {
		if err := send(f, cmdBeginExclusive, func() error { return f.writeBool(block) }); err != nil {
			return err
		}
		if err := f.readStatus(); err != nil {
			return err
		}
		var err error
		if granted, err = f.readBool(); err != nil {
			return onewire.ProtocolError("netadapter: truncated exclusive reply: " + err.Error())
		}
		return nil
	})
	if err != nil || !granted {
		_ = c.lock.Release(tok)
		return false, err
	}
	if !held {
		c.exclMu.Lock()
		c.excl = tok
		c.exclMu.Unlock()
	}
	return true, nil
}

// EndExclusive implements onewire.Bus. Each call releases one level on
// both ends; the bus frees up once the outermost level is released.
func (c *Client) EndExclusive() {
	_ = c.simple(cmdEndExclusive, nil)
	c.exclMu.Lock()
	defer c.exclMu.Unlock()
	tok := c.excl
	if tok == nil {
		return
	}
	if tok.Depth() == 1 {
		c.excl = nil
	}
	_ = c.lock.Release(tok)
}

// Close implements onewire.Bus.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.f.writeByte(cmdClose)
		_ = c.f.flush()
	}
	c.closeLocked()
	return nil
}

var _ onewire.Bus = &Client{}
