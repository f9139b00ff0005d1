// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jwinarske/winrt-onewire/onewire"
	"github.com/jwinarske/winrt-onewire/sim"
)

func TestAuthResponse(t *testing.T) {
	secret := []byte("orange")
	challenge := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	// The response chains the CRC through secret then challenge, which is
	// the same as one pass over their concatenation.
	want := uint32(onewire.CRC16(0, append(append([]byte(nil), secret...), challenge...)...))
	if got := authResponse(secret, challenge); got != want {
		t.Fatalf("authResponse = %#x, want %#x", got, want)
	}
	if authResponse([]byte("apple"), challenge) == want {
		t.Fatal("different secrets must not produce the same response")
	}
}

func TestFrameStatus(t *testing.T) {
	var buf bytes.Buffer
	f := newFrame(&buf)

	if err := f.writeStatus(nil); err != nil {
		t.Fatal(err)
	}
	if err := f.flush(); err != nil {
		t.Fatal(err)
	}
	if err := f.readStatus(); err != nil {
		t.Fatalf("SUCCESS status read back as %v", err)
	}

	if err := f.writeStatus(onewire.IOError("no presence")); err != nil {
		t.Fatal(err)
	}
	if err := f.flush(); err != nil {
		t.Fatal(err)
	}
	err := f.readStatus()
	if err == nil {
		t.Fatal("FAILURE status read back as nil")
	}
	if onewire.IsProtocolError(err) {
		t.Fatalf("clean FAILURE must not be a protocol error: %v", err)
	}

	// Anything except the two status bytes means the stream is garbage.
	buf.WriteByte(0x17)
	if err := f.readStatus(); !onewire.IsProtocolError(err) {
		t.Fatalf("malformed status byte: got %v, want protocol error", err)
	}
}

// startHost serves bus on a loopback port and returns its address.
func startHost(t *testing.T, bus onewire.Bus, secret []byte) string {
	t.Helper()
	h := NewHost(bus, secret, nil)
	if err := h.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go h.Serve()
	t.Cleanup(func() { h.Close() })
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(h.Port()))
}

func TestHostClient(t *testing.T) {
	bus := sim.New()
	rom := onewire.Address(0x2900000000000128)
	bus.Attach(sim.NewNVRAM(rom, 4, 32))
	secret := []byte("DS1411")
	addr := startHost(t, bus, secret)

	c, err := Dial(addr, secret)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	present, err := c.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !present {
		t.Fatal("device attached but no presence pulse over the tunnel")
	}

	// A full ROM search through the tunnel must find the same device a
	// local search would.
	s := onewire.NewSearch(c)
	got, ok, err := s.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if !ok || got != rom {
		t.Fatalf("First = %s, %t; want %s", got, ok, rom)
	}
	if _, ok, err := s.Next(); err != nil || ok {
		t.Fatalf("Next after last device = %t, %v; want false, nil", ok, err)
	}
}

func TestHostClientBadSecret(t *testing.T) {
	bus := sim.New()
	addr := startHost(t, bus, []byte("right"))

	c, err := Dial(addr, []byte("wrong"))
	if err == nil {
		c.Close()
		t.Fatal("Dial with the wrong secret succeeded")
	}
	if !onewire.IsProtocolError(err) {
		t.Fatalf("authentication failure = %v, want protocol error", err)
	}
}

func TestHostClientExclusive(t *testing.T) {
	bus := sim.New()
	secret := []byte("s")
	addr := startHost(t, bus, secret)

	c1, err := Dial(addr, secret)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := Dial(addr, secret)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	got, err := c1.BeginExclusive(false)
	if err != nil || !got {
		t.Fatalf("BeginExclusive on idle bus = %t, %v", got, err)
	}
	got, err = c2.BeginExclusive(false)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("two connections granted exclusive access at once")
	}

	// The holder re-enters; the other connection stays locked out until
	// the re-entered section has fully unwound.
	got, err = c1.BeginExclusive(false)
	if err != nil || !got {
		t.Fatalf("nested BeginExclusive = %t, %v", got, err)
	}
	c1.EndExclusive()
	if got, _ := c2.BeginExclusive(false); got {
		t.Fatal("exclusive granted while the holder is still one level deep")
	}
	c1.EndExclusive()

	got, err = c2.BeginExclusive(true)
	if err != nil || !got {
		t.Fatalf("BeginExclusive after release = %t, %v", got, err)
	}
	c2.EndExclusive()
}

// TestClientConcurrentSettings hammers the cached speed and power duration
// from several goroutines; the race detector flags unguarded cache access.
func TestClientConcurrentSettings(t *testing.T) {
	bus := sim.New()
	secret := []byte("s")
	addr := startHost(t, bus, secret)

	c, err := Dial(addr, secret)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			speed := onewire.SpeedRegular
			if i%2 == 1 {
				speed = onewire.SpeedOverdrive
			}
			if err := c.SetSpeed(speed); err != nil {
				t.Errorf("SetSpeed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if s := c.Speed(); s != onewire.SpeedRegular && s != onewire.SpeedOverdrive {
				t.Errorf("Speed = %v", s)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = c.PowerDuration()
		}
	}()
	wg.Wait()
}

// TestClientReconnect checks that a malformed reply surfaces as a protocol
// error and that the very next command runs on a fresh connection.
func TestClientReconnect(t *testing.T) {
	secret := []byte("k")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// A hand-driven host: the first connection answers the first command
	// with garbage, later connections behave.
	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn, poisoned bool) {
				defer conn.Close()
				f := newFrame(conn)
				if f.writeUint32(ProtocolVersion) != nil || f.flush() != nil {
					return
				}
				if ack, err := f.readByte(); err != nil || ack != statusSuccess {
					return
				}
				challenge := make([]byte, challengeSize)
				if _, err := f.w.Write(challenge); err != nil || f.flush() != nil {
					return
				}
				if resp, err := f.readUint32(); err != nil || resp != authResponse(secret, challenge) {
					return
				}
				if f.writeStatus(nil) != nil || f.flush() != nil {
					return
				}
				for {
					cmd, err := f.readByte()
					if err != nil || cmd == cmdClose {
						return
					}
					if poisoned {
						_ = f.writeByte(0x42)
						_ = f.flush()
						return
					}
					_ = f.writeStatus(nil)
					if f.flush() != nil {
						return
					}
				}
			}(conn, i == 0)
		}
	}()

	c, err := Dial(ln.Addr().String(), secret)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Ping(); !onewire.IsProtocolError(err) {
		t.Fatalf("poisoned reply = %v, want protocol error", err)
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping after reconnect: %v", err)
	}
}

func TestDiscovery(t *testing.T) {
	a, err := NewAnnouncer(16768)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	probe := []byte{0, 0, 0, byte(ProtocolVersion)}
	if _, err := conn.WriteToUDP(probe, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: discoveryGroup.Port}); err != nil {
		t.Skipf("cannot reach announcer port: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Skipf("no reply, multicast socket not reachable over loopback: %v", err)
	}
	if n != 5 || buf[4] != statusSuccess {
		t.Fatalf("reply = % x, want 4-byte port + SUCCESS", buf[:n])
	}
	if port := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]); port != 16768 {
		t.Fatalf("announced port = %d, want 16768", port)
	}
}
