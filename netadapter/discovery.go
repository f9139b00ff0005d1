// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"encoding/binary"
	"net"
	"strconv"
	"time"
)

// Hosts announce themselves on this multicast group. A probe is the
// 4-byte protocol version; a reply is the host's 4-byte TCP port followed
// by the SUCCESS byte.
var discoveryGroup = &net.UDPAddr{IP: net.IPv4(228, 5, 6, 7), Port: 6768}

// DefaultDiscoveryTimeout bounds how long Discover collects replies.
const DefaultDiscoveryTimeout = 500 * time.Millisecond

// Announcer answers multicast discovery probes on behalf of a Host.
type Announcer struct {
	conn *net.UDPConn
	port uint32
}

// NewAnnouncer joins the discovery group and starts answering probes with
// the given TCP port. Close it to stop.
func NewAnnouncer(port int) (*Announcer, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, discoveryGroup)
	if err != nil {
		return nil, err
	}
	a := &Announcer{conn: conn, port: uint32(port)}
	go a.loop()
	return a, nil
}

// Close leaves the discovery group.
func (a *Announcer) Close() error {
	return a.conn.Close()
}

func (a *Announcer) loop() {
	buf := make([]byte, 16)
	for {
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n != 4 || binary.BigEndian.Uint32(buf[:4]) != ProtocolVersion {
			// A probe from an incompatible peer; stay silent so it does
			// not try to speak a protocol we do not share.
			continue
		}
		var reply [5]byte
		binary.BigEndian.PutUint32(reply[:4], a.port)
		reply[4] = statusSuccess
		_, _ = a.conn.WriteToUDP(reply[:], src)
	}
}

// Discover multicasts a probe and collects host addresses (host:port)
// until the timeout elapses. A timeout of 0 or less uses
// DefaultDiscoveryTimeout. Finding no hosts is not an error.
func Discover(timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var probe [4]byte
	binary.BigEndian.PutUint32(probe[:], ProtocolVersion)
	if _, err := conn.WriteToUDP(probe[:], discoveryGroup); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	var hosts []string
	seen := map[string]struct{}{}
	buf := make([]byte, 16)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return hosts, nil
			}
			return hosts, err
		}
		if n != 5 || buf[4] != statusSuccess {
			continue
		}
		port := binary.BigEndian.Uint32(buf[:4])
		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(int(port)))
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		hosts = append(hosts, addr)
	}
}
