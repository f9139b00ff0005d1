// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command owfind enumerates the devices on a 1-wire bus.
//
// The bus is either a local DS2482/DS2483 bridge (-i2c), a remote host
// (-addr), or the first host that answers a multicast discovery probe.
// With -discover it only lists the hosts that answered and exits.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	periphhost "periph.io/x/host/v3"

	"github.com/jwinarske/winrt-onewire/ds2482"
	"github.com/jwinarske/winrt-onewire/netadapter"
	"github.com/jwinarske/winrt-onewire/onewire"
)

func main() {
	addr := flag.String("addr", "", "remote host address, e.g. 192.168.1.10:6161")
	secret := flag.String("secret", "", "shared authentication secret for remote hosts")
	i2cName := flag.String("i2c", "", "open a local bridge on this I²C bus instead of a remote host")
	i2cAddr := flag.Uint("i2c-addr", 0x18, "7-bit I²C address of the local bridge")
	discover := flag.Bool("discover", false, "list discovered hosts and exit")
	alarm := flag.Bool("alarm", false, "list only devices in alarm state")
	family := flag.String("family", "", "restrict to one family code, e.g. 28")
	timeout := flag.Duration("timeout", netadapter.DefaultDiscoveryTimeout, "discovery timeout")
	flag.Parse()
	log.SetFlags(0)

	if *discover {
		hosts, err := netadapter.Discover(*timeout)
		if err != nil {
			log.Fatalf("discovery failed: %v", err)
		}
		if len(hosts) == 0 {
			log.Fatal("no hosts found")
		}
		for _, h := range hosts {
			fmt.Println(h)
		}
		return
	}

	bus, err := openBus(*addr, *secret, *i2cName, uint16(*i2cAddr), *timeout)
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	filter := &onewire.FamilyFilter{}
	if *family != "" {
		var code byte
		if _, err := fmt.Sscanf(*family, "%2x", &code); err != nil {
			log.Fatalf("bad family code %q", *family)
		}
		filter.Target(code)
	}

	got, err := bus.BeginExclusive(true)
	if err != nil || !got {
		log.Fatalf("bus busy: %v", err)
	}
	defer bus.EndExclusive()

	s := onewire.NewSearchWithFilter(bus, filter)
	s.SetAlarmOnly(*alarm)
	n := 0
	a, found, err := s.First()
	for err == nil && found {
		fmt.Println(a)
		n++
		a, found, err = s.Next()
	}
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "no devices found")
	}
}

// openBus picks the local bridge when -i2c is given, the named remote host
// otherwise, falling back to discovery when neither is set.
func openBus(addr, secret, i2cName string, i2cAddr uint16, timeout time.Duration) (onewire.Bus, error) {
	if i2cName != "" {
		if _, err := periphhost.Init(); err != nil {
			return nil, err
		}
		i2cBus, err := i2creg.Open(i2cName)
		if err != nil {
			return nil, err
		}
		dev, err := ds2482.New(i2cBus, i2cAddr, &ds2482.DefaultOpts)
		if err != nil {
			i2cBus.Close()
			return nil, err
		}
		return dev, nil
	}
	if addr == "" {
		hosts, err := netadapter.Discover(timeout)
		if err != nil {
			return nil, fmt.Errorf("discovery failed: %w", err)
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("no -addr or -i2c given and no hosts discovered")
		}
		addr = hosts[0]
	}
	c, err := netadapter.Dial(addr, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return c, nil
}
