// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command owhostd serves a local 1-wire bus to the network: it polls the
// bus for device arrivals and departures, records them in the device
// registry and exposes the raw bus to remote clients over the
// authenticated TCP protocol.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	periphhost "periph.io/x/host/v3"

	"github.com/jwinarske/winrt-onewire/config"
	"github.com/jwinarske/winrt-onewire/ds2482"
	"github.com/jwinarske/winrt-onewire/monitor"
	"github.com/jwinarske/winrt-onewire/netadapter"
	"github.com/jwinarske/winrt-onewire/onewire"
	"github.com/jwinarske/winrt-onewire/registry"
	"github.com/jwinarske/winrt-onewire/sim"
)

// logListener reports bus events to the daemon log.
type logListener struct{}

func (logListener) Arrival(addr onewire.Address)   { log.Printf("device arrived: %s", addr) }
func (logListener) Departure(addr onewire.Address) { log.Printf("device departed: %s", addr) }
func (logListener) Fault(err error)                { log.Printf("bus fault: %v", err) }

func main() {
	configPath := flag.String("config", "", "config file path (default: search standard locations)")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		cfg  *config.Config
		path string
		err  error
	)
	if *configPath != "" {
		cfg, path, err = config.LoadFromPath(*configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if path != "" {
		log.Printf("config loaded from %s", path)
	} else {
		log.Print("no config file found, using defaults")
	}

	bus, err := openBus(cfg)
	if err != nil {
		log.Fatalf("opening bus adapter: %v", err)
	}
	defer bus.Close()

	var repo registry.Repository
	if cfg.Database.Path != "" {
		repo, err = registry.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatalf("opening registry: %v", err)
		}
		log.Printf("registry opened: %s", cfg.Database.Path)
	} else {
		repo = registry.NewMemory()
		log.Print("no database path configured, registry is in-memory")
	}
	defer repo.Close()

	filter, err := cfg.Monitor.Filter()
	if err != nil {
		log.Fatalf("building family filter: %v", err)
	}

	mon := monitor.New(bus, monitor.Options{
		Interval:           cfg.Monitor.Interval.Duration(),
		DepartureThreshold: cfg.Monitor.DepartureThreshold,
		FaultThreshold:     cfg.Monitor.FaultThreshold,
		Filter:             filter,
	})
	mon.AddListener(logListener{})
	mon.AddListener(registry.NewRecorder(repo))
	mon.Start()
	defer mon.Kill(5 * time.Second)

	if cfg.Network.Listen != "" {
		h := netadapter.NewHost(bus, []byte(cfg.Network.Secret), filter)
		if err := h.Listen(cfg.Network.Listen); err != nil {
			log.Fatalf("binding %s: %v", cfg.Network.Listen, err)
		}
		defer h.Close()
		go func() {
			if err := h.Serve(); err != nil {
				log.Fatalf("serving: %v", err)
			}
		}()
		log.Printf("serving bus on port %d", h.Port())

		if cfg.Network.Announce {
			a, err := netadapter.NewAnnouncer(h.Port())
			if err != nil {
				log.Printf("discovery announcer unavailable: %v", err)
			} else {
				defer a.Close()
				log.Print("answering discovery probes")
			}
		}
	}

	// A config edit updates the family filter live; everything else needs
	// a restart.
	if path != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w := config.NewWatcher(path, func() {
			fresh, _, err := config.LoadFromPath(path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				return
			}
			codes, err := fresh.Monitor.FamilyCodes()
			if err != nil {
				log.Printf("config reload failed: %v", err)
				return
			}
			if len(codes) > 0 {
				filter.Target(codes...)
			} else {
				filter.TargetAll()
			}
			log.Printf("family filter reloaded: %v", fresh.Monitor.Families)
		})
		go func() {
			if err := w.Watch(ctx); err != nil && err != context.Canceled {
				log.Printf("config watcher stopped: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("received %s, shutting down", s)
}

// openBus builds the configured local adapter.
func openBus(cfg *config.Config) (onewire.Bus, error) {
	switch cfg.Adapter.Kind {
	case "sim":
		log.Print("using simulated bus")
		return sim.New(), nil
	case "ds2482":
		if _, err := periphhost.Init(); err != nil {
			return nil, err
		}
		i2cBus, err := i2creg.Open(cfg.Adapter.I2C)
		if err != nil {
			return nil, err
		}
		dev, err := ds2482.New(i2cBus, cfg.Adapter.I2CAddr, &ds2482.DefaultOpts)
		if err != nil {
			i2cBus.Close()
			return nil, err
		}
		log.Printf("using %s", dev)
		return dev, nil
	default:
		// Config validation rejects other values already.
		panic("unreachable adapter kind " + cfg.Adapter.Kind)
	}
}
