// Copyright (C) 2024 The relaysrv Authors.

// Package nat provides best-effort external port mapping for the relay's
// UDP socket via UPnP or NAT-PMP, so a relay running behind a home router
// can still be reached without requiring the operator to configure their
// router by hand.
package nat

import (
	"fmt"
	"log"
	"time"

	ethnat "github.com/ethereum/go-ethereum/p2p/nat"
)

// MappingLease is how long a port mapping is requested for before it must be
// renewed.
const MappingLease = 20 * time.Minute

// renewMargin is how long before a lease expires the renewer refreshes it.
const renewMargin = 2 * time.Minute

// Mapper renews a single UDP port mapping for as long as it is running.
// Discovery failures are logged by the caller, mapping failures by the
// renewal loop itself, and neither is fatal:
// a relay with no NAT traversal just requires the operator to forward the
// port manually, per the non-fatal failure policy for this helper.
type Mapper struct {
	nat  ethnat.Interface
	port int
	desc string

	stop chan struct{}
	done chan struct{}
}

// Discover probes the local network for a UPnP or NAT-PMP gateway. method
// may be "upnp", "pmp", "extip:<ip>", or "none"; see go-ethereum's p2p/nat
// package for the full syntax.
func Discover(method string) (ethnat.Interface, error) {
	if method == "" || method == "none" {
		return nil, nil
	}
	return ethnat.Parse(method)
}

// NewMapper builds a Mapper for port, using the interface returned by
// Discover. It does not start renewing until Run is called.
func NewMapper(n ethnat.Interface, port int, desc string) *Mapper {
	return &Mapper{nat: n, port: port, desc: desc, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run requests the initial mapping and renews it until Stop is called. It
// is meant to be run in its own goroutine.
func (m *Mapper) Run() {
	defer close(m.done)
	if m.nat == nil {
		return
	}

	m.renew()
	ticker := time.NewTicker(MappingLease - renewMargin)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.nat.DeleteMapping("udp", m.port, m.port)
			return
		case <-ticker.C:
			m.renew()
		}
	}
}

func (m *Mapper) renew() {
	if _, err := m.nat.AddMapping("udp", m.port, m.port, m.desc, MappingLease); err != nil {
		log.Printf("nat: renewing %s mapping for port %d: %v", m.desc, m.port, err)
	}
}

// ExternalAddr reports the gateway's external IP, if discoverable.
func (m *Mapper) ExternalAddr() (string, error) {
	if m.nat == nil {
		return "", fmt.Errorf("nat: no gateway discovered")
	}
	ip, err := m.nat.ExternalIP()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// Stop ends the renewal loop and removes the mapping. It blocks until Run
// has returned.
func (m *Mapper) Stop() {
	if m.nat == nil {
		return
	}
	close(m.stop)
	<-m.done
}
