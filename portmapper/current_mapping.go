// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"sync"
	"time"

	"inet.af/netaddr"
)

// MappingEventKind distinguishes a CurrentMapping timer firing for
// renewal from one firing for expiry.
type MappingEventKind int

const (
	EventRenew MappingEventKind = iota
	EventExpired
)

// MappingEvent is delivered on CurrentMapping.Events() when a timer
// fires.
type MappingEvent struct {
	Kind         MappingEventKind
	ExternalIP   netaddr.IP
	ExternalPort uint16
}

// CurrentMapping holds at most one active mapping plus the deadline
// timers derived from its lifetime, and publishes the mapping's
// external address to a one-slot observable.
type CurrentMapping struct {
	mu      sync.Mutex
	current Mapping
	renew   *time.Timer
	expired *time.Timer
	events  chan MappingEvent

	addrMu   sync.Mutex
	addrCond *sync.Cond
	addrSet  bool
	addrIP   netaddr.IP
	addrPort uint16
}

// NewCurrentMapping creates an empty watcher. The supervisor's event
// loop is the sole reader of Events(); nothing else should drain it.
func NewCurrentMapping() *CurrentMapping {
	cm := &CurrentMapping{events: make(chan MappingEvent, 1)}
	cm.addrCond = sync.NewCond(&cm.addrMu)
	return cm
}

// Events returns the channel Renew and Expired events are delivered
// on.
func (cm *CurrentMapping) Events() <-chan MappingEvent {
	return cm.events
}

// Update atomically replaces the current mapping with m (nil clears
// it) and returns whatever mapping it replaced. The caller, not
// CurrentMapping, is responsible for releasing the returned mapping
// remotely.
func (cm *CurrentMapping) Update(m Mapping) (old Mapping) {
	cm.mu.Lock()
	old = cm.current
	cm.current = m
	if cm.renew != nil {
		cm.renew.Stop()
		cm.renew = nil
	}
	if cm.expired != nil {
		cm.expired.Stop()
		cm.expired = nil
	}
	if m != nil {
		ip, port := m.External()
		cm.renew = time.AfterFunc(m.HalfLifetime(), func() {
			cm.deliver(MappingEvent{Kind: EventRenew, ExternalIP: ip, ExternalPort: port})
		})
		cm.expired = time.AfterFunc(m.Lifetime(), func() {
			cm.deliver(MappingEvent{Kind: EventExpired, ExternalIP: ip, ExternalPort: port})
		})
		cm.publish(ip, port, true)
	} else {
		cm.publish(netaddr.IP{}, 0, false)
	}
	cm.mu.Unlock()
	return old
}

func (cm *CurrentMapping) deliver(ev MappingEvent) {
	select {
	case cm.events <- ev:
	default:
		// A previous renew/expire event is still pending delivery; the
		// supervisor will catch up on its next select iteration, and a
		// dropped Renew is harmless because Expired still fires later.
	}
}

// External returns the currently published external address, if any.
func (cm *CurrentMapping) External() (netaddr.IP, uint16, bool) {
	cm.addrMu.Lock()
	defer cm.addrMu.Unlock()
	return cm.addrIP, cm.addrPort, cm.addrSet
}

func (cm *CurrentMapping) publish(ip netaddr.IP, port uint16, set bool) {
	cm.addrMu.Lock()
	cm.addrIP = ip
	cm.addrPort = port
	cm.addrSet = set
	cm.addrCond.Broadcast()
	cm.addrMu.Unlock()
}

// WatchExternalAddress blocks until the published value differs from
// (ip, port, set), then returns the new value.
func (cm *CurrentMapping) WatchExternalAddress(ip netaddr.IP, port uint16, set bool) (netaddr.IP, uint16, bool) {
	cm.addrMu.Lock()
	defer cm.addrMu.Unlock()
	for cm.addrIP == ip && cm.addrPort == port && cm.addrSet == set {
		cm.addrCond.Wait()
	}
	return cm.addrIP, cm.addrPort, cm.addrSet
}
