// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package interfaces provides a portable view of the host's network
// interfaces and default route, plus the predicate the network-change
// monitor uses to decide whether a new snapshot is worth acting on.
package interfaces

import (
	"errors"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// errNoDefaultRoute is returned by platform default-route lookups
// when the kernel reports none.
var errNoDefaultRoute = errors.New("interfaces: no default route found")

// Interface describes one network interface and the prefixes assigned
// to it.
type Interface struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
	Up           bool
	Loopback     bool
	Prefixes     []netip.Prefix
}

// DefaultRouteDetails names the interface carrying the default route.
type DefaultRouteDetails struct {
	InterfaceName string
}

// State is a coarse snapshot of the host's network configuration, as
// published by the network-change monitor.
type State struct {
	Interfaces            map[string]Interface
	HaveV4                bool
	HaveV6                bool
	IsExpensive           bool
	DefaultRouteInterface string
}

// NewState returns an empty, zero-value State.
func NewState() *State {
	return &State{Interfaces: map[string]Interface{}}
}

// expensiveInterfacePrefixes names the interface-naming conventions of
// cellular modems across the platforms GetState runs on: ppp/wwan on
// Linux, pdp_ip on iOS/macOS, and cellular on Windows. A metered WWAN
// link counts as expensive even though GetState has no way to ask the
// kernel for a carrier's data-cap policy directly.
var expensiveInterfacePrefixes = []string{"ppp", "wwan", "rmnet", "pdp_ip", "cellular"}

// isExpensiveInterfaceName reports whether name looks like a cellular
// modem interface by the naming convention GetState's platform uses.
func isExpensiveInterfaceName(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range expensiveInterfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// isInterestingInterface reports whether iface should be considered
// for change detection: not loopback, and carrying at least one
// non-link-local, non-multicast prefix.
func isInterestingInterface(i Interface) bool {
	if i.Loopback {
		return false
	}
	for _, p := range i.Prefixes {
		a := p.Addr()
		if a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsMulticast() {
			continue
		}
		return true
	}
	return false
}

// prefixesMajorEqual reports whether a and b contain the same set of
// prefixes, ignoring order.
func prefixesMajorEqual(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]netip.Prefix(nil), a...)
	bs := append([]netip.Prefix(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].String() < as[j].String() })
	sort.Slice(bs, func(i, j int) bool { return bs[i].String() < bs[j].String() })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// IsMajorChange reports whether new differs from old in a way that
// should invalidate cached probe freshness and wake the mapping
// supervisor: a change in v4/v6 reachability, a change in the
// expensive-network flag, a change of default-route interface, or an
// interesting interface appearing, disappearing, or changing its
// prefixes.
func (newState *State) IsMajorChange(old *State) bool {
	if old == nil {
		return true
	}
	if newState.HaveV4 != old.HaveV4 ||
		newState.HaveV6 != old.HaveV6 ||
		newState.IsExpensive != old.IsExpensive ||
		newState.DefaultRouteInterface != old.DefaultRouteInterface {
		return true
	}

	seen := map[string]bool{}
	for name, ni := range newState.Interfaces {
		if !isInterestingInterface(ni) {
			continue
		}
		seen[name] = true
		oi, ok := old.Interfaces[name]
		if !ok {
			return true // interesting interface appeared
		}
		if !prefixesMajorEqual(ni.Prefixes, oi.Prefixes) {
			return true
		}
	}
	for name, oi := range old.Interfaces {
		if !isInterestingInterface(oi) {
			continue
		}
		if !seen[name] {
			return true // interesting interface disappeared
		}
	}
	return false
}
