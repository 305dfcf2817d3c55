// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !linux && !windows

package interfaces

import (
	"fmt"
	"net"
	"net/netip"
)

// This file covers the platforms without a routing-table reader of
// their own, such as WASM/browser builds (no kernel at all in the
// browser), so default-route and gateway discovery are simply
// unavailable here. Android builds match the linux build tag and use
// state_linux.go instead.
func defaultRouteDetails() (DefaultRouteDetails, error) {
	return DefaultRouteDetails{}, errNoDefaultRoute
}

func LikelyHomeRouter() (netip.Addr, bool) {
	return netip.Addr{}, false
}

func GatewayAndSelfIP() (gw, self netip.Addr, ok bool) {
	return netip.Addr{}, netip.Addr{}, false
}

func GetState() (*State, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("interfaces: enumerate: %w", err)
	}
	st := NewState()
	for _, ifi := range ifis {
		iface := Interface{
			Index:    ifi.Index,
			Name:     ifi.Name,
			Up:       ifi.Flags&net.FlagUp != 0,
			Loopback: ifi.Flags&net.FlagLoopback != 0,
		}
		st.Interfaces[ifi.Name] = iface
		if iface.Up && !iface.Loopback && isExpensiveInterfaceName(iface.Name) {
			st.IsExpensive = true
		}
	}
	return st, nil
}
