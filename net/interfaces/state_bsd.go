// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package interfaces

import (
	"fmt"
	"net"
	"net/netip"
)

func indexToName(idx int) (string, error) {
	ifi, err := net.InterfaceByIndex(idx)
	if err != nil {
		return "", fmt.Errorf("interfaces: resolve interface %d: %w", idx, err)
	}
	return ifi.Name, nil
}

// GetState enumerates the host's interfaces via the standard library
// and layers the BSD routing-table reader's default-route detection
// on top, producing the coarse snapshot the network-change monitor
// publishes.
func GetState() (*State, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("interfaces: enumerate: %w", err)
	}
	st := NewState()
	for _, ifi := range ifis {
		iface := Interface{
			Index:        ifi.Index,
			Name:         ifi.Name,
			HardwareAddr: ifi.HardwareAddr,
			Up:           ifi.Flags&net.FlagUp != 0,
			Loopback:     ifi.Flags&net.FlagLoopback != 0,
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			ones, _ := ipNet.Mask.Size()
			prefix := netip.PrefixFrom(addr, ones)
			iface.Prefixes = append(iface.Prefixes, prefix)
			if addr.Is4() && !addr.IsLinkLocalUnicast() {
				st.HaveV4 = true
			} else if addr.Is4() && addr.IsLinkLocalUnicast() && isIP4LinkLocalUsable(addr) {
				st.HaveV4 = true
			} else if addr.Is6() && !addr.IsLinkLocalUnicast() {
				st.HaveV6 = true
			}
		}
		st.Interfaces[ifi.Name] = iface
		if iface.Up && !iface.Loopback && isExpensiveInterfaceName(iface.Name) {
			st.IsExpensive = true
		}
	}

	if drd, err := defaultRouteDetails(); err == nil {
		st.DefaultRouteInterface = drd.InterfaceName
	}
	return st, nil
}

// GatewayAndSelfIP returns the LAN gateway address plus the local
// address from which that gateway is reachable, the pairing the
// portmapper supervisor needs before it can address a probe packet.
func GatewayAndSelfIP() (gw, self netip.Addr, ok bool) {
	gw, ok = LikelyHomeRouter()
	if !ok {
		return netip.Addr{}, netip.Addr{}, false
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(gw.String(), "80"))
	if err != nil {
		return gw, netip.Addr{}, true
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	self, ok = netip.AddrFromSlice(local.IP)
	if !ok {
		return gw, netip.Addr{}, true
	}
	return gw, self.Unmap(), true
}
