// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package interfaces

import (
	"fmt"
	"net"
	"net/netip"
)

// Interface enumeration on Windows is specified only at the contract
// level: return the name of the default-route interface. A real
// implementation would walk GetIpForwardTable2 via
// golang.org/x/sys/windows; this uses the outbound-dial trick the
// standard library itself has no portable substitute for, which is
// sufficient to satisfy the contract without the IP Helper API
// surface the hard BSD routing-table work makes unnecessary here.
func defaultRouteDetails() (DefaultRouteDetails, error) {
	name, _, err := outboundInterface()
	if err != nil {
		return DefaultRouteDetails{}, err
	}
	return DefaultRouteDetails{InterfaceName: name}, nil
}

func outboundInterface() (name string, local netip.Addr, err error) {
	conn, err := net.Dial("udp4", "203.0.113.1:80")
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("interfaces: outbound dial: %w", err)
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	local, ok := netip.AddrFromSlice(localAddr.IP)
	if !ok {
		return "", netip.Addr{}, errNoDefaultRoute
	}
	local = local.Unmap()

	ifis, err := net.Interfaces()
	if err != nil {
		return "", netip.Addr{}, err
	}
	for _, ifi := range ifis {
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
			if ok && addr.Unmap() == local {
				return ifi.Name, local, nil
			}
		}
	}
	return "", local, errNoDefaultRoute
}

// LikelyHomeRouter is unavailable without the IP Helper API's forward
// table; Windows gateway discovery is out of scope per the contract
// above. Without a gateway address the portmapper supervisor skips its
// mapping and probe attempts on this platform.
func LikelyHomeRouter() (netip.Addr, bool) {
	return netip.Addr{}, false
}

// GatewayAndSelfIP pairs the outbound-routed local address with no
// known gateway, consistent with LikelyHomeRouter's contract-level
// status on this platform.
func GatewayAndSelfIP() (gw, self netip.Addr, ok bool) {
	_, local, err := outboundInterface()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, false
	}
	return netip.Addr{}, local, true
}

// GetState enumerates interfaces via the standard library and
// attaches the default-route interface name from the outbound-dial
// heuristic above.
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
			iface.Prefixes = append(iface.Prefixes, netip.PrefixFrom(addr, ones))
			switch {
			case addr.Is4() && !addr.IsLinkLocalUnicast():
				st.HaveV4 = true
			case addr.Is6() && !addr.IsLinkLocalUnicast():
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
