// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package interfaces

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// defaultRouteDetails on Linux is specified only at the contract
// level: return the name of the interface carrying the default
// route. /proc/net/route is the cheapest portable source; the
// netlink-based network-change monitor (net/netmon) is the
// authoritative, event-driven counterpart for change detection.
func defaultRouteDetails() (DefaultRouteDetails, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return DefaultRouteDetails{}, fmt.Errorf("interfaces: open /proc/net/route: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 11 {
			continue
		}
		dest := fields[1]
		flags, err := strconv.ParseUint(fields[3], 16, 16)
		if err != nil || flags&0x2 == 0 { // RTF_GATEWAY
			continue
		}
		if dest != "00000000" {
			continue
		}
		return DefaultRouteDetails{InterfaceName: fields[0]}, nil
	}
	if err := sc.Err(); err != nil {
		return DefaultRouteDetails{}, err
	}
	return DefaultRouteDetails{}, errNoDefaultRoute
}

func gatewayFromProcRoute() (netip.Addr, bool) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return netip.Addr{}, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Scan()
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 11 {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 16)
		if err != nil || flags&0x2 == 0 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		gwHex, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(gwHex))
		return netip.AddrFrom4(raw), true
	}
	return netip.Addr{}, false
}

// LikelyHomeRouter returns the gateway from the kernel's current
// default route, read from /proc/net/route.
func LikelyHomeRouter() (netip.Addr, bool) {
	return gatewayFromProcRoute()
}

// GatewayAndSelfIP pairs the default gateway with the local address
// used to reach it.
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

// GetState enumerates interfaces via the standard library and
// attaches the default-route interface name from /proc/net/route.
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
			case addr.Is4() && (!addr.IsLinkLocalUnicast() || isIP4LinkLocalUsable(addr)):
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
