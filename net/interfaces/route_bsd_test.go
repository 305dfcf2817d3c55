// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package interfaces

import (
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

// rtMessage appends one synthetic routing message of length l and
// version v to buf, using the buffer's own native-endian length
// prefix convention.
func rtMessage(buf []byte, l int, v byte) []byte {
	hdr := make([]byte, l)
	nativeEndian.PutUint16(hdr[0:2], uint16(l))
	hdr[2] = v
	return append(buf, hdr...)
}

func TestCountMessages(t *testing.T) {
	var buf []byte
	buf = rtMessage(buf, 64, byte(unix.RTM_VERSION))
	buf = rtMessage(buf, 32, byte(unix.RTM_VERSION))
	buf = rtMessage(buf, 48, byte(unix.RTM_VERSION+1)) // version mismatch, should be skipped

	total, mismatches := countMessages(buf)
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if mismatches != 1 {
		t.Fatalf("mismatches = %d, want 1", mismatches)
	}
}

func TestCountMessagesStopsOnTruncatedLength(t *testing.T) {
	var buf []byte
	buf = rtMessage(buf, 32, byte(unix.RTM_VERSION))
	buf = append(buf, 0, 0) // trailing garbage shorter than a length prefix allows

	total, _ := countMessages(buf)
	if total != 1 {
		t.Fatalf("total = %d, want 1 (truncated tail must not be double-counted)", total)
	}
}

func TestIsDefaultRouteRequiresZeroDstAndNetmask(t *testing.T) {
	zero := Addr{Kind: AddrInet4, IP: netip.AddrFrom4([4]byte{})}
	nonZero := Addr{Kind: AddrInet4, IP: netip.AddrFrom4([4]byte{10, 0, 0, 1})}

	rm := RouteMessage{
		Flags: unix.RTF_GATEWAY,
		Addrs: make([]Addr, unix.RTAX_MAX),
	}
	rm.Addrs[unix.RTAX_DST] = zero
	rm.Addrs[unix.RTAX_NETMASK] = zero
	if !isDefaultRoute(rm) {
		t.Fatal("zero dst and netmask with RTF_GATEWAY set must be a default route")
	}

	rm.Addrs[unix.RTAX_DST] = nonZero
	if isDefaultRoute(rm) {
		t.Fatal("non-zero destination must not be treated as a default route")
	}
}

func TestIsDefaultRouteRequiresGatewayFlag(t *testing.T) {
	zero := Addr{Kind: AddrInet4, IP: netip.AddrFrom4([4]byte{})}
	rm := RouteMessage{
		Flags: 0,
		Addrs: make([]Addr, unix.RTAX_MAX),
	}
	rm.Addrs[unix.RTAX_DST] = zero
	rm.Addrs[unix.RTAX_NETMASK] = zero
	if isDefaultRoute(rm) {
		t.Fatal("a route without RTF_GATEWAY must not be treated as a default route")
	}
}

func TestAddrAtOutOfRange(t *testing.T) {
	addrs := make([]Addr, 3)
	if _, ok := addrAt(addrs, -1); ok {
		t.Fatal("negative index must report not-found")
	}
	if _, ok := addrAt(addrs, 3); ok {
		t.Fatal("index at len(addrs) must report not-found")
	}
	if _, ok := addrAt(addrs, 1); !ok {
		t.Fatal("in-range index must report found")
	}
}
