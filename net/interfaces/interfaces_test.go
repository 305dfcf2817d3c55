// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interfaces

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mkState(ifaceName string, prefixes ...string) *State {
	st := NewState()
	var ps []netip.Prefix
	for _, s := range prefixes {
		ps = append(ps, netip.MustParsePrefix(s))
	}
	st.Interfaces[ifaceName] = Interface{Name: ifaceName, Prefixes: ps}
	st.HaveV4 = true
	st.DefaultRouteInterface = ifaceName
	return st
}

func TestIsMajorChangeNilOld(t *testing.T) {
	st := mkState("eth0", "192.168.1.5/24")
	if !st.IsMajorChange(nil) {
		t.Fatal("nil old state must always be a major change")
	}
}

func TestIsMajorChangeSamePrefixesDifferentOrder(t *testing.T) {
	old := mkState("eth0", "192.168.1.5/24", "10.0.0.5/8")
	new := mkState("eth0", "10.0.0.5/8", "192.168.1.5/24")
	if new.IsMajorChange(old) {
		t.Fatal("reordering the same prefix set must not count as a major change")
	}
}

func TestIsMajorChangeNewPrefix(t *testing.T) {
	old := mkState("eth0", "192.168.1.5/24")
	new := mkState("eth0", "192.168.2.5/24")
	if !new.IsMajorChange(old) {
		t.Fatal("a changed prefix on the default-route interface must be a major change")
	}
}

func TestIsMajorChangeIgnoresUninterestingInterface(t *testing.T) {
	old := NewState()
	old.HaveV4 = true
	old.DefaultRouteInterface = "eth0"
	old.Interfaces["eth0"] = Interface{Name: "eth0", Prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.5/24")}}
	old.Interfaces["lo"] = Interface{Name: "lo", Loopback: true, Prefixes: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/8")}}

	new := NewState()
	new.HaveV4 = true
	new.DefaultRouteInterface = "eth0"
	new.Interfaces["eth0"] = Interface{Name: "eth0", Prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.5/24")}}
	// lo dropped entirely; loopback never counts as interesting.

	if new.IsMajorChange(old) {
		t.Fatal("a loopback interface disappearing must not be a major change")
	}
}

func TestIsInterestingInterface(t *testing.T) {
	cases := []struct {
		name string
		i    Interface
		want bool
	}{
		{"loopback", Interface{Loopback: true, Prefixes: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/8")}}, false},
		{"link-local only", Interface{Prefixes: []netip.Prefix{netip.MustParsePrefix("169.254.1.2/16")}}, false},
		{"routable v4", Interface{Prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.2/24")}}, true},
		{"no prefixes", Interface{}, false},
	}
	for _, tc := range cases {
		if got := isInterestingInterface(tc.i); got != tc.want {
			t.Errorf("%s: isInterestingInterface() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsMajorChangeExpensiveFlagChanged(t *testing.T) {
	old := mkState("eth0", "192.168.1.5/24")
	new := mkState("eth0", "192.168.1.5/24")
	new.IsExpensive = true
	if !new.IsMajorChange(old) {
		t.Fatal("a changed expensive flag must be a major change")
	}
}

func TestIsExpensiveInterfaceName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"eth0", false},
		{"wlan0", false},
		{"wwan0", true},
		{"ppp0", true},
		{"rmnet0", true},
		{"pdp_ip0", true},
		{"Cellular", true},
	}
	for _, tc := range cases {
		if got := isExpensiveInterfaceName(tc.name); got != tc.want {
			t.Errorf("isExpensiveInterfaceName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPrefixesMajorEqual(t *testing.T) {
	a := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.168.0.0/16")}
	b := []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16"), netip.MustParsePrefix("10.0.0.0/8")}
	if !prefixesMajorEqual(a, b) {
		t.Fatal("prefix sets differing only in order must be equal")
	}
	c := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	if prefixesMajorEqual(a, c) {
		t.Fatal("prefix sets of different length must not be equal")
	}
	if diff := cmp.Diff(a, a); diff != "" {
		t.Fatalf("unexpected diff against self: %s", diff)
	}
}
