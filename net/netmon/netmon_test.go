// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netmon

import (
	"net/netip"
	"testing"
	"time"

	"github.com/natreach/natreach/net/interfaces"
)

func withEth0(prefix string) *interfaces.State {
	st := interfaces.NewState()
	st.HaveV4 = true
	st.DefaultRouteInterface = "eth0"
	st.Interfaces["eth0"] = interfaces.Interface{
		Name:     "eth0",
		Prefixes: []netip.Prefix{netip.MustParsePrefix(prefix)},
	}
	return st
}

func TestMonitorFiresOnMajorChange(t *testing.T) {
	initial := withEth0("192.168.1.5/24")
	m := NewStatic(nil, initial)
	defer m.Close()

	fired := make(chan ChangeDelta, 1)
	m.RegisterChangeCallback(func(d ChangeDelta) { fired <- d })

	m.SetState(withEth0("192.168.2.5/24"))
	m.InjectEvent()

	select {
	case d := <-fired:
		if !d.MajorChange {
			t.Fatal("changed prefix must be reported as a major change")
		}
		if !d.RebindLikelyRequired {
			t.Fatal("a major change must require a rebind")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change callback")
	}
}

func TestMonitorDoesNotFireOnNoOpChange(t *testing.T) {
	initial := withEth0("192.168.1.5/24")
	m := NewStatic(nil, initial)
	defer m.Close()

	fired := make(chan ChangeDelta, 1)
	m.RegisterChangeCallback(func(d ChangeDelta) { fired <- d })

	m.SetState(withEth0("192.168.1.5/24"))
	m.InjectEvent()

	select {
	case d := <-fired:
		t.Fatalf("unexpected callback for an identical state: %+v", d)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestUnregisterStopsCallback(t *testing.T) {
	initial := withEth0("192.168.1.5/24")
	m := NewStatic(nil, initial)
	defer m.Close()

	fired := make(chan ChangeDelta, 1)
	unregister := m.RegisterChangeCallback(func(d ChangeDelta) { fired <- d })
	unregister()

	m.SetState(withEth0("192.168.2.5/24"))
	m.InjectEvent()

	select {
	case <-fired:
		t.Fatal("unregistered callback must not fire")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestInterfaceStateReflectsLastObserved(t *testing.T) {
	initial := withEth0("192.168.1.5/24")
	m := NewStatic(nil, initial)
	defer m.Close()

	next := withEth0("192.168.2.5/24")
	m.SetState(next)
	m.InjectEvent()
	time.Sleep(debounceWindow + 100*time.Millisecond)

	if got := m.InterfaceState(); got != next {
		t.Fatalf("InterfaceState() did not observe the injected state")
	}
}
