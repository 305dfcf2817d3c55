// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"testing"
	"time"

	"inet.af/netaddr"
)

type fakeMapping struct {
	ip       netaddr.IP
	port     uint16
	lifetime time.Duration
	released bool
}

func (f *fakeMapping) External() (netaddr.IP, uint16)  { return f.ip, f.port }
func (f *fakeMapping) Lifetime() time.Duration         { return f.lifetime }
func (f *fakeMapping) HalfLifetime() time.Duration     { return f.lifetime / 2 }
func (f *fakeMapping) Release() error                  { f.released = true; return nil }

func TestCurrentMappingUpdateReturnsOld(t *testing.T) {
	cm := NewCurrentMapping()
	first := &fakeMapping{ip: netaddr.MustParseIP("203.0.113.1"), port: 1111, lifetime: time.Hour}
	if old := cm.Update(first); old != nil {
		t.Fatalf("first update must replace nothing, got %v", old)
	}

	second := &fakeMapping{ip: netaddr.MustParseIP("203.0.113.2"), port: 2222, lifetime: time.Hour}
	old := cm.Update(second)
	if old != Mapping(first) {
		t.Fatalf("second update must return the first mapping")
	}

	ip, port, set := cm.External()
	if !set || port != 2222 || ip.String() != "203.0.113.2" {
		t.Fatalf("External() = %v %v %v, want 203.0.113.2 2222 true", ip, port, set)
	}
}

func TestCurrentMappingClearStopsTimers(t *testing.T) {
	cm := NewCurrentMapping()
	m := &fakeMapping{ip: netaddr.MustParseIP("203.0.113.1"), port: 1111, lifetime: 10 * time.Millisecond}
	cm.Update(m)
	cm.Update(nil)

	select {
	case ev := <-cm.Events():
		t.Fatalf("clearing the mapping must stop its timers, got event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCurrentMappingFiresRenewThenExpired(t *testing.T) {
	cm := NewCurrentMapping()
	m := &fakeMapping{ip: netaddr.MustParseIP("203.0.113.1"), port: 1111, lifetime: 40 * time.Millisecond}
	cm.Update(m)

	select {
	case ev := <-cm.Events():
		if ev.Kind != EventRenew {
			t.Fatalf("first event = %v, want EventRenew", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for renew event")
	}

	select {
	case ev := <-cm.Events():
		if ev.Kind != EventExpired {
			t.Fatalf("second event = %v, want EventExpired", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expired event")
	}
}

func TestWatchExternalAddressUnblocksOnChange(t *testing.T) {
	cm := NewCurrentMapping()
	done := make(chan struct{})
	go func() {
		ip, port, set := cm.WatchExternalAddress(netaddr.IP{}, 0, false)
		if !set || port != 3333 {
			t.Errorf("WatchExternalAddress returned %v %v %v, want set with port 3333", ip, port, set)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the watcher block before publishing
	cm.Update(&fakeMapping{ip: netaddr.MustParseIP("203.0.113.9"), port: 3333, lifetime: time.Hour})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher never unblocked")
	}
}
