// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"testing"
	"time"

	"github.com/natreach/natreach/internal/logger"
)

func newTestService(cfg Config) *service {
	return newService(logger.Discard, cfg, make(chan message, 4))
}

func TestSelectProtocolPrefersFreshPCPOverEverything(t *testing.T) {
	s := newTestService(DefaultConfig())
	s.probeResult = ProbeOutput{PCP: true, NATPMP: true, UPnP: true}
	if got := s.selectProtocol(); got != protoPCP {
		t.Fatalf("selectProtocol() = %v, want protoPCP", got)
	}
}

func TestSelectProtocolFallsBackToNATPMP(t *testing.T) {
	s := newTestService(DefaultConfig())
	s.probeResult = ProbeOutput{NATPMP: true, UPnP: true}
	if got := s.selectProtocol(); got != protoNATPMP {
		t.Fatalf("selectProtocol() = %v, want protoNATPMP", got)
	}
}

func TestSelectProtocolUPnPWhenEnabledEvenWithoutProbe(t *testing.T) {
	s := newTestService(DefaultConfig())
	if got := s.selectProtocol(); got != protoUPnP {
		t.Fatalf("selectProtocol() = %v, want protoUPnP when enabled and nothing was probed", got)
	}
}

func TestSelectProtocolBlindPCPWhenUPnPDisabledAndNotRecentlyProbed(t *testing.T) {
	s := newTestService(Config{EnableUPnP: false, EnablePCP: true, EnableNATPMP: true})
	s.lastProbe = time.Now().Add(-time.Hour)
	if got := s.selectProtocol(); got != protoPCP {
		t.Fatalf("selectProtocol() = %v, want blind protoPCP", got)
	}
}

func TestSelectProtocolGivesUpWhenRecentlyProbedAndNothingAvailable(t *testing.T) {
	s := newTestService(Config{EnableUPnP: false, EnablePCP: true, EnableNATPMP: true})
	s.lastProbe = time.Now()
	if got := s.selectProtocol(); got != protoNone {
		t.Fatalf("selectProtocol() = %v, want protoNone: a recent probe found nothing and blind probing is not yet due", got)
	}
}

func TestUpdateLocalPortNoOpWhenUnchanged(t *testing.T) {
	s := newTestService(DefaultConfig())
	s.havePort = true
	s.localPort = 4242
	gen := s.mapGen
	s.updateLocalPort(4242, true)
	if s.mapGen != gen {
		t.Fatal("updateLocalPort must be a no-op when the requested state already holds")
	}
}

func TestHandleMapDoneDiscardsStaleGeneration(t *testing.T) {
	s := newTestService(DefaultConfig())
	s.mapGen = 5
	m := &fakeMapping{lifetime: time.Hour}
	s.handleMapDone(mapResult{gen: 1, m: m})

	if _, _, set := s.cm.External(); set {
		t.Fatal("a stale-generation mapping result must never become the current mapping")
	}
	time.Sleep(10 * time.Millisecond)
	if !m.released {
		t.Fatal("a stale-generation mapping result must still be released")
	}
}
