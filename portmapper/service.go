// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/natreach/natreach/internal/logger"
	"github.com/natreach/natreach/internal/metrics"
	"github.com/natreach/natreach/net/interfaces"
	"github.com/natreach/natreach/portmapper/natpmp"
	"github.com/natreach/natreach/portmapper/pcp"
	"github.com/natreach/natreach/portmapper/pmerrors"
	"github.com/natreach/natreach/portmapper/upnp"
	"golang.org/x/time/rate"
	"inet.af/netaddr"
)

// message is anything the supervisor's event loop can apply to its
// own state. All mutation flows through here; nothing outside run()
// touches service fields directly except via the channels it owns.
type message interface{ apply(s *service) }

type updateLocalPortMsg struct {
	port uint16
	has  bool
}

func (m updateLocalPortMsg) apply(s *service) { s.updateLocalPort(m.port, m.has) }

type procureMappingMsg struct{}

func (procureMappingMsg) apply(s *service) { s.procureMapping() }

type probeReply struct {
	out ProbeOutput
	err error
}

type probeMsg struct {
	reply chan probeReply
}

func (m probeMsg) apply(s *service) { s.probe(m.reply) }

type invalidateFreshnessMsg struct{}

func (invalidateFreshnessMsg) apply(s *service) {
	s.mu.Lock()
	s.upnpSeen = time.Time{}
	s.pcpSeen = time.Time{}
	s.natPMPSeen = time.Time{}
	s.probeResult = ProbeOutput{}
	s.mu.Unlock()
}

type mapResult struct {
	gen int
	m   Mapping
	err error
}

type probeTaskResult struct {
	gen int
	out ProbeOutput
	err error
}

type protocol int

const (
	protoNone protocol = iota
	protoPCP
	protoNATPMP
	protoUPnP
)

// service owns all mutable supervisor state and runs the single
// select loop that enforces: at most one in-flight mapping task, at
// most one in-flight probe task, and release-before-overwrite whenever
// the current mapping changes.
type service struct {
	logf logger.Logf
	cfg  Config

	mapSuccesses *metrics.Counter
	mapFailures  *metrics.Counter

	in chan message

	cm *CurrentMapping

	localPort uint16
	havePort  bool

	mapGen    int
	mapCancel context.CancelFunc
	mapDone   chan mapResult

	probeInFlight bool
	probeWaiters  []chan probeReply
	probeDone     chan probeTaskResult
	probeLimiter  *rate.Limiter

	mu          sync.Mutex
	lastProbe   time.Time
	upnpSeen    time.Time
	pcpSeen     time.Time
	natPMPSeen  time.Time
	probeResult ProbeOutput
}

func newService(logf logger.Logf, cfg Config, in chan message) *service {
	return &service{
		logf:         logf,
		cfg:          cfg,
		mapSuccesses: metrics.NewCounter("portmapper_map_successes"),
		mapFailures:  metrics.NewCounter("portmapper_map_failures"),
		in:           in,
		cm:           NewCurrentMapping(),
		mapDone:      make(chan mapResult, 1),
		probeDone:    make(chan probeTaskResult, 1),
		probeLimiter: rate.NewLimiter(rate.Every(UnavailabilityTrustDuration), 1),
	}
}

// run is the supervisor's event loop. It exits when done is closed,
// releasing the current mapping (best-effort) on the way out.
func (s *service) run(done <-chan struct{}) {
	for {
		select {
		case m := <-s.in:
			m.apply(s)
		case r := <-s.mapDone:
			s.handleMapDone(r)
		case r := <-s.probeDone:
			s.finishProbe(r)
		case ev := <-s.cm.Events():
			s.handleMappingEvent(ev)
		case <-done:
			s.shutdown()
			return
		}
	}
}

func (s *service) shutdown() {
	s.cancelMapTask()
	if old := s.cm.Update(nil); old != nil {
		s.releaseAsync(old)
	}
}

// invalidateFreshness is safe to call from any goroutine (it's how
// the network-change monitor hook reaches into the supervisor): it
// only ever posts a message, never touches service state directly.
func (s *service) invalidateFreshness() {
	select {
	case s.in <- invalidateFreshnessMsg{}:
	default:
	}
}

func (s *service) updateLocalPort(port uint16, has bool) {
	if s.havePort == has && s.localPort == port {
		return
	}
	s.cancelMapTask()
	if old := s.cm.Update(nil); old != nil {
		s.releaseAsync(old)
	}
	s.localPort, s.havePort = port, has
	if has {
		s.startMapTask()
	}
}

func (s *service) procureMapping() {
	if _, _, set := s.cm.External(); set {
		return
	}
	if !s.havePort || s.mapCancel != nil {
		return
	}
	s.startMapTask()
}

func (s *service) cancelMapTask() {
	if s.mapCancel != nil {
		s.mapCancel()
		s.mapCancel = nil
	}
	s.mapGen++
}

func (s *service) startMapTask() {
	gw, self, ok := gatewayAndSelfIP()
	if !ok {
		s.logf("no gateway found; skipping mapping attempt")
		return
	}
	if !gw.Is4() {
		s.logf("default gateway is IPv6; skipping mapping attempt")
		return
	}
	proto := s.selectProtocol()
	if proto == protoNone {
		s.logf("no usable port-mapping protocol available")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mapCancel = cancel
	gen := s.mapGen
	port := s.localPort

	go func() {
		m, err := mapWith(ctx, proto, self, gw, port)
		select {
		case s.mapDone <- mapResult{gen: gen, m: m, err: err}:
		case <-ctx.Done():
		}
	}()
}

// selectProtocol implements the fallback order: a protocol seen
// recently in a probe wins outright; UPnP is also tried whenever it's
// been enabled by configuration even without a fresh probe; otherwise
// PCP or NAT-PMP may be tried blind as long as no probe has run
// recently enough to have ruled them out.
func (s *service) selectProtocol() protocol {
	now := time.Now()
	s.mu.Lock()
	out := s.probeResult
	recentlyProbed := now.Before(s.lastProbe.Add(UnavailabilityTrustDuration))
	s.mu.Unlock()

	switch {
	case out.PCP:
		return protoPCP
	case out.NATPMP:
		return protoNATPMP
	case out.UPnP || s.cfg.EnableUPnP:
		return protoUPnP
	case !recentlyProbed && s.cfg.EnablePCP:
		return protoPCP
	case !recentlyProbed && s.cfg.EnableNATPMP:
		return protoNATPMP
	default:
		return protoNone
	}
}

func mapWith(ctx context.Context, proto protocol, self, gw netaddr.IP, port uint16) (Mapping, error) {
	switch proto {
	case protoPCP:
		return pcp.New(self, port, gw, 0)
	case protoNATPMP:
		return natpmp.New(self, port, gw, 0)
	case protoUPnP:
		gwHandle, err := upnp.Discover(ctx)
		if err != nil {
			return nil, err
		}
		return upnp.Map(gwHandle, self, port, 0)
	default:
		return nil, pmerrors.ErrNoGateway
	}
}

func (s *service) handleMapDone(r mapResult) {
	if r.gen != s.mapGen {
		// Stale result from a task cancelled by a since-superseded local
		// port change; discard it even though it completed successfully.
		if r.err == nil && r.m != nil {
			s.releaseAsync(r.m)
		}
		return
	}
	s.mapCancel = nil
	if r.err != nil {
		s.mapFailures.Add(1)
		s.logf("mapping failed: %v", r.err)
		return
	}
	s.mapSuccesses.Add(1)
	if old := s.cm.Update(r.m); old != nil {
		s.releaseAsync(old)
	}
}

func (s *service) handleMappingEvent(ev MappingEvent) {
	switch ev.Kind {
	case EventRenew:
		if s.mapCancel == nil && s.havePort {
			s.startMapTask()
		}
	case EventExpired:
		s.cm.Update(nil)
		if s.havePort && s.mapCancel == nil {
			s.startMapTask()
		}
	}
}

func (s *service) releaseAsync(m Mapping) {
	go func() {
		if err := m.Release(); err != nil {
			s.logf("release failed: %v", err)
		}
	}()
}

func (s *service) isAllFresh(now time.Time) bool {
	return now.Before(s.upnpSeen.Add(AvailabilityTrustDuration)) &&
		now.Before(s.pcpSeen.Add(AvailabilityTrustDuration)) &&
		now.Before(s.natPMPSeen.Add(AvailabilityTrustDuration))
}

func (s *service) probe(reply chan probeReply) {
	s.mu.Lock()
	out := s.probeResult
	fresh := s.isAllFresh(time.Now())
	s.mu.Unlock()
	if fresh {
		reply <- probeReply{out: out}
		return
	}

	if !s.probeInFlight && !s.probeLimiter.Allow() {
		// A flapping gateway could otherwise trigger a fresh probe on
		// every single Probe call; hand back the last known
		// result instead of re-probing more often than the
		// unavailability window allows.
		reply <- probeReply{out: out}
		return
	}

	s.probeWaiters = append(s.probeWaiters, reply)
	if s.probeInFlight {
		return
	}
	s.probeInFlight = true

	gw, self, ok := gatewayAndSelfIP()
	if !ok {
		s.finishProbe(probeTaskResult{err: pmerrors.ErrNoGateway})
		return
	}
	if !gw.Is4() {
		s.finishProbe(probeTaskResult{err: pmerrors.ErrIPv6Gateway})
		return
	}

	go func() {
		out, err := runProbe(context.Background(), self, gw)
		select {
		case s.probeDone <- probeTaskResult{out: out, err: err}:
		default:
		}
	}()
}

func (s *service) finishProbe(r probeTaskResult) {
	s.probeInFlight = false
	now := time.Now()

	s.mu.Lock()
	s.lastProbe = now
	if r.err == nil {
		if r.out.UPnP {
			s.upnpSeen = now
		}
		if r.out.PCP {
			s.pcpSeen = now
		}
		if r.out.NATPMP {
			s.natPMPSeen = now
		}
		s.probeResult = ProbeOutput{
			UPnP:   now.Before(s.upnpSeen.Add(AvailabilityTrustDuration)),
			PCP:    now.Before(s.pcpSeen.Add(AvailabilityTrustDuration)),
			NATPMP: now.Before(s.natPMPSeen.Add(AvailabilityTrustDuration)),
		}
	}
	out := s.probeResult
	s.mu.Unlock()

	waiters := s.probeWaiters
	s.probeWaiters = nil
	for _, w := range waiters {
		w <- probeReply{out: out, err: r.err}
	}
}

func gatewayAndSelfIP() (gw, self netaddr.IP, ok bool) {
	gwAddr, selfAddr, ok := interfaces.GatewayAndSelfIP()
	if !ok {
		return netaddr.IP{}, netaddr.IP{}, false
	}
	gw, ok1 := netaddr.FromStdIP(net.IP(gwAddr.AsSlice()))
	self, ok2 := netaddr.FromStdIP(net.IP(selfAddr.AsSlice()))
	if !ok1 || !ok2 {
		return netaddr.IP{}, netaddr.IP{}, false
	}
	return gw, self, true
}
