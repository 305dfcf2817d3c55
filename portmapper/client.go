// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package portmapper implements a gateway port-mapping supervisor
// that keeps a single UDP mapping alive across PCP, NAT-PMP, and UPnP
// gateways, renewing and re-procuring it as the local port or network
// changes.
package portmapper

import (
	"context"
	"fmt"

	"github.com/natreach/natreach/internal/logger"
	"github.com/natreach/natreach/net/netmon"
	"inet.af/netaddr"
)

// Client is the public, concurrency-safe handle to a running mapping
// supervisor. Every method routes through a channel into a single
// background goroutine, which is the sole owner of mutable state —
// callers never need their own locking.
type Client struct {
	svc  *service
	in   chan message
	done chan struct{}
}

// New starts a mapping supervisor with the given configuration. If
// mon is non-nil, a network change the monitor judges major enough to
// require a rebind invalidates cached protocol-availability freshness:
// the stored probe result is cleared, so the next Probe call runs a
// fresh probe and protocol selection for the next mapping attempt no
// longer uses the earlier result. A mapping attempt does not itself
// run a probe.
func New(logf logger.Logf, cfg Config, mon *netmon.Monitor) *Client {
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "portmapper: ")

	in := make(chan message, 32)
	svc := newService(logf, cfg, in)
	c := &Client{svc: svc, in: in, done: make(chan struct{})}

	if mon != nil {
		mon.RegisterChangeCallback(func(delta netmon.ChangeDelta) {
			if delta.RebindLikelyRequired {
				svc.invalidateFreshness()
			}
		})
	}

	go svc.run(c.done)
	return c
}

// UpdateLocalPort changes the local UDP port the supervisor maps, or
// drops any mapping entirely when has is false. Any in-flight mapping
// task for the old port is cancelled and the old mapping, if any, is
// released before a new one is procured.
func (c *Client) UpdateLocalPort(port uint16, has bool) {
	c.send(updateLocalPortMsg{port: port, has: has})
}

// ProcureMapping requests a mapping for the current local port if one
// isn't already installed or in flight. It is a no-op otherwise.
func (c *Client) ProcureMapping() {
	c.send(procureMappingMsg{})
}

// Probe reports the gateway's current protocol availability, reusing
// a cached result when every protocol's freshness window still holds
// and otherwise running (or joining) a fresh probe.
func (c *Client) Probe(ctx context.Context) (ProbeOutput, error) {
	reply := make(chan probeReply, 1)
	c.send(probeMsg{reply: reply})
	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return ProbeOutput{}, fmt.Errorf("portmapper: probe: %w", ctx.Err())
	}
}

// WatchExternalAddress blocks until the published external address
// differs from the (ip, port, set) the caller last observed, then
// returns the new value. Passing the zero value returns as soon as an
// address is published; while none is, the call blocks.
func (c *Client) WatchExternalAddress(ip netaddr.IP, port uint16, set bool) (netaddr.IP, uint16, bool) {
	return c.svc.cm.WatchExternalAddress(ip, port, set)
}

// Close signals the supervisor to shut down. Its event loop then
// cancels any in-flight mapping task and releases the current mapping
// (best-effort) in the background; Close returns without waiting for
// either.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Client) send(m message) {
	select {
	case c.in <- m:
	case <-c.done:
	}
}
