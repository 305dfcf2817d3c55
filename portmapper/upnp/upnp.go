// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package upnp implements a UPnP/IGD client: gateway discovery via
// SSDP and port mapping via the WANIPConnection/WANPPPConnection SOAP
// actions.
package upnp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/natreach/natreach/portmapper/pmerrors"
	"inet.af/netaddr"
)

// SearchTimeout bounds the SSDP M-SEARCH round trip.
const SearchTimeout = time.Second

// leaseDuration is the lease requested from the gateway for a new
// mapping; half-lifetime is tracked separately as a fixed internal
// renewal interval regardless of what the gateway actually grants.
const leaseDuration = 2 * 60 * 60

// halfLifetime is fixed at one hour: UPnP gateways do not report a
// negotiated lifetime the way NAT-PMP/PCP do, so there is nothing to
// derive a half-lifetime from.
const halfLifetime = time.Hour

const description = "natreach"

// client is the minimal surface shared by the v1 and v2
// WANIPConnection/WANPPPConnection SOAP clients goupnp generates.
type client interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
}

// anyPortClient is additionally satisfied by WANIPConnection2, which
// can let the gateway pick the external port itself.
type anyPortClient interface {
	client
	AddAnyPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error)
}

// Gateway is a discovered UPnP/IGD control point, reusable across a
// probe and the mapping call it informs.
type Gateway struct {
	c client
}

// Discover searches the LAN for an Internet Gateway Device, trying
// WANIPConnection2, then WANIPConnection1, then WANPPPConnection1,
// the same fallback chain IGD implementations vary on in practice.
// The context is wrapped with SearchTimeout because underlying SSDP
// client libraries have historically not always honored a caller's
// deadline.
func Discover(ctx context.Context) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	type result struct {
		gw  *Gateway
		err error
	}
	done := make(chan result, 1)
	go func() {
		gw, err := discover(ctx)
		done <- result{gw, err}
	}()

	select {
	case r := <-done:
		return r.gw, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("upnp: discovery: %w", ctx.Err())
	}
}

func discover(ctx context.Context) (*Gateway, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &Gateway{c: clients[0]}, nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &Gateway{c: clients[0]}, nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &Gateway{c: clients[0]}, nil
	}
	return nil, fmt.Errorf("upnp: %w", pmerrors.ErrNoGateway)
}

// Mapping is a successfully registered UPnP port mapping.
type Mapping struct {
	gw           *Gateway
	externalPort uint16
	externalAddr netaddr.IP
	protocol     string
}

func (m *Mapping) External() (netaddr.IP, uint16) { return m.externalAddr, m.externalPort }
func (m *Mapping) Lifetime() time.Duration        { return 2 * halfLifetime }
func (m *Mapping) HalfLifetime() time.Duration    { return halfLifetime }

// Map requests a mapping for localPort against the discovered
// gateway, trying the preferred external port first (if given via
// AddPortMapping) and, when the gateway refuses it or none was
// requested, falling back to AddAnyPortMapping if the gateway's client
// supports it, or else to AddPortMapping with the local port as the
// external port.
func Map(gw *Gateway, localIP netaddr.IP, localPort uint16, preferredExternalPort uint16) (*Mapping, error) {
	extIPStr, err := gw.c.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("upnp: get external address: %w", err)
	}
	extIP, ok := parseIPv4(extIPStr)
	if !ok {
		return nil, pmerrors.ErrNotIPv4
	}

	internalClient := localIP.String()
	externalPort := preferredExternalPort
	if preferredExternalPort != 0 {
		err := gw.c.AddPortMapping("", preferredExternalPort, "UDP", localPort, internalClient, true, description, leaseDuration)
		if err == nil {
			return &Mapping{gw: gw, externalPort: preferredExternalPort, externalAddr: extIP, protocol: "UDP"}, nil
		}
	}

	if apc, ok := gw.c.(anyPortClient); ok {
		reserved, err := apc.AddAnyPortMapping("", localPort, "UDP", localPort, internalClient, true, description, leaseDuration)
		if err != nil {
			return nil, fmt.Errorf("upnp: add any port mapping: %w", err)
		}
		externalPort = reserved
	} else {
		if err := gw.c.AddPortMapping("", localPort, "UDP", localPort, internalClient, true, description, leaseDuration); err != nil {
			return nil, fmt.Errorf("upnp: add port mapping: %w", err)
		}
		externalPort = localPort
	}
	if externalPort == 0 {
		return nil, pmerrors.ErrZeroExternalPort
	}
	return &Mapping{gw: gw, externalPort: externalPort, externalAddr: extIP, protocol: "UDP"}, nil
}

// Release removes the mapping from the gateway.
func (m *Mapping) Release() error {
	if err := m.gw.c.DeletePortMapping("", m.externalPort, m.protocol); err != nil {
		return fmt.Errorf("upnp: delete port mapping: %w", err)
	}
	return nil
}

func parseIPv4(s string) (netaddr.IP, bool) {
	std := net.ParseIP(s)
	if std == nil {
		return netaddr.IP{}, false
	}
	ip, ok := netaddr.FromStdIP(std)
	if !ok {
		return netaddr.IP{}, false
	}
	ip = ip.Unmap()
	return ip, ip.Is4()
}
