// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package natpmp implements a NAT-PMP (RFC 6886) client: mapping
// requests, releases, and availability probes against a residential
// gateway.
package natpmp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/natreach/natreach/portmapper/pmerrors"
	"inet.af/netaddr"
)

// ServerPort is the well-known NAT-PMP port.
const ServerPort = 5351

// RecvTimeout bounds how long a request waits for a response.
const RecvTimeout = 500 * time.Millisecond

// requestedLifetime is the recommended mapping lifetime from RFC 6886
// §3.3: two hours.
const requestedLifetime = 2 * 60 * 60

const (
	opExternalAddress = 0
	opMapUDP          = 1
	opReplyBit        = 0x80
)

const (
	resultOK = 0
)

// Mapping is a successfully registered NAT-PMP port mapping.
type Mapping struct {
	localIP         netaddr.IP
	localPort       uint16
	gateway         netaddr.IP
	externalPort    uint16
	externalAddr    netaddr.IP
	lifetimeSeconds uint32
}

// External returns the mapping's external IPv4 address and port.
func (m *Mapping) External() (netaddr.IP, uint16) {
	return m.externalAddr, m.externalPort
}

// Lifetime is the gateway-granted mapping lifetime.
func (m *Mapping) Lifetime() time.Duration {
	return time.Duration(m.lifetimeSeconds) * time.Second
}

// HalfLifetime is when the supervisor should renew this mapping.
func (m *Mapping) HalfLifetime() time.Duration {
	return time.Duration(m.lifetimeSeconds/2) * time.Second
}

func dialGateway(localIP, gateway netaddr.IP) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp4", &net.UDPAddr{IP: localIP.IPAddr().IP, Port: 0}, &net.UDPAddr{IP: gateway.IPAddr().IP, Port: ServerPort})
	if err != nil {
		return nil, fmt.Errorf("natpmp: dial: %w", err)
	}
	return conn, nil
}

func roundTrip(conn *net.UDPConn, req []byte, respLen int) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("natpmp: write: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(RecvTimeout)); err != nil {
		return nil, fmt.Errorf("natpmp: set deadline: %w", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, pmerrors.ErrTimedOut
		}
		return nil, fmt.Errorf("natpmp: read: %w", err)
	}
	if n < respLen {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	return buf[:n], nil
}

// New registers a new UDP port mapping with the NAT-PMP server on
// gateway, optionally hinting at a preferred external port.
func New(localIP netaddr.IP, localPort uint16, gateway netaddr.IP, preferredExternalPort uint16) (*Mapping, error) {
	conn, err := dialGateway(localIP, gateway)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := make([]byte, 12)
	req[0] = 0 // version
	req[1] = opMapUDP
	binary.BigEndian.PutUint16(req[4:6], localPort)
	binary.BigEndian.PutUint16(req[6:8], preferredExternalPort)
	binary.BigEndian.PutUint32(req[8:12], requestedLifetime)

	resp, err := roundTrip(conn, req, 16)
	if err != nil {
		return nil, err
	}
	if resp[1] != opMapUDP|opReplyBit {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	resultCode := binary.BigEndian.Uint16(resp[2:4])
	if resultCode != resultOK {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	privatePort := binary.BigEndian.Uint16(resp[8:10])
	if privatePort != localPort {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	externalPort := binary.BigEndian.Uint16(resp[10:12])
	if externalPort == 0 {
		return nil, pmerrors.ErrZeroExternalPort
	}
	lifetime := binary.BigEndian.Uint32(resp[12:16])

	addrReq := []byte{0, opExternalAddress}
	addrResp, err := roundTrip(conn, addrReq, 12)
	if err != nil {
		return nil, err
	}
	if addrResp[1] != opExternalAddress|opReplyBit {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	if binary.BigEndian.Uint16(addrResp[2:4]) != resultOK {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	ip, ok := netaddr.FromStdIP(net.IP(addrResp[8:12]))
	if !ok {
		return nil, pmerrors.ErrNotIPv4
	}

	return &Mapping{
		localIP:         localIP,
		localPort:       localPort,
		gateway:         gateway,
		externalPort:    externalPort,
		externalAddr:    ip,
		lifetimeSeconds: lifetime,
	}, nil
}

// Release asks the gateway to delete the mapping by re-sending a map
// request with lifetime and external port both zero. Deletion is a
// notification: no response is awaited.
func (m *Mapping) Release() error {
	conn, err := dialGateway(m.localIP, m.gateway)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := make([]byte, 12)
	req[1] = opMapUDP
	binary.BigEndian.PutUint16(req[4:6], m.localPort)
	// external port and lifetime left at zero.
	_, err = conn.Write(req)
	return err
}

// ProbeAvailable reports whether a NAT-PMP server answers an
// external-address request on gateway within RecvTimeout.
func ProbeAvailable(localIP, gateway netaddr.IP) bool {
	conn, err := dialGateway(localIP, gateway)
	if err != nil {
		return false
	}
	defer conn.Close()

	resp, err := roundTrip(conn, []byte{0, opExternalAddress}, 12)
	if err != nil {
		return false
	}
	return resp[1] == opExternalAddress|opReplyBit && binary.BigEndian.Uint16(resp[2:4]) == resultOK
}
