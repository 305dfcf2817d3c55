// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pcp implements a PCP (RFC 6887) client: mapping requests,
// releases, and availability probes against a residential gateway.
package pcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/natreach/natreach/portmapper/pmerrors"
	"inet.af/netaddr"
)

// ServerPort is the well-known PCP port; PCP and NAT-PMP share it.
const ServerPort = 5351

// RecvTimeout bounds how long a request waits for a response.
const RecvTimeout = 500 * time.Millisecond

// requestedLifetime is the lifetime requested for a new mapping: one
// hour.
const requestedLifetime = 60 * 60

const (
	version = 2

	opAnnounce = 0
	opMap      = 1
	opReplyBit = 0x80

	protocolUDP = 17
)

// Mapping is a successfully registered PCP port mapping.
type Mapping struct {
	localIP         netaddr.IP
	localPort       uint16
	gateway         netaddr.IP
	externalPort    uint16
	externalAddr    netaddr.IP
	lifetimeSeconds uint32
	nonce           [12]byte
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
		return nil, fmt.Errorf("pcp: dial: %w", err)
	}
	return conn, nil
}

func v6Mapped(ip netaddr.IP) [16]byte {
	var out [16]byte
	if ip.Is4() {
		a4 := ip.As4()
		out[10] = 0xff
		out[11] = 0xff
		copy(out[12:], a4[:])
	} else {
		out = ip.As16()
	}
	return out
}

func encodeMapRequest(nonce [12]byte, localIP netaddr.IP, localPort, preferredExternalPort uint16) []byte {
	buf := make([]byte, 60)
	buf[0] = version
	buf[1] = opMap
	binary.BigEndian.PutUint32(buf[4:8], requestedLifetime)
	clientAddr := v6Mapped(localIP)
	copy(buf[8:24], clientAddr[:])

	data := buf[24:60]
	copy(data[0:12], nonce[:])
	data[12] = protocolUDP
	binary.BigEndian.PutUint16(data[16:18], localPort)
	binary.BigEndian.PutUint16(data[18:20], preferredExternalPort)
	// external address hint left zero when no preference.
	return buf
}

func encodeAnnounceRequest(localIP netaddr.IP) []byte {
	buf := make([]byte, 24)
	buf[0] = version
	buf[1] = opAnnounce
	clientAddr := v6Mapped(localIP)
	copy(buf[8:24], clientAddr[:])
	return buf
}

func roundTrip(conn *net.UDPConn, req []byte) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("pcp: write: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(RecvTimeout)); err != nil {
		return nil, fmt.Errorf("pcp: set deadline: %w", err)
	}
	buf := make([]byte, 1100)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, pmerrors.ErrTimedOut
		}
		return nil, fmt.Errorf("pcp: read: %w", err)
	}
	if n < 24 {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	return buf[:n], nil
}

// New registers a new UDP port mapping with the PCP server on
// gateway, optionally hinting at a preferred external port.
func New(localIP netaddr.IP, localPort uint16, gateway netaddr.IP, preferredExternalPort uint16) (*Mapping, error) {
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("pcp: generate nonce: %w", err)
	}

	conn, err := dialGateway(localIP, gateway)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := encodeMapRequest(nonce, localIP, localPort, preferredExternalPort)
	resp, err := roundTrip(conn, req)
	if err != nil {
		return nil, err
	}
	if resp[1] != opMap|opReplyBit {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	if len(resp) < 24+36 {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	lifetime := binary.BigEndian.Uint32(resp[4:8])
	data := resp[24:60]

	var respNonce [12]byte
	copy(respNonce[:], data[0:12])
	if respNonce != nonce {
		return nil, pmerrors.ErrNonceMismatch
	}
	if data[12] != protocolUDP {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	respLocalPort := binary.BigEndian.Uint16(data[16:18])
	if respLocalPort != localPort {
		return nil, pmerrors.ErrUnexpectedResponse
	}
	externalPort := binary.BigEndian.Uint16(data[18:20])
	if externalPort == 0 {
		return nil, pmerrors.ErrZeroExternalPort
	}
	externalAddr, ok := ipv4FromMapped(data[20:36])
	if !ok {
		return nil, pmerrors.ErrNotIPv4
	}

	return &Mapping{
		localIP:         localIP,
		localPort:       localPort,
		gateway:         gateway,
		externalPort:    externalPort,
		externalAddr:    externalAddr,
		lifetimeSeconds: lifetime,
		nonce:           nonce,
	}, nil
}

func ipv4FromMapped(b []byte) (netaddr.IP, bool) {
	var a16 [16]byte
	copy(a16[:], b)
	ip := netaddr.IPFrom16(a16)
	if !ip.Is4in6() {
		return netaddr.IP{}, false
	}
	return ip.Unmap(), true
}

// Release re-sends the map request with lifetime zero; the response,
// if any, is not awaited.
func (m *Mapping) Release() error {
	conn, err := dialGateway(m.localIP, m.gateway)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, 60)
	buf[0] = version
	buf[1] = opMap
	clientAddr := v6Mapped(m.localIP)
	copy(buf[8:24], clientAddr[:])
	data := buf[24:60]
	copy(data[0:12], m.nonce[:])
	data[12] = protocolUDP
	binary.BigEndian.PutUint16(data[16:18], m.localPort)
	// lifetime and external port hint left zero.
	_, err = conn.Write(buf)
	return err
}

// ProbeAvailable sends an Announce request and reports whether the
// gateway answers with an Announce response within RecvTimeout.
func ProbeAvailable(localIP, gateway netaddr.IP) bool {
	conn, err := dialGateway(localIP, gateway)
	if err != nil {
		return false
	}
	defer conn.Close()

	resp, err := roundTrip(conn, encodeAnnounceRequest(localIP))
	if err != nil {
		return false
	}
	return resp[1] == opAnnounce|opReplyBit && resp[3] == 0
}
