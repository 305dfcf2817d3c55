// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pmerrors holds the error sentinels shared by the protocol
// clients and the mapping supervisor, kept dependency-free so every
// protocol subpackage and the root portmapper package can both import
// it without a cycle.
package pmerrors

import "errors"

var (
	// ErrTimedOut means the gateway did not answer within the
	// protocol's receive window.
	ErrTimedOut = errors.New("portmapper: timed out waiting for gateway response")

	// ErrUnexpectedResponse means the gateway answered with the wrong
	// opcode, result code, protocol, or port for the request sent. A
	// PCP nonce mismatch has its own sentinel, ErrNonceMismatch.
	ErrUnexpectedResponse = errors.New("portmapper: unexpected response from gateway")

	// ErrZeroExternalPort means the gateway granted external port 0.
	ErrZeroExternalPort = errors.New("portmapper: gateway returned external port 0")

	// ErrNotIPv4 means the gateway's external address is IPv6.
	ErrNotIPv4 = errors.New("portmapper: external address is not IPv4")

	// ErrNonceMismatch means a PCP response echoed the wrong nonce.
	ErrNonceMismatch = errors.New("portmapper: PCP response nonce does not match request")

	// ErrNoGateway means no default gateway could be discovered.
	ErrNoGateway = errors.New("portmapper: no default gateway found")

	// ErrIPv6Gateway means the discovered default gateway is IPv6.
	ErrIPv6Gateway = errors.New("portmapper: default gateway is IPv6")
)
