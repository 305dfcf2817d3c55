// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"time"

	"inet.af/netaddr"
)

// Mapping is the common surface of the three protocol-specific
// mapping kinds (natpmp.Mapping, pcp.Mapping, upnp.Mapping). The set
// is closed by convention, not by the type system: these are the only
// three types in this module that implement it, matching the
// original's tagged three-variant union without a virtual dispatch
// table for a genuinely open set.
type Mapping interface {
	External() (netaddr.IP, uint16)
	Lifetime() time.Duration
	HalfLifetime() time.Duration
	Release() error
}

// Config controls which protocols the supervisor is willing to use.
type Config struct {
	EnableUPnP   bool
	EnablePCP    bool
	EnableNATPMP bool
}

// DefaultConfig enables every protocol, matching a gateway with no
// known quirks.
func DefaultConfig() Config {
	return Config{EnableUPnP: true, EnablePCP: true, EnableNATPMP: true}
}

// AvailabilityTrustDuration is how long a successful probe result for
// a protocol is trusted before it must be re-probed.
const AvailabilityTrustDuration = 10 * time.Minute

// UnavailabilityTrustDuration is how long a probe attempt (successful
// or not) is trusted for fallback-ordering purposes: within this
// window since the last probe, we do not blind-probe a protocol that
// wasn't seen.
const UnavailabilityTrustDuration = 5 * time.Second

// ProbeOutput is the aggregate result of probing the gateway for all
// three protocols.
type ProbeOutput struct {
	UPnP   bool
	PCP    bool
	NATPMP bool
}

func (p ProbeOutput) allAvailable() bool {
	return p.UPnP && p.PCP && p.NATPMP
}
