// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package portmapper

import (
	"context"
	"sync"

	"github.com/natreach/natreach/portmapper/natpmp"
	"github.com/natreach/natreach/portmapper/pcp"
	"github.com/natreach/natreach/portmapper/upnp"
	"inet.af/netaddr"
)

// runProbe asks the gateway about all three protocols concurrently
// and reports which answered. PCP and NAT-PMP share a well-known port
// and timeout budget so they're cheap to run sequentially; UPnP's
// SSDP round trip runs in parallel with them.
func runProbe(ctx context.Context, self, gw netaddr.IP) (ProbeOutput, error) {
	var out ProbeOutput
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		gwHandle, err := upnp.Discover(ctx)
		out.UPnP = err == nil && gwHandle != nil
	}()

	out.PCP = pcp.ProbeAvailable(self, gw)
	out.NATPMP = natpmp.ProbeAvailable(self, gw)

	wg.Wait()
	return out, nil
}
