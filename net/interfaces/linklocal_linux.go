// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package interfaces

import "net/netip"

// Linux, notably Android, often puts a preferred IPv4 link-local
// address on the interface that carries the default route (tethering,
// some carrier NATs), so it is worth considering there.
func isIP4LinkLocalUsable(ip netip.Addr) bool {
	return true
}
