// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && !android

package netmon

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"github.com/natreach/natreach/internal/logger"
	"golang.org/x/sys/unix"
)

// RTNLGRP_* multicast group numbers (linux/rtnetlink.h). Only the
// groups this monitor cares about are named; mdlayher/netlink wants
// them pre-shifted into a bitmask the way nl_mgrp() does in the
// kernel's own netlink(7) documentation.
const (
	rtnlgrpIPv4Ifaddr = 5
	rtnlgrpIPv6Ifaddr = 9
	rtnlgrpIPv4Route  = 7
	rtnlgrpIPv6Route  = 11
	rtnlgrpIPv4Rule   = 8
	rtnlgrpIPv6Rule   = 19
)

func nlGroupBit(group uint) uint32 {
	if group == 0 {
		return 0
	}
	return 1 << (group - 1)
}

const maxNetlinkBackoff = 30 * time.Second

// linuxOSMon subscribes to the kernel's route netlink multicast
// groups and folds NEWADDR/DELADDR/NEWROUTE/DELROUTE/NEWRULE/DELRULE
// events into change notifications, filtering out the link-local and
// multicast route churn that the local and main tables generate
// constantly and that carries no information about reachability.
type linuxOSMon struct {
	logf logger.Logf

	mu      sync.Mutex
	conn    *netlink.Conn
	backoff time.Duration
	closed  bool

	addrSeen map[uint32]map[netip.Addr]bool
}

func newOSMon(logf logger.Logf) (osMon, error) {
	m := &linuxOSMon{
		logf:     logf,
		backoff:  time.Second,
		addrSeen: map[uint32]map[netip.Addr]bool{},
	}
	if err := m.connect(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *linuxOSMon) connect() error {
	groups := nlGroupBit(rtnlgrpIPv4Ifaddr) | nlGroupBit(rtnlgrpIPv6Ifaddr) |
		nlGroupBit(rtnlgrpIPv4Route) | nlGroupBit(rtnlgrpIPv6Route) |
		nlGroupBit(rtnlgrpIPv4Rule) | nlGroupBit(rtnlgrpIPv6Rule)
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{Groups: groups})
	if err != nil {
		return fmt.Errorf("netmon: netlink dial: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

func (m *linuxOSMon) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// Receive blocks until a change-worthy event arrives, reconnecting
// with doubling backoff (capped at 30s, reset on success) if the
// netlink socket goes away underneath it.
func (m *linuxOSMon) Receive() (message, error) {
	for {
		m.mu.Lock()
		closed := m.closed
		conn := m.conn
		m.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("netmon: closed")
		}

		msgs, err := conn.Receive()
		if err != nil {
			if closed {
				return nil, err
			}
			m.logf("netlink connection lost: %v; reconnecting in %v", err, m.backoff)
			time.Sleep(m.backoff)
			m.backoff *= 2
			if m.backoff > maxNetlinkBackoff {
				m.backoff = maxNetlinkBackoff
			}
			if rerr := m.connect(); rerr != nil {
				m.logf("netlink reconnect failed: %v", rerr)
				continue
			}
			continue
		}
		m.backoff = time.Second

		interesting := false
		for _, raw := range msgs {
			if m.classify(raw) {
				interesting = true
			}
		}
		if interesting {
			return changeMessage{}, nil
		}
	}
}

func (m *linuxOSMon) classify(raw netlink.Message) bool {
	switch raw.Header.Type {
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		var am rtnetlink.AddressMessage
		if err := am.UnmarshalBinary(raw.Data); err != nil {
			return false
		}
		addr, ok := netip.AddrFromSlice(am.Attributes.Address)
		if !ok {
			return raw.Header.Type == unix.RTM_NEWADDR
		}
		addr = addr.Unmap()

		m.mu.Lock()
		seen := m.addrSeen[am.Index]
		if seen == nil {
			seen = map[netip.Addr]bool{}
			m.addrSeen[am.Index] = seen
		}
		var changed bool
		if raw.Header.Type == unix.RTM_NEWADDR {
			changed = !seen[addr]
			seen[addr] = true
		} else {
			changed = seen[addr]
			delete(seen, addr)
		}
		m.mu.Unlock()
		return changed

	case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
		var rm rtnetlink.RouteMessage
		if err := rm.UnmarshalBinary(raw.Data); err != nil {
			return false
		}
		table := uint32(rm.Table)
		if rm.Attributes.Table != 0 {
			table = rm.Attributes.Table
		}
		if table == 255 || table == 254 {
			if dst, ok := netip.AddrFromSlice(rm.Attributes.Dst); ok {
				dst = dst.Unmap()
				if dst.IsMulticast() || dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
					return false
				}
			}
		}
		return true

	case unix.RTM_NEWRULE, unix.RTM_DELRULE:
		return true

	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		return false

	default:
		return false
	}
}
