// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package netmon

import (
	"fmt"
	"sync"

	"github.com/natreach/natreach/internal/logger"
	"golang.org/x/sys/unix"
)

// bsdOSMon reads from a PF_ROUTE socket. Unlike Linux's netlink
// groups, a routing socket delivers every routing message type to
// every listener, so there is no group mask to set up: any readable
// message is treated as a change, matching the reference behaviour
// of translating "any message" into a single Change signal.
type bsdOSMon struct {
	logf logger.Logf

	mu     sync.Mutex
	fd     int
	closed bool
}

func newOSMon(logf logger.Logf) (osMon, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, fmt.Errorf("netmon: PF_ROUTE socket: %w", err)
	}
	return &bsdOSMon{logf: logf, fd: fd}, nil
}

func (m *bsdOSMon) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return unix.Close(m.fd)
}

func (m *bsdOSMon) Receive() (message, error) {
	buf := make([]byte, 2048)
	for {
		m.mu.Lock()
		closed := m.closed
		fd := m.fd
		m.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("netmon: closed")
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("netmon: PF_ROUTE read: %w", err)
		}
		if n < 4 {
			continue
		}
		return changeMessage{}, nil
	}
}
