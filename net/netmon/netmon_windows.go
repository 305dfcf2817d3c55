// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package netmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/natreach/natreach/internal/logger"
)

// Windows IP-interface change notifications are specified only at the
// contract level (spec.md is explicit that the hard routing-table
// work is on BSD): a real backend would block on
// golang.org/x/sys/windows's NotifyIpInterfaceChange. This backend
// satisfies the same Receive contract with a poll, deferring the
// actual decision of whether anything meaningful changed to
// interfaces.State.IsMajorChange in the caller.
const windowsPollInterval = 5 * time.Second

type windowsOSMon struct {
	logf logger.Logf

	mu     sync.Mutex
	closed bool
	wake   chan struct{}
}

func newOSMon(logf logger.Logf) (osMon, error) {
	return &windowsOSMon{logf: logf, wake: make(chan struct{})}, nil
}

func (m *windowsOSMon) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.wake)
	return nil
}

func (m *windowsOSMon) Receive() (message, error) {
	t := time.NewTimer(windowsPollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return changeMessage{}, nil
	case <-m.wake:
		return nil, fmt.Errorf("netmon: closed")
	}
}
