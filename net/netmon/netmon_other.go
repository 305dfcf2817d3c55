// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build (js && wasm) || android

package netmon

import "github.com/natreach/natreach/internal/logger"

// Android's sandbox forbids subscribing to routing sockets or
// netlink from an unprivileged app, and the browser has no routing
// table at all, so both platforms collapse to a no-op
// online/offline watcher: Receive blocks forever and Close simply
// releases it.
type noopBackend struct {
	done chan struct{}
}

func newOSMon(logf logger.Logf) (osMon, error) {
	return &noopBackend{done: make(chan struct{})}, nil
}

func (n *noopBackend) Close() error {
	close(n.done)
	return nil
}

func (n *noopBackend) Receive() (message, error) {
	<-n.done
	return nil, errClosed
}

var errClosed = errClosedErr{}

type errClosedErr struct{}

func (errClosedErr) Error() string { return "netmon: closed" }
