// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics is a minimal counter-increment sink. The surrounding
// peer-to-peer stack that would normally scrape these is out of scope;
// this package only guarantees that every outcome worth counting has
// somewhere to go.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing counter safe for concurrent use.
type Counter struct {
	v int64
}

// NewCounter returns a new zero-valued counter. name is not stored:
// there is no registry and the counter has no String method.
func NewCounter(name string) *Counter {
	return &Counter{}
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.v, delta)
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.v)
}
