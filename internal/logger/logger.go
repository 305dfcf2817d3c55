// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger defines a simple Logf type and some utilities
// for it.
package logger

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the basic Tailscale logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...interface{})

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...interface{}) {}

// StdLogger returns a Logf that writes to the provided *log.Logger.
func StdLogger(l *log.Logger) Logf {
	return func(format string, args ...interface{}) {
		l.Output(2, fmt.Sprintf(format, args...))
	}
}

// WithPrefix returns a new Logf that prepends prefix to each
// formatted log message.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...interface{}) {
		logf(prefix+format, args...)
	}
}

// RateLimitedFn returns a Logf wrapping logf that only calls through
// at most once per every interval, dropping interleaved calls.
// It is meant for noisy retry/reconnect loops where every attempt
// does not deserve its own log line.
func RateLimitedFn(logf Logf, interval time.Duration) Logf {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(format string, args ...interface{}) {
		now := time.Now()
		mu.Lock()
		ok := now.Sub(last) >= interval
		if ok {
			last = now
		}
		mu.Unlock()
		if ok {
			logf(format, args...)
		}
	}
}
