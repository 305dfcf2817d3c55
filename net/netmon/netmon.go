// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netmon watches the host's network configuration and
// notifies registered callbacks when it changes in a way that
// matters to a long-running NAT mapping: a new default gateway, an
// interface appearing or disappearing, or the host waking from sleep.
package netmon

import (
	"sync"
	"time"

	"github.com/go-multierror/multierror"
	"github.com/natreach/natreach/internal/logger"
	"github.com/natreach/natreach/net/interfaces"
	"golang.org/x/sync/errgroup"
)

// message is the minimal interface an OS-specific watcher's events
// must satisfy: whether it's interesting enough to trigger a
// re-check of interface state.
type message interface {
	ignore() bool
}

// changeMessage is the only concrete message type today; every OS
// backend folds its native event model down to "something changed".
type changeMessage struct{}

func (changeMessage) ignore() bool { return false }

// osMon is the platform-specific half of the monitor: a blocking
// event source plus a way to tear it down.
type osMon interface {
	Close() error
	Receive() (message, error)
}

// ChangeFunc is called, possibly concurrently from other ChangeFuncs,
// whenever the monitor observes a network change.
type ChangeFunc func(ChangeDelta)

// ChangeDelta describes what changed between two State snapshots.
type ChangeDelta struct {
	Old, New *interfaces.State

	// DefaultRouteInterfaceChanged is true when the interface
	// carrying the default route changed (including from/to none).
	DefaultRouteInterfaceChanged bool

	// MajorChange is interfaces.State.IsMajorChange's verdict: a
	// change serious enough that cached probe freshness should be
	// invalidated.
	MajorChange bool

	// RebindLikelyRequired is true when an open UDP socket bound to
	// the old default-route interface's address is likely to have
	// gone stale and should be recreated.
	RebindLikelyRequired bool
}

func newChangeDelta(old, cur *interfaces.State) ChangeDelta {
	d := ChangeDelta{Old: old, New: cur}
	if old == nil {
		d.DefaultRouteInterfaceChanged = cur.DefaultRouteInterface != ""
	} else {
		d.DefaultRouteInterfaceChanged = old.DefaultRouteInterface != cur.DefaultRouteInterface
	}
	d.MajorChange = cur.IsMajorChange(old)
	d.RebindLikelyRequired = d.MajorChange
	return d
}

const (
	debounceWindow  = 250 * time.Millisecond
	wallTimePoll    = 10 * time.Second
	wallTimeJumpMin = wallTimePoll + wallTimePoll/2 // 150% of the poll interval
)

// Monitor watches for network state changes and calls registered
// ChangeFuncs when they occur.
type Monitor struct {
	logf     logger.Logf
	om       osMon
	getState func() (*interfaces.State, error)

	change chan message
	done   chan struct{}
	closed sync.Once
	g      errgroup.Group

	mu        sync.Mutex
	lastState *interfaces.State
	cbs       map[int]ChangeFunc
	nextHandle int

	staticMu   sync.Mutex
	staticNext *interfaces.State

	debounceMu sync.Mutex
	pending    bool
	timer      *time.Timer

	wallMu   sync.Mutex
	lastWall time.Time
}

// New creates a Monitor and starts its background goroutines. Callers
// must call Close when done.
func New(logf logger.Logf) (*Monitor, error) {
	if logf == nil {
		logf = logger.Discard
	}
	om, err := newOSMon(logf)
	if err != nil {
		return nil, err
	}
	st, err := interfaces.GetState()
	if err != nil {
		logf("netmon: initial state: %v", err)
		st = interfaces.NewState()
	}
	m := &Monitor{
		logf:      logger.WithPrefix(logf, "netmon: "),
		om:        om,
		change:    make(chan message, 1),
		done:      make(chan struct{}),
		lastState: st,
		cbs:       map[int]ChangeFunc{},
	}
	m.getState = interfaces.GetState
	m.g.Go(func() error { m.pump(); return nil })
	m.g.Go(func() error { m.debounce(); return nil })
	m.g.Go(func() error { m.wallClockWatch(); return nil })
	return m, nil
}

// NewStatic returns a Monitor that never observes real OS events,
// useful for tests that only want to exercise State diffing and
// callback dispatch. Use SetState to queue the state InjectEvent's
// triggered recheck should observe.
func NewStatic(logf logger.Logf, st *interfaces.State) *Monitor {
	if logf == nil {
		logf = logger.Discard
	}
	if st == nil {
		st = interfaces.NewState()
	}
	m := &Monitor{
		logf:      logger.WithPrefix(logf, "netmon: "),
		om:        noopOSMon{},
		change:    make(chan message, 1),
		done:      make(chan struct{}),
		lastState: st,
		cbs:       map[int]ChangeFunc{},
	}
	m.getState = m.staticGetState
	m.g.Go(func() error { m.debounce(); return nil })
	return m
}

// SetState queues st as the result of the next state recheck on a
// Monitor created with NewStatic. It has no effect on a Monitor
// watching real OS events.
func (m *Monitor) SetState(st *interfaces.State) {
	m.staticMu.Lock()
	m.staticNext = st
	m.staticMu.Unlock()
}

func (m *Monitor) staticGetState() (*interfaces.State, error) {
	m.staticMu.Lock()
	defer m.staticMu.Unlock()
	if m.staticNext != nil {
		return m.staticNext, nil
	}
	return m.lastState, nil
}

type noopOSMon struct{}

func (noopOSMon) Close() error                  { return nil }
func (noopOSMon) Receive() (message, error) {
	select {}
}

// InterfaceState returns the most recently observed State.
func (m *Monitor) InterfaceState() *interfaces.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastState
}

// RegisterChangeCallback adds fn to the set of callbacks invoked on
// every observed change, returning a function that unregisters it.
func (m *Monitor) RegisterChangeCallback(fn ChangeFunc) (unregister func()) {
	m.mu.Lock()
	h := m.nextHandle
	m.nextHandle++
	m.cbs[h] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.cbs, h)
		m.mu.Unlock()
	}
}

// InjectEvent forces a re-check of interface state, as if the OS
// backend had reported a change. Exported for tests.
func (m *Monitor) InjectEvent() {
	select {
	case m.change <- changeMessage{}:
	default:
	}
}

// Close shuts the monitor down, releases its OS resources, and waits
// for pump/debounce/wallClockWatch to exit before returning.
func (m *Monitor) Close() error {
	var errs []error
	m.closed.Do(func() {
		close(m.done)
		if err := m.om.Close(); err != nil {
			errs = append(errs, err)
		}
		m.g.Wait() // goroutines return nil unconditionally; this is a join, not an error source
	})
	return joinErrors(errs)
}

func (m *Monitor) pump() {
	for {
		msg, err := m.om.Receive()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.logf("receive: %v; retrying", err)
			time.Sleep(time.Second)
			continue
		}
		if msg.ignore() {
			continue
		}
		select {
		case m.change <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) debounce() {
	for {
		select {
		case <-m.done:
			return
		case <-m.change:
		}
		m.debounceMu.Lock()
		if m.pending {
			m.debounceMu.Unlock()
			continue
		}
		m.pending = true
		m.timer = time.AfterFunc(debounceWindow, m.fire)
		m.debounceMu.Unlock()
	}
}

func (m *Monitor) fire() {
	m.debounceMu.Lock()
	m.pending = false
	m.debounceMu.Unlock()
	m.handlePotentialChange()
}

func (m *Monitor) handlePotentialChange() {
	cur, err := m.getState()
	if err != nil {
		m.logf("get state: %v", err)
		return
	}
	m.mu.Lock()
	old := m.lastState
	m.lastState = cur
	cbs := make([]ChangeFunc, 0, len(m.cbs))
	for _, cb := range m.cbs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	if !cur.IsMajorChange(old) {
		return
	}
	delta := newChangeDelta(old, cur)
	for _, cb := range cbs {
		go cb(delta)
	}
}

// wallClockWatch polls the wall clock and treats a large overshoot
// since the last poll as evidence the host just woke from sleep, a
// transition the OS change watchers do not reliably report but which
// always invalidates the current gateway mapping.
func (m *Monitor) wallClockWatch() {
	t := time.NewTicker(wallTimePoll)
	defer t.Stop()
	m.wallMu.Lock()
	m.lastWall = time.Now()
	m.wallMu.Unlock()
	for {
		select {
		case <-m.done:
			return
		case now := <-t.C:
			m.wallMu.Lock()
			elapsed := now.Sub(m.lastWall)
			m.lastWall = now
			m.wallMu.Unlock()
			if elapsed > wallTimeJumpMin {
				m.logf("wall clock jumped by %v, treating as wake-from-sleep", elapsed)
				m.InjectEvent()
			}
		}
	}
}

func joinErrors(errs []error) error {
	var merr error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr
}
