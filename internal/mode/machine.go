// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mode implements the two-phase Query/Response timing state
// machine that is the heart of this repository. It is deliberately kept
// free of I/O and of the membership table's own storage -
// the dispatcher supplies the live size estimate S and the previous
// cycle's self-responded bit on each call, and the machine hands back the
// duration to arm on the timer; emitting is left to the caller. This keeps
// the randomized-timeout arithmetic unit-testable without a socket, a
// clock, or a table in the loop.
package mode

import (
	"time"

	"github.com/rkuhn/swarm-discovery/internal/rng"
)

// Mode is the machine's current phase. There is no terminal state; it
// alternates for the process's lifetime.
type Mode int

const (
	Query Mode = iota
	Response
)

func (m Mode) String() string {
	if m == Query {
		return "query"
	}
	return "response"
}

const responseUnit = 100 * time.Millisecond

// Machine holds the mode, the pending-timeout bookkeeping, the in-cycle
// response counter, and the extra fairness term. Zero value is not usable;
// construct with New.
type Machine struct {
	tau time.Duration
	phi float64

	mode            Mode
	responseCounter int
	extra           time.Duration
}

// New constructs a Machine in Query mode and draws its initial timeout.
// s is the swarm-size estimate at startup (1 for a freshly started,
// peerless node).
func New(tau time.Duration, phi float64, s int, r rng.Source) (*Machine, time.Duration) {
	m := &Machine{tau: tau, phi: phi, mode: Query}
	return m, m.enterQuery(s, r)
}

// Mode reports the machine's current phase.
func (m *Machine) Mode() Mode { return m.mode }

// Extra reports the current fairness delay, for tests and debug dumps.
func (m *Machine) Extra() time.Duration { return m.extra }

// enterQuery draws t uniformly from [τ, τ+(S+1)·τ/10) and resets the
// response counter (harmless outside Response mode, but keeps the zero
// value meaningful if read early).
func (m *Machine) enterQuery(s int, r rng.Source) time.Duration {
	m.mode = Query
	m.responseCounter = 0

	window := m.tau * time.Duration(s+1) / 10
	t := m.tau + scale(r, window)
	return t
}

// enterResponse draws the randomized response window, updates extra based
// on whether self responded in the previous cycle, arms for their sum, and
// resets the in-cycle counter. The caller is responsible for calling the
// membership table's BeginNewCycle as part of this same transition.
func (m *Machine) enterResponse(s int, selfRespondedLastCycle bool, r rng.Source) time.Duration {
	m.mode = Response
	m.responseCounter = 0

	tauPhi := m.tau.Seconds() * m.phi
	window := time.Duration(float64(responseUnit) * float64(s+1) / tauPhi)
	random := scale(r, window)

	if selfRespondedLastCycle {
		ratio := float64(s) / tauPhi
		if ratio > 10 {
			ratio = 10
		}
		m.extra = time.Duration(float64(responseUnit) * ratio)
	} else {
		m.extra -= responseUnit
		if m.extra < 0 {
			m.extra = 0
		}
	}

	return random + m.extra
}

// scale draws a uniform duration in [0, window) from r. A non-positive
// window (e.g. τ=0 or φ=0 misconfiguration) draws zero rather than
// panicking or inverting the range.
func scale(r rng.Source, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(r.Float64() * float64(window))
}

// QueryTimerFired handles the Query-mode timer firing: emit a query and
// transition to Response mode. Returns the duration to arm for the new
// Response-mode timeout.
func (m *Machine) QueryTimerFired(s int, selfRespondedLastCycle bool, r rng.Source) time.Duration {
	return m.enterResponse(s, selfRespondedLastCycle, r)
}

// InboundQueryWhileQuery handles a query arriving from another peer while
// this node is in Query mode: cancel the pending query timeout (the
// caller's job) and transition to Response mode without emitting.
func (m *Machine) InboundQueryWhileQuery(s int, selfRespondedLastCycle bool, r rng.Source) time.Duration {
	return m.enterResponse(s, selfRespondedLastCycle, r)
}

// responseThreshold is τ·φ, compared directly (no rounding) against the
// integer response counter.
func (m *Machine) responseThreshold() float64 {
	return m.tau.Seconds() * m.phi
}

// OnResponseDuringResponse accounts for newPeers additional distinct peers
// observed in one inbound response datagram while in Response mode, and
// reports whether the counter has now strictly exceeded τ·φ - the signal
// for the dispatcher to cancel the pending timer and fall back to Query
// mode without emitting a response of our own.
func (m *Machine) OnResponseDuringResponse(newPeers int) (exceeded bool) {
	m.responseCounter += newPeers
	return float64(m.responseCounter) > m.responseThreshold()
}

// ExitEarlyToQuery performs the early Response-mode exit triggered by
// OnResponseDuringResponse returning true: self's responded_last_cycle bit
// is false for this cycle (the caller applies that to the membership
// table), and the machine transitions back to Query mode with a freshly
// drawn timeout.
func (m *Machine) ExitEarlyToQuery(s int, r rng.Source) time.Duration {
	return m.enterQuery(s, r)
}

// ResponseTimerFired handles the Response-mode timer firing: emit a
// response (the caller's job - this only returns the next timeout) and
// transition back to Query mode. The caller should also record self's
// responded_last_cycle bit (true when a response was actually sent) before
// the next Response-mode entry reads it.
func (m *Machine) ResponseTimerFired(s int, r rng.Source) time.Duration {
	return m.enterQuery(s, r)
}
