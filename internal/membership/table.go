// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package membership implements the per-peer liveness table: it maps peer
// identity to last-seen timestamp, serves the live swarm-size estimate S,
// and evicts entries that have gone quiet for longer than 3S/φ.
//
// The Table is not safe for concurrent use. It is exclusively owned and
// mutated by the dispatcher's single event loop; there is no shared
// mutation, hence no locking.
package membership

import (
	"net"
	"time"
)

// EventKind classifies a notification delivered to the embedding
// application via the Table's Notify callback.
type EventKind int

const (
	// Found indicates a peer was observed for the first time.
	Found EventKind = iota
	// AddrsChanged indicates a previously known peer's address set changed.
	AddrsChanged
	// Evicted indicates a peer aged out of the table without being heard
	// from again within 3S/φ.
	Evicted
)

func (k EventKind) String() string {
	switch k {
	case Found:
		return "found"
	case AddrsChanged:
		return "addrs_changed"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Txt is a peer's announced TXT record bag. A nil value means the key was
// present as a bare flag (no "=value" suffix).
type Txt map[string]*string

// Clone returns a deep copy, used when handing a Txt bag to a callback so
// the caller cannot mutate table state through it.
func (t Txt) Clone() Txt {
	if t == nil {
		return nil
	}
	c := make(Txt, len(t))
	for k, v := range t {
		if v == nil {
			c[k] = nil
			continue
		}
		vv := *v
		c[k] = &vv
	}
	return c
}

// Entry is the value stored per peer_id: last_seen, responded_last_cycle,
// addrs, and the peer's announced TXT bag.
type Entry struct {
	Addrs              []net.IP
	Txt                Txt
	LastSeen           time.Time
	RespondedLastCycle bool
}

func addrsEqual(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Notify is called whenever the table's view of the swarm changes. Addrs is
// nil for Evicted events, matching the original implementation's convention
// of signaling removal with an empty address list.
type Notify func(peerID string, addrs []net.IP, txt Txt, kind EventKind)

// Table is the per-peer liveness table. Self is never an entry: Size()
// always counts it implicitly, so S = size(table)+1.
type Table struct {
	phi   float64
	tau   time.Duration
	notify Notify

	peers map[string]*Entry

	// selfResponded tracks whether this node emitted a response during the
	// immediately previous Response-mode cycle. It is tracked outside the
	// peer map because self is never an entry in it.
	selfResponded bool
}

// New creates an empty table. notify may be nil, in which case
// notifications are simply dropped.
func New(tau time.Duration, phi float64, notify Notify) *Table {
	if notify == nil {
		notify = func(string, []net.IP, Txt, EventKind) {}
	}
	return &Table{
		phi:    phi,
		tau:    tau,
		notify: notify,
		peers:  make(map[string]*Entry),
	}
}

// Observe upserts a peer entry, marking it as having responded this cycle.
// It notifies Found on first sighting, AddrsChanged when the address set
// differs from what was last recorded, and otherwise notifies nothing (a
// repeat response with unchanged addresses is just a liveness refresh).
func (t *Table) Observe(peerID string, addrs []net.IP, txt Txt, now time.Time) {
	existing, ok := t.peers[peerID]
	if !ok {
		t.peers[peerID] = &Entry{
			Addrs:              addrs,
			Txt:                txt,
			LastSeen:           now,
			RespondedLastCycle: true,
		}
		t.notify(peerID, addrs, txt.Clone(), Found)
		return
	}

	changed := !addrsEqual(existing.Addrs, addrs)
	existing.Addrs = addrs
	existing.Txt = txt
	existing.LastSeen = now
	existing.RespondedLastCycle = true
	if changed {
		t.notify(peerID, addrs, txt.Clone(), AddrsChanged)
	}
}

// BeginNewCycle clears each entry's per-cycle responded flag. It is called
// by the dispatcher on every transition into Response mode, before the new
// cycle's first response can arrive.
func (t *Table) BeginNewCycle() {
	for _, e := range t.peers {
		e.RespondedLastCycle = false
	}
}

// evictionAge is the age threshold past which an entry is stale: 3S/φ,
// computed from the table's own size at call time.
func (t *Table) evictionAge() time.Duration {
	s := t.Size()
	return time.Duration(3 * float64(s) / t.phi * float64(time.Second))
}

// Sweep removes every entry older than 3S/φ (S measured before removal,
// since removing entries mid-sweep would otherwise shrink the threshold
// while the sweep is still running). It notifies Evicted for each removed
// peer and returns their IDs.
func (t *Table) Sweep(now time.Time) []string {
	threshold := t.evictionAge()
	var evicted []string
	for id, e := range t.peers {
		if now.Sub(e.LastSeen) > threshold {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(t.peers, id)
		t.notify(id, nil, nil, Evicted)
	}
	return evicted
}

// Size returns S, the self-inclusive live swarm-size estimate.
func (t *Table) Size() int {
	return len(t.peers) + 1
}

// SelfResponded returns whether this node emitted a response during the
// immediately previous Response-mode cycle.
func (t *Table) SelfResponded() bool {
	return t.selfResponded
}

// SetSelfResponded records this node's own responded_last_cycle bit for
// the cycle that just ended.
func (t *Table) SetSelfResponded(v bool) {
	t.selfResponded = v
}

// Snapshot returns a defensive copy of the current peer set, suitable for
// handing to debug tooling (e.g. a spew.Sdump) without risking a caller
// mutating live table state.
func (t *Table) Snapshot() map[string]Entry {
	out := make(map[string]Entry, len(t.peers))
	for id, e := range t.peers {
		out[id] = Entry{
			Addrs:              append([]net.IP(nil), e.Addrs...),
			Txt:                e.Txt.Clone(),
			LastSeen:           e.LastSeen,
			RespondedLastCycle: e.RespondedLastCycle,
		}
	}
	return out
}
