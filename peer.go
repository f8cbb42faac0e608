// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swarmdiscovery

import (
	"net"
	"time"

	"github.com/rkuhn/swarm-discovery/internal/dispatch"
)

// EventKind classifies a discovery notification delivered to the
// onDiscover callback passed to New or NewInteractive.
type EventKind = dispatch.EventKind

const (
	// Found fires the first time a peer is observed.
	Found = dispatch.Found
	// AddrsChanged fires when a known peer's advertised address set changes.
	AddrsChanged = dispatch.AddrsChanged
	// Evicted fires when a peer goes quiet for longer than 3S/φ and is
	// dropped from the membership table.
	Evicted = dispatch.Evicted
)

// Peer is a point-in-time view of another node in the swarm, as returned
// by Handle.Peers or passed to the onDiscover callback. It carries no
// behavior of its own beyond Age.
type Peer struct {
	ID       string
	Addrs    []net.IP
	Txt      map[string]*string
	lastSeen time.Time
}

// Age reports how long it has been since this peer was last heard from.
// Only a Peer returned by Handle.Peers carries a last-seen time; a Peer
// passed to the onDiscover callback has a zero last-seen time, so its Age
// is measured from the zero time.Time and says nothing about the peer.
func (p Peer) Age() time.Duration {
	return time.Since(p.lastSeen)
}
