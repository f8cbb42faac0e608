// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package membership

import (
	"net"
	"testing"
	"time"
)

func TestObserveNotifiesFoundThenAddrsChanged(t *testing.T) {
	var events []EventKind
	tbl := New(time.Second, 1.0, func(_ string, _ []net.IP, _ Txt, kind EventKind) {
		events = append(events, kind)
	})

	now := time.Now()
	tbl.Observe("peerA", []net.IP{net.ParseIP("10.0.0.1")}, nil, now)
	if len(events) != 1 || events[0] != Found {
		t.Fatalf("expected [Found], got %v", events)
	}

	// same addrs again: liveness refresh only, no notification.
	tbl.Observe("peerA", []net.IP{net.ParseIP("10.0.0.1")}, nil, now.Add(time.Millisecond))
	if len(events) != 1 {
		t.Fatalf("expected no new notification for unchanged addrs, got %v", events)
	}

	// addrs changed: AddrsChanged.
	tbl.Observe("peerA", []net.IP{net.ParseIP("10.0.0.2")}, nil, now.Add(2*time.Millisecond))
	if len(events) != 2 || events[1] != AddrsChanged {
		t.Fatalf("expected [Found AddrsChanged], got %v", events)
	}
}

func TestSizeIsSelfInclusive(t *testing.T) {
	tbl := New(time.Second, 1.0, nil)
	if tbl.Size() != 1 {
		t.Fatalf("lone node should report S=1, got %d", tbl.Size())
	}
	tbl.Observe("peerA", nil, nil, time.Now())
	if tbl.Size() != 2 {
		t.Fatalf("S should be 2 with one peer plus self, got %d", tbl.Size())
	}
}

func TestSweepEvictsPastThreeSOverPhi(t *testing.T) {
	// tau=1s is irrelevant to eviction age; only S and phi matter.
	var evicted []string
	tbl := New(time.Second, 1.0, func(id string, addrs []net.IP, _ Txt, kind EventKind) {
		if kind == Evicted {
			evicted = append(evicted, id)
		}
		if kind == Evicted && addrs != nil {
			t.Errorf("evicted notification should carry nil addrs")
		}
	})

	start := time.Now()
	tbl.Observe("peerB", []net.IP{net.ParseIP("10.0.0.1")}, nil, start)

	// S=2 (peerB + self), threshold = 3*2/1 = 6s. At 3.1s, not yet evicted.
	if got := tbl.Sweep(start.Add(3100 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("expected no eviction at 3.1s with threshold 6s, got %v", got)
	}

	// At 7s (> 6s threshold), eviction should fire exactly once.
	got := tbl.Sweep(start.Add(7 * time.Second))
	if len(got) != 1 || got[0] != "peerB" {
		t.Fatalf("expected [peerB] evicted, got %v", got)
	}
	if len(evicted) != 1 {
		t.Fatalf("expected exactly one Evicted notification, got %d", len(evicted))
	}

	// idempotence: sweeping again with no interleaved events yields no
	// further eviction, since the entry is already gone.
	if got := tbl.Sweep(start.Add(8 * time.Second)); len(got) != 0 {
		t.Fatalf("second sweep should be a no-op, got %v", got)
	}
}

func TestBeginNewCycleClearsPerPeerFlag(t *testing.T) {
	tbl := New(time.Second, 1.0, nil)
	now := time.Now()
	tbl.Observe("peerA", nil, nil, now)

	snap := tbl.Snapshot()
	if !snap["peerA"].RespondedLastCycle {
		t.Fatalf("expected RespondedLastCycle true right after Observe")
	}

	tbl.BeginNewCycle()
	snap = tbl.Snapshot()
	if snap["peerA"].RespondedLastCycle {
		t.Fatalf("expected RespondedLastCycle cleared after BeginNewCycle")
	}
}

func TestSelfRespondedBit(t *testing.T) {
	tbl := New(time.Second, 1.0, nil)
	if tbl.SelfResponded() {
		t.Fatalf("expected false before any cycle completes")
	}
	tbl.SetSelfResponded(true)
	if !tbl.SelfResponded() {
		t.Fatalf("expected true after SetSelfResponded(true)")
	}
}
