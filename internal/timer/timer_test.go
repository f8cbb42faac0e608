// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timer

import (
	"testing"
	"time"
)

func TestFakeFiresOnlyAfterDeadline(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	f.Arm(time.Second)

	f.Advance(500 * time.Millisecond)
	select {
	case <-f.Fired():
		t.Fatalf("should not fire before deadline")
	default:
	}

	f.Advance(600 * time.Millisecond)
	select {
	case got := <-f.Fired():
		if got.Generation != f.Generation() {
			t.Fatalf("generation mismatch: got %d want %d", got.Generation, f.Generation())
		}
	default:
		t.Fatalf("expected a firing once deadline crossed")
	}
}

func TestRearmReplacesPending(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	f.Arm(time.Second)
	f.Arm(2 * time.Second) // replaces; deadline now 2s out from t=0

	f.Advance(1500 * time.Millisecond)
	select {
	case <-f.Fired():
		t.Fatalf("rearmed timeout fired too early")
	default:
	}
}

func TestCancelSuppressesFiring(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	f.Arm(time.Second)
	f.Cancel()
	f.Advance(2 * time.Second)
	select {
	case <-f.Fired():
		t.Fatalf("canceled timer should not fire")
	default:
	}
}
