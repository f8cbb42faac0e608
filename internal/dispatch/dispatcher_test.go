// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rkuhn/swarm-discovery/internal/membership"
	"github.com/rkuhn/swarm-discovery/internal/mode"
	"github.com/rkuhn/swarm-discovery/internal/telemetry"
	"github.com/rkuhn/swarm-discovery/internal/timer"
	"github.com/rkuhn/swarm-discovery/internal/wire"
)

// fixedSource always returns the same draw, mirroring the mode package's
// own test helper so boundary values stay pinned instead of range-checked.
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

// fakeSocket records what was sent instead of touching a real NIC, so the
// event-loop transition logic can be driven deterministically.
type fakeSocket struct {
	hasV4, hasV6 bool
	sentV4       [][]byte
	sentV6       [][]byte
}

func (f *fakeSocket) HasV4() bool { return f.hasV4 }
func (f *fakeSocket) HasV6() bool { return f.hasV6 }
func (f *fakeSocket) ReadFromV4(buf []byte) (int, net.Addr, error) {
	select {} // never called directly in these unit tests; handleDatagram is invoked by hand
}
func (f *fakeSocket) ReadFromV6(buf []byte) (int, net.Addr, error) {
	select {}
}
func (f *fakeSocket) SendV4(buf []byte) error {
	f.sentV4 = append(f.sentV4, append([]byte(nil), buf...))
	return nil
}
func (f *fakeSocket) SendV6(buf []byte) error {
	f.sentV6 = append(f.sentV6, append([]byte(nil), buf...))
	return nil
}
func (f *fakeSocket) Close() error             { return nil }
func (f *fakeSocket) RefreshInterfaces() error { return nil }

// testHarness builds a Dispatcher with fakes substituted for every
// collaborator, bypassing New (which requires a concrete *mcast.Sockets).
type testHarness struct {
	d    *Dispatcher
	sock *fakeSocket
	tmr  *timer.Fake
}

func newTestHarness(t *testing.T, tau time.Duration, phi float64) *testHarness {
	t.Helper()
	sock := &fakeSocket{hasV4: true}
	tmr := timer.NewFake(time.Unix(0, 0))

	cfg := Config{
		ServiceName: wire.ServiceName("swarm", "udp"),
		SelfID:      "self",
		Tau:         tau,
		Phi:         phi,
		Logger:      zap.NewNop(),
		Metrics:     telemetry.New(t.Name()),
		RNG:         fixedSource(0),
		Timer:       tmr,
	}
	notify := func(string, []net.IP, membership.Txt, membership.EventKind) {}
	tbl := membership.New(cfg.Tau, cfg.Phi, notify)
	m, initial := mode.New(cfg.Tau, cfg.Phi, tbl.Size(), cfg.RNG)
	tmr.Arm(initial)

	d := &Dispatcher{
		cfg:        cfg,
		sockets:    sock,
		table:      tbl,
		machine:    m,
		ctrlCh:     make(chan Control, 16),
		inboundCh:  make(chan inboundDatagram, 64),
		netChange:  make(chan struct{}, 1),
		snapshotCh: make(chan snapshotReq),
	}
	return &testHarness{d: d, sock: sock, tmr: tmr}
}

func (h *testHarness) injectQuery(t *testing.T, fam family) {
	t.Helper()
	buf, err := wire.BuildQuery(h.d.cfg.ServiceName)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	h.d.handleDatagram(inboundDatagram{buf: buf, n: len(buf), fam: fam})
}

func (h *testHarness) injectResponse(t *testing.T, peerID string, addrs ...net.IP) {
	t.Helper()
	buf, err := wire.BuildResponse(h.d.cfg.ServiceName, peerID, addrs, nil)
	if err != nil {
		t.Fatalf("BuildResponse: %v", err)
	}
	h.d.handleDatagram(inboundDatagram{buf: buf, n: len(buf), fam: famV4})
}

func TestQueryTimerFiredEmitsAndTransitions(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	if h.d.machine.Mode() != mode.Query {
		t.Fatalf("expected initial mode Query")
	}
	h.d.handleTimerFired()
	if len(h.sock.sentV4) != 1 {
		t.Fatalf("expected exactly one query sent, got %d", len(h.sock.sentV4))
	}
	if h.d.machine.Mode() != mode.Response {
		t.Fatalf("expected Response mode after query timer fires")
	}
}

func TestInboundQueryDuringQuerySuppressesOwnQuery(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.injectQuery(t, famV4)
	if h.d.machine.Mode() != mode.Response {
		t.Fatalf("expected transition to Response mode on inbound query")
	}
	if len(h.sock.sentV4) != 0 {
		t.Fatalf("expected no query emitted by us, got %d", len(h.sock.sentV4))
	}
}

func TestInboundQueryDuringResponseIsIgnored(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.d.handleTimerFired() // -> Response mode
	before := h.tmr.Generation()
	h.injectQuery(t, famV4)
	if h.tmr.Generation() != before {
		t.Fatalf("inbound query during Response mode should not rearm the timer")
	}
}

func TestInboundResponseDuringQueryOnlyUpdatesTable(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.injectResponse(t, "peerA", net.ParseIP("10.0.0.1").To4())
	if h.d.machine.Mode() != mode.Query {
		t.Fatalf("response during Query mode must not change mode")
	}
	if h.d.table.Size() != 2 {
		t.Fatalf("expected swarm size 2 (self+peerA), got %d", h.d.table.Size())
	}
}

func TestResponseCounterEarlyExit(t *testing.T) {
	// tau*phi = 1: the second inbound response's peer strictly exceeds it.
	h := newTestHarness(t, time.Second, 1.0)
	h.d.handleTimerFired() // -> Response mode
	if h.d.machine.Mode() != mode.Response {
		t.Fatalf("expected Response mode")
	}
	h.injectResponse(t, "peerA", net.ParseIP("10.0.0.1").To4())
	h.injectResponse(t, "peerB", net.ParseIP("10.0.0.2").To4())
	if h.d.machine.Mode() != mode.Query {
		t.Fatalf("expected early exit back to Query mode once counter exceeds tau*phi")
	}
	if h.d.table.SelfResponded() {
		t.Fatalf("expected SelfResponded false after an early exit")
	}
}

func TestSelfLoopbackResponseIsFiltered(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.injectResponse(t, "self", net.ParseIP("10.0.0.1").To4())
	if h.d.table.Size() != 1 {
		t.Fatalf("expected our own looped-back response to be dropped, size=%d", h.d.table.Size())
	}
}

func TestResponseTimerFiredWithNoAddrsDoesNotAnnounce(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.d.handleTimerFired() // -> Response mode
	h.d.handleTimerFired() // response timer fires with no self addrs configured
	if len(h.sock.sentV4) != 1 {
		t.Fatalf("expected only the original query to have been sent, got %d", len(h.sock.sentV4))
	}
	if h.d.table.SelfResponded() {
		t.Fatalf("expected SelfResponded false when nothing was announced")
	}
}

func TestResponseTimerFiredWithAddrsAnnounces(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.d.handleControl(AddAddrs(net.ParseIP("192.168.1.5").To4()))
	h.d.handleTimerFired() // -> Response mode (query sent)
	h.d.handleTimerFired() // response timer fires, should announce
	if len(h.sock.sentV4) != 2 {
		t.Fatalf("expected a query and a response sent, got %d", len(h.sock.sentV4))
	}
	if !h.d.table.SelfResponded() {
		t.Fatalf("expected SelfResponded true after announcing")
	}
}

func TestControlAddRemoveAddrs(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	a := net.ParseIP("10.0.0.1").To4()
	b := net.ParseIP("10.0.0.2").To4()
	h.d.handleControl(AddAddrs(a, b, a))
	if len(h.d.selfAddrs) != 2 {
		t.Fatalf("expected AddAddrs to dedupe, got %v", h.d.selfAddrs)
	}
	h.d.handleControl(RemoveAddr(a))
	if len(h.d.selfAddrs) != 1 || !h.d.selfAddrs[0].Equal(b) {
		t.Fatalf("expected only b remaining, got %v", h.d.selfAddrs)
	}
	h.d.handleControl(RemoveAll())
	if len(h.d.selfAddrs) != 0 {
		t.Fatalf("expected RemoveAll to clear addrs, got %v", h.d.selfAddrs)
	}
}

func TestControlSetAndRemoveTxt(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	v := "1"
	h.d.handleControl(SetTxt("epoch", &v))
	if h.d.selfTxt["epoch"] == nil || *h.d.selfTxt["epoch"] != "1" {
		t.Fatalf("expected epoch=1, got %v", h.d.selfTxt)
	}
	h.d.handleControl(RemoveTxt("epoch"))
	if _, ok := h.d.selfTxt["epoch"]; ok {
		t.Fatalf("expected epoch to be removed, got %v", h.d.selfTxt)
	}
}

func TestSweepEvictsStalePeers(t *testing.T) {
	h := newTestHarness(t, time.Second, 1.0)
	h.injectResponse(t, "peerA", net.ParseIP("10.0.0.1").To4())
	h.tmr.Advance(10 * time.Second)
	h.d.handleSweep()
	if h.d.table.Size() != 1 {
		t.Fatalf("expected peerA evicted, size=%d", h.d.table.Size())
	}
}
