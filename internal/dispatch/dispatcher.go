// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch implements the event loop: a single goroutine that pumps
// inbound datagrams, timer firings, and control commands through one merged
// stream, updates the membership table and mode state machine, and hands
// outbound messages to the wire/mcast collaborators. No other goroutine
// mutates core state.
package dispatch

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rkuhn/swarm-discovery/internal/mcast"
	"github.com/rkuhn/swarm-discovery/internal/membership"
	"github.com/rkuhn/swarm-discovery/internal/mode"
	"github.com/rkuhn/swarm-discovery/internal/rng"
	"github.com/rkuhn/swarm-discovery/internal/telemetry"
	"github.com/rkuhn/swarm-discovery/internal/timer"
	"github.com/rkuhn/swarm-discovery/internal/wire"
)

// socket is the subset of *mcast.Sockets the dispatcher needs, pulled out
// as an interface so tests can drive the event loop's mode/table logic
// with a fake rather than a real multicast socket - the same pattern used
// for the rng.Source and timer.Service collaborators.
type socket interface {
	HasV4() bool
	HasV6() bool
	ReadFromV4(buf []byte) (int, net.Addr, error)
	ReadFromV6(buf []byte) (int, net.Addr, error)
	SendV4(buf []byte) error
	SendV6(buf []byte) error
	Close() error
	RefreshInterfaces() error
}

// family identifies which IP family a datagram arrived on or should be
// sent on. It is distinct from mcast.Family, which instead selects which
// families a Sockets pair opens in the first place.
type family int

const (
	famV4 family = iota
	famV6
)

// Config collects everything the dispatcher needs that is immutable after
// construction.
type Config struct {
	ServiceName  string // fully-qualified, e.g. "_swarm._udp.local."
	SelfID       string
	Tau          time.Duration
	Phi          float64

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	RNG     rng.Source
	Timer   timer.Service
}

// Control is a command delivered to the running dispatcher from the
// embedding application: an address or TXT bag mutation to apply before
// the next announcement.
type Control struct {
	kind  ctrlKind
	addrs []net.IP
	addr  net.IP
	key   string
	value *string
}

type ctrlKind int

const (
	ctrlAddAddrs ctrlKind = iota
	ctrlRemoveAddr
	ctrlRemoveAll
	ctrlSetTxt
	ctrlRemoveTxt
)

func AddAddrs(addrs ...net.IP) Control { return Control{kind: ctrlAddAddrs, addrs: addrs} }
func RemoveAddr(addr net.IP) Control   { return Control{kind: ctrlRemoveAddr, addr: addr} }
func RemoveAll() Control                { return Control{kind: ctrlRemoveAll} }
func SetTxt(key string, value *string) Control {
	return Control{kind: ctrlSetTxt, key: key, value: value}
}
func RemoveTxt(key string) Control { return Control{kind: ctrlRemoveTxt, key: key} }

// EventKind mirrors membership.EventKind at the dispatcher's public
// boundary, so internal packages stay unexported implementation detail.
type EventKind = membership.EventKind

const (
	Found        = membership.Found
	AddrsChanged = membership.AddrsChanged
	Evicted      = membership.Evicted
)

// DiscoveryFunc is the embedding application's on_discovery callback,
// invoked with a peer's current address set and announced TXT bag whenever
// it is found, changes, or is evicted.
type DiscoveryFunc func(peerID string, addrs []net.IP, txt map[string]*string, kind EventKind)

// Snapshot is a point-in-time view of one peer, returned by Dispatcher's
// Snapshot method for callers that want to poll rather than rely solely on
// DiscoveryFunc.
type Snapshot struct {
	PeerID   string
	Addrs    []net.IP
	Txt      map[string]*string
	LastSeen time.Time
}

type snapshotReq struct {
	resp chan []Snapshot
}

// Dispatcher is the event loop. Construct with New, then call Run from the
// goroutine that should own it; Run blocks until the context is canceled
// or a fatal collaborator error occurs.
type Dispatcher struct {
	cfg     Config
	sockets socket

	table   *membership.Table
	machine *mode.Machine

	selfAddrs []net.IP
	selfTxt   map[string]*string

	lastFamily family
	cycleID    string

	ctrlCh     chan Control
	inboundCh  chan inboundDatagram
	netChange  chan struct{}
	snapshotCh chan snapshotReq

	sweepEvery time.Duration
}

type inboundDatagram struct {
	buf    []byte
	n      int
	fam    family
}

// New constructs a Dispatcher in Query mode with a freshly drawn initial
// timeout already armed on cfg.Timer. sockets is the result of mcast.Open;
// tests bypass New and build a Dispatcher directly around a fake
// satisfying the socket interface.
func New(cfg Config, sockets *mcast.Sockets, onDiscover DiscoveryFunc) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	notify := func(peerID string, addrs []net.IP, txt membership.Txt, kind membership.EventKind) {
		if onDiscover != nil {
			onDiscover(peerID, addrs, txt, kind)
		}
	}
	tbl := membership.New(cfg.Tau, cfg.Phi, notify)

	m, initial := mode.New(cfg.Tau, cfg.Phi, tbl.Size(), cfg.RNG)
	cfg.Timer.Arm(initial)

	d := &Dispatcher{
		cfg:        cfg,
		sockets:    sockets,
		table:      tbl,
		machine:    m,
		ctrlCh:     make(chan Control, 16),
		inboundCh:  make(chan inboundDatagram, 64),
		netChange:  make(chan struct{}, 1),
		snapshotCh: make(chan snapshotReq),
		sweepEvery: cfg.Tau,
		cycleID:    uuid.NewString(),
	}
	return d
}

// Snapshot returns a point-in-time view of every currently known peer (not
// including self), for the Peer.Age()/Peers() supplement. It is safe to
// call concurrently with Run, since the request is serviced by the event
// loop itself.
func (d *Dispatcher) Snapshot() []Snapshot {
	req := snapshotReq{resp: make(chan []Snapshot, 1)}
	d.snapshotCh <- req
	return <-req.resp
}

// Send delivers a control command to the running dispatcher.
func (d *Dispatcher) Send(c Control) {
	select {
	case d.ctrlCh <- c:
	default:
		d.cfg.Logger.Warn("control channel full, dropping command")
	}
}

// Run is the event loop. It owns every mutation of the membership table
// and mode state machine; nothing else may touch them.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if d.sockets.HasV4() {
		g.Go(func() error { return d.receive(gctx, famV4) })
	}
	if d.sockets.HasV6() {
		g.Go(func() error { return d.receive(gctx, famV6) })
	}

	stopWatch, err := mcast.WatchInterfaceChanges(d.netChange)
	if err != nil {
		d.cfg.Logger.Warn("interface-change watch unavailable", zap.Error(err))
		stopWatch = func() {}
	}

	g.Go(func() error {
		defer stopWatch()
		return d.loop(gctx)
	})

	return g.Wait()
}

// receive runs in its own goroutine per open socket family, forwarding raw
// datagrams to the single event loop. It never touches table/machine
// state itself; only loop's goroutine does that.
func (d *Dispatcher) receive(ctx context.Context, fam family) error {
	buf := make([]byte, 9000) // generous: well above any realistic mDNS packet
	for {
		var n int
		var err error
		if fam == famV4 {
			n, _, err = d.sockets.ReadFromV4(buf)
		} else {
			n, _, err = d.sockets.ReadFromV6(buf)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutting down; not a real failure
			}
			d.cfg.Logger.Debug("transient receive error", zap.Error(err))
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case d.inboundCh <- inboundDatagram{buf: cp, n: n, fam: fam}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) error {
	sweep := time.NewTicker(d.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case c := <-d.ctrlCh:
			d.handleControl(c)

		case dg := <-d.inboundCh:
			d.handleDatagram(dg)

		case f := <-d.cfg.Timer.Fired():
			if f.Generation != d.cfg.Timer.Generation() {
				continue // stale firing raced a rearm; discard
			}
			d.handleTimerFired()

		case <-sweep.C:
			d.handleSweep()

		case r := <-d.snapshotCh:
			r.resp <- d.snapshot()

		case <-d.netChange:
			if err := d.sockets.RefreshInterfaces(); err != nil {
				d.cfg.Logger.Warn("refreshing interfaces after network change", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.cfg.Timer.Cancel()
	if err := d.sockets.Close(); err != nil {
		d.cfg.Logger.Warn("closing sockets", zap.Error(err))
	}
	// Drain whatever already landed in the channels so the receiver
	// goroutines' final sends (if any) don't block after we stop
	// servicing them.
	for {
		select {
		case <-d.inboundCh:
		case <-d.ctrlCh:
		case r := <-d.snapshotCh:
			r.resp <- nil
		default:
			return
		}
	}
}

func (d *Dispatcher) handleControl(c Control) {
	switch c.kind {
	case ctrlAddAddrs:
		d.selfAddrs = dedupAddrs(append(d.selfAddrs, c.addrs...))
	case ctrlRemoveAddr:
		d.selfAddrs = removeAddr(d.selfAddrs, c.addr)
	case ctrlRemoveAll:
		d.selfAddrs = nil
		d.selfTxt = nil
	case ctrlSetTxt:
		if d.selfTxt == nil {
			d.selfTxt = make(map[string]*string)
		}
		d.selfTxt[c.key] = c.value
	case ctrlRemoveTxt:
		delete(d.selfTxt, c.key)
	}
}

// handleDatagram implements the inbound half of the Query- and Response-
// mode transition tables, after self-loopback filtering drops any response
// this node is hearing back from itself.
func (d *Dispatcher) handleDatagram(dg inboundDatagram) {
	decoded, err := wire.Decode(dg.buf[:dg.n], d.cfg.ServiceName)
	if err != nil {
		d.cfg.Logger.Debug("dropping malformed datagram", zap.Error(err))
		return
	}

	if decoded.IsQuery {
		d.handleInboundQuery(dg.fam)
		return
	}

	peers := d.filterSelf(decoded.Responses)
	if len(peers) == 0 {
		return
	}
	now := d.cfg.Timer.Now()
	for _, p := range peers {
		d.table.Observe(p.PeerID, p.Addrs, membership.Txt(p.Txt), now)
	}
	d.cfg.Metrics.ResponsesRecv.Add(float64(len(peers)))

	if d.machine.Mode() != mode.Response {
		return // Query mode: table updated, no state/timer change.
	}
	if exceeded := d.machine.OnResponseDuringResponse(len(peers)); exceeded {
		d.cfg.Timer.Cancel()
		d.table.SetSelfResponded(false)
		dur := d.machine.ExitEarlyToQuery(d.table.Size(), d.cfg.RNG)
		d.cfg.Timer.Arm(dur)
		d.cfg.Metrics.ModeTransitions.WithLabelValues("query").Inc()
		d.logCycle("response_counter exceeded tau*phi, returning to query early")
	}
}

func (d *Dispatcher) filterSelf(recs []wire.PeerRecord) []wire.PeerRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if r.PeerID == d.cfg.SelfID {
			continue // multicast loopback of our own response
		}
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) handleInboundQuery(fam family) {
	switch d.machine.Mode() {
	case mode.Response:
		return // already in the right mode; another peer's query changes nothing here
	case mode.Query:
		d.cfg.Timer.Cancel()
		d.lastFamily = fam
		selfResponded := d.table.SelfResponded()
		dur := d.machine.InboundQueryWhileQuery(d.table.Size(), selfResponded, d.cfg.RNG)
		d.table.BeginNewCycle()
		d.cfg.Timer.Arm(dur)
		d.cfg.Metrics.ModeTransitions.WithLabelValues("response").Inc()
		d.logCycle("suppressed own query, another peer already asked")
	}
}

func (d *Dispatcher) handleTimerFired() {
	switch d.machine.Mode() {
	case mode.Query:
		d.emitQuery()
		selfResponded := d.table.SelfResponded()
		dur := d.machine.QueryTimerFired(d.table.Size(), selfResponded, d.cfg.RNG)
		d.table.BeginNewCycle()
		d.cfg.Timer.Arm(dur)
		d.cfg.Metrics.ModeTransitions.WithLabelValues("response").Inc()
		d.cycleID = uuid.NewString()
		d.logCycle("query timer fired, emitted query")

	case mode.Response:
		sent := d.emitResponse()
		d.table.SetSelfResponded(sent)
		dur := d.machine.ResponseTimerFired(d.table.Size(), d.cfg.RNG)
		d.cfg.Timer.Arm(dur)
		d.cfg.Metrics.ModeTransitions.WithLabelValues("query").Inc()
		d.logCycle("response timer fired")
	}
	d.cfg.Metrics.SwarmSize.Set(float64(d.table.Size()))
	d.cfg.Metrics.CurrentExtra.Set(d.machine.Extra().Seconds())
}

func (d *Dispatcher) emitQuery() {
	buf, err := wire.BuildQuery(d.cfg.ServiceName)
	if err != nil {
		d.cfg.Logger.Error("building query", zap.Error(err))
		return
	}
	d.lastFamily = famV4
	if err := d.send(famV4, buf); err != nil {
		d.lastFamily = famV6
		if err := d.send(famV6, buf); err != nil {
			d.cfg.Logger.Warn("sending query failed on both families", zap.Error(err))
			return
		}
	}
	d.cfg.Metrics.QueriesSent.Inc()
}

// emitResponse returns whether a response was actually sent: a peer with
// no self addresses configured scans without ever announcing.
func (d *Dispatcher) emitResponse() bool {
	if len(d.selfAddrs) == 0 {
		d.cfg.Logger.Debug("no self addresses configured, not announcing")
		return false
	}
	buf, err := wire.BuildResponse(d.cfg.ServiceName, d.cfg.SelfID, d.selfAddrs, d.selfTxt)
	if err != nil {
		d.cfg.Logger.Error("building response", zap.Error(err))
		return false
	}
	if err := d.send(d.lastFamily, buf); err != nil {
		d.cfg.Logger.Warn("sending response failed", zap.Error(err))
		return false // state machine still advances even though the send failed
	}
	d.cfg.Metrics.ResponsesSent.Inc()
	return true
}

func (d *Dispatcher) send(fam family, buf []byte) error {
	if fam == famV4 {
		return d.sockets.SendV4(buf)
	}
	return d.sockets.SendV6(buf)
}

func (d *Dispatcher) handleSweep() {
	evicted := d.table.Sweep(d.cfg.Timer.Now())
	if len(evicted) == 0 {
		return
	}
	d.cfg.Metrics.PeersEvicted.Add(float64(len(evicted)))
	d.cfg.Logger.Debug("swept stale peers", zap.Strings("peers", evicted))
}

func (d *Dispatcher) snapshot() []Snapshot {
	entries := d.table.Snapshot()
	out := make([]Snapshot, 0, len(entries))
	for id, e := range entries {
		out = append(out, Snapshot{PeerID: id, Addrs: e.Addrs, Txt: e.Txt, LastSeen: e.LastSeen})
	}
	return out
}

func (d *Dispatcher) logCycle(msg string) {
	d.cfg.Logger.Debug(msg,
		zap.String("cycle", d.cycleID),
		zap.String("mode", d.machine.Mode().String()),
		zap.Int("swarm_size", d.table.Size()),
		zap.String("table", spew.Sdump(d.table.Snapshot())),
	)
}

func dedupAddrs(addrs []net.IP) []net.IP {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	out := addrs[:0]
	var prev net.IP
	for _, a := range addrs {
		if prev != nil && a.Equal(prev) {
			continue
		}
		out = append(out, a)
		prev = a
	}
	return out
}

func removeAddr(addrs []net.IP, target net.IP) []net.IP {
	out := addrs[:0]
	for _, a := range addrs {
		if !a.Equal(target) {
			out = append(out, a)
		}
	}
	return out
}
