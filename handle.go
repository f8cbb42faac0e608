// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swarmdiscovery

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rkuhn/swarm-discovery/internal/dispatch"
	"github.com/rkuhn/swarm-discovery/internal/telemetry"
)

// Handle controls a running Discoverer, mirroring the original
// implementation's DropGuard: dropping it without calling Stop leaks the
// goroutine and the bound sockets, so embedders should always defer
// h.Stop().
type Handle struct {
	d       *dispatch.Dispatcher
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	if err := h.d.Run(ctx); err != nil {
		h.logger.Error("discoverer stopped with error", zap.Error(err))
	}
}

// Stop cancels the pending timer, closes the multicast sockets, and waits
// for the event loop to exit. It is safe to call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// AddAddrs adds to the set of addresses this node announces. Takes effect
// on the next Response-mode cycle.
func (h *Handle) AddAddrs(addrs ...net.IP) {
	h.d.Send(dispatch.AddAddrs(addrs...))
}

// RemoveAddr removes one address from the set this node announces.
func (h *Handle) RemoveAddr(addr net.IP) {
	h.d.Send(dispatch.RemoveAddr(addr))
}

// RemoveAll clears every address and TXT key this node announces,
// reverting it to a scan-only peer until AddAddrs is called again.
func (h *Handle) RemoveAll() {
	h.d.Send(dispatch.RemoveAll())
}

// SetTxt sets one key in the TXT bag this node announces. A nil value
// announces key as a bare flag.
func (h *Handle) SetTxt(key string, value *string) {
	h.d.Send(dispatch.SetTxt(key, value))
}

// RemoveTxt removes one key from the TXT bag this node announces.
func (h *Handle) RemoveTxt(key string) {
	h.d.Send(dispatch.RemoveTxt(key))
}

// Peers returns a point-in-time snapshot of every currently known peer.
// Most callers should prefer the event-driven onDiscover callback
// passed at construction time; this exists for the less common case
// of polling (e.g. a status page render).
func (h *Handle) Peers() []Peer {
	snaps := h.d.Snapshot()
	out := make([]Peer, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Peer{ID: s.PeerID, Addrs: s.Addrs, Txt: s.Txt, lastSeen: s.LastSeen})
	}
	return out
}

// Metrics returns the prometheus registry this Discoverer's counters and
// gauges are registered under, for embedding into a larger /metrics
// endpoint.
func (h *Handle) Metrics() *prometheus.Registry {
	return h.metrics.Registry
}
