// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package swarmdiscovery implements peer discovery on a local network
// segment via mDNS, with an adaptive query/response scheduler that scales
// its timing to the live swarm size instead of flooding the segment at a
// fixed rate.
package swarmdiscovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/rkuhn/swarm-discovery/internal/dispatch"
	"github.com/rkuhn/swarm-discovery/internal/mcast"
	"github.com/rkuhn/swarm-discovery/internal/rng"
	"github.com/rkuhn/swarm-discovery/internal/telemetry"
	"github.com/rkuhn/swarm-discovery/internal/timer"
)

// defaultTau and defaultPhi are the background-service preset: infrequent
// enough to be a good network citizen running unattended.
const defaultTau = 10 * time.Second
const defaultPhi = 1.0

// interactiveTau and interactivePhi are NewInteractive's preset, tuned for
// applications a human is actively waiting on (chat, LAN game lobbies),
// matching the original implementation's new_interactive constructor.
const interactiveTau = 700 * time.Millisecond
const interactivePhi = 2.5

// IPClass selects which IP families a Discoverer opens multicast sockets
// on. It is a re-export of the mcast package's Family so callers never
// need to import internal/mcast directly.
type IPClass = mcast.Family

const (
	V4Only  = mcast.V4Only
	V6Only  = mcast.V6Only
	V4AndV6 = mcast.V4AndV6
	Auto    = mcast.Auto
)

// config collects every knob a functional Option can set. Callers never
// construct one directly: New(serviceName, onDiscover, opts...) does.
type config struct {
	transportTag string
	selfID       string
	tau          time.Duration
	phi          float64
	ipClass      IPClass
	interfaces   []net.Interface
	logger       *zap.Logger
	initialAddrs []net.IP
	initialTxt   map[string]*string
}

// Option configures a Discoverer at construction time, mirroring the
// original implementation's Discoverer::with_* builder methods.
type Option func(*config)

// WithCadence overrides τ, the base query-cycle cadence. Default 10s.
func WithCadence(tau time.Duration) Option { return func(c *config) { c.tau = tau } }

// WithResponseRate overrides φ, the response-rate divisor. Default 1.0.
func WithResponseRate(phi float64) Option { return func(c *config) { c.phi = phi } }

// WithAddrs sets the addresses this node announces once it enters
// Response mode. Omitting this option entirely means this node scans for
// peers but never announces itself.
func WithAddrs(addrs ...net.IP) Option {
	return func(c *config) { c.initialAddrs = append(c.initialAddrs, addrs...) }
}

// WithTxt sets one key in the TXT bag this node announces. A nil value
// announces key as a bare flag with no "=value" suffix.
func WithTxt(key string, value *string) Option {
	return func(c *config) {
		if c.initialTxt == nil {
			c.initialTxt = make(map[string]*string)
		}
		c.initialTxt[key] = value
	}
}

// WithIPClass selects which IP families to open multicast sockets on.
// Default Auto: open both, tolerating either one failing to bind.
func WithIPClass(class IPClass) Option { return func(c *config) { c.ipClass = class } }

// WithProtocol overrides the transport tag in the mDNS service name
// (_<service>._<tag>.local.). Default "udp".
func WithProtocol(tag string) Option { return func(c *config) { c.transportTag = tag } }

// WithInterfaces restricts which network interfaces the multicast group is
// joined on. Default: every multicast-capable, up interface.
func WithInterfaces(ifaces ...net.Interface) Option {
	return func(c *config) { c.interfaces = append(c.interfaces, ifaces...) }
}

// WithSelfID overrides the randomly generated peer identity. Most callers
// should let New generate one; this exists for deterministic tests and for
// embedders that already have a stable node identity to reuse.
func WithSelfID(id string) Option { return func(c *config) { c.selfID = id } }

// WithLogger supplies a *zap.Logger. Default: zap.NewProduction(), falling
// back to zap.NewNop() if that construction itself fails.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

func defaultConfig() config {
	return config{
		transportTag: "udp",
		selfID:       uuid.NewString(),
		tau:          defaultTau,
		phi:          defaultPhi,
		ipClass:      Auto,
	}
}

// New starts discovering peers advertising serviceName on the local
// network segment and returns a Handle to control and observe it.
// onDiscover, which may be nil, is invoked for every Found, AddrsChanged,
// and Evicted event.
func New(serviceName string, onDiscover func(Peer, EventKind), opts ...Option) (*Handle, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newHandle(serviceName, cfg, onDiscover)
}

// NewInteractive is New with the human-interactive preset (τ=700ms,
// φ=2.5) applied before opts, so callers can still override individual
// knobs while keeping the rest of the preset.
func NewInteractive(serviceName string, onDiscover func(Peer, EventKind), opts ...Option) (*Handle, error) {
	cfg := defaultConfig()
	cfg.tau = interactiveTau
	cfg.phi = interactivePhi
	for _, opt := range opts {
		opt(&cfg)
	}
	return newHandle(serviceName, cfg, onDiscover)
}

func newHandle(serviceName string, cfg config, onDiscover func(Peer, EventKind)) (*Handle, error) {
	serviceName = norm.NFC.String(serviceName)
	cfg.selfID = norm.NFC.String(cfg.selfID)

	logger := cfg.logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	sockets, err := mcast.Open(cfg.ipClass, cfg.interfaces)
	if err != nil {
		return nil, fmt.Errorf("swarmdiscovery: opening multicast sockets: %w", err)
	}

	metrics := telemetry.New(serviceName)

	notify := func(peerID string, addrs []net.IP, txt map[string]*string, kind EventKind) {
		if onDiscover == nil {
			return
		}
		onDiscover(Peer{ID: peerID, Addrs: addrs, Txt: txt}, kind)
	}

	dcfg := dispatch.Config{
		ServiceName: fullServiceName(serviceName, cfg.transportTag),
		SelfID:      cfg.selfID,
		Tau:         cfg.tau,
		Phi:         cfg.phi,
		Logger:      logger,
		Metrics:     metrics,
		RNG:         rng.New(),
		Timer:       timer.New(),
	}

	d := dispatch.New(dcfg, sockets, notify)
	if len(cfg.initialAddrs) > 0 {
		d.Send(dispatch.AddAddrs(cfg.initialAddrs...))
	}
	for k, v := range cfg.initialTxt {
		d.Send(dispatch.SetTxt(k, v))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{d: d, cancel: cancel, done: make(chan struct{}), logger: logger, metrics: metrics}
	go h.run(ctx)
	return h, nil
}

func fullServiceName(serviceName, transportTag string) string {
	return fmt.Sprintf("_%s._%s.local.", serviceName, transportTag)
}
