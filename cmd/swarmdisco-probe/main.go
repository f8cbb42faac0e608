// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command swarmdisco-probe discovers peers advertising a given service
// name on the local network segment and reports them either as a
// continuously redrawn table (when stdout is a terminal) or as a plain
// log stream (when piped, e.g. into a log aggregator).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	swarmdiscovery "github.com/rkuhn/swarm-discovery"
)

func main() {
	var (
		serviceName = flag.String("service", "swarmdisco-probe", "mDNS service name to advertise and look for")
		transport   = flag.String("transport", "udp", "transport tag in the mDNS service name")
		cadence     = flag.Duration("cadence", 10*time.Second, "base query cadence (tau)")
		phi         = flag.Float64("phi", 1.0, "response-rate divisor (phi)")
		interactive = flag.Bool("interactive", false, "use the human-interactive preset (tau=700ms, phi=2.5) instead of -cadence/-phi")
		announce    = flag.String("announce", "", "comma-separated addresses to announce; omit to scan only")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ui := newTableUI(term.IsTerminal(int(os.Stdout.Fd())))

	opts := []swarmdiscovery.Option{
		swarmdiscovery.WithProtocol(*transport),
		swarmdiscovery.WithLogger(logger),
	}
	if *announce != "" {
		opts = append(opts, swarmdiscovery.WithAddrs(parseAddrs(*announce)...))
	}

	onDiscover := func(p swarmdiscovery.Peer, kind swarmdiscovery.EventKind) {
		ui.observe(p, kind)
	}

	var h *swarmdiscovery.Handle
	if *interactive {
		h, err = swarmdiscovery.NewInteractive(*serviceName, onDiscover, opts...)
	} else {
		opts = append(opts, swarmdiscovery.WithCadence(*cadence), swarmdiscovery.WithResponseRate(*phi))
		h, err = swarmdiscovery.New(*serviceName, onDiscover, opts...)
	}
	if err != nil {
		logger.Fatal("starting discoverer", zap.Error(err))
	}
	defer h.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ui.redraw {
		go ui.loop(ctx, h)
	}
	<-ctx.Done()
}

func parseAddrs(csv string) []net.IP {
	var out []net.IP
	for _, s := range strings.Split(csv, ",") {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

// tableUI renders discovered peers either as a redrawn table (interactive
// terminal) or as one log line per event (piped output).
type tableUI struct {
	redraw bool

	mu    sync.Mutex
	peers map[string]swarmdiscovery.Peer
}

func newTableUI(redraw bool) *tableUI {
	return &tableUI{redraw: redraw, peers: make(map[string]swarmdiscovery.Peer)}
}

func (u *tableUI) observe(p swarmdiscovery.Peer, kind swarmdiscovery.EventKind) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch kind {
	case swarmdiscovery.Evicted:
		delete(u.peers, p.ID)
	default:
		u.peers[p.ID] = p
	}
	if !u.redraw {
		fmt.Printf("%s %s %v\n", kind, p.ID, p.Addrs)
	}
}

func (u *tableUI) loop(ctx context.Context, h *swarmdiscovery.Handle) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.render(h.Peers())
		}
	}
}

func (u *tableUI) render(peers []swarmdiscovery.Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	fmt.Print("\033[H\033[2J") // clear screen, home cursor
	fmt.Printf("%-36s %-24s %s\n", "PEER", "ADDRS", "AGE")
	for _, p := range peers {
		addrs := make([]string, len(p.Addrs))
		for i, a := range p.Addrs {
			addrs[i] = a.String()
		}
		fmt.Printf("%-36s %-24s %s\n", p.ID, strings.Join(addrs, ","), p.Age().Round(time.Second))
	}
}
