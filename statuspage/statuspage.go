// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package statuspage implements an optional loopback HTTP+WebSocket
// endpoint that streams a Discoverer's Found/AddrsChanged/Evicted events
// live, for embedders that want a quick way to watch the swarm without
// writing their own UI. It is enrichment beyond the bare callback surface:
// nothing in the core scheduler depends on it.
package statuspage

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	swarmdiscovery "github.com/rkuhn/swarm-discovery"
)

// event is the JSON shape pushed to websocket clients and returned by the
// plain /status snapshot endpoint.
type event struct {
	Kind  string   `json:"kind"`
	ID    string   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

// StatusPage accumulates a local view of the swarm by observing the same
// events an embedder's own onDiscover callback would see, and serves that
// view over HTTP and WebSocket.
type StatusPage struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]event

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan event
}

// New constructs an empty StatusPage. Pass its Notify method (s.Notify)
// as the onDiscover callback to swarmdiscovery.New or
// NewInteractive to keep it fed.
func New(logger *zap.Logger) *StatusPage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusPage{
		logger:  logger,
		peers:   make(map[string]event),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// This endpoint is meant for loopback-only embedding (a local
			// dashboard, a desktop app's own UI), not for exposure to the
			// open internet, so any origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Notify is a swarmdiscovery.Handle onDiscover callback: wire it in at
// construction time to keep this status page's view live.
func (s *StatusPage) Notify(p swarmdiscovery.Peer, kind swarmdiscovery.EventKind) {
	addrs := make([]string, len(p.Addrs))
	for i, a := range p.Addrs {
		addrs[i] = a.String()
	}
	e := event{Kind: kind.String(), ID: p.ID, Addrs: addrs}

	s.mu.Lock()
	if kind == swarmdiscovery.Evicted {
		delete(s.peers, p.ID)
	} else {
		s.peers[p.ID] = e
	}
	s.mu.Unlock()

	s.broadcast(e)
}

func (s *StatusPage) broadcast(e event) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- e:
		default:
			s.logger.Warn("status page client too slow, dropping event")
		}
	}
}

// Handler returns the HTTP handler serving /status (a JSON snapshot) and
// /ws (a live event stream). Mount it under your own mux, or use
// ListenAndServe for a standalone loopback server.
func (s *StatusPage) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *StatusPage) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := make([]event, 0, len(s.peers))
	for _, e := range s.peers {
		snap = append(snap, e)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("encoding status snapshot", zap.Error(err))
	}
}

func (s *StatusPage) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan event, 32)}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	s.mu.RLock()
	for _, e := range s.peers {
		c.send <- e
	}
	s.mu.RUnlock()

	go s.writePump(c)
	s.readPump(c) // blocks until the client disconnects
}

// writePump serializes every outbound write to this client's connection,
// per gorilla/websocket's requirement that at most one goroutine write to
// a given connection at a time.
func (s *StatusPage) writePump(c *client) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards inbound frames solely to notice the client
// going away (a close frame or a read error); this endpoint has nothing
// for clients to send.
func (s *StatusPage) readPump(c *client) {
	defer s.disconnect(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *StatusPage) disconnect(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	close(c.send)
	c.conn.Close()
}

// ListenAndServe starts a standalone HTTP server on addr (which should be
// a loopback address, e.g. "127.0.0.1:0") serving this status page.
func ListenAndServe(addr string, s *StatusPage) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return http.Serve(ln, s.Handler())
}
