// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcast implements the UDP multicast socket collaborator: joining
// the mDNS group on each chosen interface and sending/receiving datagrams.
// Reads block their calling goroutine, so the dispatcher runs them outside
// its event loop. It is deliberately thin - this is transport plumbing, not
// the adaptive scheduler.
package mcast

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"v.io/x/lib/netconfig"
)

const (
	// Port is the standard mDNS port, RFC 6762 §3.
	Port = 5353
)

var (
	groupV4 = net.IPv4(224, 0, 0, 251)
	groupV6 = net.ParseIP("ff02::fb")
)

// Family selects which IP classes a Sockets pair opens.
type Family int

const (
	V4Only Family = iota
	V6Only
	V4AndV6
	Auto
)

// Sockets owns the joined multicast UDP connections for one or both IP
// families. Queries prefer v4 when both are open; a response goes out on
// whichever family received the query that elicited it.
type Sockets struct {
	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn

	conn4 *net.UDPConn
	conn6 *net.UDPConn

	joined map[int]bool // interface index -> already joined
}

// Open binds and joins the mDNS multicast group on the given interfaces
// (nil/empty means "every multicast-capable interface") for the requested
// family.
func Open(family Family, ifaces []net.Interface) (*Sockets, error) {
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("mcast: listing interfaces: %w", err)
		}
		for _, ifi := range all {
			if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 {
				ifaces = append(ifaces, ifi)
			}
		}
	}

	s := &Sockets{joined: make(map[int]bool)}
	for _, ifi := range ifaces {
		s.joined[ifi.Index] = true
	}
	var err error
	wantV4 := family == V4Only || family == V4AndV6 || family == Auto
	wantV6 := family == V6Only || family == V4AndV6 || family == Auto

	if wantV4 {
		s.conn4, s.v4, err = openV4(ifaces)
		if err != nil {
			if family != Auto {
				return nil, err
			}
		}
	}
	if wantV6 {
		s.conn6, s.v6, err = openV6(ifaces)
		if err != nil {
			if family != Auto {
				return nil, err
			}
		}
	}
	if s.v4 == nil && s.v6 == nil {
		return nil, fmt.Errorf("mcast: unable to bind either IP family: %w", err)
	}
	return s, nil
}

func openV4(ifaces []net.Interface) (*net.UDPConn, *ipv4.PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: Port})
	if err != nil {
		return nil, nil, fmt.Errorf("mcast: listen udp4: %w", err)
	}
	p := ipv4.NewPacketConn(conn)
	joined := 0
	for _, ifi := range ifaces {
		ifi := ifi
		if err := p.JoinGroup(&ifi, &net.UDPAddr{IP: groupV4}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("mcast: joined ipv4 group on no interface")
	}
	_ = p.SetMulticastLoopback(true)
	_ = p.SetMulticastTTL(16)
	return conn, p, nil
}

func openV6(ifaces []net.Interface) (*net.UDPConn, *ipv6.PacketConn, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: Port})
	if err != nil {
		return nil, nil, fmt.Errorf("mcast: listen udp6: %w", err)
	}
	p := ipv6.NewPacketConn(conn)
	joined := 0
	for _, ifi := range ifaces {
		ifi := ifi
		if err := p.JoinGroup(&ifi, &net.UDPAddr{IP: groupV6}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("mcast: joined ipv6 group on no interface")
	}
	_ = p.SetMulticastLoopback(true)
	_ = p.SetMulticastHopLimit(16)
	return conn, p, nil
}

// RefreshInterfaces joins the multicast group on any multicast-capable,
// up interface that wasn't already joined, per the teacher's
// watchNetConfig: a network-change notification should make mDNS reattach
// to new interfaces rather than requiring a restart.
func (s *Sockets) RefreshInterfaces() error {
	all, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("mcast: listing interfaces: %w", err)
	}
	for _, ifi := range all {
		ifi := ifi
		if s.joined[ifi.Index] {
			continue
		}
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		joinedAny := false
		if s.v4 != nil {
			if err := s.v4.JoinGroup(&ifi, &net.UDPAddr{IP: groupV4}); err == nil {
				joinedAny = true
			}
		}
		if s.v6 != nil {
			if err := s.v6.JoinGroup(&ifi, &net.UDPAddr{IP: groupV6}); err == nil {
				joinedAny = true
			}
		}
		if joinedAny {
			s.joined[ifi.Index] = true
		}
	}
	return nil
}

// HasV4 and HasV6 report which families this Sockets pair has open.
func (s *Sockets) HasV4() bool { return s.v4 != nil }
func (s *Sockets) HasV6() bool { return s.v6 != nil }

// ReadFromV4/ReadFromV6 block the calling goroutine until a datagram
// arrives; callers run these in their own receiver goroutines and forward
// results to the dispatcher's event loop over a channel; they are never
// called from the dispatcher goroutine itself; see internal/dispatch.
func (s *Sockets) ReadFromV4(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := s.v4.ReadFrom(buf)
	return n, addr, err
}

func (s *Sockets) ReadFromV6(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := s.v6.ReadFrom(buf)
	return n, addr, err
}

// SendV4/SendV6 emit a datagram to the mDNS multicast group on the
// respective family.
func (s *Sockets) SendV4(buf []byte) error {
	if s.v4 == nil {
		return fmt.Errorf("mcast: no ipv4 socket open")
	}
	_, err := s.v4.WriteTo(buf, nil, &net.UDPAddr{IP: groupV4, Port: Port})
	return err
}

func (s *Sockets) SendV6(buf []byte) error {
	if s.v6 == nil {
		return fmt.Errorf("mcast: no ipv6 socket open")
	}
	_, err := s.v6.WriteTo(buf, nil, &net.UDPAddr{IP: groupV6, Port: Port})
	return err
}

// Close releases both sockets. Safe to call even if a family was never
// opened.
func (s *Sockets) Close() error {
	var firstErr error
	if s.conn4 != nil {
		if err := s.conn4.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.conn6 != nil {
		if err := s.conn6.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WatchInterfaceChanges reports on ch whenever the host's network
// interfaces change, ported directly from the teacher's watchNetConfig
// (x/ref/lib/discovery/plugins/mdns/mdns.go). The dispatcher treats each
// such notification as a control event that re-evaluates which interfaces
// the multicast group is joined on. The returned stop function releases
// the underlying watch; it is safe to call more than once.
func WatchInterfaceChanges(ch chan<- struct{}) (stop func(), err error) {
	w, err := netconfig.NotifyChange()
	if err != nil {
		return nil, fmt.Errorf("mcast: watching network config: %w", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-w:
				select {
				case ch <- struct{}{}:
				case <-done:
					return
				}
				// Each NotifyChange channel reports a single change;
				// renew it to hear about the next one.
				next, err := netconfig.NotifyChange()
				if err != nil {
					return
				}
				w = next
			case <-done:
				return
			}
		}
	}()
	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}, nil
}
