// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the mDNS record codec collaborator: PTR queries,
// and SRV+A/AAAA(+TXT) responses. This is plain wire plumbing rather than
// the adaptive scheduling logic the rest of the repository is about, so it
// sticks to exactly the record shapes the dispatcher needs and leans on
// golang.org/x/net/dns/dnsmessage for bit-exact wire encoding rather than
// hand-rolling DNS framing.
package wire

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// ServiceName is the fully-qualified mDNS service name, e.g.
// "_chat._udp.local.", built from a service name/transport tag pair.
func ServiceName(serviceName, transportTag string) string {
	return fmt.Sprintf("_%s._%s.local.", serviceName, transportTag)
}

// PeerRecord is one peer's worth of decoded response data: its SRV owner
// name's instance label (the peer_id) plus whatever A/AAAA and TXT data
// accompanied it.
type PeerRecord struct {
	PeerID string
	Addrs  []net.IP
	Txt    map[string]*string
}

// Decoded is the result of parsing one inbound datagram.
type Decoded struct {
	IsQuery   bool
	Responses []PeerRecord
}

func mustName(s string) dnsmessage.Name {
	n, err := dnsmessage.NewName(s)
	if err != nil {
		// Only ever called with names this package itself constructed from
		// already-validated config; a failure here is a programming error.
		panic(fmt.Sprintf("wire: invalid name %q: %v", s, err))
	}
	return n
}

// BuildQuery encodes a standard mDNS PTR query for serviceName.
func BuildQuery(serviceName string) ([]byte, error) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  mustName(serviceName),
		Type:  dnsmessage.TypePTR,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// recordTTL is applied to every resource record this node emits. mDNS
// records are refreshed every cycle regardless, so the TTL only matters to
// peers that cache across a missed cycle or two.
const recordTTL = 120

// BuildResponse encodes one SRV record (PEER_ID._NAME._udp.local. ->
// PEER_ID.local.) plus an A or AAAA record per address in addrs, plus an
// optional TXT record carrying the peer's announced key/value bag.
func BuildResponse(serviceName, peerID string, addrs []net.IP, txt map[string]*string) ([]byte, error) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: true, Authoritative: true})
	b.EnableCompression()

	if err := b.StartAnswers(); err != nil {
		return nil, err
	}

	ownerName := mustName(peerID + "." + serviceName)
	targetName := mustName(peerID + ".local.")

	if err := b.SRVResource(
		dnsmessage.ResourceHeader{Name: ownerName, Type: dnsmessage.TypeSRV, Class: dnsmessage.ClassINET, TTL: recordTTL},
		dnsmessage.SRVResource{Priority: 0, Weight: 0, Port: 0, Target: targetName},
	); err != nil {
		return nil, err
	}

	if len(txt) > 0 {
		if err := b.TXTResource(
			dnsmessage.ResourceHeader{Name: ownerName, Type: dnsmessage.TypeTXT, Class: dnsmessage.ClassINET, TTL: recordTTL},
			dnsmessage.TXTResource{TXT: encodeTxt(txt)},
		); err != nil {
			return nil, err
		}
	}

	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			var a [4]byte
			copy(a[:], v4)
			if err := b.AResource(
				dnsmessage.ResourceHeader{Name: targetName, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: recordTTL},
				dnsmessage.AResource{A: a},
			); err != nil {
				return nil, err
			}
			continue
		}
		var a16 [16]byte
		copy(a16[:], ip.To16())
		if err := b.AAAAResource(
			dnsmessage.ResourceHeader{Name: targetName, Type: dnsmessage.TypeAAAA, Class: dnsmessage.ClassINET, TTL: recordTTL},
			dnsmessage.AAAAResource{AAAA: a16},
		); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

// encodeTxt renders a TXT bag into the k[=v] strings dnsmessage expects,
// sorted for a deterministic wire encoding (useful for round-trip tests).
func encodeTxt(txt map[string]*string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := txt[k]; v != nil {
			out = append(out, k+"="+*v)
		} else {
			out = append(out, k)
		}
	}
	return out
}

func decodeTxt(parts []string) map[string]*string {
	if len(parts) == 0 {
		return nil
	}
	out := make(map[string]*string, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, '='); i >= 0 {
			k, v := p[:i], p[i+1:]
			out[k] = &v
		} else {
			out[p] = nil
		}
	}
	return out
}

// firstLabel returns the leftmost label of a dnsmessage.Name, which for
// our SRV/TXT owner names and A/AAAA target names is always the peer_id.
func firstLabel(n dnsmessage.Name) string {
	s := n.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Decode parses one inbound datagram. Malformed datagrams return a
// non-nil error; the caller (the dispatcher) must drop them without any
// state mutation.
func Decode(buf []byte, serviceName string) (Decoded, error) {
	var p dnsmessage.Parser
	if _, err := p.Start(buf); err != nil {
		return Decoded{}, fmt.Errorf("wire: parsing header: %w", err)
	}

	questions, err := p.AllQuestions()
	if err != nil {
		return Decoded{}, fmt.Errorf("wire: parsing questions: %w", err)
	}
	if err := p.SkipAllQuestions(); err != nil {
		return Decoded{}, fmt.Errorf("wire: skipping questions: %w", err)
	}

	wantName := mustName(serviceName)
	for _, q := range questions {
		if q.Class == dnsmessage.ClassINET && q.Type == dnsmessage.TypePTR && q.Name == wantName {
			return Decoded{IsQuery: true}, nil
		}
	}

	// Not (or not only) a query: look for SRV/A/AAAA/TXT answers describing
	// peers responding to serviceName.
	targetsByPeer := make(map[string]string) // target name -> peer_id
	peerIDs := make(map[string]struct{})
	txtByPeer := make(map[string][]string)

	answers, err := p.AllAnswers()
	if err != nil {
		return Decoded{}, fmt.Errorf("wire: parsing answers: %w", err)
	}
	for _, a := range answers {
		if a.Header.Class != dnsmessage.ClassINET {
			continue
		}
		if !strings.HasSuffix(a.Header.Name.String(), "."+serviceName) && a.Header.Name.String() != serviceName {
			continue
		}
		peerID := firstLabel(a.Header.Name)
		switch body := a.Body.(type) {
		case *dnsmessage.SRVResource:
			peerIDs[peerID] = struct{}{}
			targetsByPeer[body.Target.String()] = peerID
		case *dnsmessage.TXTResource:
			// BuildResponse places TXT beside SRV in the answer section.
			txtByPeer[peerID] = append(txtByPeer[peerID], body.TXT...)
		}
	}

	if err := p.SkipAllAuthorities(); err != nil {
		return Decoded{}, fmt.Errorf("wire: skipping authorities: %w", err)
	}

	addrsByPeer := make(map[string][]net.IP)

	additionals, err := p.AllAdditionals()
	if err != nil {
		return Decoded{}, fmt.Errorf("wire: parsing additionals: %w", err)
	}
	for _, rr := range additionals {
		if rr.Header.Class != dnsmessage.ClassINET {
			continue
		}
		name := rr.Header.Name.String()
		switch body := rr.Body.(type) {
		case *dnsmessage.AResource:
			if peerID, ok := targetsByPeer[name]; ok {
				addrsByPeer[peerID] = append(addrsByPeer[peerID], net.IP(body.A[:]))
			}
		case *dnsmessage.AAAAResource:
			if peerID, ok := targetsByPeer[name]; ok {
				addrsByPeer[peerID] = append(addrsByPeer[peerID], net.IP(body.AAAA[:]))
			}
		case *dnsmessage.TXTResource:
			peerID := firstLabel(rr.Header.Name)
			if _, ok := peerIDs[peerID]; ok {
				txtByPeer[peerID] = append(txtByPeer[peerID], body.TXT...)
			}
		}
	}

	if len(peerIDs) == 0 {
		// Neither a recognized query nor any peer answers: not an error,
		// just nothing this node cares about (e.g. an unrelated mDNS
		// message sharing the multicast group).
		return Decoded{}, nil
	}

	out := Decoded{Responses: make([]PeerRecord, 0, len(peerIDs))}
	for peerID := range peerIDs {
		out.Responses = append(out.Responses, PeerRecord{
			PeerID: peerID,
			Addrs:  addrsByPeer[peerID],
			Txt:    decodeTxt(txtByPeer[peerID]),
		})
	}
	sort.Slice(out.Responses, func(i, j int) bool { return out.Responses[i].PeerID < out.Responses[j].PeerID })
	return out, nil
}
