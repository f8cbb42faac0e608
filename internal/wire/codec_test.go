// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"net"
	"testing"
)

func TestQueryRoundTrip(t *testing.T) {
	svc := ServiceName("swarm", "udp")
	buf, err := BuildQuery(svc)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	got, err := Decode(buf, svc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsQuery {
		t.Fatalf("expected IsQuery true")
	}
	if len(got.Responses) != 0 {
		t.Fatalf("expected no responses in a query, got %v", got.Responses)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	svc := ServiceName("swarm", "udp")
	v := "1234"
	txt := map[string]*string{"port": &v, "flag": nil}
	addrs := []net.IP{net.ParseIP("10.0.0.5").To4(), net.ParseIP("fe80::1")}

	buf, err := BuildResponse(svc, "peerXYZ", addrs, txt)
	if err != nil {
		t.Fatalf("BuildResponse: %v", err)
	}
	got, err := Decode(buf, svc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.IsQuery {
		t.Fatalf("expected IsQuery false for a response")
	}
	if len(got.Responses) != 1 {
		t.Fatalf("expected exactly one peer record, got %d", len(got.Responses))
	}
	rec := got.Responses[0]
	if rec.PeerID != "peerXYZ" {
		t.Fatalf("expected peer id peerXYZ, got %q", rec.PeerID)
	}
	if len(rec.Addrs) != 2 {
		t.Fatalf("expected 2 addrs, got %d: %v", len(rec.Addrs), rec.Addrs)
	}
	if rec.Txt["port"] == nil || *rec.Txt["port"] != "1234" {
		t.Fatalf("expected txt port=1234, got %v", rec.Txt["port"])
	}
	if v, ok := rec.Txt["flag"]; !ok || v != nil {
		t.Fatalf("expected flag-only txt key with nil value, got %v", rec.Txt["flag"])
	}
}

func TestMalformedDatagramErrors(t *testing.T) {
	garbage := []byte{0x01, 0x02, 0x03}
	if _, err := Decode(garbage, ServiceName("swarm", "udp")); err == nil {
		t.Fatalf("expected an error decoding garbage bytes")
	}
}

func TestUnrelatedMessageYieldsNoResponses(t *testing.T) {
	svc := ServiceName("swarm", "udp")
	other := ServiceName("other", "udp")
	buf, err := BuildQuery(other)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	got, err := Decode(buf, svc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.IsQuery || len(got.Responses) != 0 {
		t.Fatalf("expected an unrelated query to be ignored, got %+v", got)
	}
}
