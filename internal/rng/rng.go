// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rng provides the randomness collaborator used by the mode state
// machine's timeout draws. The default source is seeded from OS entropy;
// tests inject a deterministic Source instead, per the repeatability
// requirement of the end-to-end scenarios.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	mrand "math/rand"
)

// Source draws a uniform float64 in [0, 1).
//
// All timeout distributions in the mode state machine are expressed as a
// draw from this unit interval scaled by a duration, so this is the only
// primitive the rest of the core needs from its RNG collaborator.
type Source interface {
	Float64() float64
}

// osSource seeds a math/rand generator from OS entropy once, then serves
// draws from it without hitting the OS RNG again: the common pattern of
// using crypto/rand only to seed a cheaper PRNG, so per-draw cost stays low
// while the sequence still doesn't collide across processes started at the
// same time-of-day.
type osSource struct {
	r *mrand.Rand
}

// New returns the default, OS-entropy-seeded randomness collaborator.
func New() Source {
	return &osSource{r: mrand.New(mrand.NewSource(seedFromOS()))}
}

func (s *osSource) Float64() float64 { return s.r.Float64() }

func seedFromOS() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		// crypto/rand failure is exceedingly rare (kernel entropy source
		// missing); fall back to a seed built from whatever bytes
		// rand.Read can still supply rather than panic.
		var buf [8]byte
		_, _ = rand.Read(buf[:])
		return int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return n.Int64()
}

// Seeded returns a deterministic Source for tests. The same seed always
// produces the same sequence of draws, which is what the synthetic
// clock/network harness in the end-to-end scenarios requires.
func Seeded(seed int64) Source {
	return &osSource{r: mrand.New(mrand.NewSource(seed))}
}
