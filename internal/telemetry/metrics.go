// Copyright 2024 The swarm-discovery Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package telemetry exposes the operational metrics of a running
// Discoverer: query/response counts, the live swarm-size estimate, and
// table evictions. This is ambient-stack observability, not part of the
// core scheduler itself.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is one Discoverer's metric set, registered under its own
// prometheus.Registry so multiple Discoverers in the same process don't
// collide.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesSent     prometheus.Counter
	ResponsesSent   prometheus.Counter
	ResponsesRecv   prometheus.Counter
	PeersEvicted    prometheus.Counter
	SwarmSize       prometheus.Gauge
	CurrentExtra    prometheus.Gauge
	ModeTransitions *prometheus.CounterVec
}

// New constructs and registers a fresh Metrics set labeled by serviceName,
// so a process running several Discoverers (e.g. in tests) gets distinct
// series.
func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		Registry: reg,
		QueriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "swarmdisco",
			Name:        "queries_sent_total",
			Help:        "Number of mDNS PTR queries emitted.",
			ConstLabels: labels,
		}),
		ResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "swarmdisco",
			Name:        "responses_sent_total",
			Help:        "Number of mDNS responses emitted for this peer.",
			ConstLabels: labels,
		}),
		ResponsesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "swarmdisco",
			Name:        "responses_received_total",
			Help:        "Number of distinct peer responses observed.",
			ConstLabels: labels,
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "swarmdisco",
			Name:        "peers_evicted_total",
			Help:        "Number of membership table entries evicted for going stale.",
			ConstLabels: labels,
		}),
		SwarmSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swarmdisco",
			Name:        "swarm_size",
			Help:        "Current self-inclusive live swarm-size estimate S.",
			ConstLabels: labels,
		}),
		CurrentExtra: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "swarmdisco",
			Name:        "response_extra_seconds",
			Help:        "Current fairness delay (extra) applied before responding.",
			ConstLabels: labels,
		}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "swarmdisco",
			Name:        "mode_transitions_total",
			Help:        "Mode state machine transitions by destination mode.",
			ConstLabels: labels,
		}, []string{"mode"}),
	}

	reg.MustRegister(
		m.QueriesSent, m.ResponsesSent, m.ResponsesRecv, m.PeersEvicted,
		m.SwarmSize, m.CurrentExtra, m.ModeTransitions,
	)
	return m
}
