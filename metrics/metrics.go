// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package metrics exposes the topology's event stream as prometheus
// collectors. A Collector produces the event.PoolMonitor and
// event.ServerMonitor callbacks that feed its metrics; wire them into a
// topology with WithServerOptions/WithConnectionPoolMonitor and
// WithTopologyServerMonitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ikmak/mongocluster/event"
)

var durationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Collector holds prometheus metrics for one topology. All metrics carry the
// configured namespace; pool metrics are labeled by server address.
type Collector struct {
	poolEvents          *prometheus.CounterVec
	connectionsOpen     *prometheus.GaugeVec
	connectionsInUse    *prometheus.GaugeVec
	checkoutDuration    *prometheus.HistogramVec
	checkoutFailures    *prometheus.CounterVec
	poolClears          *prometheus.CounterVec
	heartbeatDuration   prometheus.Histogram
	heartbeatFailures   prometheus.Counter
	serversOpen         prometheus.Gauge
	serverDescChanges   *prometheus.CounterVec
	topologyDescChanges prometheus.Counter
}

// NewCollector creates a Collector whose metrics use the given namespace. The
// metrics are not registered anywhere; call Register.
func NewCollector(namespace string) *Collector {
	return &Collector{
		poolEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_events_total",
				Help:      "Connection pool events by type.",
			},
			[]string{"address", "event_type"},
		),
		connectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_open_connections",
				Help:      "Connections currently open, per server.",
			},
			[]string{"address"},
		),
		connectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_in_use_connections",
				Help:      "Connections currently checked out, per server.",
			},
			[]string{"address"},
		),
		checkoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_checkout_duration_seconds",
				Help:      "Time spent checking a connection out of the pool.",
				Buckets:   durationBuckets,
			},
			[]string{"address", "outcome"},
		),
		checkoutFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_checkout_failures_total",
				Help:      "Failed connection checkouts by reason.",
			},
			[]string{"address", "reason"},
		),
		poolClears: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_clears_total",
				Help:      "Pool clears, per server.",
			},
			[]string{"address"},
		),
		heartbeatDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "heartbeat_duration_seconds",
				Help:      "Round-trip time of completed server heartbeats.",
				Buckets:   durationBuckets,
			},
		),
		heartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_failures_total",
				Help:      "Server heartbeats that ended in an error.",
			},
		),
		serversOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "servers_open",
				Help:      "Servers currently monitored by the topology.",
			},
		),
		serverDescChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_description_changes_total",
				Help:      "Server description changes by the new server kind.",
			},
			[]string{"address", "kind"},
		),
		topologyDescChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topology_description_changes_total",
				Help:      "Topology description changes.",
			},
		),
	}
}

// Register registers all of the Collector's metrics with the registerer.
func (c *Collector) Register(r prometheus.Registerer) error {
	for _, collector := range c.collectors() {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all of the Collector's metrics with the registerer
// and panics on any error.
func (c *Collector) MustRegister(r prometheus.Registerer) {
	r.MustRegister(c.collectors()...)
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.poolEvents,
		c.connectionsOpen,
		c.connectionsInUse,
		c.checkoutDuration,
		c.checkoutFailures,
		c.poolClears,
		c.heartbeatDuration,
		c.heartbeatFailures,
		c.serversOpen,
		c.serverDescChanges,
		c.topologyDescChanges,
	}
}

// PoolMonitor returns a monitor that feeds pool events into the Collector.
func (c *Collector) PoolMonitor() *event.PoolMonitor {
	return &event.PoolMonitor{Event: c.handlePoolEvent}
}

func (c *Collector) handlePoolEvent(evt *event.PoolEvent) {
	c.poolEvents.WithLabelValues(evt.Address, evt.Type).Inc()

	switch evt.Type {
	case event.ConnectionCreated:
		c.connectionsOpen.WithLabelValues(evt.Address).Inc()
	case event.ConnectionClosed:
		c.connectionsOpen.WithLabelValues(evt.Address).Dec()
	case event.GetSucceeded:
		c.connectionsInUse.WithLabelValues(evt.Address).Inc()
		c.checkoutDuration.WithLabelValues(evt.Address, "succeeded").Observe(evt.Duration.Seconds())
	case event.GetFailed:
		c.checkoutDuration.WithLabelValues(evt.Address, "failed").Observe(evt.Duration.Seconds())
		c.checkoutFailures.WithLabelValues(evt.Address, evt.Reason).Inc()
	case event.ConnectionReturned:
		c.connectionsInUse.WithLabelValues(evt.Address).Dec()
	case event.PoolCleared:
		c.poolClears.WithLabelValues(evt.Address).Inc()
	}
}

// ServerMonitor returns a monitor that feeds SDAM and heartbeat events into
// the Collector. Merge the callbacks manually if the application also needs
// its own ServerMonitor.
func (c *Collector) ServerMonitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerOpening: func(*event.ServerOpeningEvent) {
			c.serversOpen.Inc()
		},
		ServerClosed: func(*event.ServerClosedEvent) {
			c.serversOpen.Dec()
		},
		ServerDescriptionChanged: func(evt *event.ServerDescriptionChangedEvent) {
			c.serverDescChanges.WithLabelValues(
				evt.Address.String(), evt.NewDescription.Kind.String()).Inc()
		},
		TopologyDescriptionChanged: func(*event.TopologyDescriptionChangedEvent) {
			c.topologyDescChanges.Inc()
		},
		ServerHeartbeatSucceeded: func(evt *event.ServerHeartbeatSucceededEvent) {
			c.heartbeatDuration.Observe(evt.Duration.Seconds())
		},
		ServerHeartbeatFailed: func(evt *event.ServerHeartbeatFailedEvent) {
			c.heartbeatFailures.Inc()
		},
	}
}
