// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/event"
)

type serverConfig struct {
	heartbeatInterval    time.Duration
	minHeartbeatInterval time.Duration
	connectionOpts       []ConnectionOption // options for creating connections
	serverMonitor        *event.ServerMonitor
	heartbeatHandshaker  driver.Handshaker
	poolMonitor          *event.PoolMonitor
	logger               *logger

	// pool options
	maxConns             uint64
	minConns             uint64
	maxConnecting        uint64
	poolMaxIdleTime      time.Duration
	poolMaintainInterval time.Duration

	loadBalanced bool
}

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{
		heartbeatInterval:    10 * time.Second,
		minHeartbeatInterval: 500 * time.Millisecond,
		maxConns:             100,
		maxConnecting:        2,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	return cfg
}

// ServerOption configures a server.
type ServerOption func(*serverConfig)

// withLogger configures the logger for the server to use.
func withLogger(fn func() *logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = fn()
	}
}

// WithConnectionOptions configures the server's connections.
func WithConnectionOptions(fn func(...ConnectionOption) []ConnectionOption) ServerOption {
	return func(cfg *serverConfig) {
		cfg.connectionOpts = fn(cfg.connectionOpts...)
	}
}

// WithHeartbeatInterval configures a server's heartbeat interval. This option will be ignored for
// load-balanced deployments.
func WithHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatInterval = fn(cfg.heartbeatInterval)
	}
}

// WithMinHeartbeatInterval configures the minimum amount of time a server monitor waits between
// sending heartbeats.
func WithMinHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.minHeartbeatInterval = fn(cfg.minHeartbeatInterval)
	}
}

// WithHeartbeatHandshaker configures the Handshaker the server monitor uses to run its heartbeat
// conversation. It is separate from the connection Handshaker so that monitoring connections skip
// authentication.
func WithHeartbeatHandshaker(fn func(driver.Handshaker) driver.Handshaker) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatHandshaker = fn(cfg.heartbeatHandshaker)
	}
}

// WithMaxConnections configures the maximum number of connections to allow for a given server. If
// max is 0, then maximum connection pool size is not limited.
func WithMaxConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConns = fn(cfg.maxConns)
	}
}

// WithMinConnections configures the minimum number of connections to allow for a given server.
func WithMinConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.minConns = fn(cfg.minConns)
	}
}

// WithMaxConnecting configures the maximum number of connections a connection pool may establish
// simultaneously. If maxConnecting is 0, the default value of 2 is used.
func WithMaxConnecting(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConnecting = fn(cfg.maxConnecting)
	}
}

// WithConnectionPoolMaxIdleTime configures the maximum amount of time a connection can remain
// idle in the connection pool before being removed.
func WithConnectionPoolMaxIdleTime(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaxIdleTime = fn(cfg.poolMaxIdleTime)
	}
}

// WithConnectionPoolMaintainInterval configures the interval that the background routine to
// maintain the pool runs at. A non-positive interval disables the pool's own routine; the owning
// topology then drives maintenance from its periodic executor.
func WithConnectionPoolMaintainInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaintainInterval = fn(cfg.poolMaintainInterval)
	}
}

// WithConnectionPoolMonitor configures the monitor for all connection pool actions.
func WithConnectionPoolMonitor(fn func(*event.PoolMonitor) *event.PoolMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMonitor = fn(cfg.poolMonitor)
	}
}

// WithServerMonitor configures the monitor for all SDAM events for a server.
func WithServerMonitor(fn func(*event.ServerMonitor) *event.ServerMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.serverMonitor = fn(cfg.serverMonitor)
	}
}

// WithServerLoadBalanced specifies whether or not the server is behind a load balancer.
func WithServerLoadBalanced(fn func(bool) bool) ServerOption {
	return func(cfg *serverConfig) {
		cfg.loadBalanced = fn(cfg.loadBalanced)
	}
}
