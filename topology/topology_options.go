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
	"github.com/pkg/errors"
)

// MonitorMode represents the way in which a topology is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	// AutomaticMode discovers the deployment kind from the seed list and the
	// responses of the members themselves.
	AutomaticMode MonitorMode = iota
	// SingleMode pins the topology to the single seed address regardless of
	// what kind of server it reports itself to be.
	SingleMode
)

// Config is used to construct a Topology.
type Config struct {
	Mode                   MonitorMode
	ReplicaSetName         string
	SeedList               []string
	ServerOpts             []ServerOption
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	MaintenanceInterval    time.Duration
	LoadBalanced           bool
	CursorKiller           driver.CursorKiller
	ServerMonitor          *event.ServerMonitor

	logger *logger
}

// Option is a configuration option for a topology.
type Option func(*Config) error

// NewConfig applies the given options to a Config with library defaults and
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		SeedList:               []string{"localhost:27017"},
		ServerSelectionTimeout: 30 * time.Second,
		LocalThreshold:         15 * time.Millisecond,
		MaintenanceInterval:    5 * time.Second,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.SeedList) == 0 {
		return nil, errors.New("topology: seed list must not be empty")
	}
	if cfg.Mode == SingleMode && len(cfg.SeedList) != 1 {
		return nil, errors.Errorf("topology: single mode requires exactly one seed, got %d", len(cfg.SeedList))
	}
	if cfg.LoadBalanced {
		if len(cfg.SeedList) != 1 {
			return nil, errors.Errorf("topology: load balanced mode requires exactly one seed, got %d", len(cfg.SeedList))
		}
		if cfg.ReplicaSetName != "" {
			return nil, errors.New("topology: load balanced mode cannot be combined with a replica set name")
		}
		if cfg.Mode == SingleMode {
			return nil, errors.New("topology: load balanced mode cannot be combined with single mode")
		}
	}
	if cfg.ServerSelectionTimeout < 0 {
		return nil, errors.Errorf("topology: server selection timeout must not be negative, got %v", cfg.ServerSelectionTimeout)
	}
	if cfg.LocalThreshold < 0 {
		return nil, errors.Errorf("topology: local threshold must not be negative, got %v", cfg.LocalThreshold)
	}
	if cfg.MaintenanceInterval <= 0 {
		return nil, errors.Errorf("topology: maintenance interval must be positive, got %v", cfg.MaintenanceInterval)
	}

	return cfg, nil
}

// WithSeedList configures a topology's seed list.
func WithSeedList(fn func(...string) []string) Option {
	return func(cfg *Config) error {
		cfg.SeedList = fn(cfg.SeedList...)
		return nil
	}
}

// WithMode configures the topology's monitor mode.
func WithMode(fn func(MonitorMode) MonitorMode) Option {
	return func(cfg *Config) error {
		cfg.Mode = fn(cfg.Mode)
		return nil
	}
}

// WithReplicaSetName configures the topology's default replica set name.
// Members reporting a different set name are rejected during discovery.
func WithReplicaSetName(fn func(string) string) Option {
	return func(cfg *Config) error {
		cfg.ReplicaSetName = fn(cfg.ReplicaSetName)
		return nil
	}
}

// WithServerSelectionTimeout configures a topology's server selection timeout.
// A value of 0 means there is no timeout for server selection.
func WithServerSelectionTimeout(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.ServerSelectionTimeout = fn(cfg.ServerSelectionTimeout)
		return nil
	}
}

// WithLocalThreshold configures the width of the latency window used when
// narrowing selected servers: candidates within LocalThreshold of the lowest
// average RTT remain eligible.
func WithLocalThreshold(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.LocalThreshold = fn(cfg.LocalThreshold)
		return nil
	}
}

// WithMaintenanceInterval configures the interval at which the topology's
// background executor runs pool maintenance and flushes pending cursor kills.
func WithMaintenanceInterval(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.MaintenanceInterval = fn(cfg.MaintenanceInterval)
		return nil
	}
}

// WithLoadBalanced configures whether the topology is behind a load balancer.
// In load balanced mode the single seed is never monitored and connections
// are tracked per service ID.
func WithLoadBalanced(fn func(bool) bool) Option {
	return func(cfg *Config) error {
		cfg.LoadBalanced = fn(cfg.LoadBalanced)
		return nil
	}
}

// WithCursorKiller configures the CursorKiller the topology's reaper uses to
// send best-effort kill commands for abandoned cursors. Without one,
// scheduled kills are dropped at each flush.
func WithCursorKiller(fn func(driver.CursorKiller) driver.CursorKiller) Option {
	return func(cfg *Config) error {
		cfg.CursorKiller = fn(cfg.CursorKiller)
		return nil
	}
}

// WithServerOptions configures the options passed to each server created by
// the topology.
func WithServerOptions(fn func(...ServerOption) []ServerOption) Option {
	return func(cfg *Config) error {
		cfg.ServerOpts = fn(cfg.ServerOpts...)
		return nil
	}
}

// WithTopologyServerMonitor configures the monitor used to receive SDAM
// events for the topology and its servers.
func WithTopologyServerMonitor(fn func(*event.ServerMonitor) *event.ServerMonitor) Option {
	return func(cfg *Config) error {
		cfg.ServerMonitor = fn(cfg.ServerMonitor)
		return nil
	}
}

// WithLogging configures a LogSink and the per-component levels at which it
// receives messages. A nil sink with non-empty levels falls back to a
// standard-error sink.
func WithLogging(sink LogSink, componentLevels map[LogComponent]LogLevel) Option {
	return func(cfg *Config) error {
		cfg.logger = newLogger(sink, componentLevels)
		return nil
	}
}
