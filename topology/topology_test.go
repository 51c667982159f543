// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/serverselector"
)

var selectAll = serverselector.Func(
	func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
		return candidates, nil
	},
)

var selectNone = serverselector.Func(
	func(description.Topology, []description.Server) ([]description.Server, error) {
		return nil, nil
	},
)

// newSelectableTopology builds a topology that reports the given description
// without running any monitors, so selection behavior can be tested
// deterministically.
func newSelectableTopology(t *testing.T, desc description.Topology, opts ...Option) *Topology {
	t.Helper()

	cfg, err := NewConfig(opts...)
	require.NoError(t, err)
	topo, err := New(cfg)
	require.NoError(t, err)

	topo.desc.Store(desc)
	for _, s := range desc.Servers {
		topo.servers[s.Addr] = NewServer(s.Addr, topo.id)
	}
	atomic.StoreInt64(&topo.state, topologyConnected)

	t.Cleanup(func() {
		topo.serversLock.Lock()
		defer topo.serversLock.Unlock()
		for _, s := range topo.servers {
			s.pool.close(context.Background())
		}
	})
	return topo
}

// newInertTopology builds a topology seeded with an unconnectable address, so
// its monitors spin on dial errors without reaching a real server.
func newInertTopology(t *testing.T) *Topology {
	t.Helper()

	cfg, err := NewConfig(
		WithSeedList(func(...string) []string { return []string{"localhost:0"} }),
	)
	require.NoError(t, err)
	topo, err := New(cfg)
	require.NoError(t, err)
	return topo
}

func selectableServer(addr string, rtt time.Duration) description.Server {
	desc := description.Server{
		Addr:        address.Address(addr),
		Kind:        description.ServerKindRSSecondary,
		WireVersion: &description.VersionRange{Min: 6, Max: 21},
	}
	return desc.SetAverageRTT(rtt)
}

func TestNewConfig(t *testing.T) {
	testCases := []struct {
		name   string
		opts   []Option
		errSub string
	}{
		{
			name: "defaults are valid",
		},
		{
			name: "empty seed list",
			opts: []Option{WithSeedList(func(...string) []string {
				return nil
			})},
			errSub: "seed list must not be empty",
		},
		{
			name: "single mode requires one seed",
			opts: []Option{
				WithMode(func(MonitorMode) MonitorMode { return SingleMode }),
				WithSeedList(func(...string) []string {
					return []string{"a:27017", "b:27017"}
				}),
			},
			errSub: "single mode requires exactly one seed",
		},
		{
			name: "load balanced requires one seed",
			opts: []Option{
				WithLoadBalanced(func(bool) bool { return true }),
				WithSeedList(func(...string) []string {
					return []string{"a:27017", "b:27017"}
				}),
			},
			errSub: "load balanced mode requires exactly one seed",
		},
		{
			name: "load balanced rejects a replica set name",
			opts: []Option{
				WithLoadBalanced(func(bool) bool { return true }),
				WithReplicaSetName(func(string) string { return "rs0" }),
			},
			errSub: "cannot be combined with a replica set name",
		},
		{
			name: "load balanced rejects single mode",
			opts: []Option{
				WithLoadBalanced(func(bool) bool { return true }),
				WithMode(func(MonitorMode) MonitorMode { return SingleMode }),
			},
			errSub: "cannot be combined with single mode",
		},
		{
			name: "negative server selection timeout",
			opts: []Option{WithServerSelectionTimeout(func(time.Duration) time.Duration {
				return -time.Second
			})},
			errSub: "server selection timeout must not be negative",
		},
		{
			name: "negative local threshold",
			opts: []Option{WithLocalThreshold(func(time.Duration) time.Duration {
				return -time.Millisecond
			})},
			errSub: "local threshold must not be negative",
		},
		{
			name: "non-positive maintenance interval",
			opts: []Option{WithMaintenanceInterval(func(time.Duration) time.Duration {
				return 0
			})},
			errSub: "maintenance interval must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.opts...)
			if tc.errSub == "" {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestTopologyConnectModes(t *testing.T) {
	t.Run("single mode pins the topology kind", func(t *testing.T) {
		cfg, err := NewConfig(
			WithMode(func(MonitorMode) MonitorMode { return SingleMode }),
			// Port 0 is never connectable, so the monitor loops on dial errors
			// without touching a real server.
			WithSeedList(func(...string) []string { return []string{"localhost:0"} }),
		)
		require.NoError(t, err)
		topo, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		desc := topo.Description()
		assert.Equal(t, description.TopologyKindSingle, desc.Kind)
		require.Len(t, desc.Servers, 1)
	})

	t.Run("a replica set name starts discovery without a primary", func(t *testing.T) {
		cfg, err := NewConfig(
			WithReplicaSetName(func(string) string { return "rs0" }),
			WithSeedList(func(...string) []string {
				return []string{"localhost:0", "127.0.0.1:0"}
			}),
		)
		require.NoError(t, err)
		topo, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		desc := topo.Description()
		assert.Equal(t, description.TopologyKindReplicaSetNoPrimary, desc.Kind)
		assert.Equal(t, "rs0", desc.SetName)
		assert.Len(t, desc.Servers, 2)
	})

	t.Run("load balanced mode is immediately selectable", func(t *testing.T) {
		cfg, err := NewConfig(
			WithLoadBalanced(func(bool) bool { return true }),
		)
		require.NoError(t, err)
		topo, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		desc := topo.Description()
		assert.Equal(t, description.TopologyKindLoadBalanced, desc.Kind)
		require.Len(t, desc.Servers, 1)
		assert.Equal(t, description.ServerKindLoadBalancer, desc.Servers[0].Kind)

		srv, err := topo.SelectServer(context.Background(), &selectAll)
		require.NoError(t, err)
		require.NotNil(t, srv)
	})

	t.Run("double connect and double disconnect fail", func(t *testing.T) {
		topo := newInertTopology(t)
		require.NoError(t, topo.Connect())
		assert.Equal(t, ErrTopologyConnected, topo.Connect())

		require.NoError(t, topo.Disconnect(context.Background()))
		assert.Equal(t, ErrTopologyClosed, topo.Disconnect(context.Background()))
	})

	t.Run("a disconnected topology can reconnect", func(t *testing.T) {
		topo := newInertTopology(t)
		require.NoError(t, topo.Connect())
		require.NoError(t, topo.Disconnect(context.Background()))

		require.NoError(t, topo.Connect())
		assert.Len(t, topo.Description().Servers, 1)
		require.NoError(t, topo.Disconnect(context.Background()))
	})
}

func TestSelectServer(t *testing.T) {
	t.Run("selects the only suitable server", func(t *testing.T) {
		desc := description.Topology{
			Kind:    description.TopologyKindSingle,
			Servers: []description.Server{selectableServer("one:27017", 5 * time.Millisecond)},
		}
		topo := newSelectableTopology(t, desc)

		srv, err := topo.SelectServer(context.Background(), &selectAll)
		require.NoError(t, err)
		assert.Equal(t, address.Address("one:27017"), srv.(*Server).address)
	})

	t.Run("picks among servers inside the latency window", func(t *testing.T) {
		desc := description.Topology{
			Kind: description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{
				selectableServer("near:27017", 5*time.Millisecond),
				selectableServer("far:27017", 25*time.Millisecond),
			},
		}
		topo := newSelectableTopology(t, desc)

		// With a 15ms window anchored at the 5ms server, the 25ms server is
		// never eligible.
		for i := 0; i < 20; i++ {
			srv, err := topo.SelectServer(context.Background(), &selectAll)
			require.NoError(t, err)
			assert.Equal(t, address.Address("near:27017"), srv.(*Server).address)
		}
	})

	t.Run("both servers are eligible when RTTs are close", func(t *testing.T) {
		desc := description.Topology{
			Kind: description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{
				selectableServer("a:27017", 5*time.Millisecond),
				selectableServer("b:27017", 10*time.Millisecond),
			},
		}
		topo := newSelectableTopology(t, desc)

		picked := make(map[address.Address]bool)
		for i := 0; i < 100; i++ {
			srv, err := topo.SelectServer(context.Background(), &selectAll)
			require.NoError(t, err)
			picked[srv.(*Server).address] = true
		}
		assert.Len(t, picked, 2, "selection should spread across the latency window")
	})

	t.Run("unknown servers are never candidates", func(t *testing.T) {
		unknown := description.Server{Addr: "down:27017", Kind: description.Unknown}
		desc := description.Topology{
			Kind: description.TopologyKindReplicaSetWithPrimary,
			Servers: []description.Server{
				unknown,
				selectableServer("up:27017", 5*time.Millisecond),
			},
		}
		topo := newSelectableTopology(t, desc)

		for i := 0; i < 10; i++ {
			srv, err := topo.SelectServer(context.Background(), &selectAll)
			require.NoError(t, err)
			assert.Equal(t, address.Address("up:27017"), srv.(*Server).address)
		}
	})

	t.Run("times out when no server becomes suitable", func(t *testing.T) {
		desc := description.Topology{
			Kind:    description.TopologyKindSingle,
			Servers: []description.Server{selectableServer("one:27017", 5 * time.Millisecond)},
		}
		topo := newSelectableTopology(t, desc, WithServerSelectionTimeout(func(time.Duration) time.Duration {
			return 50 * time.Millisecond
		}))

		_, err := topo.SelectServer(context.Background(), &selectNone)
		require.Error(t, err)

		var sse ServerSelectionError
		require.ErrorAs(t, err, &sse)
		assert.ErrorIs(t, err, ErrServerSelectionTimeout)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		desc := description.Topology{
			Kind:    description.TopologyKindSingle,
			Servers: []description.Server{selectableServer("one:27017", 5 * time.Millisecond)},
		}
		topo := newSelectableTopology(t, desc, WithServerSelectionTimeout(func(time.Duration) time.Duration {
			return 0 // no selection timeout, the context is the only bound
		}))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := topo.SelectServer(ctx, &selectNone)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("fails fast on an incompatible topology", func(t *testing.T) {
		compatErr := errors.New("server at incompat:27017 reports wire version 4")
		desc := description.Topology{
			Kind:             description.TopologyKindSingle,
			Servers:          []description.Server{selectableServer("incompat:27017", time.Millisecond)},
			CompatibilityErr: compatErr,
		}
		topo := newSelectableTopology(t, desc)

		_, err := topo.SelectServer(context.Background(), &selectAll)
		assert.Equal(t, compatErr, err)
	})

	t.Run("selector errors are wrapped", func(t *testing.T) {
		selectorErr := errors.New("no servers match the read preference")
		failing := serverselector.Func(
			func(description.Topology, []description.Server) ([]description.Server, error) {
				return nil, selectorErr
			},
		)
		desc := description.Topology{
			Kind:    description.TopologyKindSingle,
			Servers: []description.Server{selectableServer("one:27017", time.Millisecond)},
		}
		topo := newSelectableTopology(t, desc)

		_, err := topo.SelectServer(context.Background(), &failing)
		require.Error(t, err)
		var sse ServerSelectionError
		require.ErrorAs(t, err, &sse)
		assert.ErrorIs(t, err, selectorErr)
	})

	t.Run("selection on a disconnected topology fails", func(t *testing.T) {
		topo, err := New(nil)
		require.NoError(t, err)

		_, err = topo.SelectServer(context.Background(), &selectAll)
		assert.Equal(t, ErrTopologyClosed, err)
	})
}

func TestTopologySubscribe(t *testing.T) {
	t.Run("subscriptions are primed with the current description", func(t *testing.T) {
		desc := description.Topology{
			Kind:    description.TopologyKindSingle,
			Servers: []description.Server{selectableServer("one:27017", time.Millisecond)},
		}
		topo := newSelectableTopology(t, desc)

		sub, err := topo.Subscribe()
		require.NoError(t, err)
		select {
		case got := <-sub.Updates:
			assert.Equal(t, description.TopologyKindSingle, got.Kind)
		default:
			t.Fatal("subscription channel should be primed")
		}
		require.NoError(t, topo.Unsubscribe(sub))

		_, open := <-sub.Updates
		assert.False(t, open, "unsubscribe should close the channel")
	})

	t.Run("subscribe after disconnect fails", func(t *testing.T) {
		topo := newInertTopology(t)
		require.NoError(t, topo.Connect())
		require.NoError(t, topo.Disconnect(context.Background()))

		_, err := topo.Subscribe()
		assert.Equal(t, ErrSubscribeAfterClosed, err)
	})
}

func TestTopologyDiscovery(t *testing.T) {
	t.Run("discovers a standalone from its heartbeat", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(description.Server{
				Addr:        addr,
				Kind:        description.ServerKindStandalone,
				WireVersion: &description.VersionRange{Min: 6, Max: 21},
			}),
		}}

		cfg, err := NewConfig(
			WithSeedList(func(...string) []string { return []string{addr.String()} }),
			WithServerOptions(func(opts ...ServerOption) []ServerOption {
				return append(opts,
					WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker { return handshaker }),
					WithHeartbeatInterval(func(time.Duration) time.Duration { return 10 * time.Millisecond }),
					WithMinHeartbeatInterval(func(time.Duration) time.Duration { return time.Millisecond }),
				)
			}),
		)
		require.NoError(t, err)
		topo, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, topo.Connect())
		defer func() { _ = topo.Disconnect(context.Background()) }()

		require.Eventually(t, func() bool {
			desc := topo.Description()
			return desc.Kind == description.TopologyKindSingle &&
				len(desc.Servers) == 1 &&
				desc.Servers[0].Kind == description.ServerKindStandalone
		}, 5*time.Second, 5*time.Millisecond, "heartbeats should promote the seed to a standalone")

		srv, err := topo.SelectServer(context.Background(), &selectAll)
		require.NoError(t, err)
		assert.Equal(t, addr.Canonicalize(), srv.(*Server).address)

		sub, err := topo.Subscribe()
		require.NoError(t, err)
		defer func() { _ = topo.Unsubscribe(sub) }()
		select {
		case got := <-sub.Updates:
			assert.Equal(t, description.TopologyKindSingle, got.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected a primed topology description")
		}
	})
}

func TestTopologyCursorTracking(t *testing.T) {
	topo, err := New(nil)
	require.NoError(t, err)

	topo.RegisterCursor(7)
	scheduled := topo.cursors.schedule(PendingKillCursor{
		CursorID:  7,
		Namespace: driver.Namespace{DB: "app", Collection: "events"},
		Addr:      "localhost:27017",
	})
	assert.True(t, scheduled)

	topo.RegisterCursor(8)
	topo.UnregisterCursor(8)
	assert.False(t, topo.cursors.schedule(PendingKillCursor{CursorID: 8}))
}
