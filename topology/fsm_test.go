// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/objectid"
)

func newTestFSM(seeds ...address.Address) *fsm {
	f := newFSM()
	for _, addr := range seeds {
		f.addServer(addr)
	}
	return f
}

func rsMember(addr address.Address, kind description.ServerKind, setName string, members ...address.Address) description.Server {
	return description.Server{
		Addr:          addr,
		CanonicalAddr: addr,
		Kind:          kind,
		SetName:       setName,
		Members:       members,
		WireVersion:   &description.VersionRange{Min: 6, Max: 21},
	}
}

func electionID(b byte) objectid.ObjectID {
	var oid objectid.ObjectID
	oid[11] = b
	return oid
}

func TestFSMStandalone(t *testing.T) {
	t.Run("single seed becomes Single", func(t *testing.T) {
		f := newTestFSM("a:27017")
		standalone := description.Server{
			Addr:          "a:27017",
			CanonicalAddr: "a:27017",
			Kind:          description.ServerKindStandalone,
			WireVersion:   &description.VersionRange{Min: 6, Max: 21},
		}
		topo, _ := f.apply(standalone)

		assert.Equal(t, description.TopologyKindSingle, topo.Kind)
		require.Len(t, topo.Servers, 1)
		assert.Equal(t, description.ServerKindStandalone, topo.Servers[0].Kind)
	})

	t.Run("standalone among multiple seeds is removed", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")
		standalone := description.Server{
			Addr:          "a:27017",
			CanonicalAddr: "a:27017",
			Kind:          description.ServerKindStandalone,
			WireVersion:   &description.VersionRange{Min: 6, Max: 21},
		}
		topo, _ := f.apply(standalone)

		assert.Equal(t, description.TopologyKind(description.Unknown), topo.Kind)
		require.Len(t, topo.Servers, 1)
		assert.Equal(t, address.Address("b:27017"), topo.Servers[0].Addr)
	})
}

func TestFSMSharded(t *testing.T) {
	f := newTestFSM("a:27017", "b:27017")

	topo, _ := f.apply(rsMember("a:27017", description.ServerKindMongos, ""))
	assert.Equal(t, description.TopologyKindSharded, topo.Kind)

	// A replica set member reporting into a sharded topology is dropped.
	topo, _ = f.apply(rsMember("b:27017", description.ServerKindRSPrimary, "rs0", "b:27017"))
	require.Len(t, topo.Servers, 1)
	assert.Equal(t, address.Address("a:27017"), topo.Servers[0].Addr)
}

func TestFSMReplicaSetDiscovery(t *testing.T) {
	t.Run("primary claim promotes topology and reconciles members", func(t *testing.T) {
		f := newTestFSM("a:27017")

		primary := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017", "c:27017")
		topo, _ := f.apply(primary)

		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, topo.Kind)
		assert.Equal(t, "rs0", topo.SetName)
		require.Len(t, topo.Servers, 3, "expected members from the primary's host list, got %s", pretty.Sprint(topo))
		for _, addr := range []address.Address{"b:27017", "c:27017"} {
			s, ok := topo.Server(addr)
			require.True(t, ok)
			assert.Equal(t, description.ServerKind(description.Unknown), s.Kind)
		}
	})

	t.Run("member absent from primary host list is removed", func(t *testing.T) {
		f := newTestFSM("a:27017", "d:27017")

		primary := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		topo, _ := f.apply(primary)

		_, ok := topo.Server("d:27017")
		assert.False(t, ok, "expected d:27017 to be removed")
		_, ok = topo.Server("b:27017")
		assert.True(t, ok)
	})

	t.Run("secondary discovered first", func(t *testing.T) {
		f := newTestFSM("b:27017")

		secondary := rsMember("b:27017", description.ServerKindRSSecondary, "rs0", "a:27017", "b:27017")
		topo, _ := f.apply(secondary)

		assert.Equal(t, description.TopologyKindReplicaSetNoPrimary, topo.Kind)
		assert.Equal(t, "rs0", topo.SetName)
		_, ok := topo.Server("a:27017")
		assert.True(t, ok, "expected the secondary's host list to seed the primary's address")
	})

	t.Run("set name mismatch removes the member", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")
		f.SetName = "rs0"
		f.setKind(description.TopologyKindReplicaSetNoPrimary)

		topo, _ := f.apply(rsMember("b:27017", description.ServerKindRSSecondary, "rs1", "b:27017"))

		_, ok := topo.Server("b:27017")
		assert.False(t, ok, "expected member with wrong set name to be removed")
	})

	t.Run("primary going unknown demotes the topology", func(t *testing.T) {
		f := newTestFSM("a:27017")
		topo, _ := f.apply(rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017"))
		require.Equal(t, description.TopologyKindReplicaSetWithPrimary, topo.Kind)

		topo, _ = f.apply(description.NewServerFromError("a:27017", assert.AnError, nil))
		assert.Equal(t, description.TopologyKindReplicaSetNoPrimary, topo.Kind)
	})
}

func TestFSMStalePrimary(t *testing.T) {
	t.Run("lower set version is rejected", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")

		current := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		current.SetVersion = 2
		current.ElectionID = electionID(1)
		topo, _ := f.apply(current)
		require.Equal(t, description.TopologyKindReplicaSetWithPrimary, topo.Kind)

		stale := rsMember("b:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		stale.SetVersion = 1
		stale.ElectionID = electionID(2)
		topo, _ = f.apply(stale)

		// The stale claimant is recorded as Unknown with an error; the current primary stands.
		b, ok := topo.Server("b:27017")
		require.True(t, ok)
		assert.Equal(t, description.ServerKind(description.Unknown), b.Kind)
		require.Error(t, b.LastError)
		assert.Contains(t, b.LastError.Error(), "set version or election id is stale")

		a, ok := topo.Server("a:27017")
		require.True(t, ok)
		assert.Equal(t, description.ServerKindRSPrimary, a.Kind)
		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, topo.Kind)
	})

	t.Run("lower election id at equal set version is rejected", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")

		current := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		current.SetVersion = 1
		current.ElectionID = electionID(5)
		_, _ = f.apply(current)

		stale := rsMember("b:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		stale.SetVersion = 1
		stale.ElectionID = electionID(3)
		topo, _ := f.apply(stale)

		b, _ := topo.Server("b:27017")
		assert.Equal(t, description.ServerKind(description.Unknown), b.Kind)
		a, _ := topo.Server("a:27017")
		assert.Equal(t, description.ServerKindRSPrimary, a.Kind)
	})

	t.Run("newer election supersedes the old primary", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")

		old := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		old.SetVersion = 1
		old.ElectionID = electionID(1)
		_, _ = f.apply(old)

		newer := rsMember("b:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		newer.SetVersion = 2
		newer.ElectionID = electionID(2)
		topo, _ := f.apply(newer)

		a, _ := topo.Server("a:27017")
		assert.Equal(t, description.ServerKind(description.Unknown), a.Kind)
		require.Error(t, a.LastError)
		assert.Contains(t, a.LastError.Error(), "a new primary was discovered")

		b, _ := topo.Server("b:27017")
		assert.Equal(t, description.ServerKindRSPrimary, b.Kind)
		assert.Equal(t, description.TopologyKindReplicaSetWithPrimary, topo.Kind)
	})
}

func TestFSMDirectConnection(t *testing.T) {
	t.Run("set name mismatch yields unknown", func(t *testing.T) {
		f := newTestFSM("a:27017")
		f.SetName = "rs0"
		f.setKind(description.TopologyKindSingle)

		topo, applied := f.apply(rsMember("a:27017", description.ServerKindRSSecondary, "rs1", "a:27017"))

		assert.Equal(t, description.TopologyKindSingle, topo.Kind)
		assert.Equal(t, description.ServerKind(description.Unknown), applied.Kind)
		s, ok := topo.Server("a:27017")
		require.True(t, ok)
		assert.Equal(t, description.ServerKind(description.Unknown), s.Kind)
	})

	t.Run("matching member is kept regardless of kind", func(t *testing.T) {
		f := newTestFSM("a:27017")
		f.SetName = "rs0"
		f.setKind(description.TopologyKindSingle)

		topo, _ := f.apply(rsMember("a:27017", description.ServerKindRSSecondary, "rs0", "a:27017"))

		s, ok := topo.Server("a:27017")
		require.True(t, ok)
		assert.Equal(t, description.ServerKindRSSecondary, s.Kind)
	})
}

func TestFSMWireVersionCompatibility(t *testing.T) {
	t.Run("too old", func(t *testing.T) {
		f := newTestFSM("a:27017")
		old := rsMember("a:27017", description.ServerKindStandalone, "")
		old.WireVersion = &description.VersionRange{Min: 0, Max: 4}

		topo, _ := f.apply(old)
		require.Error(t, topo.CompatibilityErr)
		assert.Contains(t, topo.CompatibilityErr.Error(), "reports wire version 4")
	})

	t.Run("too new", func(t *testing.T) {
		f := newTestFSM("a:27017")
		future := rsMember("a:27017", description.ServerKindStandalone, "")
		future.WireVersion = &description.VersionRange{Min: 99, Max: 100}

		topo, _ := f.apply(future)
		require.Error(t, topo.CompatibilityErr)
		assert.Contains(t, topo.CompatibilityErr.Error(), "requires wire version 99")
	})

	t.Run("compatibility error clears after recovery", func(t *testing.T) {
		f := newTestFSM("a:27017")
		old := rsMember("a:27017", description.ServerKindStandalone, "")
		old.WireVersion = &description.VersionRange{Min: 0, Max: 4}
		topo, _ := f.apply(old)
		require.Error(t, topo.CompatibilityErr)

		topo, _ = f.apply(rsMember("a:27017", description.ServerKindStandalone, ""))
		assert.NoError(t, topo.CompatibilityErr)
	})
}

func TestFSMSessionTimeout(t *testing.T) {
	minutes := func(m int64) *int64 { return &m }

	t.Run("minimum over data-bearing members", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")

		primary := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		primary.SessionTimeoutMinutes = minutes(30)
		topo, _ := f.apply(primary)
		require.NotNil(t, topo.SessionTimeoutMinutes)
		assert.Equal(t, int64(30), *topo.SessionTimeoutMinutes)

		secondary := rsMember("b:27017", description.ServerKindRSSecondary, "rs0", "a:27017", "b:27017")
		secondary.SessionTimeoutMinutes = minutes(20)
		topo, _ = f.apply(secondary)
		require.NotNil(t, topo.SessionTimeoutMinutes)
		assert.Equal(t, int64(20), *topo.SessionTimeoutMinutes)
	})

	t.Run("nil on any member poisons the topology value", func(t *testing.T) {
		f := newTestFSM("a:27017", "b:27017")

		primary := rsMember("a:27017", description.ServerKindRSPrimary, "rs0", "a:27017", "b:27017")
		primary.SessionTimeoutMinutes = minutes(30)
		_, _ = f.apply(primary)

		secondary := rsMember("b:27017", description.ServerKindRSSecondary, "rs0", "a:27017", "b:27017")
		topo, _ := f.apply(secondary)
		assert.Nil(t, topo.SessionTimeoutMinutes)
	})
}
