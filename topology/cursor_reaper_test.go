// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocluster/driver"
)

func TestCursorRegistry(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}

	t.Run("schedule of a registered cursor queues a kill", func(t *testing.T) {
		r := newCursorRegistry()
		r.register(42)

		ok := r.schedule(PendingKillCursor{CursorID: 42, Namespace: ns, Addr: "a:27017"})
		assert.True(t, ok)

		pending := r.take()
		require.Len(t, pending, 1)
		assert.Equal(t, int64(42), pending[0].CursorID)
	})

	t.Run("schedule of an unregistered cursor is a no-op", func(t *testing.T) {
		r := newCursorRegistry()

		ok := r.schedule(PendingKillCursor{CursorID: 7, Namespace: ns, Addr: "a:27017"})
		assert.False(t, ok)
		assert.Empty(t, r.take())
	})

	t.Run("unregister prevents a later schedule", func(t *testing.T) {
		r := newCursorRegistry()
		r.register(7)
		r.unregister(7)

		ok := r.schedule(PendingKillCursor{CursorID: 7, Namespace: ns, Addr: "a:27017"})
		assert.False(t, ok)
	})

	t.Run("schedule consumes the registration", func(t *testing.T) {
		r := newCursorRegistry()
		r.register(7)

		require.True(t, r.schedule(PendingKillCursor{CursorID: 7, Namespace: ns, Addr: "a:27017"}))
		assert.False(t, r.schedule(PendingKillCursor{CursorID: 7, Namespace: ns, Addr: "a:27017"}),
			"a cursor should only be scheduled once")
	})

	t.Run("take drains the pending list", func(t *testing.T) {
		r := newCursorRegistry()
		for id := int64(1); id <= 3; id++ {
			r.register(id)
			require.True(t, r.schedule(PendingKillCursor{CursorID: id, Namespace: ns, Addr: "a:27017"}))
		}

		assert.Len(t, r.take(), 3)
		assert.Empty(t, r.take(), "entries must not be requeued")
	})
}

func TestGroupPendingKills(t *testing.T) {
	nsA := driver.Namespace{DB: "db", Collection: "a"}
	nsB := driver.Namespace{DB: "db", Collection: "b"}

	pending := []PendingKillCursor{
		{CursorID: 1, Namespace: nsA, Addr: "s1:27017"},
		{CursorID: 2, Namespace: nsA, Addr: "s2:27017"},
		{CursorID: 3, Namespace: nsA, Addr: "s1:27017"},
		{CursorID: 4, Namespace: nsB, Addr: "s1:27017"},
	}

	groups := groupPendingKills(pending)
	require.Len(t, groups, 2)

	var s1, s2 *serverBatch
	for i := range groups {
		switch groups[i].addr {
		case "s1:27017":
			s1 = &groups[i]
		case "s2:27017":
			s2 = &groups[i]
		}
	}
	require.NotNil(t, s1)
	require.NotNil(t, s2)

	// s1 coalesces both cursors for nsA into one batch and keeps nsB separate.
	require.Len(t, s1.batches, 2)
	assert.Equal(t, nsA, s1.batches[0].ns)
	assert.Equal(t, []int64{1, 3}, s1.batches[0].ids)
	assert.Equal(t, nsB, s1.batches[1].ns)
	assert.Equal(t, []int64{4}, s1.batches[1].ids)

	require.Len(t, s2.batches, 1)
	assert.Equal(t, []int64{2}, s2.batches[0].ids)
}

func TestFlushWithoutCursorKiller(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	topo, err := New(cfg)
	require.NoError(t, err)

	topo.RegisterCursor(9)
	topo.ScheduleKillCursor(PendingKillCursor{
		CursorID:  9,
		Namespace: driver.Namespace{DB: "db", Collection: "coll"},
		Addr:      "a:27017",
	})

	// Without a CursorKiller, the flush drops the entries instead of holding
	// them forever.
	topo.flushPendingKills(context.Background())
	assert.Empty(t, topo.cursors.take())
}
