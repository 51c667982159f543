// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/objectid"
)

// maxReapServers bounds how many servers one reaper flush talks to
// concurrently.
const maxReapServers = 4

// PendingKillCursor describes a server-side cursor that was abandoned before
// being exhausted and should be killed on a best-effort basis.
type PendingKillCursor struct {
	CursorID  int64
	Namespace driver.Namespace
	Addr      address.Address
	ServiceID *objectid.ObjectID
}

// cursorRegistry tracks live cursor IDs and the kill requests scheduled for
// abandoned ones. All methods are safe for concurrent use.
type cursorRegistry struct {
	mu      sync.Mutex
	live    map[int64]struct{}
	pending []PendingKillCursor
}

func newCursorRegistry() *cursorRegistry {
	return &cursorRegistry{live: make(map[int64]struct{})}
}

// register records a cursor ID as live. Only live cursors can be scheduled
// for killing; a cursor that is closed deterministically is unregistered
// first and any late schedule for it becomes a no-op.
func (r *cursorRegistry) register(cursorID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[cursorID] = struct{}{}
}

// unregister removes a cursor ID from the live set.
func (r *cursorRegistry) unregister(cursorID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, cursorID)
}

// schedule queues a kill for a live cursor. Scheduling an unregistered cursor
// is a no-op and reports false.
func (r *cursorRegistry) schedule(pkc PendingKillCursor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[pkc.CursorID]; !ok {
		return false
	}
	delete(r.live, pkc.CursorID)
	r.pending = append(r.pending, pkc)
	return true
}

// take drains the pending list, handing ownership of the entries to the
// caller. Entries are never requeued: the kill is advisory and runs at most
// once whether or not the send succeeds.
func (r *cursorRegistry) take() []PendingKillCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pending
	r.pending = nil
	return pending
}

// namespaceBatch is the unit of one KillCursors call: every scheduled cursor
// for one namespace on one server.
type namespaceBatch struct {
	ns  driver.Namespace
	ids []int64
}

// serverBatch groups the scheduled kills destined for one server so the flush
// checks out a single connection per server.
type serverBatch struct {
	addr    address.Address
	batches []namespaceBatch
}

// groupPendingKills coalesces pending kills per server, and within a server
// per namespace, preserving schedule order.
func groupPendingKills(pending []PendingKillCursor) []serverBatch {
	var out []serverBatch
	byAddr := make(map[address.Address]int)
	for _, pkc := range pending {
		i, ok := byAddr[pkc.Addr]
		if !ok {
			i = len(out)
			byAddr[pkc.Addr] = i
			out = append(out, serverBatch{addr: pkc.Addr})
		}

		sb := &out[i]
		found := false
		for j := range sb.batches {
			if sb.batches[j].ns == pkc.Namespace {
				sb.batches[j].ids = append(sb.batches[j].ids, pkc.CursorID)
				found = true
				break
			}
		}
		if !found {
			sb.batches = append(sb.batches, namespaceBatch{ns: pkc.Namespace, ids: []int64{pkc.CursorID}})
		}
	}
	return out
}

// flushPendingKills drains the registry and sends one KillCursors command per
// (server, namespace) batch. Every drained entry is dropped regardless of the
// outcome; errors are logged and swallowed.
func (t *Topology) flushPendingKills(ctx context.Context) {
	pending := t.cursors.take()
	if len(pending) == 0 {
		return
	}
	if t.cfg.CursorKiller == nil {
		t.cfg.logger.debug(LogComponentConnection, "dropping pending cursor kills, no cursor killer configured",
			"count", len(pending))
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxReapServers)
	for _, sb := range groupPendingKills(pending) {
		sb := sb
		group.Go(func() error {
			t.reapServer(ctx, sb)
			// The group's error is unused; failures are per-batch and advisory.
			return nil
		})
	}
	_ = group.Wait()
}

// reapServer sends every namespace batch for one server over a single
// checked-out connection.
func (t *Topology) reapServer(ctx context.Context, sb serverBatch) {
	srv, ok := t.findRegisteredServer(sb.addr)
	if !ok {
		t.cfg.logger.debug(LogComponentConnection, "dropping pending cursor kills, server no longer monitored",
			"address", sb.addr.String())
		return
	}

	conn, err := srv.Connection(ctx)
	if err != nil {
		t.cfg.logger.debug(LogComponentConnection, "dropping pending cursor kills, connection checkout failed",
			"address", sb.addr.String(), "error", err.Error())
		return
	}
	defer func() { _ = conn.Close() }()

	for _, batch := range sb.batches {
		if err := t.cfg.CursorKiller.KillCursors(ctx, conn, batch.ns, batch.ids); err != nil {
			t.cfg.logger.debug(LogComponentConnection, "kill cursors failed",
				"address", sb.addr.String(), "namespace", batch.ns.String(), "error", err.Error())
		}
	}
}
