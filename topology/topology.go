// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handles the discovery, monitoring and selection of servers.
// This package is designed to expose enough inner workings of service discovery and monitoring to
// allow low level applications to have fine grained control, while hiding most of the detailed
// implementation of the algorithms.
package topology

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/event"
	"github.com/ikmak/mongocluster/internal/randutil"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/serverselector"
)

// Topology state constants.
const (
	topologyDisconnected int64 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// Topology represents a MongoDB deployment. It monitors the deployment's
// servers, maintains an immutable description of the whole deployment, and
// selects servers for operations.
type Topology struct {
	state int64

	cfg *Config
	id  objectid.ObjectID

	desc atomic.Value // holds a description.Topology

	// fsm state is modified only under applyLock, which serializes description
	// updates submitted by the server monitors. No I/O happens under the lock.
	applyLock sync.Mutex
	fsm       *fsm

	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool

	executor *periodicExecutor
	cursors  *cursorRegistry

	rand *randutil.LockedRand
}

var _ driver.Deployment = (*Topology)(nil)
var _ driver.Subscriber = (*Topology)(nil)

// New creates a new topology. A "nil" config is interpreted as the default
// configuration.
func New(cfg *Config) (*Topology, error) {
	if cfg == nil {
		var err error
		cfg, err = NewConfig()
		if err != nil {
			return nil, err
		}
	}

	t := &Topology{
		cfg:         cfg,
		id:          objectid.New(),
		fsm:         newFSM(),
		servers:     make(map[address.Address]*Server),
		subscribers: make(map[uint64]chan description.Topology),
		cursors:     newCursorRegistry(),
		rand:        randutil.NewLockedRand(rand.NewSource(randutil.CryptoSeed())),
	}
	t.desc.Store(description.Topology{})
	t.executor = newPeriodicExecutor(cfg.MaintenanceInterval, t.backgroundMaintenance)

	t.publishTopologyOpeningEvent()
	return t, nil
}

// Connect initializes a Topology and starts the monitoring process. This function must be called
// to properly monitor the topology.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyDisconnected, topologyConnecting) {
		return ErrTopologyConnected
	}

	t.desc.Store(description.Topology{})
	var err error
	t.serversLock.Lock()
	// Reset discovery state so that a disconnected topology can be connected
	// again from its seed list.
	t.servers = make(map[address.Address]*Server)
	t.serversClosed = false
	t.fsm = newFSM()

	switch {
	case t.cfg.LoadBalanced:
		// In load balanced mode, don't start monitoring goroutines: the
		// single seed is always selectable and connections determine their
		// service lazily during the handshake.
		t.fsm.Kind = description.TopologyKindLoadBalanced
		addr := address.Address(t.cfg.SeedList[0]).Canonicalize()
		t.fsm.Servers = append(t.fsm.Servers, description.Server{
			Addr: addr,
			Kind: description.ServerKindLoadBalancer,
		})
	case t.cfg.Mode == SingleMode:
		t.fsm.Kind = description.TopologyKindSingle
		t.fsm.SetName = t.cfg.ReplicaSetName
		addr := address.Address(t.cfg.SeedList[0]).Canonicalize()
		t.fsm.addServer(addr)
	default:
		if t.cfg.ReplicaSetName != "" {
			t.fsm.SetName = t.cfg.ReplicaSetName
			t.fsm.Kind = description.TopologyKindReplicaSetNoPrimary
		}
		for _, seed := range t.cfg.SeedList {
			t.fsm.addServer(address.Address(seed).Canonicalize())
		}
	}

	// Store the initial description and start a monitor per seed before
	// releasing the lock so that a concurrent SelectServer sees a consistent
	// picture.
	newDesc := description.Topology{
		Kind:                  t.fsm.Kind,
		Servers:               t.fsm.Servers,
		SetName:               t.fsm.SetName,
		SessionTimeoutMinutes: t.fsm.SessionTimeoutMinutes,
	}
	t.desc.Store(newDesc)
	t.publishTopologyDescriptionChangedEvent(description.Topology{}, newDesc)
	// In load balanced mode this still creates a Server for the connection
	// pool, but its monitor never runs.
	for _, s := range t.fsm.Servers {
		addErr := t.addServer(s.Addr)
		if addErr != nil {
			err = addErr
		}
	}
	t.serversLock.Unlock()

	t.executor.run()

	t.subLock.Lock()
	t.subscriptionsClosed = false // explicitly set in case topology was disconnected and then reconnected
	t.subLock.Unlock()

	atomic.StoreInt64(&t.state, topologyConnected)
	return err
}

// Disconnect closes the topology. It stops the monitoring thread and closes all open subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}

	t.executor.stop()

	servers := make(map[address.Address]*Server)
	t.serversLock.Lock()
	t.serversClosed = true
	for addr, server := range t.servers {
		servers[addr] = server
	}
	t.serversLock.Unlock()

	for _, server := range servers {
		_ = server.Disconnect(ctx)
	}

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})

	atomic.StoreInt64(&t.state, topologyDisconnected)
	t.publishTopologyClosedEvent()
	return nil
}

// Description returns a description of the topology.
func (t *Topology) Description() description.Topology {
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	return td
}

// Kind returns the topology kind of this Topology.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// Subscribe returns a Subscription on which all updated description.Topologys
// will be sent. The channel of the subscription will have a buffer size of one,.
// and will be pre-populated with the current description.Topology.
// Subscribe implements the driver.Subscriber interface.
func (t *Topology) Subscribe() (*driver.Subscription, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Topology, 1)
	ch <- t.desc.Load().(description.Topology)

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &driver.Subscription{
		Updates: ch,
		ID:      id,
	}, nil
}

// Unsubscribe unsubscribes the given subscription from the topology and closes the subscription
// channel. Unsubscribe implements the driver.Subscriber interface.
func (t *Topology) Unsubscribe(sub *driver.Subscription) error {
	t.subLock.Lock()
	defer t.subLock.Unlock()

	if t.subscriptionsClosed {
		return nil
	}

	ch, ok := t.subscribers[sub.ID]
	if !ok {
		return nil
	}

	close(ch)
	delete(t.subscribers, sub.ID)
	return nil
}

// RequestImmediateCheck will send heartbeats to all the servers in the
// topology right away, instead of waiting for the heartbeat timeout.
func (t *Topology) RequestImmediateCheck() {
	t.serversLock.Lock()
	for _, server := range t.servers {
		server.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// SelectServer selects a server with given a selector. SelectServer complies with the
// server selection spec, and will time out after serverSelectionTimeout or when the
// parent context is done.
func (t *Topology) SelectServer(ctx context.Context, ss description.ServerSelector) (driver.Server, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}

	var ssTimeoutCh <-chan time.Time
	if t.cfg.ServerSelectionTimeout > 0 {
		ssTimeout := time.NewTimer(t.cfg.ServerSelectionTimeout)
		ssTimeoutCh = ssTimeout.C
		defer ssTimeout.Stop()
	}

	// The latency window is applied after the caller's selector so that the
	// random pick below only considers the closest eligible servers.
	selector := &serverselector.Composite{
		Selectors: []description.ServerSelector{
			ss, &serverselector.Latency{Latency: t.cfg.LocalThreshold},
		},
	}

	var doneOnce bool
	var sub *driver.Subscription
	for {
		var suitable []description.Server
		var selectErr error

		if !doneOnce {
			// for the first pass, select from the current description without
			// waiting for an update.
			suitable, selectErr = t.selectServerFromDescription(t.Description(), selector)
			doneOnce = true
		} else {
			// if the first pass didn't select a server, the previous
			// description did not contain a suitable server, so we wait for
			// an updated description.
			if sub == nil {
				var err error
				sub, err = t.Subscribe()
				if err != nil {
					return nil, err
				}
				defer func() { _ = t.Unsubscribe(sub) }()
			}

			suitable, selectErr = t.selectServerFromSubscription(ctx, sub.Updates, ssTimeoutCh, selector)
		}
		if selectErr != nil {
			return nil, selectErr
		}

		if len(suitable) == 0 {
			// try again if there are no servers available
			continue
		}

		// If there's only one suitable server description, try to find the
		// associated server and return it. This is an optimization primarily
		// for standalone and load-balanced deployments.
		if len(suitable) == 1 {
			server, err := t.findServer(suitable[0])
			if err != nil {
				return nil, err
			}
			if server == nil {
				continue
			}
			return server, nil
		}

		// Pick uniformly at random among the remaining candidates. The
		// latency selector has already narrowed them to the window, so any
		// of them is an acceptable target.
		selected := suitable[t.rand.Intn(len(suitable))]
		server, err := t.findServer(selected)
		if err != nil {
			return nil, err
		}
		if server == nil {
			// The selected server was removed between the description being
			// published and now. Re-select from a fresh description.
			continue
		}
		return server, nil
	}
}

// selectServerFromSubscription loops until a topology description is published that contains
// suitable servers, the timeout fires, or the context is cancelled.
func (t *Topology) selectServerFromSubscription(
	ctx context.Context,
	subscriptionCh <-chan description.Topology,
	timeoutCh <-chan time.Time,
	ss description.ServerSelector,
) ([]description.Server, error) {
	current := t.Description()
	for {
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case <-timeoutCh:
			return nil, ServerSelectionError{Wrapped: ErrServerSelectionTimeout, Desc: current}
		case current = <-subscriptionCh:
		}

		suitable, err := t.selectServerFromDescription(current, ss)
		if err != nil {
			return nil, err
		}

		if len(suitable) > 0 {
			return suitable, nil
		}
		t.RequestImmediateCheck()
	}
}

// selectServerFromDescription runs the selector against one topology snapshot.
func (t *Topology) selectServerFromDescription(
	desc description.Topology,
	ss description.ServerSelector,
) ([]description.Server, error) {
	// Unlike selectServer, this function doesn't loop. It returns an error if the topology is
	// incompatible with the library, and the suitable servers otherwise.
	if desc.CompatibilityErr != nil {
		return nil, desc.CompatibilityErr
	}

	var allowed []description.Server
	for _, s := range desc.Servers {
		if s.Kind != description.Unknown {
			allowed = append(allowed, s)
		}
	}

	suitable, err := ss.SelectServer(desc, allowed)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

// findServer resolves a selected server description to the registered Server
// for its address. A nil server with a nil error means the server left the
// topology after selection and the caller should re-select.
func (t *Topology) findServer(selected description.Server) (*Server, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	server := t.servers[selected.Addr]
	return server, nil
}

// findRegisteredServer is like findServer keyed by address, used by the
// cursor reaper.
func (t *Topology) findRegisteredServer(addr address.Address) (*Server, bool) {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	s, ok := t.servers[addr.Canonicalize()]
	return s, ok
}

// RegisterCursor records a live server-side cursor so that dropping it
// without exhausting it can later schedule a best-effort kill.
func (t *Topology) RegisterCursor(cursorID int64) { t.cursors.register(cursorID) }

// UnregisterCursor removes a cursor from the live set. Call it when a cursor
// is exhausted or closed deterministically.
func (t *Topology) UnregisterCursor(cursorID int64) { t.cursors.unregister(cursorID) }

// ScheduleKillCursor queues a kill for a registered cursor. The kill is sent
// on the next background flush; scheduling an unregistered cursor is a no-op.
func (t *Topology) ScheduleKillCursor(pkc PendingKillCursor) {
	if t.cursors.schedule(pkc) {
		t.cfg.logger.debug(LogComponentConnection, "scheduled cursor kill",
			"cursorID", pkc.CursorID, "namespace", pkc.Namespace.String(), "address", pkc.Addr.String())
	}
}

// backgroundMaintenance is the periodic executor's task: pool upkeep for
// every server, then a flush of pending cursor kills.
func (t *Topology) backgroundMaintenance(ctx context.Context) {
	t.serversLock.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.serversLock.Unlock()

	for _, s := range servers {
		s.pool.maintain(ctx)
	}

	t.flushPendingKills(ctx)
}

// apply updates the Topology and its underlying FSM based on the provided server description and
// returns the server description that should be stored.
func (t *Topology) apply(desc description.Server) description.Server {
	t.applyLock.Lock()
	defer t.applyLock.Unlock()

	ind, ok := t.fsm.findServer(desc.Addr)
	if t.serverClosed() || !ok {
		return desc
	}

	prev := t.fsm.Topology
	oldDesc := t.fsm.Servers[ind]
	if oldDesc.TopologyVersion.CompareToIncoming(desc.TopologyVersion) > 0 {
		return oldDesc
	}

	var current description.Topology
	current, desc = t.fsm.apply(desc)

	if !oldDesc.Equal(desc) {
		t.publishServerDescriptionChangedEvent(oldDesc, desc)
		if desc.LastError != nil {
			t.cfg.logger.debug(LogComponentSDAM, "server marked unknown",
				"address", desc.Addr.String(), "error", desc.LastError.Error())
		}
	}

	diff := description.DiffTopology(prev, current)

	t.serversLock.Lock()
	if !t.serversClosed {
		for _, removed := range diff.Removed {
			if s, ok := t.servers[removed.Addr]; ok {
				go func() {
					cancelCtx, cancel := context.WithCancel(context.Background())
					cancel()
					_ = s.Disconnect(cancelCtx)
				}()
				delete(t.servers, removed.Addr)
			}
		}

		for _, added := range diff.Added {
			_ = t.addServer(added.Addr)
		}
	}
	t.serversLock.Unlock()

	t.desc.Store(current)
	t.publishTopologyDescriptionChangedEvent(prev, current)

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		// We drain the description if there's one in the channel
		select {
		case <-ch:
		default:
		}
		ch <- current
	}
	t.subLock.Unlock()

	return desc
}

func (t *Topology) serverClosed() bool {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	return t.serversClosed
}

// addServer starts a monitor for the address. The caller must hold serversLock.
func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	opts := make([]ServerOption, len(t.cfg.ServerOpts))
	copy(opts, t.cfg.ServerOpts)
	opts = append(opts,
		withLogger(func() *logger { return t.cfg.logger }),
		WithServerMonitor(func(*event.ServerMonitor) *event.ServerMonitor { return t.cfg.ServerMonitor }),
		WithServerLoadBalanced(func(bool) bool { return t.cfg.LoadBalanced }),
	)

	svr, err := ConnectServer(addr, t.apply, t.id, opts...)
	if err != nil {
		return err
	}

	t.servers[addr] = svr
	return nil
}

// String implements the Stringer interface.
func (t *Topology) String() string {
	desc := t.Description()

	serversStr := ""
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	for _, s := range t.servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", desc.Kind, serversStr)
}

// publishes a TopologyDescriptionChangedEvent to indicate the topology description has changed
func (t *Topology) publishTopologyDescriptionChangedEvent(prev description.Topology, current description.Topology) {
	if t.cfg.ServerMonitor == nil || t.cfg.ServerMonitor.TopologyDescriptionChanged == nil {
		return
	}

	t.cfg.ServerMonitor.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	})
}

// publishes a ServerDescriptionChangedEvent to indicate the server description has changed
func (t *Topology) publishServerDescriptionChangedEvent(prev description.Server, current description.Server) {
	if t.cfg.ServerMonitor == nil || t.cfg.ServerMonitor.ServerDescriptionChanged == nil {
		return
	}

	t.cfg.ServerMonitor.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		Address:             current.Addr,
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	})
}

// publishes a TopologyOpeningEvent to indicate the topology is being initialized
func (t *Topology) publishTopologyOpeningEvent() {
	if t.cfg.ServerMonitor == nil || t.cfg.ServerMonitor.TopologyOpening == nil {
		return
	}

	t.cfg.ServerMonitor.TopologyOpening(&event.TopologyOpeningEvent{
		TopologyID: t.id,
	})
}

// publishes a TopologyClosedEvent to indicate the topology has been closed
func (t *Topology) publishTopologyClosedEvent() {
	if t.cfg.ServerMonitor == nil || t.cfg.ServerMonitor.TopologyClosed == nil {
		return
	}

	t.cfg.ServerMonitor.TopologyClosed(&event.TopologyClosedEvent{
		TopologyID: t.id,
	})
}
