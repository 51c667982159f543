// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/event"
	"github.com/ikmak/mongocluster/objectid"
)

// Server state constants.
const (
	serverDisconnected int64 = iota
	serverDisconnecting
	serverConnected
)

func serverStateString(state int64) string {
	switch state {
	case serverDisconnected:
		return "Disconnected"
	case serverDisconnecting:
		return "Disconnecting"
	case serverConnected:
		return "Connected"
	}

	return ""
}

// Server is a single server within a topology. It runs a monitoring goroutine
// that repeatedly probes the server's state and feeds new descriptions into
// the owning topology, and owns the connection pool for the server.
type Server struct {
	// state must be accessed using the atomic package and should be at the beginning of the
	// struct.
	state int64

	cfg     *serverConfig
	address address.Address

	// connection related fields
	pool *pool

	// goroutine management fields
	done          chan struct{}
	checkNow      chan struct{}
	disconnecting chan struct{}
	closewg       sync.WaitGroup

	// description related fields
	desc                   atomic.Value // holds a description.Server
	updateTopologyCallback atomic.Value
	topologyID             objectid.ObjectID

	// subscriber related fields
	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	// heartbeat monitoring fields
	heartbeatLock sync.Mutex
	conn          *connection
	rttMonitor    *rttMonitor

	// processErrorLock serializes the pool.clear and pool.ready calls made while handling
	// state change errors, so that a clear from an operation error cannot be reordered with a
	// ready from a concurrent description update.
	processErrorLock sync.Mutex
}

var _ driver.Server = (*Server)(nil)
var _ driver.ErrorProcessor = (*Server)(nil)

// updateTopologyCallback is a callback used to create a server that should be called when the
// parent Topology instance should be updated based on a new server description. The callback must
// return the server description that should be stored by the server.
type updateTopologyCallback func(description.Server) description.Server

// ConnectServer creates a new Server and then initializes it using the Connect method.
func ConnectServer(
	addr address.Address,
	updateCallback updateTopologyCallback,
	topologyID objectid.ObjectID,
	opts ...ServerOption,
) (*Server, error) {
	srvr := NewServer(addr, topologyID, opts...)
	err := srvr.Connect(updateCallback)
	if err != nil {
		return nil, err
	}
	return srvr, nil
}

// NewServer creates a new server. The mongodb server at the address will be monitored on an
// internal monitoring goroutine.
func NewServer(addr address.Address, topologyID objectid.ObjectID, opts ...ServerOption) *Server {
	cfg := newServerConfig(opts...)
	s := &Server{
		state: serverDisconnected,

		cfg:     cfg,
		address: addr,

		done:          make(chan struct{}),
		checkNow:      make(chan struct{}, 1),
		disconnecting: make(chan struct{}),

		topologyID: topologyID,

		subscribers: make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))
	s.rttMonitor = newRTTMonitor(&rttConfig{
		interval:     cfg.heartbeatInterval,
		minRTTWindow: 5 * time.Minute,
	})

	pc := poolConfig{
		Address:          addr,
		MinPoolSize:      cfg.minConns,
		MaxPoolSize:      cfg.maxConns,
		MaxConnecting:    cfg.maxConnecting,
		MaxIdleTime:      cfg.poolMaxIdleTime,
		MaintainInterval: cfg.poolMaintainInterval,
		LoadBalanced:     cfg.loadBalanced,
		PoolMonitor:      cfg.poolMonitor,
		Logger:           cfg.logger,
		handshakeErrFn:   s.ProcessHandshakeError,
	}

	connectionOpts := copyConnectionOpts(cfg.connectionOpts)
	s.pool = newPool(pc, connectionOpts...)
	s.publishServerOpeningEvent(s.address)

	return s
}

func copyConnectionOpts(opts []ConnectionOption) []ConnectionOption {
	optsCopy := make([]ConnectionOption, len(opts))
	copy(optsCopy, opts)
	return optsCopy
}

// Connect initializes the Server by starting background monitoring goroutines. This method must
// be called before a Server can be used.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverDisconnected, serverConnected) {
		return ErrServerConnected
	}

	desc := description.NewDefaultServer(s.address)
	if s.cfg.loadBalanced {
		// In load balanced mode, the server description has a load balancer kind and is marked
		// usable right away, since no monitoring routine runs.
		desc.Kind = description.ServerKindLoadBalancer
	}
	s.desc.Store(desc)
	s.updateTopologyCallback.Store(updateCallback)

	if !s.cfg.loadBalanced {
		s.closewg.Add(1)
		go s.update()
	} else {
		// In load balanced mode, ready the pool right away, since there are no heartbeats to
		// trigger it.
		_ = s.pool.ready()
	}

	return nil
}

// Disconnect closes sockets to the server referenced by this Server. Subscriptions to this Server
// will be closed. Disconnect will shutdown any monitoring goroutines, closeConnection the idle
// connection pool, and will wait until all the in use connections have been returned to the
// connection pool and are closed before returning. If the context expires via cancellation,
// deadline, or timeout before the in use connections have been returned, the in use connections
// will be closed, resulting in the failure of any in flight read or write operations. If this
// method returns with no errors, all connections associated with this Server have been closed.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}

	s.updateTopologyCallback.Store((updateTopologyCallback)(nil))

	// For every disconnect, the monitoring goroutine checks whether the server is disconnecting
	// and aborts any in-progress check. Closing the done channel stops the loop; closing the
	// monitoring socket unblocks a check blocked on socket I/O.
	close(s.done)
	close(s.disconnecting)

	s.pool.close(ctx)

	s.closewg.Wait()
	atomic.StoreInt64(&s.state, serverDisconnected)
	s.publishServerClosedEvent(s.address)

	return nil
}

// Connection gets a connection to the server.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if atomic.LoadInt64(&s.state) != serverConnected {
		return nil, ErrServerClosed
	}

	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		// The error has already been handled by connection.connect, which calls
		// ProcessHandshakeError through the pool's handshakeErrFn.
		return nil, err
	}

	return &Connection{connection: conn}, nil
}

// RTTMonitor returns this server's round-trip-time monitor.
func (s *Server) RTTMonitor() driver.RTTMonitor {
	return s.rttMonitor
}

// ProcessHandshakeError implements SDAM error handling for errors that occur before a connection
// finishes handshaking.
func (s *Server) ProcessHandshakeError(err error, startingGenerationNumber uint64, serviceID *objectid.ObjectID) {
	// Ignore the error if the server is behind a load balancer but the service ID is unknown.
	// This indicates that the error happened when dialing the connection or during the MongoDB
	// handshake, so we don't know the service ID to use for clearing the pool.
	if err == nil || s.cfg.loadBalanced && serviceID == nil {
		return
	}
	// Ignore the error if the connection is stale.
	if generation, _ := s.pool.generation.getGeneration(serviceID); startingGenerationNumber < generation {
		return
	}

	// Unwrap any connection errors. If there is no wrapped connection error, then the error should
	// not result in any Server state change (e.g. a command error from the database).
	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return
	}

	// Must hold the processErrorLock while updating the server description and clearing the pool.
	// Not holding the lock leads to possible out-of-order processing of pool.clear() and
	// pool.ready() calls from concurrent server description updates.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	s.updateDescription(description.NewServerFromError(s.address, wrappedConnErr, nil))
	s.pool.clear(err, serviceID)
	s.cancelCheck()
}

// Description returns a description of the server as of the last heartbeat.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// SelectedDescription returns a description.SelectedServer with a Kind of Single. This can be
// used when performing tasks like monitoring a batch of servers and you want to run one
// operation.
func (s *Server) SelectedDescription() description.SelectedServer {
	sdesc := s.Description()
	return description.SelectedServer{
		Server: sdesc,
		Kind:   description.TopologyKindSingle,
	}
}

// Subscribe returns a ServerSubscription which has a channel on which all updated server
// descriptions will be sent. The channel will have a buffer size of one, and will be pre-populated
// with the current description.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt64(&s.state) != serverConnected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.desc.Load().(description.Server)

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++

	ss := &ServerSubscription{
		C:  ch,
		s:  s,
		id: id,
	}

	return ss, nil
}

// RequestImmediateCheck will cause the server to send a heartbeat immediately instead of waiting
// for the heartbeat timeout.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// getWriteConcernErrorForProcessing extracts a driver.WriteConcernError from the provided error.
// This function returns (error, true) if the error is a WriteConcernError and the falls under the
// requirements for processing as a state change error and (nil, false) otherwise.
func getWriteConcernErrorForProcessing(err error) (*driver.WriteConcernError, bool) {
	var writeCmdErr driver.WriteCommandError
	if !errors.As(err, &writeCmdErr) {
		return nil, false
	}

	wcerr := writeCmdErr.WriteConcernError
	if wcerr != nil && (wcerr.NodeIsRecovering() || wcerr.NotPrimary()) {
		return wcerr, true
	}
	return nil, false
}

// ProcessError handles SDAM error handling and implements driver.ErrorProcessor.
func (s *Server) ProcessError(err error, conn driver.Connection) driver.ProcessErrorResult {
	// Ignore nil errors.
	if err == nil {
		return driver.NoChange
	}

	// Must hold the processErrorLock while updating the server description and clearing the
	// pool. Not holding the lock leads to possible out-of-order processing of pool.clear() and
	// pool.ready() calls from concurrent server description updates.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	// Ignore errors from stale connections because the error came from a previous generation of
	// the connection pool. The root cause of the error has already been handled, which includes
	// clearing the connection pool, so processing errors from stale connections could result in
	// redundant pool clears.
	if conn.Stale() {
		return driver.NoChange
	}

	// Invalidate server description if not primary or node recovering error occurs.
	// These errors can be reported as a command error or a write concern error.
	if cerr, ok := err.(driver.Error); ok && (cerr.NodeIsRecovering() || cerr.NotPrimary()) {
		// Ignore errors that came from when the database was on a previous topology version.
		if cerr.TopologyVersion != nil && cerr.TopologyVersion.CompareToIncoming(conn.Description().TopologyVersion) <= 0 {
			return driver.NoChange
		}

		// updates description to unknown
		s.updateDescription(description.NewServerFromError(s.address, err, cerr.TopologyVersion))
		s.RequestImmediateCheck()

		res := driver.ServerMarkedUnknown
		// If the node is shutting down or is older than 4.2, we synchronously clear the pool.
		if cerr.NodeIsShuttingDown() || conn.Description().WireVersion == nil || conn.Description().WireVersion.Max < 8 {
			res = driver.ConnectionPoolCleared
			s.pool.clear(err, conn.Description().ServiceID)
		}

		return res
	}
	if wcerr, ok := getWriteConcernErrorForProcessing(err); ok {
		// Ignore errors that came from when the database was on a previous topology version.
		if wcerr.TopologyVersion != nil && wcerr.TopologyVersion.CompareToIncoming(conn.Description().TopologyVersion) <= 0 {
			return driver.NoChange
		}

		// updates description to unknown
		s.updateDescription(description.NewServerFromError(s.address, err, wcerr.TopologyVersion))
		s.RequestImmediateCheck()

		res := driver.ServerMarkedUnknown
		// If the node is shutting down or is older than 4.2, we synchronously clear the pool.
		if wcerr.NodeIsShuttingDown() || conn.Description().WireVersion == nil || conn.Description().WireVersion.Max < 8 {
			res = driver.ConnectionPoolCleared
			s.pool.clear(err, conn.Description().ServiceID)
		}
		return res
	}

	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return driver.NoChange
	}

	// Ignore transient timeout errors.
	if netErr, ok := wrappedConnErr.(net.Error); ok && netErr.Timeout() {
		return driver.NoChange
	}
	if errors.Is(wrappedConnErr, context.Canceled) || errors.Is(wrappedConnErr, context.DeadlineExceeded) {
		return driver.NoChange
	}

	// For a non-timeout network error, we clear the pool, set the description to Unknown, and
	// cancel the in-progress monitoring check. The check is cancelled last to avoid a post-cancel
	// retry of the check racing with the description update.
	s.updateDescription(description.NewServerFromError(s.address, err, nil))
	s.pool.clear(err, conn.Description().ServiceID)
	s.cancelCheck()
	return driver.ConnectionPoolCleared
}

// update is the main monitoring goroutine: it sends heartbeats and publishes new server
// descriptions to the owning topology.
func (s *Server) update() {
	defer s.closewg.Done()
	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(s.cfg.minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()
	checkNow := s.checkNow
	done := s.done

	closeServer := func() {
		s.subLock.Lock()
		for id, c := range s.subscribers {
			close(c)
			delete(s.subscribers, id)
		}
		s.subscriptionsClosed = true
		s.subLock.Unlock()

		// We don't need to take s.heartbeatLock here because closeServer is called synchronously
		// when the select checks below detect that the server is being closed, so we can be sure
		// that the connection isn't being used.
		if s.conn != nil {
			_ = s.conn.close()
		}
	}

	waitUntilNextCheck := func() {
		// Wait until heartbeatFrequency elapses, an application operation requests an immediate
		// check, or the server is disconnecting.
		select {
		case <-heartbeatTicker.C:
		case <-checkNow:
		case <-done:
			// Return because the next update iteration will check the done channel again and
			// clean up.
			return
		}

		// Ensure we only return if minHeartbeatFrequency has elapsed or the server is
		// disconnecting.
		select {
		case <-rateLimiter.C:
		case <-done:
			return
		}
	}

	for {
		// Check if the server is disconnecting. Even if waitForNextCheck has already read from
		// the done channel, we need to check it again here to handle the case of a subsequent
		// loop iteration.
		select {
		case <-done:
			closeServer()
			return
		default:
		}

		previousDescription := s.Description()

		// Perform the next check.
		desc, err := s.check()
		if errors.Is(err, errCheckCancelled) {
			if atomic.LoadInt64(&s.state) != serverConnected {
				continue
			}

			// If the server is not disconnecting, the check was cancelled by an application
			// operation after an error. Wait before running the next check.
			waitUntilNextCheck()
			continue
		}

		// Must hold the processErrorLock while updating the server description and clearing the
		// pool. Not holding the lock leads to possible out-of-order processing of pool.clear()
		// and pool.ready() calls from concurrent server description updates.
		s.processErrorLock.Lock()
		s.updateDescription(desc)
		if err := desc.LastError; err != nil {
			// Clear the pool once the description has been updated to Unknown. Pass in a nil
			// service ID to clear because the monitoring routine only runs for non-load balanced
			// deployments in which servers don't return IDs.
			s.pool.clear(err, nil)
		}
		s.processErrorLock.Unlock()

		// With the polling heartbeat used here, wait for the heartbeat interval (or an
		// immediate check request) unless the topology moved forward, in which case an
		// immediate re-check keeps discovery fast.
		if desc.TopologyVersion != nil &&
			previousDescription.TopologyVersion.CompareToIncoming(desc.TopologyVersion) < 0 {
			continue
		}

		waitUntilNextCheck()
	}
}

// updateDescription handles updating the description on the Server, notifying subscribers, and
// potentially draining the connection pool. The initial parameter is used to determine if this is
// the first description from the server.
func (s *Server) updateDescription(desc description.Server) {
	if s.cfg.loadBalanced {
		// In load balanced mode, there are no updates from the monitoring routine. For errors
		// encountered in operations, updates are handled differently: the pool is cleared and
		// paused for any non-stale errors, but the server description is not updated.
		return
	}

	defer func() {
		//  ¯\_(ツ)_/¯
		_ = recover()
	}()

	// Anytime we update the server description to something other than "unknown", set the pool to
	// "ready". Do this before updating the description so that connections can be checked out as
	// soon as the server is selectable. If the pool is already ready, this operation is a no-op.
	// Note that this behavior is roughly consistent with the SDAM specification, which says we
	// should set the pool to "ready" after the server check completes if the server was newly
	// selectable.
	if desc.Kind != description.Unknown {
		_ = s.pool.ready()
	}

	// Use the updateTopologyCallback to update the parent Topology and get the description that
	// should be stored.
	callback, ok := s.updateTopologyCallback.Load().(updateTopologyCallback)
	if ok && callback != nil {
		desc = callback(desc)
	}
	s.desc.Store(desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		// drain the channel if it isn't empty
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

// createConnection creates a new connection instance but does not call connect on it. The caller
// must call connect before the connection can be used for network operations.
func (s *Server) createConnection() *connection {
	opts := copyConnectionOpts(s.cfg.connectionOpts)
	opts = append(opts,
		WithConnectTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatInterval }),
		WithReadTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatInterval }),
		WithWriteTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatInterval }),
		// We override whatever handshaker is currently attached to the options with a basic one
		// because need to make sure we don't do auth.
		WithHandshaker(func(driver.Handshaker) driver.Handshaker { return nil }),
		// Override any monitors specified in options with nil to avoid monitoring heartbeats.
		WithConnectionLoadBalanced(func(bool) bool { return false }),
	)

	return newConnection(s.address, opts...)
}

var errCheckCancelled = errors.New("server check cancelled")

// cancelCheck cancels in-progress connection establishments and dials during the server check.
func (s *Server) cancelCheck() {
	var conn *connection

	// Take heartbeatLock for mutual exclusion with the checks in the update function.
	s.heartbeatLock.Lock()
	conn = s.conn
	s.heartbeatLock.Unlock()

	if conn == nil {
		return
	}

	// If the connection exists, we need to wait for it to be connected because conn.connect() and
	// conn.close() cannot be called concurrently. If the connection wasn't successfully opened,
	// its state was set back to disconnected, so calling conn.close() will be a no-op.
	conn.closeConnectCtx()
	conn.wait()
	_ = conn.close()
}

// check runs one heartbeat attempt against the server: it dials or reuses the monitoring
// connection, exchanges the heartbeat via the heartbeat handshaker, and folds the result into a
// server description. On failure it retries once immediately if the server was previously known,
// which tolerates one-off blips without waiting a full interval.
func (s *Server) check() (description.Server, error) {
	var previousDescription = s.Description()
	desc, err := s.checkOnce()
	if err != nil {
		return description.Server{}, err
	}

	// Retry after a failure if the server was in a known state (a bounded single retry, per the
	// "mark unknown after two consecutive failed checks" rule).
	if desc.LastError != nil && previousDescription.Kind != description.Unknown {
		// The previous attempt's connection is already torn down by checkOnce.
		desc, err = s.checkOnce()
		if err != nil {
			return description.Server{}, err
		}
	}

	return desc, nil
}

func (s *Server) checkOnce() (description.Server, error) {
	var err error
	start := time.Now()

	if s.conn == nil || s.conn.closed() {
		connID := "0"
		if s.conn != nil {
			connID = s.conn.id
		}
		s.publishServerHeartbeatStartedEvent(connID)

		// Create a new connection and add it's handshake RTT as a sample.
		err = s.setupHeartbeatConnection()
		duration := time.Since(start)
		connID = "0"
		if s.conn != nil {
			connID = s.conn.id
		}
		if err == nil {
			s.rttMonitor.addSample(s.conn.helloRTT)
			desc := s.conn.description()
			desc = s.finishedHeartbeat(desc)
			s.publishServerHeartbeatSucceededEvent(connID, duration, desc)
			return desc, nil
		}
		// Heartbeat failed on a fresh dial.
		s.publishServerHeartbeatFailedEvent(connID, duration, err)
		return s.failedHeartbeat(err), nil
	}

	// An existing connection is used to run the heartbeat exchange.
	connID := s.conn.id
	s.publishServerHeartbeatStartedEvent(connID)

	ctx, cancel := s.heartbeatContext()
	info, err := s.cfg.heartbeatHandshaker.GetHandshakeInformation(ctx, s.address, initConnection{s.conn})
	cancel()
	duration := time.Since(start)

	if s.checkWasCancelled() {
		// If the server is disconnecting, every state change is handled by the disconnect logic
		// and this heartbeat must not overwrite it.
		return description.Server{}, errCheckCancelled
	}

	if err != nil {
		_ = s.conn.close()
		s.heartbeatLock.Lock()
		s.conn = nil
		s.heartbeatLock.Unlock()
		s.publishServerHeartbeatFailedEvent(connID, duration, err)
		return s.failedHeartbeat(err), nil
	}

	s.rttMonitor.addSample(duration)
	desc := s.finishedHeartbeat(info.Description)
	s.conn.setDescription(desc)
	s.publishServerHeartbeatSucceededEvent(connID, duration, desc)
	return desc, nil
}

// failedHeartbeat produces the Unknown description for a failed check and resets the RTT state.
func (s *Server) failedHeartbeat(err error) description.Server {
	s.rttMonitor.reset()
	return description.NewServerFromError(s.address, err, nil)
}

// finishedHeartbeat stamps the description fields that only the monitor knows: the smoothed RTT
// and the heartbeat cadence used in staleness estimates.
func (s *Server) finishedHeartbeat(desc description.Server) description.Server {
	desc.HeartbeatInterval = s.cfg.heartbeatInterval
	desc.LastUpdateTime = time.Now().UTC()
	return desc.SetAverageRTT(s.rttMonitor.EWMA())
}

// setupHeartbeatConnection dials a new monitoring connection and runs the initial heartbeat
// exchange on it. The elapsed time of the combined dial and exchange is recorded on the
// connection as helloRTT.
func (s *Server) setupHeartbeatConnection() error {
	conn := s.createConnection()

	// Take the lock when assigning the connection, for mutual exclusion with cancelCheck.
	s.heartbeatLock.Lock()
	s.conn = conn
	s.heartbeatLock.Unlock()

	ctx, cancel := s.heartbeatContext()
	defer cancel()
	if err := s.conn.connect(ctx); err != nil {
		return err
	}

	start := time.Now()
	info, err := s.cfg.heartbeatHandshaker.GetHandshakeInformation(ctx, s.address, initConnection{s.conn})
	if err != nil {
		_ = s.conn.close()
		return err
	}
	s.conn.helloRTT = time.Since(start)
	s.conn.setDescription(s.finishedHeartbeat(info.Description))
	s.conn.setServerConnectionID(info.ServerConnectionID)
	return nil
}

// heartbeatContext returns the Context for one heartbeat attempt: it is bounded by the heartbeat
// interval and aborted when the server starts disconnecting. The returned CancelFunc must be
// called once the attempt completes.
func (s *Server) heartbeatContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.heartbeatInterval)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.disconnecting:
			cancel()
		}
	}()
	return ctx, cancel
}

func (s *Server) checkWasCancelled() bool {
	select {
	case <-s.disconnecting:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface.
func (s *Server) String() string {
	desc := s.Description()
	state := atomic.LoadInt64(&s.state)
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s",
		s.address, desc.Kind, serverStateString(state))
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", desc.Tags)
	}
	if state == serverConnected {
		str += fmt.Sprintf(", Average RTT: %s, Min RTT: %s", desc.AverageRTT, s.rttMonitor.Min())
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}

	return str
}

// ServerSubscription represents a subscription to the description.Server updates for a specific
// server.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe unsubscribes this ServerSubscription from updates and closes the subscription
// channel.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}

	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}

	close(ch)
	delete(ss.s.subscribers, ss.id)

	return nil
}

// publishes a ServerOpeningEvent to indicate the server is being initialized
func (s *Server) publishServerOpeningEvent(addr address.Address) {
	if s == nil || s.cfg.serverMonitor == nil || s.cfg.serverMonitor.ServerOpening == nil {
		return
	}

	s.cfg.serverMonitor.ServerOpening(&event.ServerOpeningEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	})
}

// publishes a ServerHeartbeatStartedEvent to indicate a hello command has started
func (s *Server) publishServerHeartbeatStartedEvent(connectionID string) {
	if s == nil || s.cfg.serverMonitor == nil || s.cfg.serverMonitor.ServerHeartbeatStarted == nil {
		return
	}

	s.cfg.serverMonitor.ServerHeartbeatStarted(&event.ServerHeartbeatStartedEvent{
		ConnectionID: connectionID,
	})
}

// publishes a ServerHeartbeatSucceededEvent to indicate hello has succeeded
func (s *Server) publishServerHeartbeatSucceededEvent(connectionID string, duration time.Duration, desc description.Server) {
	if s == nil || s.cfg.serverMonitor == nil || s.cfg.serverMonitor.ServerHeartbeatSucceeded == nil {
		return
	}

	s.cfg.serverMonitor.ServerHeartbeatSucceeded(&event.ServerHeartbeatSucceededEvent{
		Duration:     duration,
		Reply:        desc,
		ConnectionID: connectionID,
	})
}

// publishes a ServerHeartbeatFailedEvent to indicate hello has failed
func (s *Server) publishServerHeartbeatFailedEvent(connectionID string, duration time.Duration, err error) {
	if s == nil || s.cfg.serverMonitor == nil || s.cfg.serverMonitor.ServerHeartbeatFailed == nil {
		return
	}

	s.cfg.serverMonitor.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
		Duration:     duration,
		Failure:      err,
		ConnectionID: connectionID,
	})
}

// publishes a ServerClosedEvent to indicate the server has closed
func (s *Server) publishServerClosedEvent(addr address.Address) {
	if s == nil || s.cfg.serverMonitor == nil || s.cfg.serverMonitor.ServerClosed == nil {
		return
	}

	s.cfg.serverMonitor.ServerClosed(&event.ServerClosedEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	})
}

// unwrapConnectionError returns the connection error wrapped by err, or nil if err does not wrap
// a connection error.
func unwrapConnectionError(err error) error {
	// This is essentially an implementation of errors.As to unwrap this error until we get a
	// ConnectionError and then return ConnectionError.Wrapped.
	connErr, ok := err.(ConnectionError)
	if ok {
		return connErr.Wrapped
	}

	driverErr, ok := err.(driver.Error)
	if !ok || !driverErr.NetworkError() {
		return nil
	}

	connErr, ok = driverErr.Wrapped.(ConnectionError)
	if ok {
		return connErr.Wrapped
	}

	return nil
}
