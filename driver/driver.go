// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver holds the boundary types between the topology engine and the
// command layer built on top of it: deployments, servers, connections,
// handshakes, and cursor kills. The topology package provides the
// implementations; embedders provide the command semantics.
package driver

import (
	"context"
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
)

// Deployment is implemented by types that can select a server from a deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Subscription represents a subscription to topology updates. A subscriber can receive updates
// through the Updates field.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscriber represents a type to which another type can subscribe. A subscription contains a
// channel that is updated with topology descriptions.
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// Server represents a MongoDB server. Implementations should pool connections and handle the
// retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)

	// RTTMonitor returns the round-trip time monitor associated with this server.
	RTTMonitor() RTTMonitor
}

// Connection represents a connection to a MongoDB server. Wire message bodies are opaque to this
// library; implementations handle framing, optional compression, and socket lifecycle.
type Connection interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server

	// Close closes any underlying connection and returns or frees any resources held by the
	// connection.
	Close() error

	ID() string
	ServerConnectionID() *int64
	DriverConnectionID() uint64
	Address() address.Address
	Stale() bool
}

// RTTMonitor represents a round-trip-time monitor.
type RTTMonitor interface {
	// EWMA returns the exponentially weighted moving average observed round-trip time.
	EWMA() time.Duration

	// Min returns the minimum observed round-trip time over the window period.
	Min() time.Duration

	// P90 returns the 90th percentile observed round-trip time over the window period.
	P90() time.Duration
}

var _ RTTMonitor = &ZeroRTTMonitor{}

// ZeroRTTMonitor is an RTTMonitor that always returns 0. It is used for deployments that do not
// run heartbeats.
type ZeroRTTMonitor struct{}

// EWMA implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) EWMA() time.Duration { return 0 }

// Min implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) Min() time.Duration { return 0 }

// P90 implements the RTT monitor interface.
func (zrm *ZeroRTTMonitor) P90() time.Duration { return 0 }

// ProcessErrorResult represents the result of an ErrorProcessor.ProcessError call.
type ProcessErrorResult int

const (
	// NoChange indicates that the error did not affect the state of the server.
	NoChange ProcessErrorResult = iota
	// ServerMarkedUnknown indicates that the error only resulted in the server being marked as
	// Unknown.
	ServerMarkedUnknown
	// ConnectionPoolCleared indicates that the error resulted in the server being marked as
	// Unknown and its connection pool being cleared.
	ConnectionPoolCleared
)

// ErrorProcessor implementations can handle processing errors, which may modify their internal
// state. If this type is implemented by a Server, the operation executor should call its
// ProcessError method after every command whose execution returned an error.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) ProcessErrorResult
}

// HandshakeInformation contains information extracted from a connection handshake. This is a
// helper type that augments description.Server by also tracking the server connection ID.
type HandshakeInformation struct {
	Description        description.Server
	ServerConnectionID *int64
}

// Handshaker is the interface implemented by types that can perform a handshake over a provided
// driver.Connection. This is used during connection initialization and during heartbeats.
// Implementations must be goroutine safe.
type Handshaker interface {
	GetHandshakeInformation(context.Context, address.Address, Connection) (HandshakeInformation, error)
	FinishHandshake(context.Context, Connection) error
}

// Namespace encapsulates a database and collection name, which together
// uniquely identifies a collection within a cluster.
type Namespace struct {
	DB         string
	Collection string
}

// String returns the full namespace string, which is the result of joining the database
// name and the collection name with a "." character.
func (ns Namespace) String() string { return ns.DB + "." + ns.Collection }

// CursorKiller implementations build and send the command that kills server-side cursors. The
// cursor reaper calls KillCursors with a checked-out connection, once per namespace batch on that
// connection's server. Failures are advisory; the reaper drops the batch either way.
type CursorKiller interface {
	KillCursors(ctx context.Context, conn Connection, ns Namespace, cursorIDs []int64) error
}

// RetryablePoolError is a connection pool error that can be retried while executing an operation.
type RetryablePoolError interface {
	Retryable() bool
}

// SingleServerDeployment is an implementation of Deployment that always returns a single server.
type SingleServerDeployment struct{ Server }

var _ Deployment = SingleServerDeployment{}

// SelectServer implements the Deployment interface. This method does not use the
// description.ServerSelector provided and instead returns the embedded Server.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Kind implements the Deployment interface. It always returns description.TopologyKindSingle.
func (SingleServerDeployment) Kind() description.TopologyKind { return description.TopologyKindSingle }

// SingleConnectionDeployment is an implementation of Deployment that always returns the same
// Connection. This implementation should only be used for connection handshakes and server
// heartbeats as these operations require a Connection and not a Server.
type SingleConnectionDeployment struct{ C Connection }

var _ Deployment = SingleConnectionDeployment{}

// SelectServer implements the Deployment interface. This method does not use the
// description.ServerSelector provided and instead returns itself.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements the Deployment interface. It always returns description.TopologyKindSingle.
func (SingleConnectionDeployment) Kind() description.TopologyKind {
	return description.TopologyKindSingle
}

// Connection implements the Server interface. It always returns the embedded connection.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return scd.C, nil
}

// RTTMonitor implements the driver.Server interface.
func (scd SingleConnectionDeployment) RTTMonitor() RTTMonitor {
	return &ZeroRTTMonitor{}
}
