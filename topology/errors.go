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
	"time"

	"github.com/ikmak/mongocluster/description"
)

var (
	// ErrTopologyClosed is returned when a user attempts to call a method on a closed Topology.
	ErrTopologyClosed = errors.New("topology is closed")
	// ErrTopologyConnected is returned when a user attempts to Connect to an already connected
	// Topology.
	ErrTopologyConnected = errors.New("topology is connected or connecting")
	// ErrServerSelectionTimeout is returned from server selection when the selection times out.
	ErrServerSelectionTimeout = errors.New("server selection timeout")
	// ErrServerClosed occurs when an attempt to Connect is made after a server has been closed.
	ErrServerClosed = errors.New("server is closed")
	// ErrServerConnected occurs when at attempt to Connect is made after a server has already
	// been connected.
	ErrServerConnected = errors.New("server is connected")
	// ErrSubscribeAfterClosed is returned when a user attempts to subscribe to a closed Server
	// or Topology.
	ErrSubscribeAfterClosed = errors.New("cannot subscribe after closeConnection")
)

// ConnectionError represents a connection error.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	// init will be set to true if this error occurred during connection initialization or
	// during a connection handshake.
	init    bool
	message string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	message := e.message
	if e.init {
		fullMsg := "error occurred during connection handshake"
		if message != "" {
			fullMsg = fmt.Sprintf("%s: %s", fullMsg, message)
		}
		message = fullMsg
	}
	if e.Wrapped != nil && message != "" {
		return fmt.Sprintf("connection(%s) %s: %s", e.ConnectionID, message, e.Wrapped.Error())
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s) %s", e.ConnectionID, e.Wrapped.Error())
	}
	return fmt.Sprintf("connection(%s) %s", e.ConnectionID, message)
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error {
	return e.Wrapped
}

// ServerSelectionError represents a Server Selection error.
type ServerSelectionError struct {
	Desc    description.Topology
	Wrapped error
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server selection error: %s, current topology: { %s }", e.Wrapped.Error(), e.Desc.String())
	}
	return fmt.Sprintf("server selection error: current topology: { %s }", e.Desc.String())
}

// Unwrap returns the underlying error.
func (e ServerSelectionError) Unwrap() error {
	return e.Wrapped
}

// WaitQueueTimeoutError represents a timeout when requesting a connection from the pool.
type WaitQueueTimeoutError struct {
	Wrapped                  error
	maxPoolSize              uint64
	totalConnectionCount     int
	availableConnectionCount int
	waitDuration             time.Duration
}

// Error implements the error interface.
func (w WaitQueueTimeoutError) Error() string {
	errorMsg := "timed out while checking out a connection from connection pool"
	switch w.Wrapped {
	case nil:
	case context.Canceled:
		errorMsg = fmt.Sprintf(
			"%s: %s",
			"canceled while checking out a connection from connection pool",
			w.Wrapped.Error(),
		)
	default:
		errorMsg = fmt.Sprintf(
			"%s: %s",
			errorMsg,
			w.Wrapped.Error(),
		)
	}

	return fmt.Sprintf(
		"%s; maxPoolSize: %d, connections in use by other operations: %d, idle connections: %d, wait duration: %s",
		errorMsg,
		w.maxPoolSize,
		w.totalConnectionCount-w.availableConnectionCount,
		w.availableConnectionCount,
		w.waitDuration.String(),
	)
}

// Unwrap returns the underlying error.
func (w WaitQueueTimeoutError) Unwrap() error {
	return w.Wrapped
}

// Retryable marks the error as retryable: the caller may run the checkout again after backing
// off. Pool exhaustion is transient, unlike a dial failure.
func (w WaitQueueTimeoutError) Retryable() bool { return true }
