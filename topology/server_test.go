// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/objectid"
)

// scriptedHandshaker plays back a fixed sequence of heartbeat results. After the script is
// exhausted, the last step repeats.
type scriptedHandshaker struct {
	mu    sync.Mutex
	calls int
	steps []func() (driver.HandshakeInformation, error)
}

var _ driver.Handshaker = (*scriptedHandshaker)(nil)

func (h *scriptedHandshaker) GetHandshakeInformation(
	_ context.Context,
	_ address.Address,
	_ driver.Connection,
) (driver.HandshakeInformation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.calls
	h.calls++
	if idx >= len(h.steps) {
		idx = len(h.steps) - 1
	}
	return h.steps[idx]()
}

func (h *scriptedHandshaker) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}

func (h *scriptedHandshaker) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func heartbeatSuccess(desc description.Server) func() (driver.HandshakeInformation, error) {
	return func() (driver.HandshakeInformation, error) {
		return driver.HandshakeInformation{Description: desc}, nil
	}
}

func heartbeatFailure(err error) func() (driver.HandshakeInformation, error) {
	return func() (driver.HandshakeInformation, error) {
		return driver.HandshakeInformation{}, err
	}
}

// newTestServer builds a Server whose monitoring goroutine is not running, so tests can drive
// check() and the error processors directly.
func newTestServer(t *testing.T, addr address.Address, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(addr, objectid.New(), opts...)
	t.Cleanup(func() {
		s.heartbeatLock.Lock()
		if s.conn != nil {
			_ = s.conn.close()
		}
		s.heartbeatLock.Unlock()
		s.pool.close(context.Background())
	})
	return s
}

func knownServerDescription(addr address.Address) description.Server {
	return description.Server{
		Addr:        addr,
		Kind:        description.ServerKindRSPrimary,
		WireVersion: &description.VersionRange{Min: 6, Max: 21},
	}
}

func TestServerCheck(t *testing.T) {
	t.Run("successful heartbeat produces a usable description", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := newTestServer(t, addr, WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker {
			return handshaker
		}))

		desc, err := s.check()
		require.NoError(t, err)
		assert.Equal(t, description.ServerKindRSPrimary, desc.Kind)
		assert.NoError(t, desc.LastError)
		assert.False(t, desc.LastUpdateTime.IsZero())
		assert.Equal(t, s.cfg.heartbeatInterval, desc.HeartbeatInterval)
		assert.Equal(t, 1, handshaker.callCount())
	})

	t.Run("one failure after a known state is retried immediately", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatFailure(errors.New("heartbeat blip")),
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := newTestServer(t, addr, WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker {
			return handshaker
		}))
		s.desc.Store(knownServerDescription(addr))

		desc, err := s.check()
		require.NoError(t, err)
		assert.Equal(t, description.ServerKindRSPrimary, desc.Kind)
		assert.NoError(t, desc.LastError)
		assert.Equal(t, 2, handshaker.callCount(), "a single blip should trigger exactly one retry")
	})

	t.Run("two consecutive failures mark the server unknown", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		heartbeatErr := errors.New("server on fire")
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatFailure(heartbeatErr),
		}}
		s := newTestServer(t, addr, WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker {
			return handshaker
		}))
		s.desc.Store(knownServerDescription(addr))

		desc, err := s.check()
		require.NoError(t, err)
		assert.Equal(t, description.ServerKind(description.Unknown), desc.Kind)
		assert.ErrorIs(t, desc.LastError, heartbeatErr)
		assert.Equal(t, 2, handshaker.callCount())
	})

	t.Run("failure from an unknown state is not retried", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatFailure(errors.New("still down")),
		}}
		s := newTestServer(t, addr, WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker {
			return handshaker
		}))

		desc, err := s.check()
		require.NoError(t, err)
		assert.Equal(t, description.ServerKind(description.Unknown), desc.Kind)
		assert.Equal(t, 1, handshaker.callCount())
	})

	t.Run("monitoring connection is reused across checks", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := newTestServer(t, addr, WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker {
			return handshaker
		}))

		_, err := s.check()
		require.NoError(t, err)
		first := s.conn
		require.NotNil(t, first)

		_, err = s.check()
		require.NoError(t, err)
		assert.Same(t, first, s.conn, "a healthy monitoring connection should not be redialed")
	})
}

// testConn is a minimal driver.Connection for exercising error processing.
type testConn struct {
	desc  description.Server
	stale bool
}

var _ driver.Connection = (*testConn)(nil)

func (c *testConn) WriteWireMessage(context.Context, []byte) error    { return nil }
func (c *testConn) ReadWireMessage(context.Context) ([]byte, error)  { return nil, nil }
func (c *testConn) Description() description.Server                  { return c.desc }
func (c *testConn) Close() error                                     { return nil }
func (c *testConn) ID() string                                       { return "<closed>" }
func (c *testConn) ServerConnectionID() *int64                       { return nil }
func (c *testConn) DriverConnectionID() uint64                       { return 0 }
func (c *testConn) Address() address.Address                         { return "localhost:27017" }
func (c *testConn) Stale() bool                                      { return c.stale }

// timeoutNetError satisfies net.Error with Timeout() == true.
type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestServerProcessError(t *testing.T) {
	newConn := func(wireMax int32, tv *description.TopologyVersion) *testConn {
		return &testConn{desc: description.Server{
			Addr:            "localhost:27017",
			Kind:            description.ServerKindRSPrimary,
			WireVersion:     &description.VersionRange{Min: 6, Max: wireMax},
			TopologyVersion: tv,
		}}
	}

	t.Run("nil error is ignored", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		assert.Equal(t, driver.NoChange, s.ProcessError(nil, newConn(9, nil)))
	})

	t.Run("not primary marks the server unknown and requests a check", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		s.desc.Store(knownServerDescription(s.address))

		err := driver.Error{Code: 10107, Message: "not primary"}
		res := s.ProcessError(err, newConn(9, nil))

		assert.Equal(t, driver.ServerMarkedUnknown, res)
		assert.Equal(t, description.ServerKind(description.Unknown), s.Description().Kind)
		assert.Error(t, s.Description().LastError)
		select {
		case <-s.checkNow:
		default:
			t.Fatal("expected an immediate check request")
		}
	})

	t.Run("node is shutting down clears the pool synchronously", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())

		err := driver.Error{Code: 11600, Message: "interrupted at shutdown"}
		res := s.ProcessError(err, newConn(9, nil))

		assert.Equal(t, driver.ConnectionPoolCleared, res)
		assert.Equal(t, poolPaused, s.pool.getState())
	})

	t.Run("pre-4.2 wire versions clear the pool for any state change error", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())

		err := driver.Error{Code: 10107, Message: "not primary"}
		res := s.ProcessError(err, newConn(7, nil))

		assert.Equal(t, driver.ConnectionPoolCleared, res)
		assert.Equal(t, poolPaused, s.pool.getState())
	})

	t.Run("write concern shutdown errors clear the pool", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())

		err := driver.WriteCommandError{
			WriteConcernError: &driver.WriteConcernError{Code: 91, Message: "shutdown in progress"},
		}
		res := s.ProcessError(err, newConn(9, nil))

		assert.Equal(t, driver.ConnectionPoolCleared, res)
		assert.Equal(t, poolPaused, s.pool.getState())
	})

	t.Run("errors from stale connections are ignored", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		s.desc.Store(knownServerDescription(s.address))

		conn := newConn(9, nil)
		conn.stale = true
		res := s.ProcessError(driver.Error{Code: 10107}, conn)

		assert.Equal(t, driver.NoChange, res)
		assert.Equal(t, description.ServerKindRSPrimary, s.Description().Kind)
	})

	t.Run("errors from an older topology version are ignored", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		s.desc.Store(knownServerDescription(s.address))

		pid := objectid.New()
		connTV := &description.TopologyVersion{ProcessID: pid, Counter: 5}
		errTV := &description.TopologyVersion{ProcessID: pid, Counter: 5}
		err := driver.Error{Code: 10107, TopologyVersion: errTV}

		res := s.ProcessError(err, newConn(9, connTV))
		assert.Equal(t, driver.NoChange, res)
		assert.Equal(t, description.ServerKindRSPrimary, s.Description().Kind)
	})

	t.Run("network timeouts do not change server state", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		s.desc.Store(knownServerDescription(s.address))

		err := ConnectionError{Wrapped: timeoutNetError{}}
		res := s.ProcessError(err, newConn(9, nil))

		assert.Equal(t, driver.NoChange, res)
		assert.Equal(t, description.ServerKindRSPrimary, s.Description().Kind)
	})

	t.Run("non-timeout network errors clear the pool", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())
		s.desc.Store(knownServerDescription(s.address))

		err := ConnectionError{Wrapped: errors.New("connection reset by peer")}
		res := s.ProcessError(err, newConn(9, nil))

		assert.Equal(t, driver.ConnectionPoolCleared, res)
		assert.Equal(t, description.ServerKind(description.Unknown), s.Description().Kind)
		assert.Equal(t, poolPaused, s.pool.getState())
	})
}

func TestServerProcessHandshakeError(t *testing.T) {
	t.Run("connection errors mark the server unknown and clear the pool", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())
		s.desc.Store(knownServerDescription(s.address))

		s.ProcessHandshakeError(ConnectionError{Wrapped: errors.New("dial tcp: refused")}, 0, nil)

		assert.Equal(t, description.ServerKind(description.Unknown), s.Description().Kind)
		assert.Equal(t, poolPaused, s.pool.getState())
		generation, _ := s.pool.generation.getGeneration(nil)
		assert.Equal(t, uint64(1), generation)
	})

	t.Run("errors from a previous pool generation are ignored", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		require.NoError(t, s.pool.ready())

		// First clear bumps the generation.
		s.ProcessHandshakeError(ConnectionError{Wrapped: errors.New("dial tcp: refused")}, 0, nil)
		require.NoError(t, s.pool.ready())
		s.desc.Store(knownServerDescription(s.address))

		// A handshake error whose connection predates the clear must not clear again.
		s.ProcessHandshakeError(ConnectionError{Wrapped: errors.New("dial tcp: refused")}, 0, nil)

		assert.Equal(t, description.ServerKindRSPrimary, s.Description().Kind)
		assert.Equal(t, poolReady, s.pool.getState())
	})

	t.Run("nil and non-connection errors are ignored", func(t *testing.T) {
		s := newTestServer(t, "localhost:27017")
		s.desc.Store(knownServerDescription(s.address))

		s.ProcessHandshakeError(nil, 0, nil)
		s.ProcessHandshakeError(errors.New("command error"), 0, nil)

		assert.Equal(t, description.ServerKindRSPrimary, s.Description().Kind)
	})
}

func TestServerConnectDisconnect(t *testing.T) {
	t.Run("connect starts monitoring and publishes descriptions", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := NewServer(addr, objectid.New(),
			WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker { return handshaker }),
			WithHeartbeatInterval(func(time.Duration) time.Duration { return 10 * time.Millisecond }),
			WithMinHeartbeatInterval(func(time.Duration) time.Duration { return time.Millisecond }),
		)
		require.NoError(t, s.Connect(nil))
		defer func() { _ = s.Disconnect(context.Background()) }()

		require.Eventually(t, func() bool {
			return s.Description().Kind == description.ServerKindRSPrimary
		}, 2*time.Second, 5*time.Millisecond, "monitor should discover the server")

		sub, err := s.Subscribe()
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
		select {
		case desc := <-sub.C:
			assert.Equal(t, description.ServerKindRSPrimary, desc.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscription should be primed with the current description")
		}
	})

	t.Run("double connect and use after disconnect fail", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := NewServer(addr, objectid.New(),
			WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker { return handshaker }),
		)
		require.NoError(t, s.Connect(nil))
		assert.Equal(t, ErrServerConnected, s.Connect(nil))

		require.NoError(t, s.Disconnect(context.Background()))
		assert.Equal(t, ErrServerClosed, s.Disconnect(context.Background()))

		_, err := s.Connection(context.Background())
		assert.Equal(t, ErrServerClosed, err)

		_, err = s.Subscribe()
		assert.Equal(t, ErrSubscribeAfterClosed, err)
	})

	t.Run("request immediate check shortens the wait", func(t *testing.T) {
		addr := bootstrapListener(t, holdConnection)
		handshaker := &scriptedHandshaker{steps: []func() (driver.HandshakeInformation, error){
			heartbeatSuccess(knownServerDescription(addr)),
		}}
		s := NewServer(addr, objectid.New(),
			WithHeartbeatHandshaker(func(driver.Handshaker) driver.Handshaker { return handshaker }),
			WithHeartbeatInterval(func(time.Duration) time.Duration { return time.Hour }),
			WithMinHeartbeatInterval(func(time.Duration) time.Duration { return time.Millisecond }),
		)
		require.NoError(t, s.Connect(nil))
		defer func() { _ = s.Disconnect(context.Background()) }()

		// The initial check runs without waiting.
		require.Eventually(t, func() bool {
			return handshaker.callCount() >= 1
		}, 2*time.Second, 5*time.Millisecond)
		before := handshaker.callCount()

		s.RequestImmediateCheck()
		require.Eventually(t, func() bool {
			return handshaker.callCount() > before
		}, 2*time.Second, 5*time.Millisecond, "immediate check request should bypass the heartbeat interval")
	})
}
