// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/wiremessage"
)

// Connection state constants.
const (
	connDisconnected int64 = iota
	connConnected
	connInitialized
)

var globalConnectionID uint64 = 1

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

type connection struct {
	// state must be accessed using the atomic package and should be at the beginning of the
	// struct.
	state int64

	id                   string
	nc                   net.Conn // When nil, the connection is closed.
	addr                 address.Address
	idleTimeout          time.Duration
	idleStart            atomic.Value // Stores a time.Time
	desc                 description.Server
	helloRTT             time.Duration
	config               *connectionConfig
	cancelConnectContext context.CancelFunc
	connectContextMade   chan struct{}
	closeConnectContext  func()

	// pool related fields
	pool               *pool
	poolID             uint64
	generation         uint64
	driverConnectionID uint64
	serverConnectionID *int64

	mu sync.RWMutex // guards serverConnectionID and desc

	compressor    wiremessage.CompressorID
	compressorSet bool
	zlibLevel     int
	zstdLevel     int
	connectDone   chan struct{}
}

// newConnection handles the creation of a connection. It does not connect the connection.
func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)

	id := fmt.Sprintf("%s[-%d]", addr, nextConnectionID())

	c := &connection{
		id:                 id,
		addr:               addr,
		idleTimeout:        cfg.idleTimeout,
		config:             cfg,
		connectDone:        make(chan struct{}),
		connectContextMade: make(chan struct{}),
	}
	// Connections to non-load balanced deployments should eagerly set the generation numbers so
	// errors encountered at any point during connection establishment can be processed against
	// the correct generation.
	if !c.config.loadBalanced {
		c.setGenerationNumber()
	}
	atomic.StoreInt64(&c.state, connInitialized)

	return c
}

// setGenerationNumber sets the connection's generation number if a callback has been provided to
// do so in connection configuration.
func (c *connection) setGenerationNumber() {
	if c.config.getGenerationFn != nil {
		c.generation = c.config.getGenerationFn(c.desc.ServiceID)
	}
}

// hasGenerationNumber returns true if the connection has set its generation number. If so, this
// indicates that the generationNumberFn provided via the connection options has been called
// exactly once.
func (c *connection) hasGenerationNumber() bool {
	if !c.config.loadBalanced {
		// The generation is known for non-LB clusters before the connection is created.
		return true
	}

	// For LB clusters, we set the generation after the initial handshake, so we know it's set if
	// the connection description has been updated to reflect that it's behind an LB.
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desc.ServiceID != nil
}

// connect handles the I/O for a connection. It will dial and perform the TLS handshake. The
// handshake conversation, if any, is driven by the caller through a Handshaker.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, connInitialized, connConnected) {
		return nil
	}

	defer close(c.connectDone)

	// If connect returns an error, set the connection status as disconnected and close the
	// underlying network connection if it was created.
	defer func() {
		if err != nil {
			atomic.StoreInt64(&c.state, connDisconnected)

			if c.nc != nil {
				_ = c.nc.Close()
			}
		}
	}()

	// Create separate contexts for dialing a connection and doing the TLS handshake.
	ctx, cancel := context.WithCancel(ctx)
	c.cancelConnectContext = cancel
	close(c.connectContextMade)

	if c.config.connectTimeout != 0 {
		var dialCancel context.CancelFunc
		ctx, dialCancel = context.WithTimeout(ctx, c.config.connectTimeout)
		defer dialCancel()
	}

	// Assign the result of DialContext to a temporary net.Conn to ensure that c.nc is not set in
	// an error case.
	tempNc, err := c.config.dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{Wrapped: err, init: true}
	}
	c.nc = tempNc

	if c.config.tlsConfig != nil {
		tlsConfig := c.config.tlsConfig.Clone()
		if tlsConfig.ServerName == "" {
			hostname := c.addr.String()
			colonPos := len(hostname) - 1
			for colonPos >= 0 && hostname[colonPos] != ':' {
				colonPos--
			}
			if colonPos > 0 {
				hostname = hostname[:colonPos]
			}
			tlsConfig.ServerName = hostname
		}

		tlsNc := tls.Client(c.nc, tlsConfig)
		if err := tlsNc.HandshakeContext(ctx); err != nil {
			return ConnectionError{Wrapped: err, init: true}
		}
		c.nc = tlsNc
	}

	return nil
}

func (c *connection) wait() {
	if c.connectDone != nil {
		<-c.connectDone
	}
}

func (c *connection) closeConnectCtx() {
	<-c.connectContextMade
	if c.cancelConnectContext != nil {
		c.cancelConnectContext()
	}
}

func transformNetworkError(ctx context.Context, originalError error, contextDeadlineUsed bool) error {
	if originalError == nil {
		return nil
	}

	// If there was an error and the context was cancelled, we assume it happened due to the
	// cancellation.
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}

	// If there was a timeout error and the context deadline was used, we convert the error into
	// context.DeadlineExceeded.
	if !contextDeadlineUsed {
		return originalError
	}
	if netErr, ok := originalError.(net.Error); ok && netErr.Timeout() {
		return context.DeadlineExceeded
	}

	return originalError
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	var err error
	if atomic.LoadInt64(&c.state) != connConnected {
		return ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.config.writeTimeout != 0 {
		deadline = time.Now().Add(c.config.writeTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	err = c.write(ctx, wm)
	if err != nil {
		c.close()
		return ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "unable to write wire message to network",
		}
	}

	return nil
}

func (c *connection) write(_ context.Context, wm []byte) error {
	_, err := c.nc.Write(wm)
	return err
}

// readWireMessage reads a wiremessage from the connection. The remainder of the wire message is
// returned as an opaque byte slice.
func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt64(&c.state) != connConnected {
		return nil, ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.config.readTimeout != 0 {
		deadline = time.Now().Add(c.config.readTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	dst, errMsg, err := c.read(ctx)
	if err != nil {
		// We closeConnection the connection because we don't know if there are other bytes left
		// to read.
		c.close()
		message := errMsg
		if errors.Is(err, io.EOF) {
			message = "socket was unexpectedly closed"
		}
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      message,
		}
	}

	return dst, nil
}

func (c *connection) read(_ context.Context) (bytesRead []byte, errMsg string, err error) {
	// We use an array here because it only costs 4 bytes on the stack and means we'll only need
	// to reslice dst once instead of twice.
	var sizeBuf [4]byte

	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, "incomplete read of message header", err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24

	// In the case of a hello response where the MaxMessageSize has not yet been set, use the hard
	// cap instead.
	maxMessageSize := c.desc.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if uint32(size) > maxMessageSize {
		return nil, "length of read message too large", fmt.Errorf("length of read message %v is larger than maximum of %v", size, maxMessageSize)
	}

	dst := make([]byte, size)
	copy(dst, sizeBuf[:])

	if _, err := io.ReadFull(c.nc, dst[4:]); err != nil {
		return dst, "incomplete read of full message", err
	}

	return dst, "", nil
}

func (c *connection) close() error {
	// Overwrite the connection state as the first step so only the first close call will execute.
	if !atomic.CompareAndSwapInt64(&c.state, connConnected, connDisconnected) {
		return nil
	}

	var err error
	if c.nc != nil {
		err = c.nc.Close()
	}

	return err
}

// closed returns true if the connection has been closed by the driver.
func (c *connection) closed() bool {
	return atomic.LoadInt64(&c.state) == connDisconnected
}

// bumpIdleStart sets the connection's idle start time to the current time.
func (c *connection) bumpIdleStart() {
	c.idleStart.Store(time.Now())
}

// idleTimeoutExpired returns true if the connection has been idle for longer than its idle
// timeout.
func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}

	idleStart, ok := c.idleStart.Load().(time.Time)
	return ok && idleStart.Add(c.idleTimeout).Before(time.Now())
}

func (c *connection) setDescription(desc description.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desc = desc

	if desc.Compression != nil {
	compressors:
		for _, comp := range c.config.compressors {
			for _, srvComp := range desc.Compression {
				if comp != srvComp {
					continue
				}
				switch comp {
				case "snappy":
					c.compressor = wiremessage.CompressorSnappy
				case "zlib":
					c.compressor = wiremessage.CompressorZLib
					c.zlibLevel = wiremessage.DefaultZlibLevel
					if c.config.zlibLevel != nil {
						c.zlibLevel = *c.config.zlibLevel
					}
				case "zstd":
					c.compressor = wiremessage.CompressorZstd
					c.zstdLevel = wiremessage.DefaultZstdLevel
					if c.config.zstdLevel != nil {
						c.zstdLevel = *c.config.zstdLevel
					}
				}
				c.compressorSet = true
				break compressors
			}
		}
	}
}

func (c *connection) description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desc
}

func (c *connection) setServerConnectionID(id *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverConnectionID = id
}

// compressWireMessage wraps the wire message in an OP_COMPRESSED envelope using the compressor
// negotiated during the handshake. If no compressor was negotiated, the message is returned as
// is.
func (c *connection) compressWireMessage(src []byte) ([]byte, error) {
	if !c.compressorSet || c.compressor == wiremessage.CompressorNoOp {
		return src, nil
	}

	_, reqid, respto, origcode, rem, ok := readWireMessageHeader(src)
	if !ok {
		return nil, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}

	idx, dst := wiremessage.AppendHeaderStart(nil, reqid, respto, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origcode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(rem)))
	dst = wiremessage.AppendCompressedCompressorID(dst, c.compressor)

	opts := driver.CompressionOpts{
		Compressor: c.compressor,
		ZlibLevel:  c.zlibLevel,
		ZstdLevel:  c.zstdLevel,
	}
	compressed, err := driver.CompressPayload(rem, opts)
	if err != nil {
		return nil, err
	}

	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// decompressWireMessage strips an OP_COMPRESSED envelope from the wire message, if present.
func decompressWireMessage(wm []byte) ([]byte, error) {
	length, reqid, respto, opcode, rem, ok := readWireMessageHeader(wm)
	if !ok {
		return nil, errors.New("malformed wire message: insufficient bytes")
	}
	if opcode != wiremessage.OpCompressed {
		return wm, nil
	}

	header := make([]byte, 0, uint32Size*4)
	header = wiremessage.AppendHeader(header, length, reqid, respto, opcode)

	opcode, rem, ok = wiremessage.ReadCompressedOriginalOpCode(rem)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED: missing original opcode")
	}
	uncompressedSize, rem, ok := wiremessage.ReadCompressedUncompressedSize(rem)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED: missing uncompressed size")
	}
	compressorID, rem, ok := wiremessage.ReadCompressedCompressorID(rem)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED: missing compressor ID")
	}

	opts := driver.CompressionOpts{
		Compressor:       compressorID,
		UncompressedSize: uncompressedSize,
	}
	uncompressed, err := driver.DecompressPayload(rem, opts)
	if err != nil {
		return nil, err
	}

	idx := int32(0)
	dst := make([]byte, 0, len(header)+len(uncompressed))
	dst = append(dst, header...)
	dst = append(dst, uncompressed...)
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)))
	dst[opcodeOffset] = byte(opcode)
	dst[opcodeOffset+1] = byte(int32(opcode) >> 8)
	dst[opcodeOffset+2] = byte(int32(opcode) >> 16)
	dst[opcodeOffset+3] = byte(int32(opcode) >> 24)
	return dst, nil
}

const (
	uint32Size   = 4
	opcodeOffset = 12

	// defaultMaxMessageSize is the hard cap used before a handshake reply has provided the
	// server's own limit.
	defaultMaxMessageSize uint32 = 48000000
)

func readWireMessageHeader(src []byte) (length, requestID, responseTo int32, opcode wiremessage.OpCode, rem []byte, ok bool) {
	return wiremessage.ReadHeader(src)
}

// initConnection is an adapter used during connection initialization and server heartbeats. It
// implements driver.Connection so a Handshaker can run its conversation on a bare connection
// before the connection joins a pool.
type initConnection struct{ *connection }

var _ driver.Connection = initConnection{}

func (c initConnection) Description() description.Server {
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.description()
}
func (c initConnection) Close() error              { return nil }
func (c initConnection) ID() string                { return c.id }
func (c initConnection) Stale() bool               { return false }
func (c initConnection) Address() address.Address  { return c.addr }
func (c initConnection) ServerConnectionID() *int64 {
	return c.connection.serverConnectionID
}
func (c initConnection) DriverConnectionID() uint64 { return c.driverConnectionID }
func (c initConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return c.writeWireMessage(ctx, wm)
}
func (c initConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return c.readWireMessage(ctx)
}

// Connection implements the driver.Connection interface to allow exchanging wire messages over a
// pooled connection. It processes server errors reported by its exchanges so that state-change
// errors mark the owning server Unknown.
type Connection struct {
	*connection
	refCount      int
	cleanupPoolFn func()

	mu sync.RWMutex
}

var _ driver.Connection = (*Connection)(nil)

// WriteWireMessage handles writing a wire message to the underlying connection.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return ErrConnectionClosed
	}

	wm, err := c.compressWireMessage(wm)
	if err != nil {
		return err
	}
	return c.writeWireMessage(ctx, wm)
}

// ReadWireMessage handles reading a wire message from the underlying connection. Any
// OP_COMPRESSED envelope is stripped before the message is returned.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}

	wm, err := c.readWireMessage(ctx)
	if err != nil {
		return nil, err
	}
	return decompressWireMessage(wm)
}

// Description returns the server description of the server this connection is connected to.
func (c *Connection) Description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return description.Server{}
	}
	return c.description()
}

// Close returns this connection to the connection pool. This method may not close the underlying
// socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.refCount > 0 {
		return nil
	}

	return c.cleanupReferences()
}

// Expire closes this connection and will closeConnection the underlying socket.
func (c *Connection) Expire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}

	_ = c.close()
	return c.cleanupReferences()
}

func (c *Connection) cleanupReferences() error {
	err := c.pool.checkIn(c.connection)
	if c.cleanupPoolFn != nil {
		c.cleanupPoolFn()
		c.cleanupPoolFn = nil
	}
	c.connection = nil
	return err
}

// Alive returns if the connection is still alive.
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil
}

// ID returns the ID of this connection.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return "<closed>"
	}
	return c.id
}

// ServerConnectionID returns the server connection ID of this connection.
func (c *Connection) ServerConnectionID() *int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.serverConnectionID
}

// DriverConnectionID returns the pool-local ID of the connection.
func (c *Connection) DriverConnectionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.driverConnectionID
}

// Stale returns if the connection is stale.
func (c *Connection) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return true
	}
	return c.pool.stale(c.connection)
}

// Address returns the address of this connection.
func (c *Connection) Address() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return address.Address("0.0.0.0")
	}
	return c.addr
}

// Generation returns the connection's generation.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.generation
}

// ServiceID returns the ID of the server to which the connection is pinned by a load balancer,
// or nil if the deployment is not load balanced.
func (c *Connection) ServiceID() *objectid.ObjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.description().ServiceID
}
