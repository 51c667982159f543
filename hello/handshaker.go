// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package hello

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/driver"
	"github.com/ikmak/mongocluster/wiremessage"
)

// Request is the hello command as sent by Handshaker, encoded as a JSON
// document in an OP_MSG frame.
type Request struct {
	Hello        int      `json:"hello"`
	AppName      string   `json:"appName,omitempty"`
	Compression  []string `json:"compression,omitempty"`
	LoadBalanced bool     `json:"loadBalanced,omitempty"`
}

// Handshaker runs the hello exchange with a JSON body framed in an OP_MSG
// message. It implements driver.Handshaker for both the connection handshake
// and the server heartbeat.
type Handshaker struct {
	// AppName is reported to the server in the initial hello.
	AppName string

	// Compressors are the compressor names offered to the server.
	Compressors []string

	// LoadBalanced must be set when the deployment is behind a load balancer
	// so that the server reports a service ID.
	LoadBalanced bool
}

var _ driver.Handshaker = (*Handshaker)(nil)

// GetHandshakeInformation sends a hello command over the connection and folds
// the reply into a server description.
func (h *Handshaker) GetHandshakeInformation(
	ctx context.Context,
	addr address.Address,
	conn driver.Connection,
) (driver.HandshakeInformation, error) {
	body, err := json.Marshal(Request{
		Hello:        1,
		AppName:      h.AppName,
		Compression:  h.Compressors,
		LoadBalanced: h.LoadBalanced,
	})
	if err != nil {
		return driver.HandshakeInformation{}, errors.Wrap(err, "hello: unable to encode request")
	}

	idx, wm := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpMsg)
	wm = append(wm, body...)
	wm = wiremessage.UpdateLength(wm, idx, int32(len(wm[idx:])))

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return driver.HandshakeInformation{}, errors.Wrap(err, "hello: unable to send request")
	}

	reply, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return driver.HandshakeInformation{}, errors.Wrap(err, "hello: unable to read reply")
	}

	resp, err := decodeReply(reply)
	if err != nil {
		return driver.HandshakeInformation{}, err
	}

	return driver.HandshakeInformation{
		Description:        NewServerDescription(addr, resp),
		ServerConnectionID: resp.ConnectionID,
	}, nil
}

// FinishHandshake is a no-op: the hello exchange needs no follow-up
// conversation.
func (h *Handshaker) FinishHandshake(context.Context, driver.Connection) error {
	return nil
}

func decodeReply(wm []byte) (Response, error) {
	_, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return Response{}, errors.New("hello: reply header is malformed")
	}
	if opcode != wiremessage.OpMsg {
		return Response{}, errors.Errorf("hello: unexpected reply opcode %s", opcode)
	}

	var resp Response
	if err := json.Unmarshal(rem, &resp); err != nil {
		return Response{}, errors.Wrap(err, "hello: unable to decode reply")
	}
	return resp, nil
}
