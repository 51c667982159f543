// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/tag"
)

func int64Ptr(i int64) *int64 { return &i }

func TestServer(t *testing.T) {
	t.Run("equals", func(t *testing.T) {
		defaultServer := Server{}
		// Only some of the Server fields affect equality
		testCases := []struct {
			name   string
			server Server
			equal  bool
		}{
			{"empty", Server{}, true},
			{"address", Server{Addr: address.Address("foo")}, true},
			{"arbiters", Server{Arbiters: []string{"foo"}}, false},
			{"rtt", Server{AverageRTT: time.Second}, true},
			{"compression", Server{Compression: []string{"foo"}}, true},
			{"canonicalAddr", Server{CanonicalAddr: address.Address("foo")}, false},
			{"electionID", Server{ElectionID: objectid.New()}, false},
			{"heartbeatInterval", Server{HeartbeatInterval: time.Second}, true},
			{"hosts", Server{Hosts: []string{"foo"}}, false},
			{"lastError", Server{LastError: errors.New("foo")}, false},
			{"lastUpdateTime", Server{LastUpdateTime: time.Now()}, true},
			{"lastWriteTime", Server{LastWriteTime: time.Now()}, true},
			{"maxBatchCount", Server{MaxBatchCount: 1}, true},
			{"maxDocumentSize", Server{MaxDocumentSize: 1}, true},
			{"maxMessageSize", Server{MaxMessageSize: 1}, true},
			{"members", Server{Members: []address.Address{address.Address("foo")}}, true},
			{"passives", Server{Passives: []string{"foo"}}, false},
			{"primary", Server{Primary: address.Address("foo")}, false},
			{"readOnly", Server{ReadOnly: true}, true},
			{"sessionTimeoutMinutes", Server{SessionTimeoutMinutes: int64Ptr(1)}, false},
			{"setName", Server{SetName: "foo"}, false},
			{"setVersion", Server{SetVersion: 1}, false},
			{"tags", Server{Tags: tag.Set{tag.Tag{Name: "foo", Value: "bar"}}}, false},
			{"topologyVersion", Server{TopologyVersion: &TopologyVersion{objectid.New(), 0}}, false},
			{"kind", Server{Kind: ServerKindStandalone}, false},
			{"wireVersion", Server{WireVersion: &VersionRange{1, 2}}, false},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				actual := defaultServer.Equal(tc.server)
				assert.Equal(t, tc.equal, actual, "expected %v, got %v", tc.equal, actual)
			})
		}
	})
	t.Run("dataBearing", func(t *testing.T) {
		testCases := []struct {
			name    string
			kind    ServerKind
			bearing bool
		}{
			{"standalone", ServerKindStandalone, true},
			{"rsPrimary", ServerKindRSPrimary, true},
			{"rsSecondary", ServerKindRSSecondary, true},
			{"mongos", ServerKindMongos, true},
			{"loadBalancer", ServerKindLoadBalancer, true},
			{"rsArbiter", ServerKindRSArbiter, false},
			{"rsGhost", ServerKindRSGhost, false},
			{"rsMember", ServerKindRSMember, false},
			{"unknown", Unknown, false},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				s := Server{Kind: tc.kind}
				assert.Equal(t, tc.bearing, s.DataBearing(), "expected DataBearing %v for %s", tc.bearing, tc.kind)
			})
		}
	})
	t.Run("newServerFromError", func(t *testing.T) {
		addr := address.Address("localhost:27017")
		err := errors.New("heartbeat failed")
		tv := &TopologyVersion{objectid.New(), 5}

		desc := NewServerFromError(addr, err, tv)
		assert.Equal(t, addr, desc.Addr, "expected address %v, got %v", addr, desc.Addr)
		assert.Equal(t, ServerKind(Unknown), desc.Kind, "expected Unknown kind, got %v", desc.Kind)
		assert.Equal(t, err, desc.LastError, "expected error %v, got %v", err, desc.LastError)
		assert.Equal(t, tv, desc.TopologyVersion, "expected topology version %v, got %v", tv, desc.TopologyVersion)
	})
}
