// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package hello

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/tag"
)

func TestNewServerDescription(t *testing.T) {
	addr := address.Address("localhost:27017")

	t.Run("kind", func(t *testing.T) {
		testCases := []struct {
			name     string
			response Response
			kind     description.ServerKind
		}{
			{"standalone", Response{}, description.ServerKindStandalone},
			{"mongos", Response{Msg: "isdbgrid"}, description.ServerKindMongos},
			{"ghost", Response{IsReplicaSet: true}, description.ServerKindRSGhost},
			{"primary", Response{SetName: "rs", IsWritablePrimary: true}, description.ServerKindRSPrimary},
			{"secondary", Response{SetName: "rs", Secondary: true}, description.ServerKindRSSecondary},
			{"arbiter", Response{SetName: "rs", ArbiterOnly: true}, description.ServerKindRSArbiter},
			{"hidden", Response{SetName: "rs", Hidden: true, Secondary: true}, description.ServerKindRSMember},
			{"other", Response{SetName: "rs"}, description.ServerKindRSMember},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				desc := NewServerDescription(addr, tc.response)
				assert.Equal(t, tc.kind, desc.Kind, "expected kind %v, got %v", tc.kind, desc.Kind)
			})
		}
	})
	t.Run("members", func(t *testing.T) {
		resp := Response{
			SetName:   "rs",
			Secondary: true,
			Hosts:     []string{"LOCALHOST", "localhost:27018"},
			Passives:  []string{"localhost:27019"},
			Arbiters:  []string{"localhost:27020"},
		}

		desc := NewServerDescription(addr, resp)
		want := []address.Address{
			"localhost:27017",
			"localhost:27018",
			"localhost:27019",
			"localhost:27020",
		}
		assert.Equal(t, want, desc.Members, "expected members %v, got %v", want, desc.Members)
	})
	t.Run("canonical address", func(t *testing.T) {
		desc := NewServerDescription(addr, Response{})
		assert.Equal(t, addr, desc.CanonicalAddr,
			"expected canonical address to default to %v, got %v", addr, desc.CanonicalAddr)

		desc = NewServerDescription(addr, Response{Me: "HOST4:27017"})
		assert.Equal(t, address.Address("host4:27017"), desc.CanonicalAddr,
			"expected canonical address host4:27017, got %v", desc.CanonicalAddr)
	})
	t.Run("fields", func(t *testing.T) {
		timeout := int64(30)
		serviceID := objectid.New()
		tv := &description.TopologyVersion{ProcessID: objectid.New(), Counter: 2}
		resp := Response{
			Compression:                  []string{"snappy", "zstd"},
			ElectionID:                   serviceID,
			LogicalSessionTimeoutMinutes: &timeout,
			MaxBSONObjectSize:            16777216,
			MaxMessageSizeBytes:          48000000,
			MaxWriteBatchSize:            100000,
			MinWireVersion:               7,
			MaxWireVersion:               21,
			Primary:                      "localhost:27018",
			SetName:                      "rs",
			SetVersion:                   5,
			ServiceID:                    &serviceID,
			Tags:                         map[string]string{"dc": "ny"},
			TopologyVersion:              tv,
			IsWritablePrimary:            true,
		}

		desc := NewServerDescription(addr, resp)
		assert.Equal(t, []string{"snappy", "zstd"}, desc.Compression, "expected compression to be carried")
		assert.Equal(t, uint32(100000), desc.MaxBatchCount, "expected max batch count 100000, got %v", desc.MaxBatchCount)
		assert.Equal(t, uint32(16777216), desc.MaxDocumentSize, "expected max document size, got %v", desc.MaxDocumentSize)
		assert.Equal(t, uint32(48000000), desc.MaxMessageSize, "expected max message size, got %v", desc.MaxMessageSize)
		assert.Equal(t, address.Address("localhost:27018"), desc.Primary, "expected primary, got %v", desc.Primary)
		assert.Equal(t, "rs", desc.SetName, "expected set name rs, got %v", desc.SetName)
		assert.Equal(t, uint32(5), desc.SetVersion, "expected set version 5, got %v", desc.SetVersion)
		assert.Equal(t, tag.Set{tag.Tag{Name: "dc", Value: "ny"}}, desc.Tags, "expected tags to be carried")
		assert.Equal(t, tv, desc.TopologyVersion, "expected topology version to be carried")

		require.NotNil(t, desc.SessionTimeoutMinutes, "expected session timeout to be carried")
		assert.Equal(t, int64(30), *desc.SessionTimeoutMinutes, "expected session timeout 30, got %v", *desc.SessionTimeoutMinutes)
		require.NotNil(t, desc.ServiceID, "expected service ID to be carried")
		assert.Equal(t, serviceID, *desc.ServiceID, "expected service ID to be carried")
		require.NotNil(t, desc.WireVersion, "expected wire version to be set")
		assert.Equal(t, description.VersionRange{Min: 7, Max: 21}, *desc.WireVersion,
			"expected wire version range [7, 21], got %v", desc.WireVersion)
		assert.False(t, desc.LastUpdateTime.IsZero(), "expected last update time to be set")
	})
}
