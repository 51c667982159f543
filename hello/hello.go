// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package hello defines the decoded reply to the hello command, the exchange
// that both the connection handshake and the server heartbeat are built on.
package hello

import (
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/tag"
)

// Response is a decoded reply to the hello command. Handshakers populate one
// from whatever codec carries the exchange on the wire.
type Response struct {
	Arbiters                     []string                     `json:"arbiters,omitempty"`
	ArbiterOnly                  bool                         `json:"arbiterOnly,omitempty"`
	Compression                  []string                     `json:"compression,omitempty"`
	ConnectionID                 *int64                       `json:"connectionId,omitempty"`
	ElectionID                   objectid.ObjectID            `json:"electionId,omitempty"`
	Hidden                       bool                         `json:"hidden,omitempty"`
	Hosts                        []string                     `json:"hosts,omitempty"`
	IsWritablePrimary            bool                         `json:"isWritablePrimary,omitempty"`
	IsReplicaSet                 bool                         `json:"isreplicaset,omitempty"`
	LastWriteTimestamp           time.Time                    `json:"lastWriteDate,omitempty"`
	LogicalSessionTimeoutMinutes *int64                       `json:"logicalSessionTimeoutMinutes,omitempty"`
	MaxBSONObjectSize            uint32                       `json:"maxBsonObjectSize,omitempty"`
	MaxMessageSizeBytes          uint32                       `json:"maxMessageSizeBytes,omitempty"`
	MaxWriteBatchSize            uint32                       `json:"maxWriteBatchSize,omitempty"`
	Me                           string                       `json:"me,omitempty"`
	MaxWireVersion               int32                        `json:"maxWireVersion,omitempty"`
	MinWireVersion               int32                        `json:"minWireVersion,omitempty"`
	Msg                          string                       `json:"msg,omitempty"`
	Passives                     []string                     `json:"passives,omitempty"`
	Primary                      string                       `json:"primary,omitempty"`
	ReadOnly                     bool                         `json:"readOnly,omitempty"`
	Secondary                    bool                         `json:"secondary,omitempty"`
	ServiceID                    *objectid.ObjectID           `json:"serviceId,omitempty"`
	SetName                      string                       `json:"setName,omitempty"`
	SetVersion                   uint32                       `json:"setVersion,omitempty"`
	Tags                         map[string]string            `json:"tags,omitempty"`
	TopologyVersion              *description.TopologyVersion `json:"topologyVersion,omitempty"`
}

// NewServerDescription folds a hello reply into an immutable server
// description for the given address.
func NewServerDescription(addr address.Address, r Response) description.Server {
	desc := description.Server{
		Addr: addr,

		Arbiters:              r.Arbiters,
		CanonicalAddr:         address.Address(r.Me).Canonicalize(),
		Compression:           r.Compression,
		ElectionID:            r.ElectionID,
		Hosts:                 r.Hosts,
		LastUpdateTime:        time.Now().UTC(),
		LastWriteTime:         r.LastWriteTimestamp,
		MaxBatchCount:         r.MaxWriteBatchSize,
		MaxDocumentSize:       r.MaxBSONObjectSize,
		MaxMessageSize:        r.MaxMessageSizeBytes,
		Passives:              r.Passives,
		Primary:               address.Address(r.Primary),
		ReadOnly:              r.ReadOnly,
		ServiceID:             r.ServiceID,
		SessionTimeoutMinutes: r.LogicalSessionTimeoutMinutes,
		SetName:               r.SetName,
		SetVersion:            r.SetVersion,
		Tags:                  tag.NewTagSetFromMap(r.Tags),
		TopologyVersion:       r.TopologyVersion,
	}

	if desc.CanonicalAddr == "" {
		desc.CanonicalAddr = addr
	}

	for _, host := range r.Hosts {
		desc.Members = append(desc.Members, address.Address(host).Canonicalize())
	}

	for _, passive := range r.Passives {
		desc.Members = append(desc.Members, address.Address(passive).Canonicalize())
	}

	for _, arbiter := range r.Arbiters {
		desc.Members = append(desc.Members, address.Address(arbiter).Canonicalize())
	}

	desc.Kind = description.ServerKindStandalone

	if r.IsReplicaSet {
		desc.Kind = description.ServerKindRSGhost
	} else if r.SetName != "" {
		if r.IsWritablePrimary {
			desc.Kind = description.ServerKindRSPrimary
		} else if r.Hidden {
			desc.Kind = description.ServerKindRSMember
		} else if r.Secondary {
			desc.Kind = description.ServerKindRSSecondary
		} else if r.ArbiterOnly {
			desc.Kind = description.ServerKindRSArbiter
		} else {
			desc.Kind = description.ServerKindRSMember
		}
	} else if r.Msg == "isdbgrid" {
		desc.Kind = description.ServerKindMongos
	}

	desc.WireVersion = &description.VersionRange{
		Min: r.MinWireVersion,
		Max: r.MaxWireVersion,
	}

	return desc
}
