// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains immutable snapshot types describing servers and
// topologies. Descriptions are produced by server monitors, folded into
// topology descriptions by the topology state machine, and read concurrently
// by server selectors without locking. A description is replaced wholesale,
// never mutated.
package description

import (
	"fmt"
	"time"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/objectid"
	"github.com/ikmak/mongocluster/tag"
)

// Server contains the last-known state of one server, derived from a single
// heartbeat attempt.
type Server struct {
	Addr address.Address

	Arbiters              []string
	AverageRTT            time.Duration
	AverageRTTSet         bool
	CanonicalAddr         address.Address
	Compression           []string
	ElectionID            objectid.ObjectID
	HeartbeatInterval     time.Duration
	Hosts                 []string
	Kind                  ServerKind
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	Members               []address.Address
	Passives              []string
	Primary               address.Address
	ReadOnly              bool
	ServiceID             *objectid.ObjectID
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Tags                  tag.Set
	TopologyVersion       *TopologyVersion
	WireVersion           *VersionRange
}

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return NewServerFromError(addr, nil, nil)
}

// NewServerFromError creates a new unknown server description with the given
// parameters.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            Unknown,
		TopologyVersion: tv,
	}
}

// SetAverageRTT sets the average round trip time for the server description.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// DataBearing returns true if the server is a type that can service reads or
// writes, i.e. not an arbiter, ghost, hidden, or unknown member.
func (s Server) DataBearing() bool {
	return s.Kind == ServerKindRSPrimary ||
		s.Kind == ServerKindRSSecondary ||
		s.Kind == ServerKindMongos ||
		s.Kind == ServerKindStandalone ||
		s.Kind == ServerKindLoadBalancer
}

// Equal compares two server descriptions and returns true if they are equal.
// Fields that vary on every heartbeat, such as the RTT estimate and the last
// update time, do not participate in equality.
func (s Server) Equal(other Server) bool {
	if s.CanonicalAddr.String() != other.CanonicalAddr.String() {
		return false
	}

	if !sliceStringEqual(s.Arbiters, other.Arbiters) {
		return false
	}

	if !sliceStringEqual(s.Hosts, other.Hosts) {
		return false
	}

	if !sliceStringEqual(s.Passives, other.Passives) {
		return false
	}

	if s.Primary != other.Primary {
		return false
	}

	if s.SetName != other.SetName {
		return false
	}

	if s.Kind != other.Kind {
		return false
	}

	if s.LastError != nil || other.LastError != nil {
		if s.LastError == nil || other.LastError == nil {
			return false
		}
		if s.LastError.Error() != other.LastError.Error() {
			return false
		}
	}

	if !s.WireVersion.Equals(other.WireVersion) {
		return false
	}

	if len(s.Tags) != len(other.Tags) || !s.Tags.ContainsAll(other.Tags) {
		return false
	}

	if s.SetVersion != other.SetVersion {
		return false
	}

	if s.ElectionID != other.ElectionID {
		return false
	}

	if !ptrInt64Equal(s.SessionTimeoutMinutes, other.SessionTimeoutMinutes) {
		return false
	}

	// If TopologyVersion is nil for both servers, CompareToIncoming will return -1 because it
	// assumes that the incoming response is newer. We want the descriptions to be considered equal
	// in this case, though, so an explicit check is required.
	if s.TopologyVersion == nil && other.TopologyVersion == nil {
		return true
	}
	return s.TopologyVersion.CompareToIncoming(other.TopologyVersion) == 0
}

// String implements the Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", s.Tags)
	}

	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}

	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

func sliceStringEqual(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func ptrInt64Equal(a, b *int64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// SelectedServer augments the Server type by also including the TopologyKind
// of the topology that includes the server. This type should be used to track
// the state of a server that was selected to perform an operation.
type SelectedServer struct {
	Server
	Kind TopologyKind
}
