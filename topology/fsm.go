// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/ikmak/mongocluster/address"
	"github.com/ikmak/mongocluster/description"
	"github.com/ikmak/mongocluster/objectid"
)

// SupportedWireVersions is the range of wire versions supported by this library.
var SupportedWireVersions = description.NewVersionRange(6, 21)

const minSupportedMongoDBVersion = "3.6"

type fsm struct {
	description.Topology

	maxElectionID    objectid.ObjectID
	maxSetVersion    uint32
	compatible       bool
	compatibilityErr error
}

func newFSM() *fsm {
	f := fsm{compatible: true}
	return &f
}

// selectFSMSessionTimeout selects the timeout to return for the topology's
// logical session timeout. If any of the servers in the topology share a nil
// logical session timeout, then the logical session timeout for the topology
// must be nil. Otherwise, it is the minimum over the data-bearing servers.
func selectFSMSessionTimeout(f *fsm, s description.Server) *int64 {
	oldMinutes := f.SessionTimeoutMinutes
	comp := ptrInt64Compare(s.SessionTimeoutMinutes, oldMinutes)

	// If the new server is data-bearing and has a lower logical session timeout than the current
	// topology timeout, use it.
	if s.DataBearing() && (oldMinutes == nil || comp < 0) {
		timeout := selectServerSessionTimeout(f, s)
		return timeout
	}

	return oldMinutes
}

// selectServerSessionTimeout returns the minimum logical session timeout among
// the new server and the topology's data-bearing servers. A nil timeout on any
// of them makes the result nil.
func selectServerSessionTimeout(f *fsm, s description.Server) *int64 {
	if s.SessionTimeoutMinutes == nil {
		return nil
	}
	timeout := *s.SessionTimeoutMinutes
	for _, server := range f.Servers {
		if server.DataBearing() && server.Addr != s.Addr {
			if server.SessionTimeoutMinutes == nil {
				return nil
			}
			if *server.SessionTimeoutMinutes < timeout {
				timeout = *server.SessionTimeoutMinutes
			}
		}
	}
	return &timeout
}

func ptrInt64Compare(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// apply takes a new server description and modifies the FSM state based on it. It returns the
// updated topology description as well as a server description. The returned server description
// is either the same one that was passed in, or a new one in the case that it had to be changed,
// for example when a stale primary claim is rejected.
//
// apply should operate on immutable descriptions so we don't have to worry about consistency.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	f.Topology = description.Topology{
		Kind:    f.Kind,
		Servers: newServers,
		SetName: f.SetName,
	}

	f.Topology.SessionTimeoutMinutes = selectFSMSessionTimeout(f, s)

	if _, ok := f.findServer(s.Addr); !ok {
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.Unknown:
		updatedDesc = f.applyToUnknown(s)
	case description.TopologyKindSharded:
		updatedDesc = f.applyToSharded(s)
	case description.TopologyKindReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.TopologyKindReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.TopologyKindSingle:
		updatedDesc = f.applyToSingle(s)
	}

	for _, server := range f.Servers {
		if server.WireVersion != nil {
			if server.WireVersion.Max < SupportedWireVersions.Min {
				f.compatible = false
				f.compatibilityErr = fmt.Errorf(
					"server at %s reports wire version %d, but this version of the Go driver requires "+
						"at least %d (MongoDB %s)",
					server.Addr.String(),
					server.WireVersion.Max,
					SupportedWireVersions.Min,
					minSupportedMongoDBVersion,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, s
			}

			if server.WireVersion.Min > SupportedWireVersions.Max {
				f.compatible = false
				f.compatibilityErr = fmt.Errorf(
					"server at %s requires wire version %d, but this version of the Go driver only supports up to %d",
					server.Addr.String(),
					server.WireVersion.Min,
					SupportedWireVersions.Max,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, s
			}
		}
	}

	f.compatible = true
	f.compatibilityErr = nil

	return f.Topology, updatedDesc
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		f.removeServerByAddr(s.Addr)
	case description.ServerKindRSPrimary:
		s = f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.ServerKindRSPrimary:
		s = f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos, description.Unknown:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindRSPrimary, description.ServerKindRSSecondary,
		description.ServerKindRSArbiter, description.ServerKindRSMember, description.ServerKindRSGhost:
		f.removeServerByAddr(s.Addr)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindMongos:
		if f.SetName != "" {
			f.removeServerByAddr(s.Addr)
			return s
		}

		f.replaceServer(s)
	case description.ServerKindRSPrimary, description.ServerKindRSSecondary, description.ServerKindRSArbiter,
		description.ServerKindRSMember, description.ServerKindRSGhost:
		// A replica set name can be provided when creating a direct connection. In this case, if
		// the set name returned by the hello response doesn't match up with the one provided, the
		// server description is replaced with a default Unknown description.
		//
		// We create a new server description rather than doing updatedDesc.Kind = description.Unknown
		// because the other fields, such as RTT, need to be cleared for Unknown descriptions as
		// well.
		if f.SetName != "" && f.SetName != s.SetName {
			s = description.Server{
				Addr: s.Addr,
				Kind: description.Unknown,
			}
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos:
		f.setKind(description.TopologyKindSharded)
		f.replaceServer(s)
	case description.ServerKindRSPrimary:
		s = f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.ServerKindStandalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.ServerKindRSGhost:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.TopologyKindReplicaSetWithPrimary)
	} else {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSFromPrimary(s description.Server) description.Server {
	if f.SetName == "" {
		f.SetName = s.SetName
		f.Topology.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return s
	}

	if s.SetVersion != 0 && !bytes.Equal(s.ElectionID[:], objectid.NilObjectID[:]) {
		if f.maxSetVersion > s.SetVersion || bytes.Compare(f.maxElectionID[:], s.ElectionID[:]) == 1 {
			// The claim is stale: the recorded maximum (setVersion, electionID) supersedes it.
			// Replace the claimant with an Unknown description and leave the rest of the
			// topology alone.
			s = description.Server{
				Addr:      s.Addr,
				LastError: fmt.Errorf("was a primary, but its set version or election id is stale"),
			}
			f.replaceServer(s)
			f.checkIfHasPrimary()
			return s
		}

		f.maxElectionID = s.ElectionID
	}

	if s.SetVersion > f.maxSetVersion {
		f.maxSetVersion = s.SetVersion
	}

	if j, ok := f.findPrimary(); ok && f.Servers[j].Addr != s.Addr {
		f.setServer(j, description.Server{
			Addr:      f.Servers[j].Addr,
			LastError: fmt.Errorf("was a primary, but a new primary was discovered"),
		})
	}

	f.replaceServer(s)

	for j := len(f.Servers) - 1; j >= 0; j-- {
		found := false
		for _, member := range s.Members {
			if member == f.Servers[j].Addr {
				found = true
				break
			}
		}
		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
	return s
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
		f.Topology.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		return
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.replaceServer(s)
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.TopologyKindSingle)
	f.replaceServer(s)
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.Server{
		Addr: addr.Canonicalize(),
	})
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.ServerKindRSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
	f.Topology.Kind = k
}
