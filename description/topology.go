// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/ikmak/mongocluster/address"
)

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	TopologyKindSingle TopologyKind = 1

	// TopologyKindReplicaSet is only used when a replica set is being
	// initialized or the topology type is not yet known.
	TopologyKindReplicaSet            TopologyKind = 2
	TopologyKindReplicaSetNoPrimary   TopologyKind = 4 + TopologyKindReplicaSet
	TopologyKindReplicaSetWithPrimary TopologyKind = 8 + TopologyKindReplicaSet

	TopologyKindSharded      TopologyKind = 256
	TopologyKindLoadBalanced TopologyKind = 512
)

// Topology contains a description of a whole deployment. It is an immutable
// snapshot derived from the latest server descriptions.
type Topology struct {
	Servers               []Server
	SetName               string
	Kind                  TopologyKind
	SessionTimeoutMinutes *int64
	CompatibilityErr      error
}

// Server returns the server for the given address. Returns false if the server
// could not be found.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, server := range t.Servers {
		if server.Addr.String() == addr.String() {
			return server, true
		}
	}
	return Server{}, false
}

// HasReadableServer returns true if the topology contains a server suitable
// for servicing some read, regardless of read preference.
func (t Topology) HasReadableServer() bool {
	switch t.Kind {
	case TopologyKindSingle, TopologyKindSharded, TopologyKindLoadBalanced:
		return len(t.Servers) > 0
	}
	for _, s := range t.Servers {
		if s.Kind == ServerKindRSPrimary || s.Kind == ServerKindRSSecondary {
			return true
		}
	}
	return false
}

// HasWritableServer returns true if a topology has a server that can be
// written to, e.g. a primary.
func (t Topology) HasWritableServer() bool {
	switch t.Kind {
	case TopologyKindSingle, TopologyKindSharded, TopologyKindLoadBalanced:
		return len(t.Servers) > 0
	}
	for _, s := range t.Servers {
		if s.Kind == ServerKindRSPrimary {
			return true
		}
	}
	return false
}

// String implements the Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case TopologyKindSingle:
		return "Single"
	case TopologyKindReplicaSet:
		return "ReplicaSet"
	case TopologyKindReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case TopologyKindReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case TopologyKindSharded:
		return "Sharded"
	case TopologyKindLoadBalanced:
		return "LoadBalanced"
	}

	return "Unknown"
}
