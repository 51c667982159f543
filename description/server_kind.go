// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// Unknown is an unknown server or topology kind.
const Unknown = 0

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	// ServerKindStandalone represents a standalone server.
	ServerKindStandalone ServerKind = 1

	// ServerKindRSMember represents a replica set member that is not primary,
	// secondary, arbiter, or ghost.
	ServerKindRSMember ServerKind = 2

	// ServerKindRSPrimary represents a replica set primary.
	ServerKindRSPrimary ServerKind = 4 + ServerKindRSMember

	// ServerKindRSSecondary represents a replica set secondary.
	ServerKindRSSecondary ServerKind = 8 + ServerKindRSMember

	// ServerKindRSArbiter represents a replica set arbiter.
	ServerKindRSArbiter ServerKind = 16 + ServerKindRSMember

	// ServerKindRSGhost represents a replica set member that is started in
	// standalone mode or is in recovery.
	ServerKindRSGhost ServerKind = 32 + ServerKindRSMember

	// ServerKindMongos represents a mongos instance.
	ServerKindMongos ServerKind = 256

	// ServerKindLoadBalancer represents a load balancer instance.
	ServerKindLoadBalancer ServerKind = 512
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case ServerKindStandalone:
		return "Standalone"
	case ServerKindRSMember:
		return "RSOther"
	case ServerKindRSPrimary:
		return "RSPrimary"
	case ServerKindRSSecondary:
		return "RSSecondary"
	case ServerKindRSArbiter:
		return "RSArbiter"
	case ServerKindRSGhost:
		return "RSGhost"
	case ServerKindMongos:
		return "Mongos"
	case ServerKindLoadBalancer:
		return "LoadBalancer"
	}

	return "Unknown"
}
