// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"github.com/ikmak/mongocluster/objectid"
)

// TopologyVersion represents a server's topology version as reported in
// heartbeat replies and state-change errors. It is used to order observations
// of the same server so that stale ones can be discarded.
type TopologyVersion struct {
	ProcessID objectid.ObjectID
	Counter   int64
}

// CompareToIncoming compares the receiver, which represents the currently
// known TopologyVersion for a server, to an incoming TopologyVersion extracted
// from a server command response or error.
//
// This returns -1 if the receiver version is less than the response, 0 if the
// versions are equal, and 1 if the receiver version is greater than the
// response. Per the ordering rules, a nil TopologyVersion on either side is
// always considered less than.
func (tv *TopologyVersion) CompareToIncoming(responseTV *TopologyVersion) int {
	if tv == nil || responseTV == nil {
		return -1
	}
	if tv.ProcessID != responseTV.ProcessID {
		return -1
	}
	if tv.Counter == responseTV.Counter {
		return 0
	}
	if tv.Counter < responseTV.Counter {
		return -1
	}
	return 1
}
