// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "sort"

// TopologyDiff is the difference between two different topology descriptions.
type TopologyDiff struct {
	Added   []Server
	Removed []Server
}

// DiffTopology compares the two topology descriptions and returns the added
// and removed servers. Servers are identified by canonical address.
func DiffTopology(old, new Topology) TopologyDiff {
	var diff TopologyDiff

	oldServers := serverSorter(append([]Server(nil), old.Servers...))
	newServers := serverSorter(append([]Server(nil), new.Servers...))

	sort.Sort(oldServers)
	sort.Sort(newServers)

	i := 0
	j := 0
	for i < len(oldServers) && j < len(newServers) {
		oldServer := oldServers[i]
		newServer := newServers[j]
		switch {
		case oldServer.Addr.String() < newServer.Addr.String():
			diff.Removed = append(diff.Removed, oldServer)
			i++
		case oldServer.Addr.String() > newServer.Addr.String():
			diff.Added = append(diff.Added, newServer)
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(oldServers); i++ {
		diff.Removed = append(diff.Removed, oldServers[i])
	}
	for ; j < len(newServers); j++ {
		diff.Added = append(diff.Added, newServers[j])
	}

	return diff
}

type serverSorter []Server

func (ss serverSorter) Len() int      { return len(ss) }
func (ss serverSorter) Swap(i, j int) { ss[i], ss[j] = ss[j], ss[i] }
func (ss serverSorter) Less(i, j int) bool {
	return ss[i].Addr.String() < ss[j].Addr.String()
}
