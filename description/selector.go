// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerSelector is an interface implemented by types that can perform server
// selection given a topology description and a list of candidate servers. The
// selector should not mutate the candidates slice.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}
