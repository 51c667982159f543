// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagSets(t *testing.T) {
	t.Run("NewTagSetFromMap", func(t *testing.T) {
		set := NewTagSetFromMap(map[string]string{"dc": "ny"})
		assert.Equal(t, Set{{Name: "dc", Value: "ny"}}, set)
	})
	t.Run("Contains", func(t *testing.T) {
		set := NewTagSetFromMap(map[string]string{"dc": "ny", "rack": "1"})
		assert.True(t, set.Contains("dc", "ny"))
		assert.False(t, set.Contains("dc", "sf"))
		assert.False(t, set.Contains("disk", "ssd"))
	})
	t.Run("ContainsAll", func(t *testing.T) {
		set := NewTagSetFromMap(map[string]string{"dc": "ny", "rack": "1", "disk": "ssd"})
		assert.True(t, set.ContainsAll(Set{{Name: "dc", Value: "ny"}}))
		assert.True(t, set.ContainsAll(Set{{Name: "dc", Value: "ny"}, {Name: "rack", Value: "1"}}))
		assert.False(t, set.ContainsAll(Set{{Name: "dc", Value: "sf"}}))
	})
	t.Run("empty set matches nothing by contains", func(t *testing.T) {
		var set Set
		assert.False(t, set.Contains("dc", "ny"))
		assert.True(t, set.ContainsAll(nil))
	})
}
