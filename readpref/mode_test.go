// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMode_String(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		mode Mode
	}{
		{"primary", PrimaryMode},
		{"primaryPreferred", PrimaryPreferredMode},
		{"secondary", SecondaryMode},
		{"secondaryPreferred", SecondaryPreferredMode},
		{"nearest", NearestMode},
		{"unknown", Mode(42)},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.name, tc.mode.String(), "expected %q, got %q", tc.name, tc.mode.String())
		})
	}
}

func TestModeFromString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		str  string
		mode Mode
		err  bool
	}{
		{"primary", PrimaryMode, false},
		{"primaryPreferred", PrimaryPreferredMode, false},
		{"SECONDARY", SecondaryMode, false},
		{"secondaryPreferred", SecondaryPreferredMode, false},
		{"nearest", NearestMode, false},
		{"primaryprefered", Mode(0), true},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.str, func(t *testing.T) {
			t.Parallel()

			mode, err := ModeFromString(tc.str)
			if tc.err {
				assert.Error(t, err, "expected an error for %q", tc.str)
				return
			}
			assert.NoError(t, err, "unexpected error for %q", tc.str)
			assert.Equal(t, tc.mode, mode, "expected mode %v, got %v", tc.mode, mode)
			assert.True(t, mode.IsValid(), "expected mode %v to be valid", mode)
		})
	}
}
