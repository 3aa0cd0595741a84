// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/types"
)

func TestBoltStoreLoadOnFreshStoreReturnsZeroValue(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	state, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.PersistentState{}, state)
}

func TestBoltStoreCommitAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	want := types.PersistentState{
		NextSegmentID: 3,
		FirstToken:    10,
		Segments: []types.SegmentInfo{
			{FirstToken: 0, EventCount: 10},
			{FirstToken: 10, EventCount: 0},
		},
	}
	require.NoError(t, s.CommitState(want))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
