// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/types"
)

func TestIndexFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.index")
	want := map[string][]types.IndexEntry{
		"agg-1": {
			{SequenceNumber: 0, OffsetInSegment: 5, Token: 0},
			{SequenceNumber: 1, OffsetInSegment: 40, Token: 1},
		},
		"agg-2": {
			{SequenceNumber: 0, OffsetInSegment: 90, Token: 2},
		},
	}

	require.NoError(t, writeIndexFile(path, want))
	got, err := readIndexFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIndexFileRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.index")
	require.NoError(t, writeIndexFile(path, map[string][]types.IndexEntry{}))

	_, err := decodeIndexFile([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestIndexFileWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.index")
	require.NoError(t, writeIndexFile(path, map[string][]types.IndexEntry{
		"agg-1": {{SequenceNumber: 0, OffsetInSegment: 1, Token: 0}},
	}))

	// A second write must leave no .tmp file behind.
	require.NoError(t, writeIndexFile(path, map[string][]types.IndexEntry{
		"agg-2": {{SequenceNumber: 0, OffsetInSegment: 2, Token: 1}},
	}))
	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	entries, err := readIndexFile(path)
	require.NoError(t, err)
	_, ok := entries["agg-2"]
	require.True(t, ok)
}
