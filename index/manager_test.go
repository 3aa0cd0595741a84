// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

func TestManagerActiveSegmentLookup(t *testing.T) {
	m := NewManager(segment.NewFiler(t.TempDir()), 0)
	m.SetActive(0)
	m.AddLive(0, "agg-1", types.IndexEntry{SequenceNumber: 0, Token: 0, OffsetInSegment: 5})
	m.AddLive(0, "agg-1", types.IndexEntry{SequenceNumber: 1, Token: 1, OffsetInSegment: 9})

	seq, ok := m.GetLastSequenceNumber("agg-1", 0, 0)
	require.True(t, ok)
	require.Equal(t, uint64(1), seq)

	matches := m.LookupAggregate("agg-1", 0, 2, 0, 0)
	require.Len(t, matches, 1)
	require.Equal(t, uint64(0), matches[0].SegmentID)
	require.Len(t, matches[0].Entries, 2)
}

func TestManagerUnknownAggregateMisses(t *testing.T) {
	m := NewManager(segment.NewFiler(t.TempDir()), 0)
	m.SetActive(0)
	_, ok := m.GetLastSequenceNumber("ghost", 0, 0)
	require.False(t, ok)
}

func TestManagerCompletePersistsAndFindsAfterReload(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)
	m := NewManager(fs, 0.01)

	// Build a real sealed segment on disk so ValidIndex/LookupAggregate
	// can resolve offsets against actual event bytes.
	info := types.SegmentInfo{FirstToken: 0}
	p, err := fs.Create(info, 4096)
	require.NoError(t, err)

	tx := &types.Transaction{Events: []types.Event{
		{AggregateIdentifier: "agg-1", AggregateSequenceNumber: 0, PayloadBytes: []byte("e0")},
	}}
	txBytes, relOffsets, err := tx.EncodeWithOffsets()
	require.NoError(t, err)
	_, eventOffsets, err := p.Append(txBytes, relOffsets, 0)
	require.NoError(t, err)

	sealedInfo, err := p.Seal()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	m.AddToActiveSegment(sealedInfo, map[string][]types.IndexEntry{
		"agg-1": {{SequenceNumber: 0, Token: 0, OffsetInSegment: eventOffsets[0]}},
	})
	require.NoError(t, m.Complete(sealedInfo))

	require.True(t, m.ValidIndex(sealedInfo))

	seq, ok := m.GetLastSequenceNumber("agg-1", 0, 0)
	require.True(t, ok)
	require.Equal(t, uint64(0), seq)

	// A fresh Manager pointed at the same directory must recover the same
	// answer purely from the persisted index/bloom files.
	m2 := NewManager(fs, 0.01)
	require.NoError(t, m2.LoadSegment(sealedInfo))
	seq2, ok2 := m2.GetLastSequenceNumber("agg-1", 0, 0)
	require.True(t, ok2)
	require.Equal(t, uint64(0), seq2)
}

func TestManagerValidIndexRejectsWrongTokenNotBelowFirstToken(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)
	m := NewManager(fs, 0.01)

	info := types.SegmentInfo{FirstToken: 0}
	p, err := fs.Create(info, 4096)
	require.NoError(t, err)

	tx := &types.Transaction{Events: []types.Event{
		{AggregateIdentifier: "agg-1", AggregateSequenceNumber: 0, PayloadBytes: []byte("e0")},
		{AggregateIdentifier: "agg-1", AggregateSequenceNumber: 1, PayloadBytes: []byte("e1")},
	}}
	txBytes, relOffsets, err := tx.EncodeWithOffsets()
	require.NoError(t, err)
	_, eventOffsets, err := p.Append(txBytes, relOffsets, 0)
	require.NoError(t, err)

	sealedInfo, err := p.Seal()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// The true token of the second event is 1, but a corrupted index entry
	// claims 0 (still >= FirstToken, so a bound check alone would accept
	// this). ValidIndex must reject it because it isn't an exact match.
	m.AddToActiveSegment(sealedInfo, map[string][]types.IndexEntry{
		"agg-1": {
			{SequenceNumber: 0, Token: 0, OffsetInSegment: eventOffsets[0]},
			{SequenceNumber: 1, Token: 0, OffsetInSegment: eventOffsets[1]},
		},
	})
	require.NoError(t, m.Complete(sealedInfo))

	require.False(t, m.ValidIndex(sealedInfo))
}

func TestManagerForgetRemovesSegment(t *testing.T) {
	m := NewManager(segment.NewFiler(t.TempDir()), 0)
	m.AddToActiveSegment(types.SegmentInfo{FirstToken: 5}, map[string][]types.IndexEntry{
		"agg-1": {{SequenceNumber: 0, Token: 5}},
	})
	require.NoError(t, m.Complete(types.SegmentInfo{FirstToken: 5}))
	m.Forget(5)

	_, ok := m.GetLastSequenceNumber("agg-1", 0, 0)
	require.False(t, ok)
}
