// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

func sealedSegment(t *testing.T, fs *segment.Filer, firstToken uint64, payload string) types.SegmentInfo {
	t.Helper()
	p, err := fs.Create(types.SegmentInfo{FirstToken: firstToken}, 4096)
	require.NoError(t, err)

	tx := &types.Transaction{Events: []types.Event{{AggregateIdentifier: "a", PayloadBytes: []byte(payload)}}}
	b, offsets, err := tx.EncodeWithOffsets()
	require.NoError(t, err)
	_, _, err = p.Append(b, offsets, firstToken)
	require.NoError(t, err)

	info, err := p.Seal()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	return info
}

func TestPrimaryLayerFallsThroughToNextOnMiss(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)

	completedInfo := sealedSegment(t, fs, 0, "completed")
	completed := NewDiskLayer(KindCompleted, fs, nil, nil)
	require.NoError(t, completed.AddSegment(completedInfo))

	primaryPrim, err := fs.Create(types.SegmentInfo{FirstToken: completedInfo.NextFirstToken()}, 4096)
	require.NoError(t, err)
	primary := NewPrimaryLayer(primaryPrim, nil, nil)
	primary.SetNext(completed)

	require.True(t, primary.ContainsSegment(completedInfo.FirstToken))
	require.True(t, primary.ContainsSegment(primaryPrim.Info().FirstToken))
	require.False(t, primary.ContainsSegment(9999))

	es, err := primary.GetEventSource(completedInfo.FirstToken)
	require.NoError(t, err)
	defer es.Close()
	require.Equal(t, KindCompleted, completed.Kind())
}

func TestDiskLayerGetSegmentForFallsThrough(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)

	oldest := sealedSegment(t, fs, 0, "oldest")
	cold := NewDiskLayer(KindCold, fs, nil, nil)
	require.NoError(t, cold.AddSegment(oldest))

	newer := sealedSegment(t, fs, oldest.NextFirstToken(), "newer")
	completed := NewDiskLayer(KindCompleted, fs, nil, nil)
	require.NoError(t, completed.AddSegment(newer))
	completed.SetNext(cold)

	id, ok := completed.GetSegmentFor(newer.FirstToken)
	require.True(t, ok)
	require.Equal(t, newer.FirstToken, id)

	// A token within the older, cold-tier-only segment must fall through.
	id, ok = completed.GetSegmentFor(oldest.FirstToken)
	require.True(t, ok)
	require.Equal(t, oldest.FirstToken, id)

	_, ok = completed.GetSegmentFor(9999999)
	require.True(t, ok) // greatest segment id <= a far-future token is still the newest one
}

func TestDiskLayerGetEventSourceTracksOpenCount(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)
	info := sealedSegment(t, fs, 0, "payload")

	completed := NewDiskLayer(KindCompleted, fs, nil, nil)
	require.NoError(t, completed.AddSegment(info))

	require.Equal(t, int64(0), completed.OpenCount())
	es, err := completed.GetEventSource(info.FirstToken)
	require.NoError(t, err)
	require.Equal(t, int64(1), completed.OpenCount())
	require.NoError(t, es.Close())
	require.Equal(t, int64(0), completed.OpenCount())
}

func TestEventSourceCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)
	info := sealedSegment(t, fs, 0, "payload")

	completed := NewDiskLayer(KindCompleted, fs, nil, nil)
	require.NoError(t, completed.AddSegment(info))

	es, err := completed.GetEventSource(info.FirstToken)
	require.NoError(t, err)
	require.NoError(t, es.Close())
	require.NoError(t, es.Close())
	require.Equal(t, int64(0), completed.OpenCount())
}

func TestTerminalLayerReturnsSegmentUnavailable(t *testing.T) {
	dir := t.TempDir()
	fs := segment.NewFiler(dir)
	completed := NewDiskLayer(KindCompleted, fs, nil, nil)

	_, err := completed.GetEventSource(123)
	require.ErrorIs(t, err, types.ErrSegmentUnavailable)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "primary", KindPrimary.String())
	require.Equal(t, "completed", KindCompleted.String())
	require.Equal(t, "cold", KindCold.String())
}
