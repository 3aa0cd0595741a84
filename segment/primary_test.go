// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/types"
)

func mustEncode(t *testing.T, events ...types.Event) ([]byte, []uint32) {
	t.Helper()
	tx := &types.Transaction{Events: events}
	b, offsets, err := tx.EncodeWithOffsets()
	require.NoError(t, err)
	return b, offsets
}

func TestPrimaryAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)
	defer p.Close()

	txBytes, relOffsets := mustEncode(t, types.Event{AggregateIdentifier: "a", PayloadBytes: []byte("hello")})
	_, eventOffsets, err := p.Append(txBytes, relOffsets, 0)
	require.NoError(t, err)
	require.Len(t, eventOffsets, 1)

	ev, err := types.ReadEventAt(p, eventOffsets[0])
	require.NoError(t, err)
	require.Equal(t, "a", ev.AggregateIdentifier)
	require.Equal(t, []byte("hello"), ev.PayloadBytes)
}

func TestPrimaryAppendBatchWritesEveryItem(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)
	defer p.Close()

	b1, r1 := mustEncode(t, types.Event{AggregateIdentifier: "a", PayloadBytes: []byte("1")})
	b2, r2 := mustEncode(t, types.Event{AggregateIdentifier: "b", PayloadBytes: []byte("2")})

	results, err := p.AppendBatch([]AppendItem{
		{TxBytes: b1, RelativeEventOffsets: r1, FirstToken: 0},
		{TxBytes: b2, RelativeEventOffsets: r2, FirstToken: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ev1, err := types.ReadEventAt(p, results[0].EventOffsets[0])
	require.NoError(t, err)
	require.Equal(t, "a", ev1.AggregateIdentifier)

	ev2, err := types.ReadEventAt(p, results[1].EventOffsets[0])
	require.NoError(t, err)
	require.Equal(t, "b", ev2.AggregateIdentifier)

	require.Equal(t, uint64(2), p.Info().EventCount)
}

func TestPrimaryAppendAfterSealFails(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Seal()
	require.NoError(t, err)

	txBytes, relOffsets := mustEncode(t, types.Event{PayloadBytes: []byte("late")})
	_, _, err = p.Append(txBytes, relOffsets, 0)
	require.ErrorIs(t, err, types.ErrSealed)
}

func TestPrimaryAppendRejectsOversizeTransaction(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, HeaderLen+8)
	require.NoError(t, err)
	defer p.Close()

	txBytes, relOffsets := mustEncode(t, types.Event{PayloadBytes: []byte("this does not fit in eight bytes")})
	_, _, err = p.Append(txBytes, relOffsets, 0)
	require.Error(t, err)
}

func TestRecoverPrimaryDropsTornTailWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000000000000.events")
	p, err := CreatePrimary(path, types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)

	txBytes, relOffsets := mustEncode(t, types.Event{AggregateIdentifier: "a", PayloadBytes: []byte("good")})
	_, _, err = p.Append(txBytes, relOffsets, 0)
	require.NoError(t, err)
	goodCommitted := p.CommittedLength()

	// Simulate a crash mid-write: bytes for a second, never-fsynced
	// transaction landed in the file but its CRC/length framing is
	// corrupted.
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	copy(p.mm[goodCommitted:goodCommitted+uint32(len(garbage))], garbage)
	require.NoError(t, p.Close())

	recovered, err := RecoverPrimary(path, types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)
	defer recovered.Close()

	require.Equal(t, goodCommitted, recovered.CommittedLength())
	require.Equal(t, uint64(1), recovered.Info().EventCount)
}

func TestPrimaryFull(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, HeaderLen+FooterLen)
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.Full(HeaderLen+FooterLen))
}
