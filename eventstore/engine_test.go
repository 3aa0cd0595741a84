// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/iterator"
	"github.com/axonflow/eventstore/types"
)

func openTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(Config{StorageRoot: t.TempDir()}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func domainEvent(aggregateID string, seq uint64, payload string) types.Event {
	return types.Event{
		AggregateIdentifier:     aggregateID,
		AggregateType:           "test.aggregate",
		AggregateSequenceNumber: seq,
		PayloadType:             "test.payload",
		PayloadBytes:            []byte(payload),
	}
}

func TestAppendEventsAssignsTokensAndIsReadable(t *testing.T) {
	e := openTestEngine(t)

	first, err := e.AppendEvents(context.Background(), []types.Event{
		domainEvent("agg-1", 0, "e0"),
		domainEvent("agg-1", 1, "e1"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	last, ok := e.GetLastToken()
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	it, err := e.ListEvents(0, 2)
	require.NoError(t, err)
	defer it.Close()

	st, err := it.Next()
	require.NoError(t, err)
	require.Len(t, st.Tx.Events, 2)
	require.Equal(t, "e0", string(st.Tx.Events[0].PayloadBytes))

	_, err = it.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestAppendEventsRejectsWrongFirstSequence(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 5, "oops")})
	require.Error(t, err)
	var seqErr *InvalidSequenceError
	require.ErrorAs(t, err, &seqErr)
	require.Equal(t, uint64(0), seqErr.Expected)
	require.Equal(t, uint64(5), seqErr.Got)

	// The rejected reservation must have rolled back: a correctly
	// sequenced append should still succeed afterward.
	_, err = e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "ok")})
	require.NoError(t, err)
}

func TestAppendEventsSequenceValidationOffBypassesCheck(t *testing.T) {
	e := openTestEngine(t, WithSequenceValidationStrategy(SequenceValidationOff))

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 9, "weird-but-allowed")})
	require.NoError(t, err)
}

func TestReserveSequenceNumbersAdvancesAcrossBatches(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.NoError(t, err)

	_, err = e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 1, "e1")})
	require.NoError(t, err)

	seq, ok := e.ReadHighestSequenceNumber("agg-1")
	require.True(t, ok)
	require.Equal(t, uint64(1), seq)
}

func TestListAggregateEventsFiltersSnapshotsByDefault(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{
		domainEvent("agg-1", 0, "e0"),
		domainEvent("agg-1", 1, "e1"),
	})
	require.NoError(t, err)

	_, err = e.AppendSnapshot(context.Background(), types.Event{
		AggregateIdentifier:     "agg-1",
		AggregateSequenceNumber: 1,
		PayloadBytes:            []byte("snap-at-1"),
	})
	require.NoError(t, err)

	replay := e.ListAggregateEvents(context.Background(), "agg-1", 0, 100, false)
	defer replay.Close()

	var got []string
	for {
		ev, err := replay.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(ev.PayloadBytes))
	}
	require.Equal(t, []string{"e0", "e1"}, got)
}

func TestListAggregateEventsIncludesSnapshotsWhenAsked(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.NoError(t, err)
	_, err = e.AppendSnapshot(context.Background(), types.Event{
		AggregateIdentifier:     "agg-1",
		AggregateSequenceNumber: 0,
		PayloadBytes:            []byte("snap"),
	})
	require.NoError(t, err)

	replay := e.ListAggregateEvents(context.Background(), "agg-1", 0, 100, true)
	defer replay.Close()

	var count int
	for {
		_, err := replay.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 2, count)
}

func TestListAggregateSnapshotsOnlyReturnsSnapshots(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.NoError(t, err)
	_, err = e.AppendSnapshot(context.Background(), types.Event{
		AggregateIdentifier:     "agg-1",
		AggregateSequenceNumber: 0,
		PayloadBytes:            []byte("snap"),
	})
	require.NoError(t, err)

	replay := e.ListAggregateSnapshots(context.Background(), "agg-1", 0, 100)
	defer replay.Close()

	ev, err := replay.Next()
	require.NoError(t, err)
	require.Equal(t, "snap", string(ev.PayloadBytes))

	_, err = replay.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestSegmentRotationKeepsEventsReadableAcrossSegments(t *testing.T) {
	// A tiny max segment size guarantees several rotations across these
	// appends, without this test needing to predict the exact byte where
	// any one rotation lands.
	e := openTestEngine(t, WithMaxSegmentSize(256))

	const numAppends = 40
	for i := uint64(0); i < numAppends; i++ {
		_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", i, "payload")})
		require.NoError(t, err)
	}

	last, ok := e.GetLastToken()
	require.True(t, ok)
	require.Equal(t, numAppends-1, last)

	it, err := e.ListEvents(0, numAppends)
	require.NoError(t, err)
	defer it.Close()

	seen := uint64(0)
	for {
		st, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen += uint64(len(st.Tx.Events))
	}
	require.Equal(t, numAppends, seen)

	replay := e.ListAggregateEvents(context.Background(), "agg-1", 0, numAppends, false)
	defer replay.Close()
	count := uint64(0)
	for {
		_, err := replay.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, numAppends, count)
}

func TestQueryEventsNewestFirst(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.NoError(t, err)
	_, err = e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 1, "e1")})
	require.NoError(t, err)

	var order []uint64
	err = e.QueryEvents(context.Background(), iterator.QueryOptions{}, func(ev *types.Event, token uint64) bool {
		order = append(order, token)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 0}, order)
}

func TestGetTokenAtReturnsFirstTokenWhenInstantBeforeAnyEvent(t *testing.T) {
	e := openTestEngine(t)
	tok, err := e.GetTokenAt(0)
	require.NoError(t, err)
	require.Equal(t, e.GetFirstToken(), tok)
}

func TestValidateTransactionDetectsMismatch(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "original")})
	require.NoError(t, err)

	require.NoError(t, e.ValidateTransaction(0, []types.Event{domainEvent("agg-1", 0, "original")}))

	err = e.ValidateTransaction(0, []types.Event{domainEvent("agg-1", 0, "different")})
	require.ErrorIs(t, err, types.ErrReplicatedMismatch)
}

func TestCloseIsIdempotentAndRejectsFurtherAppends(t *testing.T) {
	e, err := Open(Config{StorageRoot: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestReopenRecoversAlreadyWrittenEvents(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(Config{StorageRoot: dir})
	require.NoError(t, err)
	_, err = e1.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 0, "e0")})
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(Config{StorageRoot: dir})
	require.NoError(t, err)
	defer e2.Close()

	seq, ok := e2.ReadHighestSequenceNumber("agg-1")
	require.True(t, ok)
	require.Equal(t, uint64(0), seq)

	// Appending the next sequence must succeed, proving the sequence
	// cache was correctly rebuilt (not just the index) on reopen.
	_, err = e2.AppendEvents(context.Background(), []types.Event{domainEvent("agg-1", 1, "e1")})
	require.NoError(t, err)
}
