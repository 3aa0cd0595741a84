// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceCacheClaimColdEntryConsultsResolveNext(t *testing.T) {
	c, err := NewSequenceCache(16)
	require.NoError(t, err)

	resolveCalls := 0
	resolve := func() (uint64, error) {
		resolveCalls++
		return 5, nil
	}

	reserved, err := c.Claim("agg-1", 5, 2, resolve, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5), reserved)
	require.Equal(t, 1, resolveCalls)

	// The next claim must see the optimistically-advanced next sequence
	// (5+2=7) without consulting resolveNext again.
	hit := false
	reserved, err = c.Claim("agg-1", 7, 1, resolve, func() { hit = true })
	require.NoError(t, err)
	require.Equal(t, uint64(7), reserved)
	require.Equal(t, 1, resolveCalls)
	require.True(t, hit)
}

func TestSequenceCacheClaimRejectsMismatch(t *testing.T) {
	c, err := NewSequenceCache(16)
	require.NoError(t, err)

	_, err = c.Claim("agg-1", 0, 1, func() (uint64, error) { return 0, nil }, nil)
	require.NoError(t, err)

	_, err = c.Claim("agg-1", 9, 1, func() (uint64, error) { return 0, nil }, nil)
	require.Error(t, err)
	var seqErr *InvalidSequenceError
	require.True(t, errors.As(err, &seqErr))
	require.Equal(t, uint64(1), seqErr.Expected)
	require.Equal(t, uint64(9), seqErr.Got)
}

func TestSequenceCacheRollbackRewindsNextSequence(t *testing.T) {
	c, err := NewSequenceCache(16)
	require.NoError(t, err)

	reserved, err := c.Claim("agg-1", 0, 3, func() (uint64, error) { return 0, nil }, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), reserved)

	c.Rollback("agg-1", reserved)

	// The same range must be claimable again after rollback.
	reserved2, err := c.Claim("agg-1", 0, 3, func() (uint64, error) { return 0, nil }, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), reserved2)
}

func TestSequenceCacheResetDropsEntries(t *testing.T) {
	c, err := NewSequenceCache(16)
	require.NoError(t, err)

	resolveCalls := 0
	resolve := func() (uint64, error) {
		resolveCalls++
		return 0, nil
	}
	_, err = c.Claim("agg-1", 0, 1, resolve, nil)
	require.NoError(t, err)
	require.Equal(t, 1, resolveCalls)

	c.Reset()

	_, err = c.Claim("agg-1", 0, 1, resolve, nil)
	require.NoError(t, err)
	require.Equal(t, 2, resolveCalls)
}

func TestReleaseHandleCommitAndRollbackAreIdempotent(t *testing.T) {
	c, err := NewSequenceCache(16)
	require.NoError(t, err)

	_, err = c.Claim("agg-1", 0, 1, func() (uint64, error) { return 0, nil }, nil)
	require.NoError(t, err)

	h := &ReleaseHandle{cache: c, aggregates: []reservedAggregate{{id: "agg-1", firstSequence: 0}}}
	h.Commit()
	h.Rollback() // no-op: Commit already resolved the handle

	// Since Commit resolved first, the reservation must still stand.
	_, err = c.Claim("agg-1", 1, 1, func() (uint64, error) { return 0, nil }, nil)
	require.NoError(t, err)
}
