// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axonflow/eventstore/types"
)

func TestScannerWalksTransactionsInOrder(t *testing.T) {
	dir := t.TempDir()
	p, err := CreatePrimary(filepath.Join(dir, "0000000000000000.events"), types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)
	defer p.Close()

	for i, payload := range []string{"one", "two", "three"} {
		b, offsets := mustEncode(t, types.Event{PayloadBytes: []byte(payload)})
		_, _, err := p.Append(b, offsets, uint64(i))
		require.NoError(t, err)
	}

	sc := NewScanner(p, 0)
	var seen []string
	var tokens []uint64
	for {
		st, err := sc.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, string(st.Tx.Events[0].PayloadBytes))
		tokens = append(tokens, st.FirstToken)
	}
	require.Equal(t, []string{"one", "two", "three"}, seen)
	require.Equal(t, []uint64{0, 1, 2}, tokens)
}

func TestScannerStopsAtFooterMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000000000000.events")
	p, err := CreatePrimary(path, types.SegmentInfo{FirstToken: 0}, 4096)
	require.NoError(t, err)

	b, offsets := mustEncode(t, types.Event{PayloadBytes: []byte("only")})
	_, _, err = p.Append(b, offsets, 0)
	require.NoError(t, err)

	_, err = p.Seal()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	r, err := OpenReader(path, types.SegmentInfo{FirstToken: 0})
	require.NoError(t, err)
	defer r.Close()

	sc := NewScanner(r, 0)
	st, err := sc.Next()
	require.NoError(t, err)
	require.Equal(t, "only", string(st.Tx.Events[0].PayloadBytes))

	_, err = sc.Next()
	require.ErrorIs(t, err, io.EOF)
}
