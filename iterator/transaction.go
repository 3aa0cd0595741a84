// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package iterator

import (
	"io"

	"github.com/axonflow/eventstore/layer"
	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

// TransactionIterator is the token-range tailing reader described in
// spec.md §4.7: a finite, forward, single-reader scan across transactions
// that crosses segment boundaries transparently. It is a scoped resource;
// Close releases the currently borrowed EventSource.
type TransactionIterator struct {
	head         layer.Layer
	firstToken   uint64
	limitToken   uint64
	cur          *layer.EventSource
	scanner      *segment.Scanner
	closed       bool
}

// NewTransactionIterator locates the segment containing firstToken via
// get_segment_for and begins scanning from there.
func NewTransactionIterator(head layer.Layer, firstToken, limitToken uint64) (*TransactionIterator, error) {
	segID, ok := head.GetSegmentFor(firstToken)
	if !ok {
		return nil, types.ErrTokenBeforeStart
	}
	es, err := head.GetEventSource(segID)
	if err != nil {
		return nil, err
	}
	return &TransactionIterator{
		head:       head,
		firstToken: firstToken,
		limitToken: limitToken,
		cur:        es,
		scanner:    es.Transactions(),
	}, nil
}

// Next returns the next transaction whose events have not been entirely
// consumed by firstToken, advancing across segment boundaries as needed,
// and stops once the current token reaches limitToken.
func (ti *TransactionIterator) Next() (*segment.ScannedTransaction, error) {
	if ti.closed {
		return nil, io.EOF
	}
	for {
		st, err := ti.scanner.Next()
		if err == io.EOF {
			if advErr := ti.advance(); advErr != nil {
				return nil, advErr
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		txEnd := st.FirstToken + uint64(len(st.Tx.Events))
		if txEnd <= ti.firstToken {
			// Entirely before the requested start; the iterator only ever
			// delivers whole transactions, never a partial one.
			continue
		}
		if st.FirstToken >= ti.limitToken {
			return nil, io.EOF
		}
		return st, nil
	}
}

// advance moves to the segment immediately following the one just
// exhausted. Per the density invariant (spec.md §3), that segment's first
// token equals the current segment's first_token + event_count.
func (ti *TransactionIterator) advance() error {
	info := ti.cur.Info()
	nextToken := info.NextFirstToken()
	ti.cur.Close()

	if nextToken >= ti.limitToken {
		return io.EOF
	}
	es, err := ti.head.GetEventSource(nextToken)
	if err != nil {
		// No further segment available: the tail of the store has been
		// reached before limitToken.
		return io.EOF
	}
	ti.cur = es
	ti.scanner = es.Transactions()
	return nil
}

// Close releases the currently borrowed EventSource. Idempotent.
func (ti *TransactionIterator) Close() error {
	if ti.closed {
		return nil
	}
	ti.closed = true
	return ti.cur.Close()
}
