// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package iterator

import (
	"context"
	"fmt"
	"io"

	"github.com/axonflow/eventstore/layer"
	"github.com/axonflow/eventstore/types"
)

// QueryOptions bounds a newest-first range query, per spec.md §4.7.
type QueryOptions struct {
	MinToken      uint64
	MaxToken      uint64 // 0 means unbounded
	MinTimestamp  int64  // 0 means unbounded
}

// Predicate inspects one matching event at its token; returning false
// terminates the query immediately, same as exhausting the token range.
type Predicate func(ev *types.Event, token uint64) bool

// Query scans segments newest-first, per spec.md §4.7. It terminates a
// segment early (and the whole query, since segments are visited in
// descending first-token order) once min_token exceeds the segment's first
// token, or once min_timestamp exceeds the oldest timestamp observed in the
// segment. A predicate returning false also terminates the query.
func Query(ctx context.Context, head layer.Layer, opts QueryOptions, pred Predicate) error {
	for _, segID := range segmentsDescending(head) {
		if opts.MaxToken > 0 && segID > opts.MaxToken {
			continue
		}
		if segID < opts.MinToken {
			break
		}

		es, err := head.GetEventSource(segID)
		if err != nil {
			return err
		}

		if opts.MinTimestamp > 0 {
			firstTs, err := firstEventTimestamp(es)
			if err == nil && opts.MinTimestamp > firstTs {
				es.Close()
				break
			}
		}

		stop, err := scanSegmentDescendingPredicate(es, segID, opts, pred)
		es.Close()
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func scanSegmentDescendingPredicate(es *layer.EventSource, segID uint64, opts QueryOptions, pred Predicate) (stop bool, err error) {
	type hit struct {
		ev  *types.Event
		tok uint64
	}
	var hits []hit
	sc := es.Transactions()
	for {
		st, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		for i := range st.Tx.Events {
			tok := st.FirstToken + uint64(i)
			if tok < opts.MinToken {
				continue
			}
			if opts.MaxToken > 0 && tok > opts.MaxToken {
				continue
			}
			hits = append(hits, hit{ev: &st.Tx.Events[i], tok: tok})
		}
	}
	for i := len(hits) - 1; i >= 0; i-- {
		if !pred(hits[i].ev, hits[i].tok) {
			return true, nil
		}
	}
	return false, nil
}

// segmentsDescending gathers every segment id managed anywhere in the
// chain, newest first: the head layer's own segments, then its Next's, and
// so on.
func segmentsDescending(head layer.Layer) []uint64 {
	var out []uint64
	for l := head; l != nil; l = l.Next() {
		out = append(out, l.Segments()...)
	}
	return out
}

func firstEventTimestamp(es *layer.EventSource) (int64, error) {
	sc := es.Transactions()
	st, err := sc.Next()
	if err != nil {
		return 0, err
	}
	if len(st.Tx.Events) == 0 {
		return 0, fmt.Errorf("%w: empty transaction at segment head", types.ErrCorrupt)
	}
	return st.Tx.Events[0].Timestamp, nil
}
