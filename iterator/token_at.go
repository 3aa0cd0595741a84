// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package iterator

import (
	"io"

	"github.com/axonflow/eventstore/layer"
)

// GetTokenAt implements get_token_at (spec.md §4.7): scan segments
// oldest-first, reading each segment's first transaction timestamp; once a
// segment's first timestamp is >= instantMs, scan the previous segment for
// the first event with timestamp >= instantMs and return its token. If no
// segment satisfies the condition, return engineFirstToken.
func GetTokenAt(head layer.Layer, instantMs int64, engineFirstToken uint64) (uint64, error) {
	descending := segmentsDescending(head)

	ascending := make([]uint64, len(descending))
	for i, id := range descending {
		ascending[len(descending)-1-i] = id
	}

	var prev uint64
	havePrev := false
	for _, segID := range ascending {
		es, err := head.GetEventSource(segID)
		if err != nil {
			return 0, err
		}
		ts, err := firstEventTimestamp(es)
		es.Close()
		if err == io.EOF {
			// Segment has no committed events yet (e.g. a freshly rotated
			// or freshly opened primary) — nothing here can satisfy
			// instantMs, keep scanning forward.
			continue
		}
		if err != nil {
			return 0, err
		}

		if ts >= instantMs {
			if !havePrev {
				return engineFirstToken, nil
			}
			return scanForTimestamp(head, prev, instantMs, engineFirstToken)
		}
		prev = segID
		havePrev = true
	}
	return engineFirstToken, nil
}

func scanForTimestamp(head layer.Layer, segID uint64, instantMs int64, fallback uint64) (uint64, error) {
	es, err := head.GetEventSource(segID)
	if err != nil {
		return 0, err
	}
	defer es.Close()

	sc := es.Transactions()
	for {
		st, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for i, ev := range st.Tx.Events {
			if ev.Timestamp >= instantMs {
				return st.FirstToken + uint64(i), nil
			}
		}
	}
	return fallback, nil
}
