// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package iterator implements the demand-driven reads described in spec.md
// §4.7: aggregate replay, the token-range transaction iterator, the
// newest-first range query, and the time-point token lookup. All of them
// walk the segment layer chain rather than a single layer directly, so a
// lookup that misses the hottest tier falls through transparently.
package iterator

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"

	"github.com/axonflow/eventstore/index"
	"github.com/axonflow/eventstore/layer"
	"github.com/axonflow/eventstore/types"
)

// PrefetchSegmentFiles bounds how many segment files an aggregate replay may
// hold open at once, per spec.md §4.7 ("at most PREFETCH_SEGMENT_FILES (=2)
// segment files opened concurrently").
const PrefetchSegmentFiles = 2

// DefaultEventsPerSegmentPrefetch is the per-segment event read-ahead depth
// used when the caller does not override it via configuration.
const DefaultEventsPerSegmentPrefetch = 32

type replayItem struct {
	ev  *types.Event
	err error
}

// AggregateReplay is the lazy, finite sequence events_per_aggregate returns.
// It is a scoped resource: Close must be called on every exit path,
// including after the consumer stops short of exhausting it.
type AggregateReplay struct {
	cancel context.CancelFunc
	out    chan replayItem
}

// EventsPerAggregate resolves the aggregate's index entries once, then
// streams its events in ascending (segment, sequence) order, prefetching
// events_per_segment_prefetch events ahead within a segment and overlapping
// the open of the next segment's file with consumption of the current one,
// bounded by PrefetchSegmentFiles.
//
// firstSeq is a defensive guard against duplicate or stale index entries
// (spec.md §9's Open Question (b)): it is kept even though the index is
// expected to already exclude sequences below the caller's floor.
func EventsPerAggregate(ctx context.Context, head layer.Layer, idx *index.Manager, aggregateID string, firstSeq, lastSeq, minToken uint64, prefetchPerSegment int) *AggregateReplay {
	if prefetchPerSegment <= 0 {
		prefetchPerSegment = DefaultEventsPerSegmentPrefetch
	}
	cctx, cancel := context.WithCancel(ctx)
	segs := idx.LookupAggregate(aggregateID, firstSeq, lastSeq, 0, minToken)

	r := &AggregateReplay{
		cancel: cancel,
		out:    make(chan replayItem, prefetchPerSegment),
	}
	go r.run(cctx, head, segs, firstSeq, lastSeq, prefetchPerSegment)
	return r
}

func (r *AggregateReplay) run(ctx context.Context, head layer.Layer, segs []index.SegmentEntries, firstSeq, lastSeq uint64, prefetch int) {
	defer close(r.out)

	sem := semaphore.NewWeighted(PrefetchSegmentFiles)
	type opened struct {
		es  *layer.EventSource
		seg index.SegmentEntries
		err error
	}
	openCh := make(chan opened)

	go func() {
		defer close(openCh)
		for _, se := range segs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			es, err := head.GetEventSource(se.SegmentID)
			select {
			case openCh <- opened{es: es, seg: se, err: err}:
			case <-ctx.Done():
				if es != nil {
					es.Close()
				}
				sem.Release(1)
				return
			}
		}
	}()

	for o := range openCh {
		if o.err != nil {
			r.emit(ctx, replayItem{err: o.err})
			sem.Release(1)
			return
		}
		err := r.drainSegment(ctx, o.es, o.seg, firstSeq, lastSeq, prefetch)
		o.es.Close()
		sem.Release(1)
		if err != nil {
			if err != errStop {
				r.emit(ctx, replayItem{err: err})
			}
			return
		}
	}
}

var errStop = io.EOF

func (r *AggregateReplay) drainSegment(ctx context.Context, es *layer.EventSource, seg index.SegmentEntries, firstSeq, lastSeq uint64, prefetch int) error {
	type fetched struct {
		ev  *types.Event
		err error
	}
	buf := make(chan fetched, prefetch)

	go func() {
		defer close(buf)
		for _, e := range seg.Entries {
			if e.SequenceNumber < firstSeq {
				continue
			}
			if e.SequenceNumber >= lastSeq {
				return
			}
			ev, err := es.ReadEvent(e.OffsetInSegment)
			select {
			case buf <- fetched{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for f := range buf {
		if f.err != nil {
			return f.err
		}
		if !r.emit(ctx, replayItem{ev: f.ev}) {
			return errStop
		}
	}
	return nil
}

func (r *AggregateReplay) emit(ctx context.Context, item replayItem) bool {
	select {
	case r.out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next returns the next event, or io.EOF once the sequence is exhausted.
func (r *AggregateReplay) Next() (*types.Event, error) {
	item, ok := <-r.out
	if !ok {
		return nil, io.EOF
	}
	if item.err != nil {
		return nil, item.err
	}
	return item.ev, nil
}

// Close cancels any in-flight prefetch and releases borrowed segment
// handles. Safe to call more than once and before the sequence is drained.
func (r *AggregateReplay) Close() error {
	r.cancel()
	return nil
}
