// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/axonflow/eventstore/types"
)

// reservedAggregate is one aggregate id and the sequence Claim granted it,
// kept so a ReleaseHandle can roll the reservation back.
type reservedAggregate struct {
	id            string
	firstSequence uint64
}

// ReleaseHandle guards the sequence reservations made by one
// ReserveSequenceNumbers call, per spec.md §4.1. Exactly one of Commit or
// Rollback should be called; both are idempotent, mirroring the teacher's
// atomic.SwapUint32(&w.closed, 1) single-resolution guard.
type ReleaseHandle struct {
	cache      *SequenceCache
	resolved   int32
	aggregates []reservedAggregate
}

// Commit finalizes the reservations: the cache's advanced next-sequence
// counters stay in effect. Safe to call more than once.
func (h *ReleaseHandle) Commit() {
	atomic.CompareAndSwapInt32(&h.resolved, 0, 1)
}

// Rollback releases every reservation this handle holds, rewinding each
// aggregate's cached next-sequence so a later caller can claim the same
// range again. A no-op if Commit already ran, or on a second call.
func (h *ReleaseHandle) Rollback() {
	if !atomic.CompareAndSwapInt32(&h.resolved, 0, 1) {
		return
	}
	for _, a := range h.aggregates {
		h.cache.Rollback(a.id, a.firstSequence)
	}
}

// pendingAppend is one store_batch request queued for the writer loop.
type pendingAppend struct {
	ctx         context.Context
	events      []types.Event
	enqueuedAt  time.Time
	firstToken  uint64 // filled in by commitBatch before done fires
	err         error
	done        chan struct{}
}

// TransactionManager implements spec.md §4.1: reserve_sequence_numbers
// followed by store_batch, with store_batch requests queued onto a
// background writer loop that performs group commit, per spec.md §4.3b.
type TransactionManager struct {
	seqCache    *SequenceCache
	resolveNext func(aggregateID string) (uint64, error)
	commitFn    func(batch []*pendingAppend)
	cacheHit    func()

	limiter *rate.Limiter

	in        chan *pendingAppend
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// newTransactionManager wires a writer loop atop commitFn, which performs
// the actual segment append (and rotation, if needed) for one batch of
// queued requests. groupCommitMaxHz bounds how often queued requests are
// flushed; 0 disables pacing and flushes every request as soon as it is
// dequeued.
func newTransactionManager(seqCache *SequenceCache, resolveNext func(string) (uint64, error), commitFn func([]*pendingAppend), groupCommitMaxHz float64, cacheHit func()) *TransactionManager {
	var limiter *rate.Limiter
	if groupCommitMaxHz > 0 {
		limiter = rate.NewLimiter(rate.Limit(groupCommitMaxHz), 1)
	}
	tm := &TransactionManager{
		seqCache:    seqCache,
		resolveNext: resolveNext,
		commitFn:    commitFn,
		cacheHit:    cacheHit,
		limiter:     limiter,
		in:          make(chan *pendingAppend, 256),
		closed:      make(chan struct{}),
	}
	tm.wg.Add(1)
	go tm.run()
	return tm
}

// ReserveSequenceNumbers implements spec.md §4.1's reserve_sequence_numbers:
// for every distinct aggregate id present among events (in first-appearance
// order), it claims the contiguous sequence range the batch declares for
// that aggregate. On the first mismatch, every reservation already made by
// this call is rolled back and InvalidSequence is returned.
func (tm *TransactionManager) ReserveSequenceNumbers(events []types.Event) (*ReleaseHandle, error) {
	order := make([]string, 0, len(events))
	counts := make(map[string]uint64, len(events))
	firstDeclared := make(map[string]uint64, len(events))
	for _, ev := range events {
		if !ev.IsDomainEvent() {
			continue
		}
		if _, ok := counts[ev.AggregateIdentifier]; !ok {
			order = append(order, ev.AggregateIdentifier)
			firstDeclared[ev.AggregateIdentifier] = ev.AggregateSequenceNumber
		}
		counts[ev.AggregateIdentifier]++
	}

	h := &ReleaseHandle{cache: tm.seqCache}
	for _, id := range order {
		resolve := func() (uint64, error) { return tm.resolveNext(id) }
		reserved, err := tm.seqCache.Claim(id, firstDeclared[id], counts[id], resolve, tm.cacheHit)
		if err != nil {
			h.Rollback()
			return nil, err
		}
		h.aggregates = append(h.aggregates, reservedAggregate{id: id, firstSequence: reserved})
	}
	return h, nil
}

// StoreBatch queues events for the writer loop and blocks until the batch
// is durably appended (or ctx is cancelled first), returning the first
// token assigned. Reservations must already be held via
// ReserveSequenceNumbers before calling StoreBatch.
func (tm *TransactionManager) StoreBatch(ctx context.Context, events []types.Event) (uint64, error) {
	if ctx.Err() != nil {
		return 0, types.ErrAppendCancelled
	}
	select {
	case <-tm.closed:
		return 0, types.ErrClosed
	default:
	}
	p := &pendingAppend{ctx: ctx, events: events, enqueuedAt: time.Now(), done: make(chan struct{})}
	select {
	case tm.in <- p:
	case <-ctx.Done():
		return 0, types.ErrAppendCancelled
	case <-tm.closed:
		return 0, types.ErrClosed
	}

	select {
	case <-p.done:
		return p.firstToken, p.err
	case <-ctx.Done():
		// The append may still complete and be durably written; per
		// spec.md §5, a cancelled future does not undo a write already
		// handed to fsync.
		return 0, types.ErrAppendCancelled
	}
}

// run is the background writer loop. It dequeues one request, then
// opportunistically drains whatever else is already queued (bounded by the
// channel's buffer) into the same batch before calling commitFn, giving
// concurrent appenders a single shared fsync per flush.
func (tm *TransactionManager) run() {
	defer tm.wg.Done()
	for {
		var first *pendingAppend
		select {
		case first = <-tm.in:
		case <-tm.closed:
			return
		}

		if tm.limiter != nil {
			_ = tm.limiter.Wait(context.Background())
		}

		batch := []*pendingAppend{first}
	drain:
		for {
			select {
			case p := <-tm.in:
				batch = append(batch, p)
			default:
				break drain
			}
		}

		tm.commitFn(batch)
		for _, p := range batch {
			close(p.done)
		}
	}
}

// Close stops the writer loop. Queued requests that have not yet been
// dequeued fail with ErrClosed; in-flight commitFn calls are allowed to
// finish.
func (tm *TransactionManager) Close() {
	tm.closeOnce.Do(func() { close(tm.closed) })
	tm.wg.Wait()
	for {
		select {
		case p := <-tm.in:
			p.err = types.ErrClosed
			close(p.done)
		default:
			return
		}
	}
}
