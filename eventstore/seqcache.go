// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seqEntry is one aggregate's reservation state. Its own mutex serializes
// concurrent reservations against the same aggregate id, per spec.md §4.2
// ("use per-key mutual exclusion or a compare-and-swap loop").
type seqEntry struct {
	mu                sync.Mutex
	loaded            bool
	nextSequence      uint64
	lastTokenObserved uint64
}

// SequenceCache is the Sequence-Number Cache described in spec.md §4.2: a
// keyed map aggregate_id -> (next_sequence, last_token_observed), evicted by
// LRU beyond a configured capacity. Engine.Open registers its Reset as an
// engine close listener so shutdown drops every entry.
type SequenceCache struct {
	entries *lru.Cache[string, *seqEntry]
}

// NewSequenceCache constructs a cache holding at most capacity aggregates.
func NewSequenceCache(capacity int) (*SequenceCache, error) {
	c, err := lru.New[string, *seqEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &SequenceCache{entries: c}, nil
}

// entry returns the (possibly newly created) entry for aggregateID. Eviction
// of a live entry, per spec.md §4.2, simply forces the next caller to
// rebuild it via resolveNext; no lock is held across the miss.
func (c *SequenceCache) entry(aggregateID string) *seqEntry {
	if e, ok := c.entries.Get(aggregateID); ok {
		return e
	}
	e := &seqEntry{}
	c.entries.Add(aggregateID, e)
	return e
}

// Claim atomically reserves [next, next+count) for aggregateID, where next
// is either the cached next-expected sequence or, on a cold entry,
// resolveNext's answer. cacheHit, if non-nil, is called when an already
// -loaded entry served the reservation without consulting resolveNext. It
// fails with *InvalidSequenceError if firstDeclared does not match. On
// failure nothing is reserved.
func (c *SequenceCache) Claim(aggregateID string, firstDeclared uint64, count uint64, resolveNext func() (uint64, error), cacheHit func()) (reserved uint64, err error) {
	e := c.entry(aggregateID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.nextSequence
	if !e.loaded {
		next, err = resolveNext()
		if err != nil {
			return 0, err
		}
	} else if cacheHit != nil {
		cacheHit()
	}
	if firstDeclared != next {
		return 0, &InvalidSequenceError{Aggregate: aggregateID, Expected: next, Got: firstDeclared}
	}

	e.loaded = true
	e.nextSequence = next + count
	return next, nil
}

// ObserveToken records the token of the last persisted event for
// aggregateID, once the batch that Claim reserved has actually been
// written. It never touches nextSequence: that was already advanced
// optimistically at Claim time.
func (c *SequenceCache) ObserveToken(aggregateID string, token uint64) {
	e := c.entry(aggregateID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTokenObserved = token
}

// Rollback reverts a Claim that was never persisted, e.g. because the
// reserving batch's write failed or its handle was never committed.
func (c *SequenceCache) Rollback(aggregateID string, firstDeclared uint64) {
	e := c.entry(aggregateID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded && e.nextSequence > firstDeclared {
		e.nextSequence = firstDeclared
	}
}

// Reset drops every cached entry. Registered as an engine close listener.
func (c *SequenceCache) Reset() {
	c.entries.Purge()
}
