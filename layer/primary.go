// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"sync/atomic"

	"github.com/axonflow/eventstore/segment"
)

// PrimaryLayer is the head of the chain: the single mutable, memory-mapped
// segment currently accepting appends. There is exactly one PrimaryLayer per
// open engine; rotation replaces its wrapped *segment.Primary rather than
// constructing a new PrimaryLayer.
type PrimaryLayer struct {
	base

	mu        atomicPrimary
	openCount int64
	onAcquire func()
	onRelease func()
}

// atomicPrimary lets Rotate swap the wrapped segment without holding a lock
// across reads, matching the snapshot-and-swap style used by the Index
// Manager's immutable.SortedMap.
type atomicPrimary struct {
	v atomic.Pointer[segment.Primary]
}

// NewPrimaryLayer wraps p as the primary layer. onAcquire/onRelease mirror
// DiskLayer's open-count meter hooks.
func NewPrimaryLayer(p *segment.Primary, onAcquire, onRelease func()) *PrimaryLayer {
	l := &PrimaryLayer{onAcquire: onAcquire, onRelease: onRelease}
	l.mu.v.Store(p)
	return l
}

func (l *PrimaryLayer) Kind() Kind { return KindPrimary }

// Current returns the wrapped primary segment for the append path.
func (l *PrimaryLayer) Current() *segment.Primary { return l.mu.v.Load() }

// Rotate replaces the wrapped primary, e.g. after the old one is sealed and
// handed off to the completed layer. It does not close the old primary; the
// caller does that once in-flight readers have released it.
func (l *PrimaryLayer) Rotate(p *segment.Primary) {
	l.mu.v.Store(p)
}

func (l *PrimaryLayer) ContainsSegment(id uint64) bool {
	if p := l.Current(); p != nil && p.Info().FirstToken == id {
		return true
	}
	if n := l.Next(); n != nil {
		return n.ContainsSegment(id)
	}
	return false
}

func (l *PrimaryLayer) GetEventSource(segmentID uint64) (*EventSource, error) {
	p := l.Current()
	if p == nil || p.Info().FirstToken != segmentID {
		if n := l.Next(); n != nil {
			return n.GetEventSource(segmentID)
		}
		return nil, errSegmentUnavailable
	}
	atomic.AddInt64(&l.openCount, 1)
	if l.onAcquire != nil {
		l.onAcquire()
	}
	return newEventSource(p, p.Info(), func() {
		atomic.AddInt64(&l.openCount, -1)
		if l.onRelease != nil {
			l.onRelease()
		}
	}), nil
}

// GetSegmentFor returns the primary's own first token when token falls
// within or beyond it, else delegates to Next.
func (l *PrimaryLayer) GetSegmentFor(token uint64) (uint64, bool) {
	if p := l.Current(); p != nil && token >= p.Info().FirstToken {
		return p.Info().FirstToken, true
	}
	if n := l.Next(); n != nil {
		return n.GetSegmentFor(token)
	}
	return 0, false
}

func (l *PrimaryLayer) Segments() []uint64 {
	if p := l.Current(); p != nil {
		return []uint64{p.Info().FirstToken}
	}
	return nil
}

// OpenCount reports the current concurrency of borrowed EventSource handles
// against the primary, for metrics/diagnostics.
func (l *PrimaryLayer) OpenCount() int64 { return atomic.LoadInt64(&l.openCount) }
