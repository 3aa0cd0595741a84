// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package layer implements the segment layer chain described in spec.md
// §4.3-§4.5: a tagged variant (Primary / Completed / Cold) sharing one
// capability set, each holding a `next` pointer to the layer below so a
// lookup that misses falls through to older tiers.
package layer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

// Kind tags which tier of the chain a Layer implements.
type Kind int

const (
	KindPrimary Kind = iota
	KindCompleted
	KindCold
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindCompleted:
		return "completed"
	case KindCold:
		return "cold"
	default:
		return "unknown"
	}
}

// EventSource is a scoped, reference-counted handle on one segment's
// readable bytes. It must be released on every exit path; Close only
// decrements the layer's open-count meter, it does not close the
// underlying file descriptor, which is owned by the layer's cache.
type EventSource struct {
	rf       types.ReadableFile
	info     types.SegmentInfo
	released int32
	onClose  func()
}

// newEventSource wraps rf as a scoped handle. onRelease is invoked exactly
// once, when Close is first called; the caller is responsible for the
// symmetric acquisition-side increment before constructing the handle.
func newEventSource(rf types.ReadableFile, info types.SegmentInfo, onRelease func()) *EventSource {
	return &EventSource{rf: rf, info: info, onClose: onRelease}
}

// ReadEvent fetches one event by its IndexEntry.OffsetInSegment.
func (es *EventSource) ReadEvent(offset uint32) (*types.Event, error) {
	return types.ReadEventAt(es.rf, offset)
}

// Transactions returns a forward scanner over this segment's transactions.
func (es *EventSource) Transactions() *segment.Scanner {
	return segment.NewScanner(es.rf, es.info.FirstToken)
}

// Info returns the segment's descriptor.
func (es *EventSource) Info() types.SegmentInfo { return es.info }

// Close releases this borrowed view, decrementing the owning layer's
// open-count meter exactly once. Idempotent and safe to call on every exit
// path, including after cancellation.
func (es *EventSource) Close() error {
	if atomic.CompareAndSwapInt32(&es.released, 0, 1) && es.onClose != nil {
		es.onClose()
	}
	return nil
}

// Layer is the capability set every tier of the chain implements, per
// spec.md §9's design note ("Reimplement as a tagged variant ... sharing a
// capability set ... and a next: Option<Layer>").
type Layer interface {
	Kind() Kind

	// ContainsSegment reports whether id is managed by this layer,
	// delegating to Next when this layer cannot answer, per spec.md §4.5.
	ContainsSegment(id uint64) bool

	// GetEventSource returns a scoped handle for reading segmentID.
	GetEventSource(segmentID uint64) (*EventSource, error)

	// GetSegmentFor returns the greatest managed segment id <= token,
	// delegating to Next on a miss, per spec.md §9's Open Question (a).
	GetSegmentFor(token uint64) (uint64, bool)

	// Segments returns this layer's own managed segment ids, descending.
	Segments() []uint64

	// Next returns the layer this one falls back to, or nil.
	Next() Layer
	SetNext(n Layer)
}

// base provides the next-pointer chaining shared by every concrete layer.
type base struct {
	mu   sync.RWMutex
	next Layer
}

func (b *base) Next() Layer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}

func (b *base) SetNext(n Layer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = n
}

// errSegmentUnavailable is returned by the terminal layer in the chain (the
// one with no Next) when a requested segment id is not managed by any tier,
// per spec.md §4.5.
var errSegmentUnavailable = fmt.Errorf("%w", types.ErrSegmentUnavailable)
