// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// SegmentInfo describes one segment file's identity and retention bounds.
// The segment id equals the token of its first event (spec.md §3).
type SegmentInfo struct {
	// ID is a bookkeeping id distinct from FirstToken. Segment files are
	// named by FirstToken, not by ID, and the engine leaves ID at zero.
	ID uint64

	// FirstToken is the token of the first event in the segment; it is also
	// the segment's identity for layer/index lookups.
	FirstToken uint64

	// EventCount is the number of events in the segment. It is authoritative
	// only once SealTime is non-zero; for the unsealed tail it is a lower
	// bound tracked by the writer's in-memory state.
	EventCount uint64

	// SizeLimit is the configured max_segment_size at creation time.
	SizeLimit uint32

	CreateTime time.Time
	SealTime   time.Time // zero value means still the unsealed primary
}

// Sealed reports whether the segment has been closed and handed to the
// completed layer.
func (si SegmentInfo) Sealed() bool { return !si.SealTime.IsZero() }

// NextFirstToken is the FirstToken the following segment must have for the
// chain to be contiguous, per spec.md §3's density invariant.
func (si SegmentInfo) NextFirstToken() uint64 { return si.FirstToken + si.EventCount }

// IndexEntry locates one event within a specific segment.
type IndexEntry struct {
	SequenceNumber  uint64
	OffsetInSegment uint32
	Token           uint64
}

// ReadableFile is the minimal random-access read surface a segment reader
// needs, satisfied by both *os.File and a memory-mapped byte slice wrapper.
type ReadableFile interface {
	io.Closer
	ReadAt(p []byte, off int64) (int, error)
}

// WritableSegment is the mutable primary segment's contract: append
// transactions, answer reads against the in-memory tail state, and seal.
type WritableSegment interface {
	ReadableFile

	// Append writes one already-encoded transaction record to the tail and
	// returns the transaction's own byte offset plus the absolute offset of
	// each event within it, derived from relativeEventOffsets (as produced by
	// (*Transaction).EncodeWithOffsets).
	Append(txBytes []byte, relativeEventOffsets []uint32, firstToken uint64) (txOffset uint32, eventOffsets []uint32, err error)

	// CommittedLength is the number of bytes durably written so far.
	CommittedLength() uint32

	// Full reports whether the next append would likely exceed maxSize,
	// leaving room for the footer. Returning true triggers a seal.
	Full(maxSize uint32) bool

	// Seal finalizes the segment: writes the footer, fsyncs, and makes the
	// segment immutable. After Seal returns, Append must fail with
	// ErrSealed.
	Seal() (SegmentInfo, error)

	Info() SegmentInfo
}

// ReadableSegment is a sealed, read-only segment file.
type ReadableSegment interface {
	ReadableFile
	Info() SegmentInfo
}

// MetaStore persists the engine's segment roster and token watermarks across
// restarts. Startup recovery still probes every segment file.
type MetaStore interface {
	io.Closer
	Load() (PersistentState, error)
	CommitState(PersistentState) error
}

// PersistentState is the durable record of the engine's segment roster.
type PersistentState struct {
	NextSegmentID uint64
	FirstToken    uint64
	Segments      []SegmentInfo
}

// ReadEventAt decodes a single event directly from its own
// [length:u32][bytes] framing at offset, without needing the enclosing
// transaction's bounds. This is the O(1) retrieval path an IndexEntry's
// OffsetInSegment enables, per the glossary's "Index entry" definition.
func ReadEventAt(rf ReadableFile, offset uint32) (*Event, error) {
	var lenBuf [4]byte
	if _, err := rf.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, length)
	if _, err := rf.ReadAt(buf, int64(offset)+4); err != nil {
		return nil, err
	}
	var ev Event
	if err := ev.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("%w: decoding event at offset %d: %v", ErrCorrupt, offset, err)
	}
	return &ev, nil
}
