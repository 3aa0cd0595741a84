// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

// RecentOnly, passed as maxSegmentsHint, makes GetLastSequenceNumber use
// recentOnlyCap as its segment limit.
const RecentOnly = -1

const recentOnlyCap = 10

// segmentIndexState is one segment's loaded index: its entries keyed by
// aggregate identifier, and its Bloom filter for fast negative lookups.
type segmentIndexState struct {
	info    types.SegmentInfo
	entries map[string][]types.IndexEntry
	bloom   *bloom.BloomFilter
}

// SegmentEntries pairs a segment id with the subset of its index entries
// matching a lookup.
type SegmentEntries struct {
	SegmentID uint64
	Entries   []types.IndexEntry
}

// Manager is the Index Manager described in spec.md §4.6. It exclusively
// owns its in-memory index state; callers obtain short-lived borrowed
// views via the lookup methods, which snapshot the underlying immutable
// SortedMap so concurrent rotations never invalidate an in-flight read.
type Manager struct {
	mu  sync.RWMutex
	fs  *segment.Filer
	fpp float64

	// segments is keyed by FirstToken, ascending. Readers that need newest
	// first iterate via Last()/Prev(), mirroring the teacher's descending
	// truncate-tail walk.
	segments *immutable.SortedMap[uint64, *segmentIndexState]

	// staging holds entries accumulated for a segment that has not yet been
	// completed: either the live primary's in-flight per-aggregate position
	// buffer (spec.md §4.3), or entries rebuilt during recovery pending
	// add_to_active_segment/complete (spec.md §4.6).
	staging map[uint64]map[string][]types.IndexEntry

	// activeFirstToken names which staged segment is the currently open
	// primary, so lookups can see events appended since the last rollover
	// without waiting for Complete. Other staging entries (index rebuilds in
	// flight during recovery) are not searched until Complete promotes them.
	activeFirstToken uint64
	hasActive        bool
}

// NewManager constructs an Index Manager rooted at the same directory as fs.
func NewManager(fs *segment.Filer, fpp float64) *Manager {
	if fpp <= 0 {
		fpp = DefaultFalsePositiveRate
	}
	return &Manager{
		fs:      fs,
		fpp:     fpp,
		staging: make(map[uint64]map[string][]types.IndexEntry),
	}
}

// LoadSegment registers an already-completed segment's index and Bloom
// filter from disk, used at startup once validation confirms the index is
// valid (or after a rebuild has completed).
func (m *Manager) LoadSegment(info types.SegmentInfo) error {
	entries, err := readIndexFile(m.fs.IndexPath(info.FirstToken))
	if err != nil {
		return err
	}
	bf, err := readBloomFile(m.fs.BloomPath(info.FirstToken))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.segments == nil {
		m.segments = &immutable.SortedMap[uint64, *segmentIndexState]{}
	}
	m.segments = m.segments.Set(info.FirstToken, &segmentIndexState{info: info, entries: entries, bloom: bf})
	return nil
}

// SetActive designates which staged segment is the currently open primary,
// per spec.md §4.3's "reads fall back to the persisted segment once the
// hand-over callback fires; until then, the primary serves its own reads".
// Aggregate lookups treat this segment as the newest, searching its staged
// entries ahead of every completed segment. Called once when a primary is
// created and again on every rollover.
func (m *Manager) SetActive(firstToken uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeFirstToken = firstToken
	m.hasActive = true
}

// AddLive records one index entry for an event appended to the still-open
// primary segment, before it has been sealed and completed.
func (m *Manager) AddLive(firstToken uint64, aggregateID string, entry types.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.staging[firstToken]
	if seg == nil {
		seg = make(map[string][]types.IndexEntry)
		m.staging[firstToken] = seg
	}
	seg[aggregateID] = append(seg[aggregateID], entry)
}

// AddToActiveSegment seeds (or replaces) the staging entries for a segment,
// used by recovery after rebuilding an index from a full segment scan.
func (m *Manager) AddToActiveSegment(info types.SegmentInfo, entries map[string][]types.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging[info.FirstToken] = entries
}

// Complete finalizes the staged entries for a segment: builds its Bloom
// filter, persists index and Bloom files, and makes the segment visible to
// lookups. It is called at primary rollover and at the end of index rebuild.
func (m *Manager) Complete(info types.SegmentInfo) error {
	m.mu.Lock()
	entries := m.staging[info.FirstToken]
	if entries == nil {
		entries = make(map[string][]types.IndexEntry)
	}
	delete(m.staging, info.FirstToken)
	m.mu.Unlock()

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	bf := buildBloom(ids, m.fpp)

	if err := writeIndexFile(m.fs.IndexPath(info.FirstToken), entries); err != nil {
		return fmt.Errorf("writing index file: %w", err)
	}
	if err := writeBloomFile(m.fs.BloomPath(info.FirstToken), bf); err != nil {
		return fmt.Errorf("writing bloom file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.segments == nil {
		m.segments = &immutable.SortedMap[uint64, *segmentIndexState]{}
	}
	m.segments = m.segments.Set(info.FirstToken, &segmentIndexState{info: info, entries: entries, bloom: bf})
	return nil
}

// Forget drops a segment from the manager's in-memory state, used when a
// segment is deleted by a front/back truncation performed above the core.
func (m *Manager) Forget(firstToken uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.segments != nil {
		m.segments = m.segments.Delete(firstToken)
	}
	delete(m.staging, firstToken)
}

// snapshot returns the current immutable segment map without holding the
// lock for the duration of a lookup, per spec.md §4.6 ("concurrent calls
// share immutable index snapshots").
func (m *Manager) snapshot() *immutable.SortedMap[uint64, *segmentIndexState] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.segments == nil {
		return &immutable.SortedMap[uint64, *segmentIndexState]{}
	}
	return m.segments
}

// candidateSegment is one segment considered by a lookup, newest-first.
type candidateSegment struct {
	id      uint64
	entries []types.IndexEntry
}

// candidatesDescending builds the newest-first scan order a lookup walks:
// the active (still-open) primary's staged entries, if it already has any
// for this aggregate, followed by every completed segment whose Bloom
// filter does not rule the aggregate out.
func (m *Manager) candidatesDescending(aggregateID string) []candidateSegment {
	m.mu.RLock()
	var out []candidateSegment
	if m.hasActive {
		if all, ok := m.staging[m.activeFirstToken][aggregateID]; ok {
			out = append(out, candidateSegment{id: m.activeFirstToken, entries: all})
		}
	}
	m.mu.RUnlock()

	snap := m.snapshot()
	it := snap.Iterator()
	it.Last()
	for !it.Done() {
		_, st, ok := it.Prev()
		if !ok {
			break
		}
		if st.bloom != nil && !st.bloom.TestString(aggregateID) {
			continue
		}
		all, ok := st.entries[aggregateID]
		if !ok {
			continue
		}
		out = append(out, candidateSegment{id: st.info.FirstToken, entries: all})
	}
	return out
}

// LookupAggregate implements spec.md §4.6's lookup_aggregate: it walks
// segments newest-first, uses the Bloom filter to skip segments that cannot
// contain the aggregate, keeps only entries whose token is >= minToken and
// whose sequence is in [firstSeq, lastSeq), and stops early once maxResults
// entries have been gathered. The result is returned ascending by segment id
// so callers can replay it forward directly.
func (m *Manager) LookupAggregate(aggregateID string, firstSeq, lastSeq uint64, maxResults int, minToken uint64) []SegmentEntries {
	var out []SegmentEntries
	total := 0

	for _, cand := range m.candidatesDescending(aggregateID) {
		var matched []types.IndexEntry
		for _, e := range cand.entries {
			if e.Token < minToken {
				continue
			}
			if e.SequenceNumber < firstSeq || e.SequenceNumber >= lastSeq {
				continue
			}
			matched = append(matched, e)
		}
		if len(matched) == 0 {
			continue
		}
		out = append(out, SegmentEntries{SegmentID: cand.id, Entries: matched})
		total += len(matched)
		if maxResults > 0 && total >= maxResults {
			break
		}
	}

	// Reverse to ascending segment id order (we walked newest first above).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// LastIndexEntries finds the newest segment containing the aggregate at or
// below maxSequence, per spec.md §4.6.
func (m *Manager) LastIndexEntries(aggregateID string, maxSequence uint64) (SegmentEntries, bool) {
	for _, cand := range m.candidatesDescending(aggregateID) {
		var matched []types.IndexEntry
		for _, e := range cand.entries {
			if e.SequenceNumber <= maxSequence {
				matched = append(matched, e)
			}
		}
		if len(matched) > 0 {
			return SegmentEntries{SegmentID: cand.id, Entries: matched}, true
		}
	}
	return SegmentEntries{}, false
}

// GetLastSequenceNumber walks, newest-first, only the segments whose index
// holds aggregateID (skipping those above maxTokenHint) and returns the
// highest sequence in the first one. Every segment visited holds the
// aggregate, so the maxSegmentsHint/RecentOnly limit never ends the walk
// before a hit: an aggregate present only in an older segment is still found.
func (m *Manager) GetLastSequenceNumber(aggregateID string, maxSegmentsHint int, maxTokenHint uint64) (uint64, bool) {
	limit := maxSegmentsHint
	if limit == RecentOnly {
		limit = recentOnlyCap
	}

	seen := 0
	for _, cand := range m.candidatesDescending(aggregateID) {
		if maxTokenHint > 0 && cand.id > maxTokenHint {
			continue
		}
		seen++
		if len(cand.entries) > 0 {
			best := cand.entries[0].SequenceNumber
			for _, e := range cand.entries {
				if e.SequenceNumber > best {
					best = e.SequenceNumber
				}
			}
			return best, true
		}
		if limit > 0 && seen >= limit {
			break
		}
	}
	return 0, false
}

// ValidIndex verifies that the on-disk index file for a segment decodes and
// that every entry's offset resolves to an event whose (aggregate_id,
// sequence, token) matches exactly, per spec.md §3's index validity
// invariant. Token has no on-disk representation of its own (it is purely
// positional), so the segment is scanned from its head to recover each
// event's true token, the same way recovery.rebuildIndex does.
func (m *Manager) ValidIndex(info types.SegmentInfo) bool {
	entries, err := readIndexFile(m.fs.IndexPath(info.FirstToken))
	if err != nil {
		return false
	}

	r, err := m.fs.Open(info)
	if err != nil {
		return false
	}
	defer r.Close()

	trueTokens := make(map[uint32]uint64)
	sc := segment.NewScanner(r, info.FirstToken)
	for {
		st, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false
		}
		for i := range st.Tx.Events {
			trueTokens[st.EventOffsets[i]] = st.FirstToken + uint64(i)
		}
	}

	for aggregateID, list := range entries {
		for _, e := range list {
			ev, err := types.ReadEventAt(r, e.OffsetInSegment)
			if err != nil {
				return false
			}
			token, ok := trueTokens[e.OffsetInSegment]
			if ev.AggregateIdentifier != aggregateID || ev.AggregateSequenceNumber != e.SequenceNumber || !ok || e.Token != token {
				return false
			}
		}
	}
	return true
}
