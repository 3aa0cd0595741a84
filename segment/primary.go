// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/axonflow/eventstore/types"
)

// txRecord locates one transaction within the primary's mapped region, used
// to answer reads against the still-open (unsealed) tail without going
// through the Index Manager.
type txRecord struct {
	offset      uint32
	firstToken  uint64
	eventCount  int
}

// Primary is the mutable, memory-mapped current segment. A single writer
// appends to its tail; many readers may concurrently call ReadAt. Per
// spec.md §4.3, no event is visible until its enclosing transaction's CRC
// has been written, which Append guarantees by only advancing the committed
// length after the bytes (including the CRC trailer) are mapped in.
type Primary struct {
	mu sync.RWMutex

	f   *os.File
	mm  []byte // mmap'd region, length == info.SizeLimit
	info types.SegmentInfo

	committed uint32 // bytes written so far, including HeaderLen
	sealed    bool
	txs       []txRecord
}

// CreatePrimary creates a new primary segment file at path, truncated to
// sizeLimit bytes and memory-mapped for read/write.
func CreatePrimary(path string, info types.SegmentInfo, sizeLimit uint32) (*Primary, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(sizeLimit)); err != nil {
		f.Close()
		return nil, err
	}
	mm, err := unix.Mmap(int(f.Fd()), 0, int(sizeLimit), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap primary segment: %w", err)
	}

	writeHeader(mm, 0)
	info.SizeLimit = sizeLimit
	p := &Primary{
		f:         f,
		mm:        mm,
		info:      info,
		committed: HeaderLen,
	}
	if err := p.syncRange(0, HeaderLen); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// RecoverPrimary reopens an existing, previously-unsealed segment file on
// startup and replays its transactions to determine the valid committed
// length, discarding any torn write left by a crash mid-append.
func RecoverPrimary(path string, info types.SegmentInfo, sizeLimit uint32) (*Primary, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fileSize := sizeLimit
	if st.Size() < int64(sizeLimit) {
		if err := f.Truncate(int64(sizeLimit)); err != nil {
			f.Close()
			return nil, err
		}
	} else if st.Size() > int64(sizeLimit) {
		fileSize = uint32(st.Size())
	}

	mm, err := unix.Mmap(int(f.Fd()), 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap primary segment: %w", err)
	}

	if _, _, err := readHeader(mm); err != nil {
		unix.Munmap(mm)
		f.Close()
		return nil, err
	}

	p := &Primary{
		f:         f,
		mm:        mm,
		info:      info,
		committed: HeaderLen,
	}
	p.info.SizeLimit = sizeLimit

	nextToken := info.FirstToken
	off := HeaderLen
	for {
		tx, n, err := types.DecodeTransaction(mm[off:])
		if err != nil {
			// Torn or absent tail write: stop here. Everything before this
			// point is durable and CRC-verified.
			break
		}
		p.txs = append(p.txs, txRecord{offset: uint32(off), firstToken: nextToken, eventCount: len(tx.Events)})
		nextToken += uint64(len(tx.Events))
		off += n
		p.committed = uint32(off)
	}
	p.info.EventCount = nextToken - info.FirstToken
	return p, nil
}

// Append writes one pre-encoded transaction record (as produced by
// (*types.Transaction).EncodeWithOffsets) to the tail of the mapped file. It
// returns the transaction's own byte offset and the absolute per-event
// offsets (relativeEventOffsets shifted by that transaction offset), which
// the caller feeds to the Index Manager as IndexEntry.OffsetInSegment.
func (p *Primary) Append(txBytes []byte, relativeEventOffsets []uint32, firstToken uint64) (txOffset uint32, eventOffsets []uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		return 0, nil, types.ErrSealed
	}
	start := p.committed
	end := start + uint32(len(txBytes))
	if end > uint32(len(p.mm)) {
		return 0, nil, fmt.Errorf("%w: transaction does not fit in remaining segment space", types.ErrCorrupt)
	}
	copy(p.mm[start:end], txBytes)
	if err := p.syncRange(int(start), int(end)); err != nil {
		return 0, nil, err
	}

	eventCount := len(relativeEventOffsets)
	p.txs = append(p.txs, txRecord{offset: start, firstToken: firstToken, eventCount: eventCount})
	p.committed = end
	p.info.EventCount += uint64(eventCount)

	eventOffsets = make([]uint32, eventCount)
	for i, rel := range relativeEventOffsets {
		eventOffsets[i] = start + rel
	}
	return start, eventOffsets, nil
}

// AppendItem is one transaction queued for a group-committed write, per
// spec.md §5's group-commit barrier.
type AppendItem struct {
	TxBytes              []byte
	RelativeEventOffsets []uint32
	FirstToken           uint64
}

// AppendResult mirrors one AppendItem's outcome from AppendBatch.
type AppendResult struct {
	TxOffset     uint32
	EventOffsets []uint32
}

// AppendBatch writes every item to the tail under a single lock acquisition
// and a single syncRange covering the whole batch, so the writer loop pays
// one msync/fsync pair per flush instead of one per transaction. Results are
// returned in the same order as items; on error, none of the batch is
// considered committed even though earlier items may already be copied into
// the mapped region; the caller must not rely on partial durability.
func (p *Primary) AppendBatch(items []AppendItem) ([]AppendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		return nil, types.ErrSealed
	}
	batchStart := p.committed
	results := make([]AppendResult, len(items))
	newTxs := make([]txRecord, 0, len(items))
	var newEvents uint64
	cursor := batchStart
	for i, it := range items {
		start := cursor
		end := start + uint32(len(it.TxBytes))
		if end > uint32(len(p.mm)) {
			return nil, fmt.Errorf("%w: transaction does not fit in remaining segment space", types.ErrCorrupt)
		}
		copy(p.mm[start:end], it.TxBytes)

		eventCount := len(it.RelativeEventOffsets)
		newTxs = append(newTxs, txRecord{offset: start, firstToken: it.FirstToken, eventCount: eventCount})
		newEvents += uint64(eventCount)

		eventOffsets := make([]uint32, eventCount)
		for j, rel := range it.RelativeEventOffsets {
			eventOffsets[j] = start + rel
		}
		results[i] = AppendResult{TxOffset: start, EventOffsets: eventOffsets}
		cursor = end
	}

	if err := p.syncRange(int(batchStart), int(cursor)); err != nil {
		return nil, err
	}
	p.txs = append(p.txs, newTxs...)
	p.info.EventCount += newEvents
	p.committed = cursor
	return results, nil
}

// CommittedLength returns the number of durably written bytes, including the
// header.
func (p *Primary) CommittedLength() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.committed
}

// Full reports whether the next append is likely to exceed maxSize, leaving
// room for the footer.
func (p *Primary) Full(maxSize uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.committed+FooterLen >= maxSize
}

// ReadAt implements types.ReadableFile against the mapped region, bounded by
// the committed length so a reader never observes an uncommitted or
// in-flight write.
func (p *Primary) ReadAt(b []byte, off int64) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if off < 0 || off >= int64(p.committed) {
		return 0, fmt.Errorf("%w: offset out of range", types.ErrNotFound)
	}
	n := copy(b, p.mm[off:p.committed])
	return n, nil
}

// OffsetForToken returns the byte offset of the transaction whose first
// token is <= token and token < firstToken+eventCount, answering reads
// against the unsealed tail before the Index Manager has an on-disk index
// for this segment.
func (p *Primary) OffsetForToken(token uint64) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// Linear scan is fine: the live tail holds at most one segment's worth of
	// transactions and this is only used until the segment seals.
	for _, tr := range p.txs {
		if token >= tr.firstToken && token < tr.firstToken+uint64(tr.eventCount) {
			return tr.offset, nil
		}
	}
	return 0, types.ErrNotFound
}

// Info returns a snapshot of the segment's current descriptor.
func (p *Primary) Info() types.SegmentInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Seal writes the footer, fsyncs, and marks the segment immutable. The
// caller is responsible for reopening it read-only via a Filer for handover
// to the completed layer.
func (p *Primary) Seal() (types.SegmentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return p.info, nil
	}

	footer := make([]byte, FooterLen)
	binary.LittleEndian.PutUint32(footer, FooterMagic)
	end := p.committed + FooterLen
	if end > uint32(len(p.mm)) {
		return p.info, fmt.Errorf("%w: no room for footer", types.ErrCorrupt)
	}
	copy(p.mm[p.committed:end], footer)
	if err := p.syncRange(int(p.committed), int(end)); err != nil {
		return p.info, err
	}

	if err := p.f.Truncate(int64(end)); err != nil {
		return p.info, err
	}
	p.committed = end
	p.sealed = true
	p.info.SealTime = time.Now()
	return p.info, nil
}

func (p *Primary) syncRange(start, end int) error {
	if end <= start {
		return nil
	}
	if err := unix.Msync(p.mm[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return p.f.Sync()
}

// Close unmaps and closes the underlying file descriptor.
func (p *Primary) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.mm != nil {
		err = unix.Munmap(p.mm)
		p.mm = nil
	}
	if cerr := p.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
