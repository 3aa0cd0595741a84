// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"

	"github.com/axonflow/eventstore/types"
)

// Scanner walks the transactions of a segment forward from its header,
// verifying each transaction's CRC before yielding it. It is the basis for
// index rebuild, the token-range transaction iterator, and range queries.
type Scanner struct {
	rf         types.ReadableFile
	firstToken uint64

	off        int64
	nextToken  uint64
	buf        []byte
	done       bool
}

// NewScanner creates a scanner starting at the segment header.
func NewScanner(rf types.ReadableFile, firstToken uint64) *Scanner {
	return &Scanner{
		rf:         rf,
		firstToken: firstToken,
		off:        HeaderLen,
		nextToken:  firstToken,
	}
}

// ScannedTransaction is one decoded transaction plus its placement.
// EventOffsets[i] is the absolute offset of Tx.Events[i]'s own
// [length:u32][bytes] framing, suitable for IndexEntry.OffsetInSegment.
type ScannedTransaction struct {
	Offset       uint32
	FirstToken   uint64
	Tx           *types.Transaction
	EventOffsets []uint32
}

// Next returns the next transaction, or io.EOF once the footer or a torn
// tail write is reached.
func (s *Scanner) Next() (*ScannedTransaction, error) {
	if s.done {
		return nil, io.EOF
	}

	// Read the 4-byte length prefix first so we know how much more to fetch.
	var lenBuf [4]byte
	if _, err := s.rf.ReadAt(lenBuf[:], s.off); err != nil {
		s.done = true
		return nil, io.EOF
	}
	length := le32(lenBuf[:])
	if length == FooterMagic || length == 0 {
		s.done = true
		return nil, io.EOF
	}

	total := 4 + int(length)
	if cap(s.buf) < total {
		s.buf = make([]byte, total)
	}
	s.buf = s.buf[:total]
	if _, err := s.rf.ReadAt(s.buf, s.off); err != nil {
		s.done = true
		return nil, io.EOF
	}

	tx, relOffsets, n, err := types.DecodeTransactionWithOffsets(s.buf)
	if err != nil {
		// Torn write or corruption: stop here, matching how Primary recovery
		// treats an undecodable tail record as "not yet durable".
		s.done = true
		return nil, io.EOF
	}
	if n != total {
		s.done = true
		return nil, fmt.Errorf("%w: transaction length mismatch", types.ErrCorrupt)
	}

	eventOffsets := make([]uint32, len(relOffsets))
	for i, rel := range relOffsets {
		eventOffsets[i] = uint32(s.off) + rel
	}

	st := &ScannedTransaction{Offset: uint32(s.off), FirstToken: s.nextToken, Tx: tx, EventOffsets: eventOffsets}
	s.nextToken += uint64(len(tx.Events))
	s.off += int64(total)
	return st, nil
}

// Offset returns the scanner's current read position, i.e. the byte
// immediately following the last transaction yielded by Next (or the
// header, before the first call). Used to locate the footer once scanning
// reaches io.EOF.
func (s *Scanner) Offset() int64 { return s.off }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
