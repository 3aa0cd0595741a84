// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// TransactionVersion is the on-disk version tag for the transaction record
// format described in spec.md §6.
const TransactionVersion = 2

// castagnoliTable matches the convention used throughout the corpus (e.g.
// Prometheus's TSDB WAL) for checksummed append-only log formats.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Transaction is a contiguous, CRC-protected run of 1..N events sharing a
// single commit. A transaction never straddles a segment boundary.
type Transaction struct {
	Events []Event
}

// Encode serializes the transaction as:
//
//	[length:u32][version:u8][count:u16] (event: [length:u32][bytes])* [crc32:u32]
//
// length is the number of bytes following the length field itself, i.e. it
// does not include the 4 bytes of the length field.
func (t *Transaction) Encode() ([]byte, error) {
	b, _, err := t.EncodeWithOffsets()
	return b, err
}

// EncodeWithOffsets is Encode plus the byte offset, relative to the start of
// the returned slice (i.e. relative to the transaction's own length prefix),
// of each event's own [length:u32][bytes] framing. Index entries store this
// offset (added to the transaction's file offset) as offset_in_segment so a
// single event can be fetched in O(1) without rescanning the transaction,
// per the glossary's "Index entry" definition.
func (t *Transaction) EncodeWithOffsets() ([]byte, []uint32, error) {
	if len(t.Events) == 0 {
		return nil, nil, fmt.Errorf("transaction must have at least one event")
	}
	if len(t.Events) > 0xFFFF {
		return nil, nil, fmt.Errorf("transaction has too many events: %d", len(t.Events))
	}

	body := make([]byte, 0, 128*len(t.Events))
	body = append(body, TransactionVersion)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(t.Events)))

	offsets := make([]uint32, len(t.Events))
	for i := range t.Events {
		// +4 accounts for the leading transaction length prefix that will be
		// prepended to body below.
		offsets[i] = uint32(4 + len(body))
		eb := t.Events[i].Marshal()
		body = binary.LittleEndian.AppendUint32(body, uint32(len(eb)))
		body = append(body, eb...)
	}

	crc := crc32.Checksum(body, castagnoliTable)

	out := make([]byte, 0, 4+len(body)+4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)+4))
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, crc)
	return out, offsets, nil
}

// DecodeTransaction parses a transaction previously produced by Encode,
// starting at the length prefix. It returns the transaction, the number of
// bytes consumed (including the length prefix), and an error.
//
// The CRC is verified before any event becomes visible to the caller, per
// spec.md §3 ("A transaction's CRC must verify before its events become
// visible to readers.").
func DecodeTransaction(b []byte) (*Transaction, int, error) {
	tx, _, total, err := DecodeTransactionWithOffsets(b)
	return tx, total, err
}

// DecodeTransactionWithOffsets is DecodeTransaction plus the byte offset,
// relative to the start of b, of each event's own [length:u32][bytes]
// framing — the mirror of EncodeWithOffsets, used to rebuild index entries
// from a segment scan.
func DecodeTransactionWithOffsets(b []byte) (*Transaction, []uint32, int, error) {
	if len(b) < 4 {
		return nil, nil, 0, fmt.Errorf("%w: truncated transaction length", ErrCorrupt)
	}
	length := binary.LittleEndian.Uint32(b)
	total := 4 + int(length)
	if len(b) < total {
		return nil, nil, 0, fmt.Errorf("%w: truncated transaction body", ErrCorrupt)
	}

	body := b[4 : total-4]
	wantCRC := binary.LittleEndian.Uint32(b[total-4 : total])
	gotCRC := crc32.Checksum(body, castagnoliTable)
	if gotCRC != wantCRC {
		return nil, nil, 0, fmt.Errorf("%w: transaction crc mismatch", ErrCorrupt)
	}

	if len(body) < 3 {
		return nil, nil, 0, fmt.Errorf("%w: truncated transaction header", ErrCorrupt)
	}
	version := body[0]
	if version != TransactionVersion {
		return nil, nil, 0, fmt.Errorf("%w: unsupported transaction version %d", ErrCorrupt, version)
	}
	count := binary.LittleEndian.Uint16(body[1:3])
	rest := body[3:]
	consumed := 4 + 3 // length prefix + version + count

	events := make([]Event, 0, count)
	offsets := make([]uint32, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, nil, 0, fmt.Errorf("%w: truncated event length", ErrCorrupt)
		}
		offsets = append(offsets, uint32(consumed))
		elen := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		consumed += 4
		if uint32(len(rest)) < elen {
			return nil, nil, 0, fmt.Errorf("%w: truncated event body", ErrCorrupt)
		}
		var ev Event
		if err := ev.Unmarshal(rest[:elen]); err != nil {
			return nil, nil, 0, err
		}
		events = append(events, ev)
		rest = rest[elen:]
		consumed += int(elen)
	}

	return &Transaction{Events: events}, offsets, total, nil
}
