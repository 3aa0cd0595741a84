// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the on-disk segment binary format described in
// spec.md §6: a memory-mapped, append-only primary segment and a read-only
// segment reader, plus the directory-backed filer that creates, opens, lists
// and renames segment files.
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/axonflow/eventstore/types"
)

// FileVersion is the segment file format version written to every segment's
// header, per spec.md §6.
const FileVersion = 2

// FooterMagic terminates a sealed segment file so readers can distinguish a
// cleanly closed segment from one truncated mid-write during a crash.
const FooterMagic uint32 = 0xE5E1E9E7

// HeaderLen is the number of bytes occupied by [file_version:u8][flags:u32].
const HeaderLen = 1 + 4

// FooterLen is the number of bytes occupied by the trailing magic.
const FooterLen = 4

// EventsSuffix and IndexSuffix/BloomSuffix are the current on-disk file
// name suffixes for a segment identified by its first token.
const (
	EventsSuffix = ".events"
	IndexSuffix  = ".index"
	BloomSuffix  = ".bloom"
)

// Legacy suffixes recognized and renamed in place at startup, per spec.md §6.
const (
	LegacyEventsSuffix = ".data"
	LegacyIndexSuffix  = ".idx"
	LegacyBloomSuffix  = ".bf"
)

// FileName returns the current-format file name for a segment identified by
// firstToken with the given suffix.
func FileName(firstToken uint64, suffix string) string {
	return fmt.Sprintf("%d%s", firstToken, suffix)
}

// writeHeader encodes [file_version:u8][flags:u32] into the first HeaderLen
// bytes of buf.
func writeHeader(buf []byte, flags uint32) {
	buf[0] = FileVersion
	binary.LittleEndian.PutUint32(buf[1:HeaderLen], flags)
}

func readHeader(buf []byte) (version uint8, flags uint32, err error) {
	if len(buf) < HeaderLen {
		return 0, 0, fmt.Errorf("%w: segment header truncated", types.ErrCorrupt)
	}
	version = buf[0]
	flags = binary.LittleEndian.Uint32(buf[1:HeaderLen])
	if version != FileVersion {
		return version, flags, fmt.Errorf("%w: unsupported segment version %d", types.ErrCorrupt, version)
	}
	return version, flags, nil
}
