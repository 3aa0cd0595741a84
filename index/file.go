// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/axonflow/eventstore/types"
)

// Index file layout (little-endian), a self-describing map of aggregate
// identifier to its ordered index entries within one segment:
//
//	[magic:u32][version:u8][aggregate_count:u32]
//	per aggregate:
//	  [key_len:u16][key bytes][entry_count:u32]
//	  per entry: [sequence:u64][offset:u32][token:u64]

const (
	indexFileMagic   uint32 = 0x49445831 // "IDX1"
	indexFileVersion uint8  = 1
	entryWireLen            = 8 + 4 + 8
)

// writeIndexFile persists entries atomically via temp-file-then-rename.
func writeIndexFile(path string, entries map[string][]types.IndexEntry) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)

	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], indexFileMagic)
	hdr[4] = indexFileVersion
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}

	for key, list := range entries {
		if len(key) > 0xFFFF {
			fh.Close()
			os.Remove(tmp)
			return fmt.Errorf("aggregate identifier too long: %d bytes", len(key))
		}
		var klenBuf [2]byte
		binary.LittleEndian.PutUint16(klenBuf[:], uint16(len(key)))
		if _, err := w.Write(klenBuf[:]); err != nil {
			fh.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.WriteString(key); err != nil {
			fh.Close()
			os.Remove(tmp)
			return err
		}
		var cntBuf [4]byte
		binary.LittleEndian.PutUint32(cntBuf[:], uint32(len(list)))
		if _, err := w.Write(cntBuf[:]); err != nil {
			fh.Close()
			os.Remove(tmp)
			return err
		}
		var eb [entryWireLen]byte
		for _, e := range list {
			binary.LittleEndian.PutUint64(eb[0:8], e.SequenceNumber)
			binary.LittleEndian.PutUint32(eb[8:12], e.OffsetInSegment)
			binary.LittleEndian.PutUint64(eb[12:20], e.Token)
			if _, err := w.Write(eb[:]); err != nil {
				fh.Close()
				os.Remove(tmp)
				return err
			}
		}
	}

	if err := w.Flush(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readIndexFile loads a previously persisted index file.
func readIndexFile(path string) (map[string][]types.IndexEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeIndexFile(b)
}

func decodeIndexFile(b []byte) (map[string][]types.IndexEntry, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("%w: index file truncated", types.ErrCorrupt)
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	version := b[4]
	if magic != indexFileMagic || version != indexFileVersion {
		return nil, fmt.Errorf("%w: unrecognized index file header", types.ErrCorrupt)
	}
	aggCount := binary.LittleEndian.Uint32(b[5:9])
	off := 9

	out := make(map[string][]types.IndexEntry, aggCount)
	for i := uint32(0); i < aggCount; i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated aggregate key length", types.ErrCorrupt)
		}
		klen := int(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
		if off+klen > len(b) {
			return nil, fmt.Errorf("%w: truncated aggregate key", types.ErrCorrupt)
		}
		key := string(b[off : off+klen])
		off += klen

		if off+4 > len(b) {
			return nil, fmt.Errorf("%w: truncated entry count", types.ErrCorrupt)
		}
		cnt := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4

		list := make([]types.IndexEntry, 0, cnt)
		for j := uint32(0); j < cnt; j++ {
			if off+entryWireLen > len(b) {
				return nil, fmt.Errorf("%w: truncated index entry", types.ErrCorrupt)
			}
			e := types.IndexEntry{
				SequenceNumber:  binary.LittleEndian.Uint64(b[off : off+8]),
				OffsetInSegment: binary.LittleEndian.Uint32(b[off+8 : off+12]),
				Token:           binary.LittleEndian.Uint64(b[off+12 : off+20]),
			}
			list = append(list, e)
			off += entryWireLen
		}
		out[key] = list
	}
	return out, nil
}
