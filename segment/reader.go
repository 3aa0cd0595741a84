// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"

	"github.com/axonflow/eventstore/types"
)

// Reader is a read-only handle on a sealed segment file. Unlike Primary it
// is not memory-mapped: sealed segments are read via ReadAt on a plain
// *os.File, relying on the page cache for hot data.
type Reader struct {
	f    *os.File
	info types.SegmentInfo
}

// OpenReader opens a sealed segment file for reading and validates its
// header.
func OpenReader(path string, info types.SegmentInfo) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, HeaderLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading segment header: %v", types.ErrCorrupt, err)
	}
	if _, _, err := readHeader(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, info: info}, nil
}

// ReadAt implements types.ReadableFile.
func (r *Reader) ReadAt(b []byte, off int64) (int, error) {
	return r.f.ReadAt(b, off)
}

// Info returns the segment's descriptor.
func (r *Reader) Info() types.SegmentInfo { return r.info }

// Close closes the underlying file descriptor.
func (r *Reader) Close() error { return r.f.Close() }

// FileSize returns the sealed segment's on-disk size in bytes.
func (r *Reader) FileSize() (int64, error) {
	st, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
