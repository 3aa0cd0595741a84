// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"
	"os"

	"github.com/axonflow/eventstore/types"
)

// ProbeSegment derives a SegmentInfo from a segment file on disk by reading
// its header and scanning every transaction, without relying on the
// MetaStore. Recovery uses this to reason about a segment discovered by
// directory enumeration before trusting (or in place of) persisted
// metadata, per spec.md §4.8. The returned bool reports whether a footer
// was found, i.e. whether the segment is sealed.
func ProbeSegment(fs *Filer, firstToken uint64) (types.SegmentInfo, bool, error) {
	path := fs.EventsPath(firstToken)
	f, err := os.Open(path)
	if err != nil {
		return types.SegmentInfo{}, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return types.SegmentInfo{}, false, err
	}

	hdr := make([]byte, HeaderLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return types.SegmentInfo{}, false, fmt.Errorf("%w: reading segment header: %v", types.ErrCorrupt, err)
	}
	if _, _, err := readHeader(hdr); err != nil {
		return types.SegmentInfo{}, false, err
	}

	info := types.SegmentInfo{FirstToken: firstToken, CreateTime: st.ModTime(), SizeLimit: uint32(st.Size())}

	sc := NewScanner(f, firstToken)
	var count uint64
	for {
		txn, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.SegmentInfo{}, false, err
		}
		count += uint64(len(txn.Tx.Events))
	}
	info.EventCount = count

	var magic [FooterLen]byte
	sealed := false
	if _, err := f.ReadAt(magic[:], sc.Offset()); err == nil && le32(magic[:]) == FooterMagic {
		sealed = true
	}
	if sealed {
		info.SealTime = st.ModTime()
	}
	return info, sealed, nil
}
