// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package index implements the per-segment Index Manager described in
// spec.md §4.6: aggregate lookup, last-sequence lookup, and index
// validation/rebuild, backed by a self-describing index file and a sibling
// Bloom filter over aggregate identifiers.
package index

import (
	"os"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFalsePositiveRate is index_bloom_fpp's default, per spec.md §6.
const DefaultFalsePositiveRate = 0.03

// buildBloom constructs a Bloom filter sized for n expected aggregate ids at
// the given false-positive rate and adds every id in aggregateIDs.
func buildBloom(aggregateIDs []string, fpp float64) *bloom.BloomFilter {
	n := uint(len(aggregateIDs))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, fpp)
	for _, id := range aggregateIDs {
		f.AddString(id)
	}
	return f
}

// writeBloomFile persists a Bloom filter to path, replacing any existing
// file atomically via a temp-file-then-rename.
func writeBloomFile(path string, f *bloom.BloomFilter) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(fh); err != nil {
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

// readBloomFile loads a previously persisted Bloom filter.
func readBloomFile(path string) (*bloom.BloomFilter, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(fh); err != nil {
		return nil, err
	}
	return f, nil
}
