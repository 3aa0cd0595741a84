// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/axonflow/eventstore/types"
)

// Filer manages segment files within a single context directory
// (storage/<context>/ per spec.md §6).
type Filer struct {
	dir string
}

// NewFiler returns a Filer rooted at dir. dir must already exist.
func NewFiler(dir string) *Filer {
	return &Filer{dir: dir}
}

func (f *Filer) path(firstToken uint64, suffix string) string {
	return filepath.Join(f.dir, FileName(firstToken, suffix))
}

// Create creates a brand new primary segment file.
func (f *Filer) Create(info types.SegmentInfo, sizeLimit uint32) (*Primary, error) {
	return CreatePrimary(f.path(info.FirstToken, EventsSuffix), info, sizeLimit)
}

// RecoverTail reopens an existing, previously-unsealed segment on startup.
func (f *Filer) RecoverTail(info types.SegmentInfo, sizeLimit uint32) (*Primary, error) {
	return RecoverPrimary(f.path(info.FirstToken, EventsSuffix), info, sizeLimit)
}

// Open opens a sealed segment read-only.
func (f *Filer) Open(info types.SegmentInfo) (*Reader, error) {
	return OpenReader(f.path(info.FirstToken, EventsSuffix), info)
}

// Delete removes a segment's events, index, and Bloom files. Missing files
// are not an error: Delete is used during cleanup where partial writes are
// expected.
func (f *Filer) Delete(firstToken uint64) error {
	var firstErr error
	for _, suffix := range []string{EventsSuffix, IndexSuffix, BloomSuffix} {
		if err := os.Remove(f.path(firstToken, suffix)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IndexPath and BloomPath expose the sibling index/Bloom file paths for a
// segment, used by the index package.
func (f *Filer) IndexPath(firstToken uint64) string { return f.path(firstToken, IndexSuffix) }
func (f *Filer) BloomPath(firstToken uint64) string { return f.path(firstToken, BloomSuffix) }
func (f *Filer) EventsPath(firstToken uint64) string { return f.path(firstToken, EventsSuffix) }

// List enumerates the first tokens of every current-format segment present
// on disk, ascending.
func (f *Filer) List() ([]uint64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var tokens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, EventsSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, EventsSuffix)
		tok, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens, nil
}

// legacyRename is one file renamed from a legacy suffix to its current-format
// equivalent, reported so recovery can log what it did.
type legacyRename struct {
	From, To string
}

// RenameLegacyFiles recognizes files bearing the legacy `.data`/`.idx`/`.bf`
// suffixes and renames them in place to the current `.events`/`.index`/
// `.bloom` suffixes, per spec.md §6. Rename is atomic (os.Rename within the
// same directory/filesystem).
func (f *Filer) RenameLegacyFiles() ([]legacyRename, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	suffixMap := map[string]string{
		LegacyEventsSuffix: EventsSuffix,
		LegacyIndexSuffix:  IndexSuffix,
		LegacyBloomSuffix:  BloomSuffix,
	}

	var renames []legacyRename
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for legacy, current := range suffixMap {
			if strings.HasSuffix(name, legacy) {
				base := strings.TrimSuffix(name, legacy)
				from := filepath.Join(f.dir, name)
				to := filepath.Join(f.dir, base+current)
				if err := os.Rename(from, to); err != nil {
					return renames, err
				}
				renames = append(renames, legacyRename{From: from, To: to})
				break
			}
		}
	}
	return renames, nil
}
