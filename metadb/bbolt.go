// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb implements types.MetaStore on top of go.etcd.io/bbolt,
// persisting the engine's segment roster and token watermarks across
// restarts. Startup recovery still probes every segment file.
package metadb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/axonflow/eventstore/types"
)

var (
	metaBucket = []byte("meta")
	stateKey   = []byte("state")
)

// BoltStore persists types.PersistentState in a single bbolt bucket. One
// instance owns one context's meta.db file; it is not shared across
// contexts.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the meta.db file within dir.
func Open(dir string) (*BoltStore, error) {
	path := filepath.Join(dir, "meta.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening meta store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Load returns the persisted state, or the zero value if none has been
// committed yet (a brand new store).
func (s *BoltStore) Load() (types.PersistentState, error) {
	var state types.PersistentState
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		raw := b.Get(stateKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return types.PersistentState{}, fmt.Errorf("loading persisted state: %w", err)
	}
	return state, nil
}

// CommitState atomically replaces the persisted state. bbolt's Update
// commits via a single fsync'd transaction, so a crash mid-write leaves the
// previous state intact rather than a torn record.
func (s *BoltStore) CommitState(state types.PersistentState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding persisted state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		return b.Put(stateKey, raw)
	})
}

// Close releases the underlying bbolt database handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
