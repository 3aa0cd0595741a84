// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package eventstore is the engine façade described in spec.md: it wires
// the Transaction Manager, Sequence-Number Cache, segment layer chain,
// Index Manager, and Validator/Recoverer behind the narrow operation set
// consumed by the transport layer (spec.md §6).
package eventstore

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/axonflow/eventstore/index"
)

// SequenceValidationStrategy controls how the engine reacts to an
// InvalidSequence reservation conflict, per spec.md §6.
type SequenceValidationStrategy int

const (
	// SequenceValidationFail rejects the batch with InvalidSequence.
	SequenceValidationFail SequenceValidationStrategy = iota
	// SequenceValidationLog accepts the batch but logs the mismatch.
	SequenceValidationLog
	// SequenceValidationOff skips the check entirely.
	SequenceValidationOff
)

func (s SequenceValidationStrategy) String() string {
	switch s {
	case SequenceValidationFail:
		return "FAIL"
	case SequenceValidationLog:
		return "LOG"
	case SequenceValidationOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// Config is the engine's enumerated configuration struct, per spec.md §9's
// design note ("configuration is an enumerated struct not a name-indexed
// bag").
type Config struct {
	// StorageRoot is the context directory holding segment, index, Bloom,
	// and meta files (spec.md §6).
	StorageRoot string

	// ColdStorageRoot, if set, roots an additional read-only secondary
	// layer (spec.md §4.5) populated at startup from segments already
	// present there. Demotion into this directory happens externally (a
	// file move performed above the core); the engine only discovers what
	// it finds.
	ColdStorageRoot string

	MaxSegmentSize           uint32
	EventsPerSegmentPrefetch int
	ValidationSegments       int
	SequenceValidationStrategy SequenceValidationStrategy
	IndexBloomFPP            float64
	SequenceCacheCapacity    int

	// GroupCommitMaxHz bounds how often the writer loop flushes a batch of
	// queued store_batch calls to one fsync, per spec.md §5's group-commit
	// barrier. 0 disables pacing: every queued batch flushes immediately.
	GroupCommitMaxHz float64

	// Clock lets tests substitute a deterministic time source; defaults to
	// time.Now.
	Clock func() time.Time

	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Option mutates a Config during Open.
type Option func(*Config)

func WithMaxSegmentSize(n uint32) Option { return func(c *Config) { c.MaxSegmentSize = n } }

func WithEventsPerSegmentPrefetch(n int) Option {
	return func(c *Config) { c.EventsPerSegmentPrefetch = n }
}

func WithValidationSegments(n int) Option { return func(c *Config) { c.ValidationSegments = n } }

func WithSequenceValidationStrategy(s SequenceValidationStrategy) Option {
	return func(c *Config) { c.SequenceValidationStrategy = s }
}

func WithIndexBloomFPP(fpp float64) Option { return func(c *Config) { c.IndexBloomFPP = fpp } }

func WithSequenceCacheCapacity(n int) Option {
	return func(c *Config) { c.SequenceCacheCapacity = n }
}

func WithGroupCommitMaxHz(hz float64) Option { return func(c *Config) { c.GroupCommitMaxHz = hz } }

func WithClock(clock func() time.Time) Option { return func(c *Config) { c.Clock = clock } }

func WithLogger(l log.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithRegisterer(reg prometheus.Registerer) Option { return func(c *Config) { c.Registerer = reg } }

func WithColdStorageRoot(dir string) Option { return func(c *Config) { c.ColdStorageRoot = dir } }

const DefaultSegmentSize = 64 * 1024 * 1024

func (c *Config) applyDefaultsAndValidate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("eventstore: StorageRoot is required")
	}
	if c.MaxSegmentSize == 0 {
		c.MaxSegmentSize = DefaultSegmentSize
	}
	if c.EventsPerSegmentPrefetch <= 0 {
		c.EventsPerSegmentPrefetch = 32
	}
	if c.IndexBloomFPP <= 0 {
		c.IndexBloomFPP = index.DefaultFalsePositiveRate
	}
	if c.SequenceCacheCapacity <= 0 {
		c.SequenceCacheCapacity = 4096
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return nil
}
