// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import "github.com/axonflow/eventstore/types"

// Re-exported so callers outside this module need only import eventstore,
// matching the teacher's own top-level error aliases.
var (
	ErrNotFound            = types.ErrNotFound
	ErrCorrupt             = types.ErrCorrupt
	ErrSealed              = types.ErrSealed
	ErrClosed              = types.ErrClosed
	ErrTokenBeforeStart    = types.ErrTokenBeforeStart
	ErrSegmentUnavailable  = types.ErrSegmentUnavailable
	ErrValidationFailed    = types.ErrValidationFailed
	ErrReplicatedMismatch  = types.ErrReplicatedMismatch
	ErrAppendCancelled     = types.ErrAppendCancelled
	ErrInvalidSequence     = types.ErrInvalidSequence
)

type (
	InvalidSequenceError  = types.InvalidSequenceError
	ValidationFailedError = types.ValidationFailedError
)
