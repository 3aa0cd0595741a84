// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the hand-rolled protobuf-wire encoding of Event. These
// are fixed forever: a segment file's on-disk bytes must remain decodable
// across engine versions.
const (
	fieldAggregateIdentifier   = 1
	fieldAggregateType         = 2
	fieldAggregateSequenceNum  = 3
	fieldTimestamp             = 4
	fieldPayloadType           = 5
	fieldPayloadRevision       = 6
	fieldPayloadBytes          = 7
	fieldMetaDataBytes         = 8
	fieldIsSnapshot            = 9
)

// Event is an immutable domain event or snapshot record. It is the unit of
// replay for both aggregate-scoped reads and token-range tailing.
type Event struct {
	AggregateIdentifier    string // empty means "not a domain event"
	AggregateType          string
	AggregateSequenceNumber uint64
	Timestamp              int64 // ms epoch
	PayloadType            string
	PayloadRevision        string
	PayloadBytes           []byte
	MetaDataBytes          []byte
	IsSnapshot             bool
}

// IsDomainEvent reports whether this event belongs to an aggregate, per
// spec.md §3 ("empty means not a domain event").
func (e *Event) IsDomainEvent() bool {
	return e.AggregateIdentifier != ""
}

// Marshal encodes the event using raw protobuf wire primitives. No generated
// .pb.go descriptor exists for Event; the field numbers above are the
// contract. This mirrors how the corpus's protobuf-backed log stores treat
// each record as an opaque protobuf-shaped payload.
func (e *Event) Marshal() []byte {
	var b []byte
	if e.AggregateIdentifier != "" {
		b = protowire.AppendTag(b, fieldAggregateIdentifier, protowire.BytesType)
		b = protowire.AppendString(b, e.AggregateIdentifier)
	}
	if e.AggregateType != "" {
		b = protowire.AppendTag(b, fieldAggregateType, protowire.BytesType)
		b = protowire.AppendString(b, e.AggregateType)
	}
	b = protowire.AppendTag(b, fieldAggregateSequenceNum, protowire.VarintType)
	b = protowire.AppendVarint(b, e.AggregateSequenceNumber)

	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))

	if e.PayloadType != "" {
		b = protowire.AppendTag(b, fieldPayloadType, protowire.BytesType)
		b = protowire.AppendString(b, e.PayloadType)
	}
	if e.PayloadRevision != "" {
		b = protowire.AppendTag(b, fieldPayloadRevision, protowire.BytesType)
		b = protowire.AppendString(b, e.PayloadRevision)
	}
	if len(e.PayloadBytes) > 0 {
		b = protowire.AppendTag(b, fieldPayloadBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, e.PayloadBytes)
	}
	if len(e.MetaDataBytes) > 0 {
		b = protowire.AppendTag(b, fieldMetaDataBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, e.MetaDataBytes)
	}
	if e.IsSnapshot {
		b = protowire.AppendTag(b, fieldIsSnapshot, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// Unmarshal decodes an Event previously produced by Marshal. It returns
// ErrCorrupt (wrapped) on any malformed field.
func (e *Event) Unmarshal(b []byte) error {
	*e = Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrCorrupt)
		}
		b = b[n:]

		switch num {
		case fieldAggregateIdentifier:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: bad aggregate_identifier", ErrCorrupt)
			}
			e.AggregateIdentifier = v
			b = b[n:]
		case fieldAggregateType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: bad aggregate_type", ErrCorrupt)
			}
			e.AggregateType = v
			b = b[n:]
		case fieldAggregateSequenceNum:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad aggregate_sequence_number", ErrCorrupt)
			}
			e.AggregateSequenceNumber = v
			b = b[n:]
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad timestamp", ErrCorrupt)
			}
			e.Timestamp = int64(v)
			b = b[n:]
		case fieldPayloadType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: bad payload_type", ErrCorrupt)
			}
			e.PayloadType = v
			b = b[n:]
		case fieldPayloadRevision:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: bad payload_revision", ErrCorrupt)
			}
			e.PayloadRevision = v
			b = b[n:]
		case fieldPayloadBytes:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad payload_bytes", ErrCorrupt)
			}
			e.PayloadBytes = append([]byte(nil), v...)
			b = b[n:]
		case fieldMetaDataBytes:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad meta_data_bytes", ErrCorrupt)
			}
			e.MetaDataBytes = append([]byte(nil), v...)
			b = b[n:]
		case fieldIsSnapshot:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad is_snapshot", ErrCorrupt)
			}
			e.IsSnapshot = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d", ErrCorrupt, num)
			}
			b = b[n:]
		}
	}
	return nil
}

// Equal reports byte-for-byte equality of the two events' fields, used by
// round-trip tests and the replication validator.
func (e *Event) Equal(o *Event) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.AggregateIdentifier == o.AggregateIdentifier &&
		e.AggregateType == o.AggregateType &&
		e.AggregateSequenceNumber == o.AggregateSequenceNumber &&
		e.Timestamp == o.Timestamp &&
		e.PayloadType == o.PayloadType &&
		e.PayloadRevision == o.PayloadRevision &&
		string(e.PayloadBytes) == string(o.PayloadBytes) &&
		string(e.MetaDataBytes) == string(o.MetaDataBytes) &&
		e.IsSnapshot == o.IsSnapshot
}
