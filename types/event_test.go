// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEventMarshalRoundTrip(t *testing.T) {
	in := Event{
		AggregateIdentifier:     "order-1",
		AggregateType:           "order",
		AggregateSequenceNumber: 7,
		Timestamp:               1700000000000,
		PayloadType:             "order.created",
		PayloadRevision:         "v2",
		PayloadBytes:            []byte(`{"total":42}`),
		MetaDataBytes:           []byte(`{"traceId":"abc"}`),
	}

	var out Event
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.True(t, in.Equal(&out))
}

func TestEventMarshalRoundTripSnapshot(t *testing.T) {
	in := Event{
		AggregateIdentifier:     "order-1",
		AggregateSequenceNumber: 7,
		IsSnapshot:              true,
		PayloadBytes:            []byte("snapshot-bytes"),
	}

	var out Event
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.True(t, in.Equal(&out))
	require.True(t, out.IsSnapshot)
}

func TestEventIsDomainEvent(t *testing.T) {
	require.True(t, (&Event{AggregateIdentifier: "a"}).IsDomainEvent())
	require.False(t, (&Event{}).IsDomainEvent())
}

func TestEventUnmarshalSkipsUnknownFields(t *testing.T) {
	in := Event{AggregateIdentifier: "a", AggregateSequenceNumber: 1}
	b := in.Marshal()

	// Append an unknown varint field (field 99) the decoder must skip.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	var out Event
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, "a", out.AggregateIdentifier)
}

func TestEventUnmarshalCorrupt(t *testing.T) {
	var out Event
	err := out.Unmarshal([]byte{0xFF})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}
