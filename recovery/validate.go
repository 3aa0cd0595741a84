// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package recovery

import (
	"fmt"
	"io"

	"github.com/axonflow/eventstore/layer"
	"github.com/axonflow/eventstore/types"
)

// ValidateTransaction implements validate_transaction (spec.md §4.8): it
// reads the transaction stored at token and compares each event
// byte-identically against expectedEvents, failing with
// ErrReplicatedMismatch on any difference or if no transaction starts at
// token.
func ValidateTransaction(head layer.Layer, token uint64, expectedEvents []types.Event) error {
	segID, ok := head.GetSegmentFor(token)
	if !ok {
		return fmt.Errorf("%w: no segment covers token %d", types.ErrReplicatedMismatch, token)
	}
	es, err := head.GetEventSource(segID)
	if err != nil {
		return err
	}
	defer es.Close()

	sc := es.Transactions()
	for {
		st, err := sc.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: no transaction starts at token %d", types.ErrReplicatedMismatch, token)
		}
		if err != nil {
			return err
		}
		if st.FirstToken != token {
			continue
		}
		if len(st.Tx.Events) != len(expectedEvents) {
			return fmt.Errorf("%w: expected %d events at token %d, stored transaction has %d",
				types.ErrReplicatedMismatch, len(expectedEvents), token, len(st.Tx.Events))
		}
		for i := range expectedEvents {
			if !st.Tx.Events[i].Equal(&expectedEvents[i]) {
				return fmt.Errorf("%w: event %d at token %d differs from replicated content",
					types.ErrReplicatedMismatch, i, token)
			}
		}
		return nil
	}
}
