// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/level"

	"github.com/axonflow/eventstore/index"
	"github.com/axonflow/eventstore/iterator"
	"github.com/axonflow/eventstore/layer"
	"github.com/axonflow/eventstore/metadb"
	"github.com/axonflow/eventstore/recovery"
	"github.com/axonflow/eventstore/segment"
	"github.com/axonflow/eventstore/types"
)

// Engine is the storage engine façade described in spec.md §2: it threads a
// Transaction Manager, Sequence-Number Cache, segment layer chain, and Index
// Manager behind the narrow operation set consumed by the transport layer.
// One Engine owns one context directory.
type Engine struct {
	cfg Config

	fs   *segment.Filer
	meta types.MetaStore
	idx  *index.Manager

	primaryLayer   *layer.PrimaryLayer
	completedLayer *layer.DiskLayer
	coldLayer      *layer.DiskLayer

	seqCache *SequenceCache
	txMgr    *TransactionManager

	writeMu       sync.Mutex
	nextSegmentID uint64
	firstToken    uint64

	metrics *engineMetrics

	closed int32

	closeListenersMu sync.Mutex
	closeListeners   []func()
}

// Open recovers (or creates) the engine rooted at cfg.StorageRoot, running
// the startup validator/recoverer described in spec.md §4.8 before the
// store accepts traffic.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	meta, err := metadb.Open(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	state, err := meta.Load()
	if err != nil {
		meta.Close()
		return nil, err
	}

	fs := segment.NewFiler(cfg.StorageRoot)
	idxMgr := index.NewManager(fs, cfg.IndexBloomFPP)

	metrics := newEngineMetrics(cfg.Registerer)

	report, err := recovery.Run(fs, idxMgr, recovery.Options{
		Logger:             cfg.Logger,
		ValidationSegments: cfg.ValidationSegments,
	})
	if err != nil {
		var valErr *types.ValidationFailedError
		if errors.As(err, &valErr) {
			metrics.validationFailures.Inc()
		}
		meta.Close()
		return nil, err
	}
	metrics.indexRebuilds.Add(float64(len(report.Rebuilt)))

	completedLayer := layer.NewDiskLayer(layer.KindCompleted, fs,
		func() { metrics.eventSourceOpens.WithLabelValues("completed").Inc() },
		func() { metrics.eventSourceOpens.WithLabelValues("completed").Dec() })

	var tail *types.SegmentInfo
	for _, info := range report.Segments {
		if info.Sealed() {
			if err := completedLayer.AddSegment(info); err != nil {
				meta.Close()
				return nil, fmt.Errorf("registering completed segment %d: %w", info.FirstToken, err)
			}
			continue
		}
		t := info
		tail = &t
	}

	var primary *segment.Primary
	if tail != nil {
		primary, err = fs.RecoverTail(*tail, cfg.MaxSegmentSize)
	} else {
		newFirstToken := uint64(0)
		if len(report.Segments) > 0 {
			newFirstToken = report.Segments[len(report.Segments)-1].NextFirstToken()
		}
		primary, err = fs.Create(types.SegmentInfo{FirstToken: newFirstToken, CreateTime: cfg.Clock()}, cfg.MaxSegmentSize)
	}
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("opening primary segment: %w", err)
	}

	if tail != nil {
		entries := scanForIndexEntries(primary, primary.Info().FirstToken)
		idxMgr.AddToActiveSegment(primary.Info(), entries)
	}
	idxMgr.SetActive(primary.Info().FirstToken)

	primaryLayer := layer.NewPrimaryLayer(primary,
		func() { metrics.eventSourceOpens.WithLabelValues("primary").Inc() },
		func() { metrics.eventSourceOpens.WithLabelValues("primary").Dec() })
	primaryLayer.SetNext(completedLayer)

	var coldLayer *layer.DiskLayer
	if cfg.ColdStorageRoot != "" {
		coldLayer, err = openColdLayer(cfg, metrics)
		if err != nil {
			meta.Close()
			return nil, err
		}
		completedLayer.SetNext(coldLayer)
	}

	seqCache, err := NewSequenceCache(cfg.SequenceCacheCapacity)
	if err != nil {
		meta.Close()
		return nil, err
	}

	firstToken := state.FirstToken
	if len(report.Segments) > 0 {
		firstToken = report.Segments[0].FirstToken
	}

	nextSegmentID := state.NextSegmentID
	if nextSegmentID <= primary.Info().FirstToken {
		nextSegmentID = primary.Info().FirstToken + 1
	}

	e := &Engine{
		cfg:            cfg,
		fs:             fs,
		meta:           meta,
		idx:            idxMgr,
		primaryLayer:   primaryLayer,
		completedLayer: completedLayer,
		coldLayer:      coldLayer,
		seqCache:       seqCache,
		nextSegmentID:  nextSegmentID,
		firstToken:     firstToken,
		metrics:        metrics,
	}
	e.txMgr = newTransactionManager(seqCache, e.resolveNextSequence, e.commitBatch, cfg.GroupCommitMaxHz, metrics.sequenceCacheHits.Inc)
	e.RegisterCloseListener(seqCache.Reset)
	return e, nil
}

func openColdLayer(cfg Config, metrics *engineMetrics) (*layer.DiskLayer, error) {
	if err := os.MkdirAll(cfg.ColdStorageRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating cold storage root: %w", err)
	}
	coldFs := segment.NewFiler(cfg.ColdStorageRoot)
	cold := layer.NewDiskLayer(layer.KindCold, coldFs,
		func() { metrics.eventSourceOpens.WithLabelValues("cold").Inc() },
		func() { metrics.eventSourceOpens.WithLabelValues("cold").Dec() })
	tokens, err := coldFs.List()
	if err != nil {
		return nil, fmt.Errorf("listing cold segments: %w", err)
	}
	for _, tok := range tokens {
		info, sealed, err := segment.ProbeSegment(coldFs, tok)
		if err != nil {
			return nil, fmt.Errorf("probing cold segment %d: %w", tok, err)
		}
		if !sealed {
			continue
		}
		if err := cold.AddSegment(info); err != nil {
			return nil, fmt.Errorf("registering cold segment %d: %w", tok, err)
		}
	}
	return cold, nil
}

// scanForIndexEntries rebuilds per-aggregate index entries for the recovered
// primary's already-durable events, since recovery.Run deliberately skips
// the unsealed tail (it is recovered here, not by the validator).
func scanForIndexEntries(primary *segment.Primary, firstToken uint64) map[string][]types.IndexEntry {
	entries := make(map[string][]types.IndexEntry)
	sc := segment.NewScanner(primary, firstToken)
	for {
		st, err := sc.Next()
		if err == io.EOF || err != nil {
			break
		}
		for i, ev := range st.Tx.Events {
			if !ev.IsDomainEvent() {
				continue
			}
			entries[ev.AggregateIdentifier] = append(entries[ev.AggregateIdentifier], types.IndexEntry{
				SequenceNumber:  ev.AggregateSequenceNumber,
				OffsetInSegment: st.EventOffsets[i],
				Token:           st.FirstToken + uint64(i),
			})
		}
	}
	return entries
}

func (e *Engine) resolveNextSequence(aggregateID string) (uint64, error) {
	e.metrics.sequenceCacheMisses.Inc()
	if seq, ok := e.idx.GetLastSequenceNumber(aggregateID, 0, 0); ok {
		return seq + 1, nil
	}
	return 0, nil
}

func (e *Engine) headLayer() layer.Layer { return e.primaryLayer }

func (e *Engine) isClosed() bool { return atomic.LoadInt32(&e.closed) == 1 }

// RegisterCloseListener adds fn to the copy-on-write set of listeners
// invoked exactly once, in registration order, during Close. Per spec.md
// §5, listeners must be idempotent and non-blocking; a panic or long-running
// listener is the caller's bug, not guarded against here.
func (e *Engine) RegisterCloseListener(fn func()) {
	e.closeListenersMu.Lock()
	defer e.closeListenersMu.Unlock()
	next := make([]func(), len(e.closeListeners)+1)
	copy(next, e.closeListeners)
	next[len(next)-1] = fn
	e.closeListeners = next
}

// Close seals no segment (the primary stays recoverable on restart), stops
// the writer loop, fires every close listener, and releases the meta store.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.txMgr.Close()

	e.closeListenersMu.Lock()
	listeners := e.closeListeners
	e.closeListenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}

	return e.meta.Close()
}

// AppendEvents implements append_events (spec.md §6): reserve sequence
// numbers for every aggregate in the batch, then durably persist it,
// returning the token of the batch's first event.
func (e *Engine) AppendEvents(ctx context.Context, events []types.Event) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("eventstore: empty batch")
	}
	if e.isClosed() {
		return 0, types.ErrClosed
	}
	handle, err := e.txMgr.ReserveSequenceNumbers(events)
	if err != nil {
		if _, ok := err.(*InvalidSequenceError); ok {
			switch e.cfg.SequenceValidationStrategy {
			case SequenceValidationOff:
				// fall through as if reservation succeeded with no handle
			case SequenceValidationLog:
				level.Warn(e.cfg.Logger).Log("msg", "sequence validation mismatch, appending anyway", "err", err)
			default:
				return 0, err
			}
		} else {
			return 0, err
		}
	}

	token, err := e.txMgr.StoreBatch(ctx, events)
	if err != nil {
		if handle != nil {
			handle.Rollback()
		}
		return 0, err
	}
	if handle != nil {
		handle.Commit()
	}
	return token, nil
}

// AppendSnapshot implements append_snapshot (spec.md §6). A snapshot does
// not consume per-aggregate sequence space: it records a point-in-time
// projection already covered by an earlier reservation, so it is written
// directly without reserve_sequence_numbers.
func (e *Engine) AppendSnapshot(ctx context.Context, snapshot types.Event) (uint64, error) {
	if e.isClosed() {
		return 0, types.ErrClosed
	}
	snapshot.IsSnapshot = true
	return e.txMgr.StoreBatch(ctx, []types.Event{snapshot})
}

// commitBatch is the TransactionManager's writer-loop callback: it performs
// the actual group-committed segment append for every queued request, per
// spec.md §4.3b, rotating the primary segment between sub-batches as needed.
func (e *Engine) commitBatch(batch []*pendingAppend) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	idx := 0
	for idx < len(batch) {
		primary := e.primaryLayer.Current()
		sizeLimit := primary.Info().SizeLimit

		type prepared struct {
			req        *pendingAppend
			item       segment.AppendItem
			firstToken uint64
		}
		var prep []prepared

		committedSoFar := primary.CommittedLength()
		pendingBytes := uint32(0)
		nextToken := primary.Info().FirstToken + primary.Info().EventCount
		needRotate := false

		for idx < len(batch) {
			req := batch[idx]
			if len(req.events) == 0 {
				req.err = fmt.Errorf("eventstore: empty batch")
				idx++
				continue
			}
			tx := &types.Transaction{Events: req.events}
			txBytes, relOffsets, err := tx.EncodeWithOffsets()
			if err != nil {
				req.err = err
				idx++
				continue
			}
			need := uint32(len(txBytes))
			if committedSoFar+pendingBytes+need+segment.FooterLen > sizeLimit {
				if len(prep) == 0 && committedSoFar <= segment.HeaderLen {
					req.err = fmt.Errorf("%w: transaction exceeds max_segment_size", types.ErrCorrupt)
					idx++
					continue
				}
				needRotate = true
				break
			}
			prep = append(prep, prepared{
				req:        req,
				item:       segment.AppendItem{TxBytes: txBytes, RelativeEventOffsets: relOffsets, FirstToken: nextToken},
				firstToken: nextToken,
			})
			pendingBytes += need
			nextToken += uint64(len(req.events))
			idx++
		}

		if len(prep) > 0 {
			items := make([]segment.AppendItem, len(prep))
			for i, p := range prep {
				items[i] = p.item
			}
			results, err := primary.AppendBatch(items)
			if err != nil {
				for _, p := range prep {
					p.req.err = err
				}
			} else {
				for i, p := range prep {
					p.req.firstToken = p.firstToken
					e.recordIndexEntries(p.firstToken, p.req.events, results[i].EventOffsets)
					e.observeSequenceTokens(p.req.events, p.firstToken)
					e.metrics.appends.Inc()
					e.metrics.tokensAssigned.Add(float64(len(p.req.events)))
					e.metrics.eventsWritten.Add(float64(len(p.req.events)))
					e.metrics.bytesWritten.Add(float64(len(p.item.TxBytes)))
					e.metrics.recordAppendLatency(e.cfg.Clock().Sub(p.req.enqueuedAt))
				}
			}
		}

		if needRotate || e.primaryLayer.Current().Full(e.cfg.MaxSegmentSize) {
			if err := e.rotateLocked(); err != nil {
				level.Error(e.cfg.Logger).Log("msg", "segment rotation failed", "err", err)
				for ; idx < len(batch); idx++ {
					if batch[idx].err == nil {
						batch[idx].err = err
					}
				}
				return
			}
		}
	}
}

// recordIndexEntries adds a live index entry for every domain event in the
// just-persisted batch, per spec.md §4.3's in-memory per-aggregate position
// buffer.
func (e *Engine) recordIndexEntries(firstToken uint64, events []types.Event, eventOffsets []uint32) {
	activeFirstToken := e.primaryLayer.Current().Info().FirstToken
	for i, ev := range events {
		if !ev.IsDomainEvent() {
			continue
		}
		e.idx.AddLive(activeFirstToken, ev.AggregateIdentifier, types.IndexEntry{
			SequenceNumber:  ev.AggregateSequenceNumber,
			OffsetInSegment: eventOffsets[i],
			Token:           firstToken + uint64(i),
		})
	}
}

func (e *Engine) observeSequenceTokens(events []types.Event, firstToken uint64) {
	for i, ev := range events {
		if !ev.IsDomainEvent() {
			continue
		}
		e.seqCache.ObserveToken(ev.AggregateIdentifier, firstToken+uint64(i))
	}
}

// rotateLocked seals the current primary, finalizes its index, opens a new
// primary, and persists the updated segment roster. Callers must hold
// writeMu.
func (e *Engine) rotateLocked() error {
	sealedInfo, err := e.primaryLayer.Current().Seal()
	if err != nil {
		return fmt.Errorf("sealing segment %d: %w", e.primaryLayer.Current().Info().FirstToken, err)
	}
	if err := e.idx.Complete(sealedInfo); err != nil {
		return fmt.Errorf("completing index for segment %d: %w", sealedInfo.FirstToken, err)
	}

	oldPrimary := e.primaryLayer.Current()
	if err := e.completedLayer.AddSegment(sealedInfo); err != nil {
		return fmt.Errorf("handing segment %d to completed layer: %w", sealedInfo.FirstToken, err)
	}

	newInfo := types.SegmentInfo{FirstToken: sealedInfo.NextFirstToken(), CreateTime: e.cfg.Clock()}
	newPrimary, err := e.fs.Create(newInfo, e.cfg.MaxSegmentSize)
	if err != nil {
		return fmt.Errorf("creating segment %d: %w", newInfo.FirstToken, err)
	}
	e.idx.SetActive(newPrimary.Info().FirstToken)
	e.primaryLayer.Rotate(newPrimary)
	e.nextSegmentID++

	e.metrics.segmentRotations.Inc()
	if !sealedInfo.CreateTime.IsZero() {
		e.metrics.lastSegmentAgeSeconds.Set(sealedInfo.SealTime.Sub(sealedInfo.CreateTime).Seconds())
	}

	if err := e.persistState(); err != nil {
		level.Error(e.cfg.Logger).Log("msg", "failed to persist segment roster after rotation", "err", err)
	}

	// oldPrimary's mmap stays open until every in-flight EventSource against
	// it has been released; the layer's own reference counting (not this
	// function) owns that lifetime, so we only unmap once OpenCount reaches
	// zero. For simplicity (and because reads against a freshly-sealed
	// segment are rare enough not to matter for memory pressure), Close it
	// eagerly here: the completed layer's Reader, not this handle, serves
	// subsequent reads.
	return oldPrimary.Close()
}

func (e *Engine) persistState() error {
	segments := append([]types.SegmentInfo(nil), e.completedLayer.SegmentInfos()...)
	segments = append(segments, e.primaryLayer.Current().Info())
	return e.meta.CommitState(types.PersistentState{
		NextSegmentID: e.nextSegmentID,
		FirstToken:    e.firstToken,
		Segments:      segments,
	})
}

// filteredReplay narrows the raw per-aggregate replay to events matching
// keep. The core index does not distinguish snapshots from events when it
// stores offsets, so both ListAggregateEvents and ListAggregateSnapshots
// wrap the same underlying replay and skip what they don't want.
type filteredReplay struct {
	*iterator.AggregateReplay
	keep func(*types.Event) bool
}

func (r *filteredReplay) Next() (*types.Event, error) {
	for {
		ev, err := r.AggregateReplay.Next()
		if err != nil {
			return nil, err
		}
		if r.keep(ev) {
			return ev, nil
		}
	}
}

// ListAggregateEvents implements list_aggregate_events (spec.md §6): replay
// an aggregate's events in the requested sequence window, optionally
// including snapshot records.
func (e *Engine) ListAggregateEvents(ctx context.Context, aggregateID string, firstSeq, lastSeq uint64, allowSnapshots bool) *filteredReplay {
	replay := iterator.EventsPerAggregate(ctx, e.headLayer(), e.idx, aggregateID, firstSeq, lastSeq, e.firstToken, e.cfg.EventsPerSegmentPrefetch)
	return &filteredReplay{
		AggregateReplay: replay,
		keep: func(ev *types.Event) bool {
			return allowSnapshots || !ev.IsSnapshot
		},
	}
}

// ListAggregateSnapshots implements list_aggregate_snapshots (spec.md §6).
func (e *Engine) ListAggregateSnapshots(ctx context.Context, aggregateID string, firstSeq, lastSeq uint64) *filteredReplay {
	replay := iterator.EventsPerAggregate(ctx, e.headLayer(), e.idx, aggregateID, firstSeq, lastSeq, e.firstToken, e.cfg.EventsPerSegmentPrefetch)
	return &filteredReplay{
		AggregateReplay: replay,
		keep:            func(ev *types.Event) bool { return ev.IsSnapshot },
	}
}

// ListEvents implements list_events (spec.md §6): a token-range tailing
// iterator with client-driven flow control left to the transport layer (it
// calls Next once per permit).
func (e *Engine) ListEvents(firstToken, limitToken uint64) (*iterator.TransactionIterator, error) {
	return iterator.NewTransactionIterator(e.headLayer(), firstToken, limitToken)
}

// QueryEvents implements query_events (spec.md §6).
func (e *Engine) QueryEvents(ctx context.Context, opts iterator.QueryOptions, pred iterator.Predicate) error {
	return iterator.Query(ctx, e.headLayer(), opts, pred)
}

// ReadHighestSequenceNumber implements read_highest_sequence_number
// (spec.md §6).
func (e *Engine) ReadHighestSequenceNumber(aggregateID string) (uint64, bool) {
	return e.idx.GetLastSequenceNumber(aggregateID, 0, 0)
}

// GetFirstToken implements get_first_token. Resolution of spec.md §9's Open
// Question (a): rather than deriving the answer by walking the layer chain
// (whose behavior on an empty primary but non-empty next is, per the
// question, ambiguous in the source), this engine tracks its retention
// floor explicitly in PersistentState and returns that value directly. A
// fresh store with no segments yet returns 0.
func (e *Engine) GetFirstToken() uint64 {
	return e.firstToken
}

// GetLastToken implements get_last_token: the token following the most
// recently persisted event, minus one. ok is false for a store that has
// never accepted an append.
func (e *Engine) GetLastToken() (token uint64, ok bool) {
	info := e.primaryLayer.Current().Info()
	next := info.FirstToken + info.EventCount
	if next == 0 {
		return 0, false
	}
	return next - 1, true
}

// GetTokenAt implements get_token_at (spec.md §6, §4.7).
func (e *Engine) GetTokenAt(instantMs int64) (uint64, error) {
	return iterator.GetTokenAt(e.headLayer(), instantMs, e.firstToken)
}

// ValidateTransaction implements validate_transaction (spec.md §6, §4.8).
func (e *Engine) ValidateTransaction(token uint64, expectedEvents []types.Event) error {
	return recovery.ValidateTransaction(e.headLayer(), token, expectedEvents)
}
