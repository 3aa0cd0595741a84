// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command eventbench drives synthetic append_events load against an Engine,
// adapting the teacher's bench/bench_test.go table of entry sizes and batch
// sizes into a sustained-rate load generator instead of a go test benchmark,
// since the engine's group commit behavior only shows up under concurrent,
// overlapping callers rather than one goroutine calling in a tight loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/benmathews/bench"
	hdrhistogram_writer "github.com/benmathews/hdrhistogram-writer"
	gofuzz "github.com/google/gofuzz"
	"github.com/google/uuid"

	"github.com/axonflow/eventstore/eventstore"
	"github.com/axonflow/eventstore/types"
)

func main() {
	var (
		storageRoot  = flag.String("dir", "", "storage root (default: a temp directory)")
		payloadSize  = flag.Int("payload-size", 256, "fuzzed payload size in bytes")
		batchSize    = flag.Int("batch-size", 1, "events per append_events call")
		numAggregates = flag.Int("aggregates", 1000, "distinct aggregate ids to spread load over")
		requesters   = flag.Uint("requesters", 8, "concurrent callers")
		requestRate  = flag.Uint("rate", 0, "target requests/sec across all requesters, 0 for unlimited")
		duration     = flag.Duration("duration", 10*time.Second, "benchmark duration")
		outFile      = flag.String("out", "eventbench-latency.csv", "hdr histogram distribution output file")
	)
	flag.Parse()

	dir := *storageRoot
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "eventbench-*")
		if err != nil {
			log.Fatalf("creating temp dir: %s", err)
		}
		defer os.RemoveAll(dir)
	}

	engine, err := eventstore.Open(eventstore.Config{StorageRoot: dir})
	if err != nil {
		log.Fatalf("opening engine: %s", err)
	}
	defer engine.Close()

	aggregateIDs := make([]string, *numAggregates)
	for i := range aggregateIDs {
		aggregateIDs[i] = uuid.New().String()
	}

	factory := &appendRequesterFactory{
		engine:       engine,
		aggregateIDs: aggregateIDs,
		payloadSize:  *payloadSize,
		batchSize:    *batchSize,
	}

	b := bench.NewBenchmark(factory, uint64(*requestRate), uint(*requesters), *duration, time.Second)
	summary := b.Run()

	fmt.Println(summary)

	hist := summary.Histogram()
	if err := hdrhistogram_writer.WriteDistributionFile(hist, []float64{50, 90, 99, 99.9, 99.99, 100}, 1.0, *outFile); err != nil {
		log.Fatalf("writing histogram file: %s", err)
	}
}

// appendRequesterFactory hands each benchmark worker its own fuzz source, the
// aggregate at its worker number modulo len(aggregateIDs), and its own
// sequence counter starting at 0. With more requesters than aggregates,
// workers share an aggregate and race on its expected sequence.
type appendRequesterFactory struct {
	engine       *eventstore.Engine
	aggregateIDs []string
	payloadSize  int
	batchSize    int
}

func (f *appendRequesterFactory) GetRequester(num uint64) bench.Requester {
	return &appendRequester{
		engine:      f.engine,
		payloadSize: f.payloadSize,
		batchSize:   f.batchSize,
		aggregateID: f.aggregateIDs[int(num)%len(f.aggregateIDs)],
		fuzzer:      gofuzz.New().NilChance(0).NumElements(f.payloadSize, f.payloadSize),
	}
}

type appendRequester struct {
	engine      *eventstore.Engine
	payloadSize int
	batchSize   int
	aggregateID string
	fuzzer      *gofuzz.Fuzzer
	nextSeq     uint64
}

func (r *appendRequester) Setup() error { return nil }

func (r *appendRequester) Teardown() error { return nil }

func (r *appendRequester) Request() (bench.RequestSummary, error) {
	events := make([]types.Event, r.batchSize)
	for i := range events {
		var payload []byte
		r.fuzzer.Fuzz(&payload)
		events[i] = types.Event{
			AggregateIdentifier:     r.aggregateID,
			AggregateType:           "eventbench.synthetic",
			AggregateSequenceNumber: r.nextSeq,
			Timestamp:               time.Now().UnixMilli(),
			PayloadType:             "eventbench.payload",
			PayloadBytes:            payload,
		}
		r.nextSeq++
	}

	start := time.Now()
	_, err := r.engine.AppendEvents(context.Background(), events)
	return bench.RequestSummary{Time: start, Duration: time.Since(start)}, err
}
