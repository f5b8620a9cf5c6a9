// Package pagewriter implements the page-writer contract and its
// materialized "SQL-transform writer" variant (spec.md §4.C7): fuse the
// row stream into a queryable table, run the rendered SQL module against
// it, and forward the engine's result batches to a destination writer.
package pagewriter

import (
	"context"
	"fmt"

	"apitap/internal/batch"
	"apitap/internal/destwriter"
	"apitap/internal/engine"
	"apitap/internal/httpfetch"
	"apitap/internal/model"
	"apitap/internal/streamfactory"
)

// State is the page-writer lifecycle from spec.md §4.C7: "Idle → Begun →
// Streaming → Committed | Failed".
type State int

const (
	Idle State = iota
	Begun
	Streaming
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Begun:
		return "begun"
	case Streaming:
		return "streaming"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Writer drives one pipeline's materialized SQL-transform: a single
// pagination-driven row stream, one registered engine table, one rendered
// SQL statement, one destination write.
type Writer struct {
	Engine *engine.Engine
	Dest   destwriter.Writer

	state State
	table *engine.Table
}

// New builds a Writer over an already-open Engine and a destination Writer
// whose Begin has not yet been called.
func New(eng *engine.Engine, dest destwriter.Writer) *Writer {
	return &Writer{Engine: eng, Dest: dest, state: Idle}
}

// State reports the page-writer's current lifecycle state.
func (w *Writer) State() State { return w.state }

// Run executes the full materialized variant described in spec.md §4.C7:
//  1. wrap rows into (Factory, Schema) via C4
//  2. register a per-run table for them via C5
//  3. run sql (already rendered, use_source already substituted) against
//     the engine
//  4. forward the result batch stream to dest under mode
//  5. deregister the table
//
// engineTable is the name the fused row stream is registered under in the
// engine; it must be the exact identifier the SQL module's use_source(...)
// call was substituted with, so the statement can find it. destinationTable
// identifies the physical table dest writes result batches to.
func (w *Writer) Run(ctx context.Context, engineTable string, rows <-chan httpfetch.Item, sql string, destinationTable string, mode model.WriteMode, mergeKey string, sampleK, chanCap, ingestBatchSize, resultBatchSize int) (err error) {
	if w.state != Idle {
		return fmt.Errorf("%w: page-writer must be Idle to Run, was %s", model.ErrEngine, w.state)
	}
	w.state = Begun

	defer func() {
		if err != nil {
			w.state = Failed
		}
	}()

	rowSource := batch.Adapt(rows, func(item httpfetch.Item) batch.RowOrErr {
		return batch.RowOrErr{Row: item.Row, Err: item.Err}
	})

	factory, schema := streamfactory.Wrap(rowSource, sampleK, chanCap)

	table, err := w.Engine.RegisterTable(ctx, engineTable, schema, factory, ingestBatchSize)
	if err != nil {
		return err
	}
	w.table = table
	w.state = Streaming

	if err := w.Dest.Begin(ctx, destinationTable, mode, mergeKey); err != nil {
		w.onEngineFailure(ctx)
		return err
	}

	resultBatches, errs := w.Engine.Execute(ctx, sql, resultBatchSize)

	for b := range resultBatches {
		if writeErr := w.Dest.WriteBatch(ctx, b); writeErr != nil {
			w.onError(ctx)
			return writeErr
		}
	}
	if engineErr := <-errs; engineErr != nil {
		w.onError(ctx)
		return engineErr
	}

	if commitErr := w.Dest.Commit(ctx); commitErr != nil {
		w.state = Failed
		w.deregister(ctx)
		return commitErr
	}

	w.state = Committed
	return w.deregister(ctx)
}

// onError rolls back the destination writer and deregisters the engine
// table, the Streaming → Failed transition from spec.md §4.C7's state
// machine.
func (w *Writer) onError(ctx context.Context) {
	w.state = Failed
	_ = w.Dest.Rollback(ctx)
	w.deregister(ctx)
}

// onEngineFailure handles a failure to even begin the destination write,
// before any result batch has been produced.
func (w *Writer) onEngineFailure(ctx context.Context) {
	w.state = Failed
	w.deregister(ctx)
}

func (w *Writer) deregister(ctx context.Context) error {
	if w.table == nil {
		return nil
	}
	err := w.table.Deregister(ctx)
	w.table = nil
	return err
}
