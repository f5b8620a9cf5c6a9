// Package streamfactory bridges one-shot HTTP delivery to a query engine
// that may re-open a table's row stream more than once during planning and
// execution (spec.md §4.C4). It is grounded on the teacher's
// internal/stream package: the same goroutine-draining-into-a-channel shape
// as streamer.Stream, generalized from "JSON-encode and chunk for an HTTP
// response" to "buffer rows and replay a sampled prefix".
package streamfactory

import (
	"sync"

	"apitap/internal/batch"
	"apitap/internal/model"
	"apitap/internal/schema"
)

// Factory yields a fresh row stream each time it is invoked: the sampled
// prefix first, in order, then whatever remains in the buffer (spec.md I3).
// A second invocation after the first has been fully consumed yields an
// empty stream, per the concurrency rules in spec.md §4.C4.
type Factory func() <-chan batch.RowOrErr

// Buffer is the bounded channel + replayable prefix described in spec.md
// §4.C4. It owns the background drain task and serializes receiver access
// behind a mutex so at most one logical consumer reads the channel at a time.
type Buffer struct {
	mu        sync.Mutex
	ch        <-chan batch.RowOrErr
	prefix    []model.Row
	prefixErr error
	consumed  bool
}

// Wrap spawns a background task draining oneShot into a channel of
// capacity chanCap, samples up to sampleK rows to infer a Schema, and
// returns a Factory over the buffered remainder plus the Schema.
//
// oneShot must be single-consumer and is drained exactly once, matching
// spec.md I1: the caller (the pagination driver, via C1) owns the HTTP body
// and must not read from it again after handing it to Wrap.
func Wrap(oneShot <-chan batch.RowOrErr, sampleK int, chanCap int) (Factory, model.Schema) {
	if chanCap <= 0 {
		chanCap = 8192
	}

	drained := make(chan batch.RowOrErr, chanCap)
	go func() {
		defer close(drained)
		for item := range oneShot {
			drained <- item
		}
	}()

	prefix := make([]model.Row, 0, sampleK)
	var prefixErr error

	for len(prefix) < sampleK {
		item, ok := <-drained
		if !ok {
			break
		}
		if item.Err != nil {
			prefixErr = item.Err
			break
		}
		prefix = append(prefix, item.Row)
	}

	inferred := schema.Infer(prefix, sampleK)

	buf := &Buffer{ch: drained, prefix: prefix}
	if prefixErr != nil {
		// Surface the sampling error on the very first replay so no error
		// observed during sampling is silently dropped (spec.md I2).
		buf.prefixErr = prefixErr
	}

	return buf.open, inferred
}

func (b *Buffer) open() <-chan batch.RowOrErr {
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		out := make(chan batch.RowOrErr)
		close(out)
		return out
	}
	b.consumed = true
	prefix := b.prefix
	prefixErr := b.prefixErr
	ch := b.ch
	b.mu.Unlock()

	out := make(chan batch.RowOrErr, 16)
	go func() {
		defer close(out)

		for _, row := range prefix {
			out <- batch.RowOrErr{Row: row}
		}
		if prefixErr != nil {
			out <- batch.RowOrErr{Err: prefixErr}
			return
		}

		// Serialize receiver access: only the goroutine that won the
		// open() race above reads from ch, so no additional locking is
		// needed here beyond the consumed flag already claimed.
		for item := range ch {
			out <- item
		}
	}()

	return out
}
