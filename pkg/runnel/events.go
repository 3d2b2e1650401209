package runnel

import (
	"context"

	"github.com/rzbill/runnel/internal/processor"
	"github.com/rzbill/runnel/pkg/codec"
)

type (
	// Entry is a delivered record before decoding.
	Entry = processor.Entry
	// Iterator is the untyped record sequence middleware sees.
	Iterator = processor.Iterator
	// RawHandler consumes untyped records.
	RawHandler = processor.Handler
	// Middleware wraps a RawHandler.
	Middleware = processor.Middleware
)

// Events is the typed view of one partition's records handed to a Handler.
// Moving to the next record acknowledges the current one.
type Events[T any] struct {
	it    Iterator
	codec codec.Codec

	val     T
	decoded bool
	decErr  error
}

func newEvents[T any](it Iterator, c codec.Codec) *Events[T] {
	return &Events[T]{it: it, codec: c}
}

// Next waits for the next record. It returns false once the partition stops,
// ctx is done or delivery fails.
func (e *Events[T]) Next(ctx context.Context) bool {
	e.reset()
	return e.it.Next(ctx)
}

// TryNext is Next without waiting for new records.
func (e *Events[T]) TryNext() bool {
	e.reset()
	return e.it.TryNext()
}

// Value decodes the current record.
func (e *Events[T]) Value() (T, error) {
	if !e.decoded {
		var v T
		e.decErr = e.codec.Decode(e.it.Entry().Payload, &v)
		e.val, e.decoded = v, true
	}
	return e.val, e.decErr
}

func (e *Events[T]) Entry() Entry { return e.it.Entry() }

func (e *Events[T]) Err() error { return e.it.Err() }

func (e *Events[T]) reset() {
	var zero T
	e.val, e.decoded, e.decErr = zero, false, nil
}
