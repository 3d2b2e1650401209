package processor

import (
	"context"

	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/eventlog"
)

// Entry is one delivered record in its raw form.
type Entry struct {
	Partition  int
	Seq        uint64
	ID         string
	Key        string
	TsMs       int64
	Codec      string
	Attrs      map[string]string
	Payload    []byte
	Deliveries int
}

// Iterator is the pull sequence a handler consumes. Advancing past a record
// acknowledges it; the last record is acknowledged when the handler returns
// nil. Next returns false when the partition is stopping or delivery failed,
// in which case Err reports why.
type Iterator interface {
	// Next blocks until a record is available, the partition stops or ctx is done.
	Next(ctx context.Context) bool
	// TryNext returns false instead of waiting when nothing is ready.
	TryNext() bool
	Entry() Entry
	Err() error
}

type iterator struct {
	t      *partitionTask
	buf    []delivery.Delivery
	cur    Entry
	hasCur bool
	acked  bool
	pulled int
	err    error
	ended  bool
}

func newIterator(t *partitionTask) *iterator { return &iterator{t: t} }

func (it *iterator) Entry() Entry { return it.cur }

func (it *iterator) Err() error { return it.err }

func (it *iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.ended {
		return false
	}
	if !it.ackCurrent() {
		return false
	}
	for {
		if len(it.buf) > 0 {
			it.advance()
			return true
		}
		if it.t.stopping() {
			it.ended = true
			return false
		}
		notify := it.t.log.Notify()
		ds, err := it.t.fetch()
		if err != nil {
			it.err = err
			return false
		}
		if len(ds) > 0 {
			it.buf = ds
			continue
		}
		switch it.t.waitForData(ctx, notify) {
		case waitStopped:
			it.ended = true
			return false
		case waitCancelled:
			it.err = ctx.Err()
			return false
		}
	}
}

func (it *iterator) TryNext() bool {
	if it.err != nil || it.ended {
		return false
	}
	if !it.ackCurrent() {
		return false
	}
	if len(it.buf) == 0 {
		if it.t.stopping() {
			it.ended = true
			return false
		}
		ds, err := it.t.fetch()
		if err != nil {
			it.err = err
			return false
		}
		if len(ds) == 0 {
			return false
		}
		it.buf = ds
	}
	it.advance()
	return true
}

func (it *iterator) advance() {
	d := it.buf[0]
	it.buf = it.buf[1:]
	e := Entry{Partition: d.Partition, Seq: d.Seq, Payload: d.Payload, Deliveries: d.Deliveries, TsMs: d.EtaMs}
	if h, err := eventlog.DecodeHeader(d.Header); err == nil {
		e.ID, e.Key, e.TsMs, e.Codec, e.Attrs = h.ID, h.Key, h.TsMs, h.Codec, h.Attrs
	}
	it.cur, it.hasCur, it.acked = e, true, false
	it.pulled++
}

// ackCurrent acknowledges the record the handler just finished with.
func (it *iterator) ackCurrent() bool {
	if !it.hasCur || it.acked {
		return true
	}
	if err := it.t.ack(it.cur.Seq); err != nil {
		it.err = err
		return false
	}
	it.acked = true
	return true
}

// unpulled returns the fetched seqs the handler never saw, plus the current
// one when it was not acknowledged and includeCurrent is set.
func (it *iterator) unpulled(includeCurrent bool) []uint64 {
	out := make([]uint64, 0, len(it.buf)+1)
	if includeCurrent && it.hasCur && !it.acked {
		out = append(out, it.cur.Seq)
	}
	for _, d := range it.buf {
		out = append(out, d.Seq)
	}
	it.buf = nil
	return out
}
