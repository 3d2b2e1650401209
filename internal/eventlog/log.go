package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// AppendRecord represents a single appendable event. A non-empty
// IdempotencyKey that was already appended to the partition is not written
// again; Append reports the seq of the first write instead.
type AppendRecord struct {
	Header         []byte
	Payload        []byte
	IdempotencyKey string
}

// TrimHook observes ranges removed by retention.
type TrimHook interface {
	EmitTrimRange(stream string, partition uint32, minSeq, maxSeq uint64)
}

type noopTrimHook struct{}

func (noopTrimHook) EmitTrimRange(string, uint32, uint64, uint64) {}

// Log provides append-only operations for one stream partition. A process
// must hold a single Log per partition: the sequence counter and the append
// notification live in memory.
type Log struct {
	db     *pebblestore.DB
	stream string
	part   uint32

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
	trimHook TrimHook
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, stream string, partition uint32) (*Log, error) {
	l := &Log{db: db, stream: stream, part: partition, notifyCh: make(chan struct{}), trimHook: noopTrimHook{}}
	meta, err := db.Get(KeyLogMeta(stream, partition))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebble.ErrNotFound):
		return nil, err
	}
	return l, nil
}

func (l *Log) Stream() string    { return l.stream }
func (l *Log) Partition() uint32 { return l.part }

// SetTrimHook installs h; nil restores the no-op hook.
func (l *Log) SetTrimHook(h TrimHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		h = noopTrimHook{}
	}
	l.trimHook = h
}

// LastSeq returns the highest assigned sequence, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append appends the provided records as a single atomic batch. Returns assigned seq numbers.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seqs := make([]uint64, len(recs))
	next := l.lastSeq
	var seen map[string]uint64
	for i, r := range recs {
		if r.IdempotencyKey != "" {
			if prev, ok := seen[r.IdempotencyKey]; ok {
				seqs[i] = prev
				continue
			}
			prev, err := l.idempotentSeq(r.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if prev != 0 {
				seqs[i] = prev
				continue
			}
		}
		next++
		if err := b.Set(KeyLogEntry(l.stream, l.part, next), EncodeRecord(r.Header, r.Payload), nil); err != nil {
			return nil, errs.Store("append", err)
		}
		if r.IdempotencyKey != "" {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], next)
			if err := b.Set(KeyIdempotency(l.stream, l.part, r.IdempotencyKey), v[:], nil); err != nil {
				return nil, errs.Store("append", err)
			}
			if seen == nil {
				seen = make(map[string]uint64)
			}
			seen[r.IdempotencyKey] = next
		}
		seqs[i] = next
	}
	if next == l.lastSeq {
		return seqs, nil
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyLogMeta(l.stream, l.part), meta[:], nil); err != nil {
		return nil, errs.Store("append", err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

func (l *Log) idempotentSeq(key string) (uint64, error) {
	v, err := l.db.Get(KeyIdempotency(l.stream, l.part, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// Stats summarizes the retained window of the partition.
type Stats struct {
	FirstSeq uint64
	LastSeq  uint64
	Count    int
	Bytes    int64
}

// Stats scans the partition. Intended for status reporting, not hot paths.
func (l *Log) Stats() (Stats, error) {
	low, hi := entryBounds(l.stream, l.part)
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return Stats{}, err
	}
	defer it.Close()
	st := Stats{LastSeq: l.LastSeq()}
	for ok := it.First(); ok; ok = it.Next() {
		if st.Count == 0 {
			st.FirstSeq = seqFromEntryKey(it.Key())
		}
		st.Count++
		st.Bytes += int64(len(it.Value()))
	}
	return st, errs.Store("stats", it.Error())
}

var ErrNotFound = errors.New("eventlog: event not found")
