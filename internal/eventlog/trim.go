package eventlog

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/errs"
)

// TrimOlderThan deletes entries whose header timestamp is < cutoffMs, oldest
// first, stopping at the first newer entry. Deletes are committed in batches
// of up to batchLimit keys with an optional throttle between commits.
// Returns number of deleted entries and the last deleted sequence (0 if none).
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration) (int, uint64, error) {
	return l.trimPrefix(ctx, batchLimit, throttle, func(_ uint64, dec Decoded, _ int) bool {
		ms, ok := HeaderTimestamp(dec.Header)
		return ok && ms < cutoffMs
	})
}

// TrimToMaxCount keeps at most maxCount of the newest entries.
func (l *Log) TrimToMaxCount(ctx context.Context, maxCount int, batchLimit int, throttle time.Duration) (int, error) {
	if maxCount <= 0 {
		return 0, nil
	}
	last := l.LastSeq()
	if last <= uint64(maxCount) {
		return 0, nil
	}
	floor := last - uint64(maxCount)
	n, _, err := l.trimPrefix(ctx, batchLimit, throttle, func(seq uint64, _ Decoded, _ int) bool {
		return seq <= floor
	})
	return n, err
}

// TrimToMaxBytes approximates retention by total value bytes.
// If current bytes <= maxBytes, it is a no-op. Otherwise, deletes the oldest
// entries until total bytes <= maxBytes.
func (l *Log) TrimToMaxBytes(ctx context.Context, maxBytes int64, batchLimit int, throttle time.Duration) (int, error) {
	if maxBytes < 0 {
		return 0, nil
	}
	st, err := l.Stats()
	if err != nil {
		return 0, err
	}
	total := st.Bytes
	if total <= maxBytes {
		return 0, nil
	}
	n, _, err := l.trimPrefix(ctx, batchLimit, throttle, func(_ uint64, _ Decoded, size int) bool {
		if total <= maxBytes {
			return false
		}
		total -= int64(size)
		return true
	})
	return n, err
}

// trimPrefix deletes entries from the head of the partition while drop
// returns true. Idempotency index entries of deleted records go with them.
func (l *Log) trimPrefix(ctx context.Context, batchLimit int, throttle time.Duration, drop func(seq uint64, dec Decoded, size int) bool) (int, uint64, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	low, hi := entryBounds(l.stream, l.part)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	deleted := 0
	var minSeq, lastSeq uint64
	for ok := iter.First(); ok; {
		if err := ctx.Err(); err != nil {
			return deleted, lastSeq, err
		}
		b := l.db.NewBatch()
		n := 0
		for ok && n < batchLimit {
			seq := seqFromEntryKey(iter.Key())
			dec, good := DecodeRecord(iter.Value())
			// a corrupt head entry is always dropped
			if good && !drop(seq, dec, len(iter.Value())) {
				ok = false
				break
			}
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, lastSeq, errs.Store("trim", err)
			}
			if good && len(dec.Header) > 8 {
				if h, herr := DecodeHeader(dec.Header); herr == nil && h.IdempotencyKey != "" {
					_ = b.Delete(KeyIdempotency(l.stream, l.part, h.IdempotencyKey), nil)
				}
			}
			if minSeq == 0 {
				minSeq = seq
			}
			lastSeq = seq
			deleted++
			n++
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		if err := l.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, lastSeq, err
		}
		b.Close()
		l.hook().EmitTrimRange(l.stream, l.part, minSeq, lastSeq)
		minSeq = 0
		if throttle > 0 && ok {
			time.Sleep(throttle)
		}
	}
	return deleted, lastSeq, errs.Store("trim", iter.Error())
}

func (l *Log) hook() TrimHook {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimHook
}
