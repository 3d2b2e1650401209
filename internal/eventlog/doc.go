// Package eventlog implements the append-only partition log behind a stream.
//
// # Overview
//
// Each stream partition is an ordered run of Pebble keys:
//   - s/{stream}/{part_be4}/m            (last assigned seq)
//   - s/{stream}/{part_be4}/e/{seq_be8}  (entries)
//   - s/{stream}/{part_be4}/k/{key}      (idempotent publish index)
//   - c/{stream}/{group}/{part_be4}      (acked cursor per processor)
//   - c/{stream}/{group}/{part_be4}/ld   (last delivered seq per processor)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload).
// Headers start with an 8-byte publish timestamp so age-based trimming does
// not decode JSON.
//
// Usage:
//
//	l, _ := OpenLog(db, "orders", 3)
//	seqs, _ := l.Append(ctx, []AppendRecord{{Header: h, Payload: p}})
//
//	ch := l.Notify() // take before reading
//	items, _, _ := l.Read(ReadOptions{Start: TokenFromSeq(seqs[0]), Limit: 100})
//	if len(items) == 0 {
//	    WaitOn(ctx, ch, 2*time.Second)
//	}
//
//	// inside a pebblestore script
//	items, _ = l.ReadAfterTx(tx, lastDelivered, 8)
//	_, _ = l.CommitCursorTx(tx, "billing", items[0].Seq)
//
//	// retention
//	_, _ = l.TrimToMaxCount(ctx, 10_000, 1024, 0)
//	_, _, _ = l.TrimOlderThan(ctx, cutoffMs, 1024, 0)
//
// A Log keeps its sequence counter in memory, so callers share one Log per
// partition within a process.
package eventlog
