// Package delivery keeps per-processor delivery state in the partition store:
// the in-flight set, the pending ordered set and quarantine flags.
//
// Owner-side operations (Fetch, Ack, Requeue, Poison, Recover) are fenced by
// the partition lease and run as one script each. Operator and watchdog
// operations (ClearPoison, RequeueStale) are not fenced.
package delivery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/internal/jsoncodec"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// InFlight is a record handed to an executor and not yet acked.
type InFlight struct {
	Partition  int    `json:"partition"`
	Seq        uint64 `json:"seq"`
	Owner      string `json:"owner"`
	IdleFromMs int64  `json:"idleFromMs"`
	EtaMs      int64  `json:"etaMs"`
	Deliveries int    `json:"deliveries"`
}

// Pending is a record waiting for redelivery. Entries are popped in EtaMs order.
type Pending struct {
	Partition  int    `json:"partition"`
	Seq        uint64 `json:"seq"`
	EtaMs      int64  `json:"etaMs"`
	Deliveries int    `json:"deliveries"`
}

// Poison is the quarantine flag of a partition.
type Poison struct {
	Seq    uint64 `json:"seq"`
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
	AtMs   int64  `json:"atMs"`
}

// Delivery is one record returned by Fetch.
type Delivery struct {
	Partition  int
	Seq        uint64
	Header     []byte
	Payload    []byte
	EtaMs      int64
	Deliveries int
}

// Store manages the delivery state of one processor.
type Store struct {
	db        *pebblestore.DB
	leases    *coord.Store
	processor string
}

// New creates a Store fenced by the leases of the same processor.
func New(db *pebblestore.DB, leases *coord.Store) *Store {
	return &Store{db: db, leases: leases, processor: leases.Processor()}
}

func (s *Store) now() int64 { return s.leases.Now() }

// Fetch returns up to limit records for partition: due pending entries first,
// then log entries after the last delivered position. Every returned record
// is marked in-flight for owner. Trimmed pending entries are dropped.
func (s *Store) Fetch(ctx context.Context, log *eventlog.Log, partition int, owner string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	var out []Delivery
	err := s.db.Script(ctx, "delivery.fetch", func(tx *pebblestore.Txn) error {
		out = out[:0]
		if _, err := s.leases.CheckTx(tx, partition, owner); err != nil {
			return err
		}
		if poisoned, err := tx.Has(poisonKey(s.processor, partition)); err != nil {
			return err
		} else if poisoned {
			return fmt.Errorf("%w: processor %q partition %d", errs.ErrPoisonedPartition, s.processor, partition)
		}
		now := s.now()

		due, err := s.duePendingTx(tx, partition, now, limit)
		if err != nil {
			return err
		}
		for _, p := range due {
			if err := s.deletePendingTx(tx, p); err != nil {
				return err
			}
			item, err := log.GetTx(tx, p.Seq)
			if errors.Is(err, eventlog.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, Delivery{Partition: partition, Seq: p.Seq, Header: item.Header, Payload: item.Payload, EtaMs: p.EtaMs, Deliveries: p.Deliveries + 1})
		}

		if remaining := limit - len(out); remaining > 0 {
			after, err := log.LastDeliveredTx(tx, s.processor)
			if err != nil {
				return err
			}
			items, err := log.ReadAfterTx(tx, after, remaining)
			if err != nil {
				return err
			}
			for _, it := range items {
				eta, ok := eventlog.HeaderTimestamp(it.Header)
				if !ok {
					eta = now
				}
				out = append(out, Delivery{Partition: partition, Seq: it.Seq, Header: it.Header, Payload: it.Payload, EtaMs: eta, Deliveries: 1})
			}
			if len(items) > 0 {
				if err := log.SetLastDeliveredTx(tx, s.processor, items[len(items)-1].Seq); err != nil {
					return err
				}
			}
		}

		for _, d := range out {
			rec := InFlight{Partition: partition, Seq: d.Seq, Owner: owner, IdleFromMs: now, EtaMs: d.EtaMs, Deliveries: d.Deliveries}
			if err := s.putInFlightTx(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack removes the in-flight and pending entries of seqs and commits the
// cursor to the highest of them. The cursor never regresses.
func (s *Store) Ack(ctx context.Context, log *eventlog.Log, partition int, owner string, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.db.Script(ctx, "delivery.ack", func(tx *pebblestore.Txn) error {
		if _, err := s.leases.CheckTx(tx, partition, owner); err != nil {
			return err
		}
		var top uint64
		for _, seq := range seqs {
			if err := s.dropTx(tx, partition, seq); err != nil {
				return err
			}
			top = max(top, seq)
		}
		_, err := log.CommitCursorTx(tx, s.processor, top)
		return err
	})
}

// Requeue moves owner's in-flight seqs back to pending at their original eta.
func (s *Store) Requeue(ctx context.Context, partition int, owner string, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.db.Script(ctx, "delivery.requeue", func(tx *pebblestore.Txn) error {
		if _, err := s.leases.CheckTx(tx, partition, owner); err != nil {
			return err
		}
		for _, seq := range seqs {
			rec, ok, err := s.inFlightTx(tx, partition, seq)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.moveToPendingTx(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Poison quarantines partition and stops its delivery until ClearPoison.
// The failed record stays in-flight until then, or until it has been idle
// longer than MaxTTL and the watchdog moves it back to pending.
func (s *Store) Poison(ctx context.Context, partition int, owner string, seq uint64, reason string) error {
	return s.db.Script(ctx, "delivery.poison", func(tx *pebblestore.Txn) error {
		if _, err := s.leases.CheckTx(tx, partition, owner); err != nil {
			return err
		}
		b, err := jsoncodec.Marshal(Poison{Seq: seq, Owner: owner, Reason: reason, AtMs: s.now()})
		if err != nil {
			return err
		}
		return tx.Set(poisonKey(s.processor, partition), b)
	})
}

// ClearPoison lifts the quarantine and returns the partition's in-flight
// entries to pending. It reports how many entries were moved.
func (s *Store) ClearPoison(ctx context.Context, partition int) (int, error) {
	moved := 0
	err := s.db.Script(ctx, "delivery.clear_poison", func(tx *pebblestore.Txn) error {
		moved = 0
		if err := tx.Delete(poisonKey(s.processor, partition)); err != nil {
			return err
		}
		recs, err := s.partitionInFlightTx(tx, partition)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := s.moveToPendingTx(tx, rec); err != nil {
				return err
			}
		}
		moved = len(recs)
		return nil
	})
	return moved, err
}

// Recover moves every in-flight entry of partition back to pending. An owner
// runs it before its first fetch and again after a failed ack or requeue.
// Quarantined partitions are left untouched.
func (s *Store) Recover(ctx context.Context, partition int, owner string) (int, error) {
	moved := 0
	err := s.db.Script(ctx, "delivery.recover", func(tx *pebblestore.Txn) error {
		moved = 0
		if _, err := s.leases.CheckTx(tx, partition, owner); err != nil {
			return err
		}
		if poisoned, err := tx.Has(poisonKey(s.processor, partition)); err != nil || poisoned {
			return err
		}
		recs, err := s.partitionInFlightTx(tx, partition)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := s.moveToPendingTx(tx, rec); err != nil {
				return err
			}
		}
		moved = len(recs)
		return nil
	})
	return moved, err
}

// RequeueStale moves up to limit in-flight entries idle since before
// cutoffMs back to pending. It returns the moved entries.
func (s *Store) RequeueStale(ctx context.Context, cutoffMs int64, limit int) ([]InFlight, error) {
	var moved []InFlight
	prefix := []byte(deliveryPrefix(s.processor) + prefixInFlightIdx)
	err := s.db.Script(ctx, "delivery.requeue_stale", func(tx *pebblestore.Txn) error {
		moved = moved[:0]
		it, err := tx.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
		if err != nil {
			return err
		}
		type ref struct {
			part int
			seq  uint64
		}
		var stale []ref
		for ok := it.First(); ok && (limit <= 0 || len(stale) < limit); ok = it.Next() {
			key := it.Key()
			if len(key) != len(prefix)+8+4+8 {
				continue
			}
			idleFrom := int64(binary.BigEndian.Uint64(key[len(prefix):]))
			if idleFrom > cutoffMs {
				// sorted by idle_from
				break
			}
			stale = append(stale, ref{
				part: int(binary.BigEndian.Uint32(key[len(prefix)+8:])),
				seq:  binary.BigEndian.Uint64(key[len(prefix)+12:]),
			})
		}
		if err := it.Close(); err != nil {
			return errs.Store("delivery.requeue_stale", err)
		}
		for _, r := range stale {
			rec, ok, err := s.inFlightTx(tx, r.part, r.seq)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.moveToPendingTx(tx, rec); err != nil {
				return err
			}
			moved = append(moved, rec)
		}
		return nil
	})
	return moved, err
}

// Poisoned returns the quarantine flag of partition, if any.
func (s *Store) Poisoned(partition int) (Poison, bool, error) {
	b, err := s.db.Get(poisonKey(s.processor, partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return Poison{}, false, nil
	}
	if err != nil {
		return Poison{}, false, err
	}
	var p Poison
	if err := jsoncodec.Unmarshal(b, &p); err != nil {
		return Poison{}, true, nil
	}
	return p, true, nil
}

// Counts returns the sizes of the in-flight and pending sets of partition.
func (s *Store) Counts(partition int) (inFlight, pending int, err error) {
	ifp := inFlightPartitionPrefix(s.processor, partition)
	if inFlight, err = s.db.Count(ifp, pebblestore.PrefixEnd(ifp)); err != nil {
		return 0, 0, err
	}
	pp := pendingPartitionPrefix(s.processor, partition)
	pending, err = s.db.Count(pp, pebblestore.PrefixEnd(pp))
	return inFlight, pending, err
}

// InFlightEntries lists the in-flight entries of partition in seq order.
func (s *Store) InFlightEntries(partition int) ([]InFlight, error) {
	p := inFlightPartitionPrefix(s.processor, partition)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: pebblestore.PrefixEnd(p)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []InFlight
	for ok := it.First(); ok; ok = it.Next() {
		var rec InFlight
		if err := jsoncodec.Unmarshal(it.Value(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, errs.Store("delivery.list", it.Error())
}

func (s *Store) duePendingTx(tx *pebblestore.Txn, partition int, now int64, limit int) ([]Pending, error) {
	p := pendingPartitionPrefix(s.processor, partition)
	it, err := tx.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: pebblestore.PrefixEnd(p)})
	if err != nil {
		return nil, err
	}
	var out []Pending
	for ok := it.First(); ok && len(out) < limit; ok = it.Next() {
		var pe Pending
		if err := jsoncodec.Unmarshal(it.Value(), &pe); err != nil {
			continue
		}
		if pe.EtaMs > now {
			break
		}
		out = append(out, pe)
	}
	if err := it.Close(); err != nil {
		return nil, errs.Store("delivery.pending", err)
	}
	return out, nil
}

func (s *Store) partitionInFlightTx(tx *pebblestore.Txn, partition int) ([]InFlight, error) {
	p := inFlightPartitionPrefix(s.processor, partition)
	it, err := tx.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: pebblestore.PrefixEnd(p)})
	if err != nil {
		return nil, err
	}
	var out []InFlight
	for ok := it.First(); ok; ok = it.Next() {
		var rec InFlight
		if err := jsoncodec.Unmarshal(it.Value(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	if err := it.Close(); err != nil {
		return nil, errs.Store("delivery.inflight", err)
	}
	return out, nil
}

func (s *Store) inFlightTx(tx *pebblestore.Txn, partition int, seq uint64) (InFlight, bool, error) {
	b, err := tx.Get(inFlightKey(s.processor, partition, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return InFlight{}, false, nil
	}
	if err != nil {
		return InFlight{}, false, err
	}
	var rec InFlight
	if err := jsoncodec.Unmarshal(b, &rec); err != nil {
		return InFlight{}, false, fmt.Errorf("delivery: decode in-flight: %w", err)
	}
	return rec, true, nil
}

func (s *Store) putInFlightTx(tx *pebblestore.Txn, rec InFlight) error {
	b, err := jsoncodec.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.Set(inFlightKey(s.processor, rec.Partition, rec.Seq), b); err != nil {
		return err
	}
	return tx.Set(inFlightIndexKey(s.processor, rec.IdleFromMs, rec.Partition, rec.Seq), nil)
}

func (s *Store) deleteInFlightTx(tx *pebblestore.Txn, rec InFlight) error {
	if err := tx.Delete(inFlightKey(s.processor, rec.Partition, rec.Seq)); err != nil {
		return err
	}
	return tx.Delete(inFlightIndexKey(s.processor, rec.IdleFromMs, rec.Partition, rec.Seq))
}

func (s *Store) putPendingTx(tx *pebblestore.Txn, p Pending) error {
	// one pending entry per seq
	if prev, err := tx.Get(pendingSeqKey(s.processor, p.Partition, p.Seq)); err == nil && len(prev) == 8 {
		if eta := int64(binary.BigEndian.Uint64(prev)); eta != p.EtaMs {
			if err := tx.Delete(pendingKey(s.processor, p.Partition, eta, p.Seq)); err != nil {
				return err
			}
		}
	} else if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	b, err := jsoncodec.Marshal(p)
	if err != nil {
		return err
	}
	if err := tx.Set(pendingKey(s.processor, p.Partition, p.EtaMs, p.Seq), b); err != nil {
		return err
	}
	var eta [8]byte
	binary.BigEndian.PutUint64(eta[:], uint64(p.EtaMs))
	return tx.Set(pendingSeqKey(s.processor, p.Partition, p.Seq), eta[:])
}

func (s *Store) deletePendingTx(tx *pebblestore.Txn, p Pending) error {
	if err := tx.Delete(pendingKey(s.processor, p.Partition, p.EtaMs, p.Seq)); err != nil {
		return err
	}
	return tx.Delete(pendingSeqKey(s.processor, p.Partition, p.Seq))
}

// dropTx removes every trace of seq from the in-flight and pending sets.
func (s *Store) dropTx(tx *pebblestore.Txn, partition int, seq uint64) error {
	rec, ok, err := s.inFlightTx(tx, partition, seq)
	if err != nil {
		return err
	}
	if ok {
		if err := s.deleteInFlightTx(tx, rec); err != nil {
			return err
		}
	}
	eta, err := tx.Get(pendingSeqKey(s.processor, partition, seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(eta) != 8 {
		return tx.Delete(pendingSeqKey(s.processor, partition, seq))
	}
	return s.deletePendingTx(tx, Pending{Partition: partition, Seq: seq, EtaMs: int64(binary.BigEndian.Uint64(eta))})
}

func (s *Store) moveToPendingTx(tx *pebblestore.Txn, rec InFlight) error {
	if err := s.deleteInFlightTx(tx, rec); err != nil {
		return err
	}
	return s.putPendingTx(tx, Pending{Partition: rec.Partition, Seq: rec.Seq, EtaMs: rec.EtaMs, Deliveries: rec.Deliveries})
}

// Age reports how long rec has been idle at now.
func (rec InFlight) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(rec.IdleFromMs))
}
