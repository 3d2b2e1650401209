package processor

import (
	"context"

	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

// PartitionStatus is the stored state of one partition for one processor.
type PartitionStatus struct {
	Partition      int    `json:"partition"`
	Owner          string `json:"owner,omitempty"`
	LeaseExpiresMs int64  `json:"leaseExpiresMs,omitempty"`
	Epoch          uint64 `json:"epoch,omitempty"`
	Cursor         uint64 `json:"cursor"`
	LastSeq        uint64 `json:"lastSeq"`
	Lag            uint64 `json:"lag"`
	InFlight       int    `json:"inFlight"`
	Pending        int    `json:"pending"`
	Poisoned       bool   `json:"poisoned"`
	PoisonSeq      uint64 `json:"poisonSeq,omitempty"`
	PoisonReason   string `json:"poisonReason,omitempty"`
}

// Status is a processor-wide snapshot.
type Status struct {
	Processor  string            `json:"processor"`
	Stream     string            `json:"stream"`
	Policy     string            `json:"policy,omitempty"`
	Members    []coord.Member    `json:"members"`
	Partitions []PartitionStatus `json:"partitions"`
	Executors  []ExecutorStatus  `json:"executors,omitempty"`
}

// ReadStatus builds a Status from the store alone, so it works without a
// running processor.
func ReadStatus(ctx context.Context, db *pebblestore.DB, logs LogSource, processor, stream string, partitions int) (Status, error) {
	st := Status{Processor: processor, Stream: stream}
	leases := coord.New(db, processor)
	deliveries := delivery.New(db, leases)

	members, err := leases.Members()
	if err != nil {
		return st, err
	}
	st.Members = members
	now := leases.Now()

	for p := 0; p < partitions; p++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		ps := PartitionStatus{Partition: p}
		if l, ok, err := leases.Get(p); err != nil {
			return st, err
		} else if ok && l.Live(now) {
			ps.Owner, ps.LeaseExpiresMs, ps.Epoch = l.Owner, l.ExpiresAtMs, l.Epoch
		}
		lg, err := logs.Log(stream, p)
		if err != nil {
			return st, err
		}
		ps.LastSeq = lg.LastSeq()
		if tok, ok := lg.GetCursor(processor); ok {
			ps.Cursor = tok.Seq()
		}
		if ps.LastSeq > ps.Cursor {
			ps.Lag = ps.LastSeq - ps.Cursor
		}
		if ps.InFlight, ps.Pending, err = deliveries.Counts(p); err != nil {
			return st, err
		}
		if poison, ok, err := deliveries.Poisoned(p); err != nil {
			return st, err
		} else if ok {
			ps.Poisoned, ps.PoisonSeq, ps.PoisonReason = true, poison.Seq, poison.Reason
		}
		st.Partitions = append(st.Partitions, ps)
	}
	return st, nil
}
