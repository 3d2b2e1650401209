package delivery

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *pebblestore.DB
	leases *coord.Store
	store  *Store
	log    *eventlog.Log
	clock  *atomic.Int64
}

func newFixture(t *testing.T, records int) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &atomic.Int64{}
	clock.Store(time.Now().UnixMilli())
	leases := coord.New(db, "billing")
	leases.Now = clock.Load

	l, err := eventlog.OpenLog(db, "payments", 0)
	require.NoError(t, err)
	recs := make([]eventlog.AppendRecord, records)
	for i := range recs {
		h, err := eventlog.EncodeHeader(eventlog.Header{TsMs: clock.Load() - int64(records-i)})
		require.NoError(t, err)
		recs[i] = eventlog.AppendRecord{Header: h, Payload: []byte(fmt.Sprintf("r%d", i+1))}
	}
	if records > 0 {
		_, err = l.Append(context.Background(), recs)
		require.NoError(t, err)
	}
	return &fixture{db: db, leases: leases, store: New(db, leases), log: l, clock: clock}
}

func (f *fixture) own(t *testing.T, owner string) {
	t.Helper()
	_, won, err := f.leases.Acquire(context.Background(), 0, owner, 10*time.Second)
	require.NoError(t, err)
	require.True(t, won)
}

func seqsOf(ds []Delivery) []uint64 {
	out := make([]uint64, len(ds))
	for i, d := range ds {
		out[i] = d.Seq
	}
	return out
}

func TestFetchAckAdvancesCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)
	ctx := context.Background()
	f.own(t, "exec-a")

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, seqsOf(got))
	require.Equal(t, "r1", string(got[0].Payload))

	inflight, pending, err := f.store.Counts(0)
	require.NoError(t, err)
	require.Equal(t, 3, inflight)
	require.Equal(t, 0, pending)

	require.NoError(t, f.store.Ack(ctx, f.log, 0, "exec-a", 1, 2))
	cur, ok := f.log.GetCursor("billing")
	require.True(t, ok)
	require.Equal(t, uint64(2), cur.Seq())

	next, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5}, seqsOf(next), "fetch continues after the last delivered record")

	inflight, _, err = f.store.Counts(0)
	require.NoError(t, err)
	require.Equal(t, 3, inflight)
}

func TestFetchIsFencedByLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()
	f.own(t, "exec-a")

	_, err := f.store.Fetch(ctx, f.log, 0, "exec-b", 1)
	require.ErrorIs(t, err, errs.ErrLeaseLost)

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	f.clock.Add(11_000)
	err = f.store.Ack(ctx, f.log, 0, "exec-a", got[0].Seq)
	require.ErrorIs(t, err, errs.ErrLeaseLost, "ack after expiry must not commit")
	_, ok := f.log.GetCursor("billing")
	require.False(t, ok)
}

func TestRequeuedEntriesComeBackFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	ctx := context.Background()
	f.own(t, "exec-a")

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 3)
	require.NoError(t, err)
	require.NoError(t, f.store.Ack(ctx, f.log, 0, "exec-a", got[0].Seq))
	require.NoError(t, f.store.Requeue(ctx, 0, "exec-a", 2, 3))

	_, pending, err := f.store.Counts(0)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	again, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 4}, seqsOf(again))
	require.Equal(t, 2, again[0].Deliveries)
	require.Equal(t, 1, again[2].Deliveries)
}

func TestCrashedOwnerRecordIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()
	f.own(t, "exec-a")

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// exec-a dies without acking

	f.clock.Add(11_000)
	f.own(t, "exec-b")
	n, err := f.store.Recover(ctx, 0, "exec-b")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := f.store.Fetch(ctx, f.log, 0, "exec-b", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, got[0].Seq, again[0].Seq)
	require.Equal(t, 2, again[0].Deliveries)

	entries, err := f.store.InFlightEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "exec-b", entries[0].Owner)
}

func TestRequeueStaleMovesOldEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	ctx := context.Background()
	f.own(t, "exec-a")

	_, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.NoError(t, err)
	f.clock.Add(5_000)
	_, err = f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.NoError(t, err)

	moved, err := f.store.RequeueStale(ctx, f.clock.Load()-1_000, 0)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, uint64(1), moved[0].Seq)

	inflight, pending, err := f.store.Counts(0)
	require.NoError(t, err)
	require.Equal(t, 1, inflight)
	require.Equal(t, 1, pending)

	// the slow owner's late ack still clears the pending copy
	require.NoError(t, f.store.Ack(ctx, f.log, 0, "exec-a", 1))
	_, pending, err = f.store.Counts(0)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestPoisonBlocksUntilCleared(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	ctx := context.Background()
	f.own(t, "exec-a")

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.NoError(t, err)
	require.NoError(t, f.store.Poison(ctx, 0, "exec-a", got[0].Seq, "boom"))

	_, err = f.store.Fetch(ctx, f.log, 0, "exec-a", 1)
	require.ErrorIs(t, err, errs.ErrPoisonedPartition)
	p, ok, err := f.store.Poisoned(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "boom", p.Reason)

	n, err := f.store.Recover(ctx, 0, "exec-a")
	require.NoError(t, err)
	require.Zero(t, n, "recover leaves a quarantined partition alone")

	n, err = f.store.ClearPoison(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seqsOf(again))
}

func TestTrimmedPendingEntriesAreDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	ctx := context.Background()
	f.own(t, "exec-a")

	_, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 2)
	require.NoError(t, err)
	require.NoError(t, f.store.Requeue(ctx, 0, "exec-a", 1, 2))

	_, err = f.log.TrimToMaxCount(ctx, 3, 0, 0)
	require.NoError(t, err)

	got, err := f.store.Fetch(ctx, f.log, 0, "exec-a", 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 4}, seqsOf(got))
	_, pending, err := f.store.Counts(0)
	require.NoError(t, err)
	require.Zero(t, pending)
}
