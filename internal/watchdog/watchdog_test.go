package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/runnel/internal/coord"
	"github.com/rzbill/runnel/internal/delivery"
	"github.com/rzbill/runnel/internal/eventlog"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

type fixture struct {
	leases     *coord.Store
	deliveries *delivery.Store
	log        *eventlog.Log
	clock      *atomic.Int64
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
		h, err := eventlog.EncodeHeader(eventlog.Header{TsMs: clock.Load() - 1000})
		require.NoError(t, err)
		recs[i] = eventlog.AppendRecord{Header: h, Payload: []byte{byte(i)}}
	}
	_, err = l.Append(context.Background(), recs)
	require.NoError(t, err)
	return &fixture{leases: leases, deliveries: delivery.New(db, leases), log: l, clock: clock}
}

func TestScanRequeuesOnlyStaleEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	ctx := context.Background()

	_, won, err := f.leases.Acquire(ctx, 0, "exec-a", time.Hour)
	require.NoError(t, err)
	require.True(t, won)
	_, err = f.deliveries.Fetch(ctx, f.log, 0, "exec-a", 2)
	require.NoError(t, err)

	w := New(f.deliveries, f.leases, Config{Interval: time.Hour, MaxTTL: time.Minute, BatchSize: 1}, nil, nil)

	moved, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	f.clock.Add(time.Minute.Milliseconds() + 1)
	moved, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved, "batches repeat until the index is drained")

	inflight, pending, err := f.deliveries.Counts(0)
	require.NoError(t, err)
	assert.Zero(t, inflight)
	assert.Equal(t, 2, pending)
}

// A crashed owner's records come back to whoever owns the partition next.
func TestCrashedOwnerRecordsAreRedelivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	_, _, err := f.leases.Acquire(ctx, 0, "exec-a", 10*time.Second)
	require.NoError(t, err)
	got, err := f.deliveries.Fetch(ctx, f.log, 0, "exec-a", 8)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// exec-a dies without acking; time passes beyond both the lease and MaxTTL.
	f.clock.Add((2 * time.Minute).Milliseconds())
	w := New(f.deliveries, f.leases, Config{MaxTTL: time.Minute}, nil, nil)
	moved, err := w.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	_, won, err := f.leases.Acquire(ctx, 0, "exec-b", 10*time.Second)
	require.NoError(t, err)
	require.True(t, won)
	again, err := f.deliveries.Fetch(ctx, f.log, 0, "exec-b", 8)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].Seq, again[0].Seq)
	assert.Equal(t, 2, again[0].Deliveries)
}

func TestScanSweepsExpiredMembers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.leases.Join(ctx, "exec-a", time.Second, nil)
	require.NoError(t, err)
	f.clock.Add(2000)

	w := New(f.deliveries, f.leases, Config{}, nil, nil)
	_, err = w.Scan(ctx)
	require.NoError(t, err)
	members, err := f.leases.Members()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	w := New(f.deliveries, f.leases, Config{Interval: 10 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
