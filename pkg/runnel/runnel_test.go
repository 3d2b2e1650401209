package runnel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/runnel/pkg/codec"
	"github.com/rzbill/runnel/pkg/partition"
	"github.com/rzbill/runnel/pkg/runnel"
)

type order struct {
	ID       int    `json:"id"`
	Customer string `json:"customer"`
}

func openApp(t *testing.T) *runnel.App {
	t.Helper()
	app, err := runnel.Open(runnel.WithDataDir(t.TempDir()), runnel.WithFsync("never", 0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func fast() []runnel.ProcessorOption {
	return []runnel.ProcessorOption{
		runnel.WithLockExpiry(600 * time.Millisecond),
		runnel.WithReadTimeout(50 * time.Millisecond),
		runnel.WithAssignmentSleep(20 * time.Millisecond),
		runnel.WithAssignmentAttempts(50),
		runnel.WithJoinDelay(0),
		runnel.WithGracePeriod(time.Second),
		runnel.WithMaxTTL(30 * time.Second),
		runnel.WithWatchdogInterval(100 * time.Millisecond),
	}
}

func runInBackground(t *testing.T, p *runnel.Processor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(10 * time.Second):
				err = errors.New("processor did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// Records with the same key are handled in publish order.
func TestKeyOrderingEndToEnd(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	ctx := context.Background()

	orders, err := runnel.NewStream[order](app, "orders",
		runnel.WithPartitionByField("Customer"),
		runnel.WithPartitionCount(4))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	proc, err := runnel.NewProcessor(orders, func(ctx context.Context, events *runnel.Events[order]) error {
		for events.Next(ctx) {
			o, err := events.Value()
			if err != nil {
				return err
			}
			mu.Lock()
			seen[o.Customer] = append(seen[o.Customer], o.ID)
			mu.Unlock()
		}
		return nil
	}, append(fast(), runnel.WithName("billing"), runnel.WithPoolSize(2))...)
	require.NoError(t, err)
	runInBackground(t, proc)

	customers := []string{"ada", "bob", "cy", "dee", "eve"}
	for i := 0; i < 50; i++ {
		c := customers[i%len(customers)]
		_, err := orders.Publish(ctx, order{ID: i, Customer: c})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, ids := range seen {
			n += len(ids)
		}
		return n == 50
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for ci, c := range customers {
		var want []int
		for i := ci; i < 50; i += len(customers) {
			want = append(want, i)
		}
		assert.Equal(t, want, seen[c], "customer %s", c)
	}
}

func TestPublishPlacesRecordsByKey(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[order](app, "orders",
		runnel.WithPartitionBy(func(o order) string { return o.Customer }),
		runnel.WithPartitionCount(8))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := s.Publish(ctx, order{ID: 1, Customer: "ada"})
	require.NoError(t, err)
	second, err := s.Publish(ctx, order{ID: 2, Customer: "ada"})
	require.NoError(t, err)

	assert.Equal(t, partition.Index(partition.XXH3{}, "ada", 8), first.Partition)
	assert.Equal(t, first.Partition, second.Partition)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, s.Partition("ada"), first.Partition)
	assert.NotEqual(t, first.ID, second.ID)

	keyed, err := s.Publish(ctx, order{ID: 3, Customer: "ada"}, runnel.WithKey("bob"))
	require.NoError(t, err)
	assert.Equal(t, s.Partition("bob"), keyed.Partition)
}

func TestPublishSurfacesStoreUnavailable(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[order](app, "orders",
		runnel.WithPartitionBy(func(o order) string { return o.Customer }),
		runnel.WithPartitionCount(4))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Publish(ctx, order{ID: 1, Customer: "ada"})
	require.NoError(t, err)

	require.NoError(t, app.Runtime().DB().Close())
	_, err = s.Publish(ctx, order{ID: 2, Customer: "ada"})
	require.ErrorIs(t, err, runnel.ErrStoreUnavailable)

	_, err = s.PublishBatch(ctx, order{ID: 3, Customer: "ada"})
	require.ErrorIs(t, err, runnel.ErrStoreUnavailable)
}

func TestIdempotentPublish(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("customer"), runnel.WithPartitionCount(2))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := s.Publish(ctx, order{ID: 1, Customer: "ada"}, runnel.WithIdempotencyKey("order-1"))
	require.NoError(t, err)
	b, err := s.Publish(ctx, order{ID: 1, Customer: "ada"}, runnel.WithIdempotencyKey("order-1"))
	require.NoError(t, err)
	assert.Equal(t, a.Seq, b.Seq)

	c, err := s.Publish(ctx, order{ID: 2, Customer: "ada"})
	require.NoError(t, err)
	assert.Equal(t, a.Seq+1, c.Seq)
}

func TestPublishBatchKeepsInputOrder(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(4))
	require.NoError(t, err)

	batch := []order{{1, "ada"}, {2, "bob"}, {3, "ada"}, {4, "cy"}, {5, "bob"}}
	offs, err := s.PublishBatch(context.Background(), batch...)
	require.NoError(t, err)
	require.Len(t, offs, len(batch))

	last := map[int]uint64{}
	for i, o := range batch {
		assert.Equal(t, s.Partition(o.Customer), offs[i].Partition)
		assert.Greater(t, offs[i].Seq, last[offs[i].Partition])
		last[offs[i].Partition] = offs[i].Seq
	}
}

func TestStreamRegistration(t *testing.T) {
	t.Parallel()
	app := openApp(t)

	_, err := runnel.NewStream[order](app, "orders")
	require.ErrorIs(t, err, runnel.ErrPartitionKeyRequired)
	_, err = runnel.NewStream[order](app, "orders", runnel.WithPartitionBy(func(s string) string { return s }))
	require.Error(t, err)

	_, err = runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(4))
	require.NoError(t, err)
	_, err = runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(6))
	require.ErrorIs(t, err, runnel.ErrPartitionCountMismatch)

	again, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"))
	require.NoError(t, err)
	assert.Equal(t, 4, again.PartitionCount())

	_, err = runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithHasher(partition.FNV{}))
	require.Error(t, err)
}

func TestPartitionSizeBoundsTheLog(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[string](app, "clicks",
		runnel.WithPartitionBy(func(string) string { return "k" }),
		runnel.WithPartitionCount(1),
		runnel.WithPartitionSize(3),
		runnel.WithCodec(codec.Raw{}))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Publish(ctx, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	var got []string
	proc, err := runnel.NewProcessor(s, func(ctx context.Context, events *runnel.Events[string]) error {
		for events.TryNext() {
			v, err := events.Value()
			if err != nil {
				return err
			}
			got = append(got, v)
		}
		return nil
	}, fast()...)
	require.NoError(t, err)
	stop := runInBackground(t, proc)
	require.Eventually(t, func() bool {
		st, err := proc.Status(ctx)
		return err == nil && st.Partitions[0].Lag == 0 && st.Partitions[0].Cursor == 10
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []string{"c7", "c8", "c9"}, got)
}

func TestQuarantineAndOfflineClear(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	ctx := context.Background()
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(2))
	require.NoError(t, err)
	_, err = s.Publish(ctx, order{ID: 1, Customer: "ada"})
	require.NoError(t, err)

	proc, err := runnel.NewProcessor(s, func(ctx context.Context, events *runnel.Events[order]) error {
		for events.Next(ctx) {
			return errors.New("nope")
		}
		return nil
	}, append(fast(), runnel.WithName("audit"), runnel.WithExceptionPolicy(runnel.Quarantine))...)
	require.NoError(t, err)
	stop := runInBackground(t, proc)

	p := s.Partition("ada")
	require.Eventually(t, func() bool {
		st, err := runnel.ReadStatus(ctx, app, "audit")
		return err == nil && st.Partitions[p].Poisoned
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())

	n, err := runnel.ClearPoison(ctx, app, "audit", p)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err := runnel.ReadStatus(ctx, app, "audit")
	require.NoError(t, err)
	assert.False(t, st.Partitions[p].Poisoned)
	assert.Equal(t, 1, st.Partitions[p].Pending)
	assert.Equal(t, "quarantine", st.Policy)

	_, err = runnel.ReadStatus(ctx, app, "missing")
	require.ErrorIs(t, err, runnel.ErrNotFound)
	_, err = runnel.ClearPoison(ctx, app, "audit", 7)
	require.ErrorIs(t, err, runnel.ErrPartitionOutOfRange)
}

func TestHaltSurfacesCallbackError(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	ctx := context.Background()
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(1))
	require.NoError(t, err)
	_, err = s.Publish(ctx, order{ID: 9, Customer: "ada"})
	require.NoError(t, err)

	proc, err := runnel.NewProcessor(s, func(ctx context.Context, events *runnel.Events[order]) error {
		for events.Next(ctx) {
			o, _ := events.Value()
			return fmt.Errorf("order %d rejected", o.ID)
		}
		return nil
	}, fast()...)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = proc.Run(runCtx)
	require.ErrorIs(t, err, runnel.ErrCallback)
	var cb *runnel.CallbackError
	require.ErrorAs(t, err, &cb)
	assert.Equal(t, uint64(1), cb.Seq)
	assert.Contains(t, cb.Error(), "order 9 rejected")
}

func TestMiddlewareWrapsHandler(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	ctx := context.Background()
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"), runnel.WithPartitionCount(1))
	require.NoError(t, err)
	_, err = s.Publish(ctx, order{ID: 1, Customer: "ada"})
	require.NoError(t, err)

	var mu sync.Mutex
	var trace []string
	record := func(name string) runnel.Middleware {
		return func(next runnel.RawHandler) runnel.RawHandler {
			return func(ctx context.Context, it runnel.Iterator) error {
				mu.Lock()
				trace = append(trace, name)
				mu.Unlock()
				return next(ctx, it)
			}
		}
	}
	handled := make(chan struct{})
	var once sync.Once
	proc, err := runnel.NewProcessor(s, func(ctx context.Context, events *runnel.Events[order]) error {
		for events.Next(ctx) {
			once.Do(func() { close(handled) })
		}
		return nil
	}, append(fast(), runnel.WithMiddleware(record("outer"), record("inner")))...)
	require.NoError(t, err)
	runInBackground(t, proc)

	select {
	case <-handled:
	case <-time.After(10 * time.Second):
		t.Fatal("handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(trace), 2)
	assert.Equal(t, []string{"outer", "inner"}, trace[:2])
}

func TestParseExceptionPolicy(t *testing.T) {
	t.Parallel()
	p, err := runnel.ParseExceptionPolicy("quarantine")
	require.NoError(t, err)
	assert.Equal(t, runnel.Quarantine, p)
	_, err = runnel.ParseExceptionPolicy("bogus")
	require.ErrorIs(t, err, runnel.ErrUnknownPolicy)
}

func TestUnknownAssignmentStrategyIsRejected(t *testing.T) {
	t.Parallel()
	app := openApp(t)
	s, err := runnel.NewStream[order](app, "orders", runnel.WithPartitionByField("Customer"))
	require.NoError(t, err)
	handler := func(context.Context, *runnel.Events[order]) error { return nil }

	_, err = runnel.NewProcessor(s, handler, runnel.WithAssignmentStrategy("consistent-hash"))
	require.ErrorIs(t, err, runnel.ErrUnknownStrategy)

	proc, err := runnel.NewProcessor(s, handler, runnel.WithAssignmentStrategy("consistent_hash"))
	require.NoError(t, err)
	assert.NotNil(t, proc)
}
