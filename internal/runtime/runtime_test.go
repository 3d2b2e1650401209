package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
)

func openRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openRuntime(t)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("health after close = %v", err)
	}
	if _, err := rt.Log("orders", 0); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("log after close = %v", err)
	}
}

func TestLogIsSharedPerPartition(t *testing.T) {
	rt := openRuntime(t)

	var wg sync.WaitGroup
	got := make([]*eventlog.Log, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := rt.Log("orders", 1)
			if err != nil {
				t.Errorf("log: %v", err)
				return
			}
			got[i] = l
		}(i)
	}
	wg.Wait()
	for _, l := range got[1:] {
		if l != got[0] {
			t.Fatalf("expected one log instance per partition")
		}
	}
	other, err := rt.Log("orders", 2)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if other == got[0] {
		t.Fatalf("partitions must not share a log")
	}

	// An append through one handle is visible to every caller.
	if _, err := got[0].Append(context.Background(), []eventlog.AppendRecord{{Payload: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	again, _ := rt.Log("orders", 1)
	if again.LastSeq() != 1 {
		t.Fatalf("last seq = %d", again.LastSeq())
	}
	if _, err := rt.Log("orders", -1); !errors.Is(err, errs.ErrPartitionOutOfRange) {
		t.Fatalf("negative partition = %v", err)
	}
}

func TestEnsureStream(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	if _, err := rt.EnsureStream(ctx, catalog.StreamMeta{Name: "orders", Partitions: 4}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err := rt.EnsureStream(ctx, catalog.StreamMeta{Name: "orders", Partitions: 8})
	if !errors.Is(err, errs.ErrPartitionCountMismatch) {
		t.Fatalf("expected partition count mismatch, got %v", err)
	}
}
