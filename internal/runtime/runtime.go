package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rzbill/runnel/internal/catalog"
	"github.com/rzbill/runnel/internal/errs"
	"github.com/rzbill/runnel/internal/eventlog"
	"github.com/rzbill/runnel/internal/metrics"
	pebblestore "github.com/rzbill/runnel/internal/storage/pebble"
	"github.com/rzbill/runnel/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Metrics       metrics.Collector
	Logger        log.Logger
}

type logKey struct {
	stream    string
	partition int
}

// Runtime wires storage, logs and metrics for a single process.
type Runtime struct {
	db      *pebblestore.DB
	metrics metrics.Collector
	logger  log.Logger

	openMu sync.Mutex
	logs   *xsync.Map[logKey, *eventlog.Log]
	closed atomic.Bool
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		db:      db,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithComponent("runtime"),
		logs:    xsync.NewMap[logKey, *eventlog.Log](),
	}
	rt.logger.Info("runtime.opened", log.Str("data_dir", opts.DataDir))
	return rt, nil
}

// Close closes underlying resources. It is safe to call more than once.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.db.Close()
}

// CheckHealth reports whether the store answers reads.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.closed.Load() {
		return errs.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Healthy()
}

// Log returns the shared event log of a stream partition, opening it on
// first use.
func (r *Runtime) Log(stream string, partition int) (*eventlog.Log, error) {
	if r.closed.Load() {
		return nil, errs.ErrClosed
	}
	if partition < 0 {
		return nil, fmt.Errorf("%w: %d", errs.ErrPartitionOutOfRange, partition)
	}
	k := logKey{stream: stream, partition: partition}
	if l, ok := r.logs.Load(k); ok {
		return l, nil
	}
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if l, ok := r.logs.Load(k); ok {
		return l, nil
	}
	l, err := eventlog.OpenLog(r.db, stream, uint32(partition))
	if err != nil {
		return nil, err
	}
	l.SetTrimHook(r.metrics)
	r.logs.Store(k, l)
	return l, nil
}

// EnsureStream registers or validates a stream definition.
func (r *Runtime) EnsureStream(ctx context.Context, m catalog.StreamMeta) (catalog.StreamMeta, error) {
	if r.closed.Load() {
		return catalog.StreamMeta{}, errs.ErrClosed
	}
	return catalog.EnsureStream(ctx, r.db, m)
}

// DB exposes the underlying DB for internal packages.
func (r *Runtime) DB() *pebblestore.DB { return r.db }

func (r *Runtime) Metrics() metrics.Collector { return r.metrics }

func (r *Runtime) Logger() log.Logger { return r.logger }
